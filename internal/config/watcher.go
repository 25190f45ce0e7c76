package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const pollInterval = 30 * time.Second

// Watcher hot-reloads the trigger tuning subset when the config file
// changes. fsnotify is the fast path; a slow mtime poll runs alongside it
// as a safety net (editors that replace the file can drop the inotify
// watch on some filesystems).
type Watcher struct {
	cfg       *Config
	path      string
	log       zerolog.Logger
	lastMtime time.Time
}

func NewWatcher(cfg *Config, path string, log zerolog.Logger) *Watcher {
	w := &Watcher{
		cfg:  cfg,
		path: path,
		log:  log.With().Str("component", "config-watcher").Logger(),
	}
	if fi, err := os.Stat(path); err == nil {
		w.lastMtime = fi.ModTime()
	}
	return w
}

// Start launches the watch loops. They exit when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if w.path == "" {
		w.log.Debug().Msg("no config file, hot reload disabled")
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		fsw = nil
	} else if err := fsw.Add(w.path); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("cannot watch config file, polling only")
		fsw.Close()
		fsw = nil
	}

	if fsw != nil {
		go func() {
			defer fsw.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-fsw.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// editors often emit a burst of writes
						time.Sleep(100 * time.Millisecond)
						w.reload()
					}
				case err, ok := <-fsw.Errors:
					if !ok {
						return
					}
					w.log.Warn().Err(err).Msg("watch error")
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reloadIfChanged()
			}
		}
	}()
}

func (w *Watcher) reloadIfChanged() {
	fi, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if fi.ModTime().Equal(w.lastMtime) {
		return
	}
	w.reload()
}

// reload re-runs the full load (file + env + validation) and swaps only the
// tuning snapshot. A file that no longer validates is rejected whole.
func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Msg("reload rejected")
		return
	}
	if fi, err := os.Stat(w.path); err == nil {
		w.lastMtime = fi.ModTime()
	}
	w.cfg.adoptTuning(fresh)
	t := w.cfg.Tuning()
	w.log.Info().
		Float64("motion_threshold", t.MotionThreshold).
		Float64("vehicle_confidence_threshold", t.VehicleConfidenceThreshold).
		Bool("scene_change_enabled", t.SceneChangeEnabled).
		Bool("frame_request_enabled", t.FrameRequestEnabled).
		Dur("frame_request_cooldown", t.FrameRequestCooldown).
		Msg("tuning reloaded")
}
