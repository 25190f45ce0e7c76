// Package analysis runs the bounded worker pool between trigger and
// provider. Bus handlers enqueue without blocking; workers pull frames and
// context from scene memory, call the provider and persist the summary.
package analysis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/data"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/scene"
	"github.com/axis-is/cloud-service/internal/vision"
)

const (
	// analysisTimeout caps one job end to end, provider call included.
	analysisTimeout = 30 * time.Second

	// persistTimeout is the separate budget for the insert, so a slow
	// provider cannot starve the write of a finished analysis.
	persistTimeout = 5 * time.Second

	framesPerJob = 5
)

// Job is one scheduled analysis: the camera, the stored event row that
// triggered it, and the trigger metadata for the prompt.
type Job struct {
	CameraID  string
	EventID   int64
	RequestID string
	Trigger   scene.Metadata
}

// Completed describes a stored analysis for fan-out subscribers.
type Completed struct {
	AnalysisID     int64  `json:"analysis_id"`
	CameraID       string `json:"camera_id"`
	EventID        int64  `json:"event_id"`
	Summary        string `json:"summary"`
	FramesAnalyzed int    `json:"frames_analyzed"`
	DurationMs     int64  `json:"duration_ms"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
}

// Notifier receives every stored analysis. Implemented by the notify hub.
type Notifier interface {
	AnalysisCompleted(evt Completed)
}

type Dispatcher struct {
	provider vision.Provider
	scenes   *scene.Store
	analyses data.AnalysisModel
	stats    *metrics.PipelineStats
	notifier Notifier
	log      zerolog.Logger

	workers  int
	jobs     chan Job
	stopChan chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, provider vision.Provider, scenes *scene.Store, analyses data.AnalysisModel, stats *metrics.PipelineStats, notifier Notifier, log zerolog.Logger) *Dispatcher {
	queueSize := cfg.AnalysisQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	workers := cfg.MaxConcurrentAnalyses
	if workers <= 0 {
		workers = 5
	}
	return &Dispatcher{
		provider: provider,
		scenes:   scenes,
		analyses: analyses,
		stats:    stats,
		notifier: notifier,
		log:      log.With().Str("component", "dispatcher").Logger(),
		workers:  workers,
		jobs:     make(chan Job, queueSize),
		stopChan: make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.log.Info().
		Int("workers", d.workers).
		Int("queue_size", cap(d.jobs)).
		Str("provider", d.provider.Name()).
		Msg("dispatcher started")
}

// Stop ends the pool. Workers finish the job they hold; anything still
// queued is abandoned. Safe to call twice.
func (d *Dispatcher) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	close(d.stopChan)
	d.wg.Wait()
	if n := len(d.jobs); n > 0 {
		d.log.Warn().Int("abandoned", n).Msg("dispatcher stopped with queued jobs")
	}
}

// Enqueue schedules a job without blocking the caller. A full queue or a
// stopped dispatcher drops the job and returns false.
func (d *Dispatcher) Enqueue(job Job) bool {
	if d.stopped.Load() {
		return false
	}
	select {
	case d.jobs <- job:
		d.stats.AnalysesTriggered.Add(1)
		metrics.AnalysisQueueDepth.Set(float64(len(d.jobs)))
		return true
	default:
		metrics.RecordAnalysis(d.provider.Name(), "dropped")
		d.log.Warn().
			Str("camera_id", job.CameraID).
			Int64("event_id", job.EventID).
			Msg("analysis queue full, job dropped")
		return false
	}
}

// QueueDepth is the current backlog, served under /stats.
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Stats is the ai_agent block of the /stats payload.
func (d *Dispatcher) Stats() map[string]any {
	s := d.provider.Stats()
	s["max_concurrent"] = d.workers
	s["queue_depth"] = len(d.jobs)
	return s
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case job := <-d.jobs:
			metrics.AnalysisQueueDepth.Set(float64(len(d.jobs)))
			d.run(job)
		}
	}
}

func (d *Dispatcher) run(job Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()

	frames, err := d.scenes.Recent(ctx, job.CameraID, framesPerJob, true)
	if err != nil {
		d.fail(job, fmt.Errorf("load frames: %w", err))
		return
	}
	if len(frames) == 0 {
		metrics.RecordAnalysis(d.provider.Name(), "empty")
		d.log.Warn().Str("camera_id", job.CameraID).Msg("no frames available for analysis")
		return
	}

	sceneCtx, err := d.scenes.Context(ctx, job.CameraID)
	if err != nil {
		d.fail(job, fmt.Errorf("load scene context: %w", err))
		return
	}

	res, err := d.provider.Analyze(ctx, vision.Request{
		CameraID: job.CameraID,
		Trigger:  job.Trigger,
		Frames:   frames,
		Context:  sceneCtx,
	})
	if err != nil {
		d.fail(job, err)
		return
	}

	durationMs := time.Since(start).Milliseconds()

	dbCtx, dbCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer dbCancel()
	id, err := d.analyses.Insert(dbCtx, &data.Analysis{
		CameraID:       job.CameraID,
		TriggerEventID: job.EventID,
		TimestampUs:    time.Now().UnixMicro(),
		Summary:        res.Summary,
		FullResponse:   res.FullResponse,
		FramesAnalyzed: len(frames),
		DurationMs:     durationMs,
	})
	if err != nil {
		d.fail(job, fmt.Errorf("store analysis: %w", err))
		return
	}

	d.stats.AnalysesCompleted.Add(1)
	metrics.RecordAnalysis(d.provider.Name(), "completed")
	metrics.ObserveAnalysisDuration(d.provider.Name(), float64(durationMs))

	if d.notifier != nil {
		d.notifier.AnalysisCompleted(Completed{
			AnalysisID:     id,
			CameraID:       job.CameraID,
			EventID:        job.EventID,
			Summary:        res.Summary,
			FramesAnalyzed: len(frames),
			DurationMs:     durationMs,
			Provider:       d.provider.Name(),
			Model:          d.provider.Model(),
		})
	}

	d.log.Info().
		Str("camera_id", job.CameraID).
		Int64("analysis_id", id).
		Int64("event_id", job.EventID).
		Int("frames", len(frames)).
		Int64("duration_ms", durationMs).
		Msg("analysis stored")
}

func (d *Dispatcher) fail(job Job, err error) {
	d.stats.AnalysesFailed.Add(1)
	metrics.RecordAnalysis(d.provider.Name(), "failed")
	d.log.Error().Err(err).
		Str("camera_id", job.CameraID).
		Int64("event_id", job.EventID).
		Msg("analysis failed")
}
