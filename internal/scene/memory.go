// Package scene maintains the per-camera ring of recent frames: metadata
// entries merged with late-arriving images by timestamp proximity. All
// state lives in the cache's sorted sets; this package owns the entry
// encoding and the merge rules.
package scene

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/cache"
)

// MatchToleranceUs is the widest timestamp gap at which an arriving image
// is still considered the same moment as a metadata entry.
const MatchToleranceUs = 1_000_000

type Store struct {
	cache *cache.Cache
	log   zerolog.Logger

	// per-camera count of metadata entries processed, for /stats
	perCamera sync.Map // string -> *atomic.Uint64
}

func NewStore(c *cache.Cache, log zerolog.Logger) *Store {
	return &Store{
		cache: c,
		log:   log.With().Str("component", "scene").Logger(),
	}
}

// AddMetadata inserts a metadata-only entry. Entries without a positive
// timestamp cannot be ordered or merged, so they are dropped here rather
// than poisoning the ring.
func (s *Store) AddMetadata(ctx context.Context, cameraID string, m Metadata) error {
	if m.TimestampUs <= 0 {
		s.log.Warn().Str("camera_id", cameraID).Msg("metadata missing timestamp, dropped")
		return nil
	}

	entry := Entry{
		TimestampUs: m.TimestampUs,
		FrameID:     m.Sequence,
		MotionScore: m.MotionScore,
		ObjectCount: m.ObjectCount,
		SceneHash:   m.SceneHash,
		Detections:  m.Detections,
		HasImage:    false,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.cache.AddSceneEntry(ctx, cameraID, m.TimestampUs, buf); err != nil {
		return err
	}
	s.bump(cameraID)
	return nil
}

// AddFrameImage merges an arriving image into the ring. The closest entry
// within MatchToleranceUs is upgraded in place (earliest wins on a distance
// tie); with no candidate the image is kept as a bare entry, since its
// metadata may already have been evicted.
func (s *Store) AddFrameImage(ctx context.Context, cameraID, requestID string, timestampUs int64, imageBase64 string) error {
	raw, err := s.cache.SceneEntries(ctx, cameraID)
	if err != nil {
		return err
	}

	var (
		best     *Entry
		bestRaw  string
		bestDist int64 = MatchToleranceUs
	)
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Warn().Str("camera_id", cameraID).Err(err).Msg("undecodable scene entry skipped")
			continue
		}
		d := timestampUs - e.TimestampUs
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestRaw, bestDist = &e, r, d
		}
	}

	if best != nil {
		best.HasImage = true
		best.ImageBase64 = imageBase64
		best.RequestID = requestID
		updated, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := s.cache.ReplaceSceneEntry(ctx, cameraID, best.TimestampUs, []byte(bestRaw), updated); err != nil {
			return err
		}
		s.log.Info().
			Str("camera_id", cameraID).
			Int64("timestamp_us", best.TimestampUs).
			Int64("delta_us", bestDist).
			Msg("frame image merged into scene memory")
		return nil
	}

	entry := Entry{
		TimestampUs: timestampUs,
		RequestID:   requestID,
		HasImage:    true,
		ImageBase64: imageBase64,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.cache.AddSceneEntry(ctx, cameraID, timestampUs, buf); err != nil {
		return err
	}
	s.log.Info().Str("camera_id", cameraID).Int64("timestamp_us", timestampUs).
		Msg("unmatched frame added as image-only entry")
	return nil
}

// Recent returns up to limit entries, newest last. With withImages the
// filter applies before the cut, so the result is the newest image-bearing
// entries. limit <= 0 means no cut.
func (s *Store) Recent(ctx context.Context, cameraID string, limit int, withImages bool) ([]Entry, error) {
	entries, err := s.load(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if withImages {
		kept := entries[:0]
		for _, e := range entries {
			if e.HasImage {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Context aggregates the ring for prompts and the HTTP facade.
func (s *Store) Context(ctx context.Context, cameraID string) (Context, error) {
	entries, err := s.load(ctx, cameraID)
	if err != nil {
		return Context{}, err
	}
	if len(entries) == 0 {
		return Context{
			CameraID:        cameraID,
			FramesAvailable: 0,
			Summary:         "No frames in memory",
		}, nil
	}

	var (
		totalObjects int
		motionSum    float64
		withImages   int
		classes      = map[int]struct{}{}
	)
	for _, e := range entries {
		totalObjects += e.ObjectCount
		motionSum += e.MotionScore
		if e.HasImage {
			withImages++
		}
		for _, d := range e.Detections {
			classes[d.ClassID] = struct{}{}
		}
	}

	var span float64
	if len(entries) > 1 {
		span = float64(entries[len(entries)-1].TimestampUs-entries[0].TimestampUs) / 1e6
	}

	return Context{
		CameraID:            cameraID,
		FramesAvailable:     len(entries),
		FramesWithImages:    withImages,
		TimeSpanSeconds:     span,
		TotalObjects:        totalObjects,
		AverageMotionScore:  math.Round(motionSum/float64(len(entries))*1000) / 1000,
		UniqueObjectClasses: len(classes),
		LatestTimestamp:     entries[len(entries)-1].TimestampUs,
	}, nil
}

// Size is the camera's current ring cardinality.
func (s *Store) Size(ctx context.Context, cameraID string) (int64, error) {
	return s.cache.SceneSize(ctx, cameraID)
}

// Stats mirrors the counters block of /stats.
func (s *Store) Stats() map[string]any {
	perCamera := map[string]uint64{}
	var total uint64
	s.perCamera.Range(func(k, v any) bool {
		n := v.(*atomic.Uint64).Load()
		perCamera[k.(string)] = n
		total += n
		return true
	})
	return map[string]any{
		"cameras":                len(perCamera),
		"total_frames_processed": total,
		"frames_per_camera":      perCamera,
	}
}

func (s *Store) load(ctx context.Context, cameraID string) ([]Entry, error) {
	raw, err := s.cache.SceneEntries(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Warn().Str("camera_id", cameraID).Err(err).Msg("undecodable scene entry skipped")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) bump(cameraID string) {
	v, _ := s.perCamera.LoadOrStore(cameraID, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(1)
}
