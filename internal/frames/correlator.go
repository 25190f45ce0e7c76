// Package frames issues frame requests and matches arriving frames back to
// the trigger that asked for them. Correlation state lives in the cache's
// side table under the request id, bounded by its TTL; a frame whose keys
// are gone is treated as unsolicited.
package frames

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/bus"
	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/scene"
)

// ErrCooldown reports a request suppressed by the per-camera cooldown mark.
var ErrCooldown = errors.New("frame request cooldown active")

// Publisher is the outbound bus capability the correlator needs.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Pending is the stored context of an outstanding frame request.
type Pending struct {
	EventID  int64
	Metadata scene.Metadata
}

type Correlator struct {
	cfg   *config.Config
	cache *cache.Cache
	pub   Publisher
	stats *metrics.PipelineStats
	log   zerolog.Logger
}

func NewCorrelator(cfg *config.Config, c *cache.Cache, pub Publisher, stats *metrics.PipelineStats, log zerolog.Logger) *Correlator {
	return &Correlator{
		cfg:   cfg,
		cache: c,
		pub:   pub,
		stats: stats,
		log:   log.With().Str("component", "frames").Logger(),
	}
}

// Request publishes a frame_request command and stores its correlation
// context. The cooldown mark is set only after the publish succeeded, so a
// failed publish leaves the camera eligible for the next trigger. force
// bypasses the cooldown check (operator-initiated requests).
func (c *Correlator) Request(ctx context.Context, cameraID, reason string, eventID int64, m scene.Metadata, force bool) (string, error) {
	if !force {
		active, err := c.cache.CooldownActive(ctx, cameraID)
		if err != nil {
			return "", fmt.Errorf("cooldown check: %w", err)
		}
		if active {
			return "", ErrCooldown
		}
	}

	requestID := uuid.New().String()

	meta, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	if err := c.cache.PutFrameRequest(ctx, requestID, eventID, meta); err != nil {
		return "", fmt.Errorf("store request context: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"request_id": requestID,
		"reason":     reason,
		"timestamp":  m.TimestampUs,
	})
	if err != nil {
		return "", err
	}

	if err := c.pub.Publish(bus.FrameRequestTopic(cameraID), 1, payload); err != nil {
		// side-table keys age out on their own
		return "", fmt.Errorf("publish frame request: %w", err)
	}

	if err := c.cache.SetCooldown(ctx, cameraID, c.cfg.Tuning().FrameRequestCooldown); err != nil {
		// request is already out; worst case the next trigger double-fires
		c.log.Warn().Err(err).Str("camera_id", cameraID).Msg("cooldown mark failed")
	}

	c.stats.FrameRequestsSent.Add(1)
	metrics.FrameRequestsTotal.Inc()

	c.log.Info().
		Str("camera_id", cameraID).
		Str("request_id", requestID).
		Str("reason", reason).
		Int64("event_id", eventID).
		Msg("frame requested")
	return requestID, nil
}

// Match consumes the correlation context for a request id. ok is false for
// unknown, expired or already-consumed ids, which makes duplicate frame
// deliveries harmless. Corrupt stored values degrade to zero values rather
// than failing the frame.
func (c *Correlator) Match(ctx context.Context, requestID string) (*Pending, bool, error) {
	eventStr, metaStr, ok, err := c.cache.TakeFrameRequest(ctx, requestID)
	if err != nil {
		return nil, false, fmt.Errorf("take request context: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	p := &Pending{}
	if eventStr != "" {
		id, err := strconv.ParseInt(eventStr, 10, 64)
		if err != nil {
			c.log.Warn().Str("request_id", requestID).Str("event_id", eventStr).Msg("malformed stored event id")
		} else {
			p.EventID = id
		}
	}
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &p.Metadata); err != nil {
			c.log.Warn().Err(err).Str("request_id", requestID).Msg("malformed stored metadata")
			p.Metadata = scene.Metadata{}
		}
	}
	return p, true, nil
}
