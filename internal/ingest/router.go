// Package ingest routes bus messages through the pipeline: metadata into
// scene memory, the event store and the trigger evaluator; frames into the
// ring and the analysis queue; status, event and alert beacons into camera
// state, the log and the alerts table.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/analysis"
	"github.com/axis-is/cloud-service/internal/bus"
	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/data"
	"github.com/axis-is/cloud-service/internal/frames"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/notify"
	"github.com/axis-is/cloud-service/internal/scene"
	"github.com/axis-is/cloud-service/internal/trigger"
)

// handleTimeout bounds one message's cache and store work. Provider calls
// run on the dispatcher's clock, not this one.
const handleTimeout = 10 * time.Second

// Dispatcher accepts analysis jobs for correlated frames.
type Dispatcher interface {
	Enqueue(job analysis.Job) bool
}

// AlertSink receives persisted camera alerts for fan-out.
type AlertSink interface {
	AlertRaised(a notify.Alert)
}

type Router struct {
	scenes     *scene.Store
	state      *cache.Cache
	events     data.EventModel
	alerts     data.AlertModel
	evaluator  *trigger.Evaluator
	correlator *frames.Correlator
	dispatcher Dispatcher
	alertSink  AlertSink
	stats      *metrics.PipelineStats
	dedup      *dedup
	log        zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewRouter(
	cfg *config.Config,
	scenes *scene.Store,
	state *cache.Cache,
	events data.EventModel,
	alerts data.AlertModel,
	evaluator *trigger.Evaluator,
	correlator *frames.Correlator,
	dispatcher Dispatcher,
	alertSink AlertSink,
	stats *metrics.PipelineStats,
	log zerolog.Logger,
) *Router {
	r := &Router{
		scenes:     scenes,
		state:      state,
		events:     events,
		alerts:     alerts,
		evaluator:  evaluator,
		correlator: correlator,
		dispatcher: dispatcher,
		alertSink:  alertSink,
		stats:      stats,
		log:        log.With().Str("component", "ingest").Logger(),
	}
	if cfg.MetadataDedupEnabled {
		r.dedup = newDedup(dedupSize, dedupTTL)
	}
	return r
}

// Attach registers the router as the bus handler and subscribes to the
// camera topic filters. Subscriptions are re-applied by the bus client on
// every (re)connect.
func (r *Router) Attach(b *bus.Client) {
	b.SetHandler(r.HandleMessage)
	for filter, qos := range bus.SubscriptionFilters() {
		b.Subscribe(filter, qos)
	}
	r.running.Store(true)
}

// Stop marks the ingress stopped and drains in-flight handlers. Each
// handler holds a bounded context, so the wait is bounded too.
func (r *Router) Stop() {
	if !r.running.Swap(false) {
		return
	}
	r.wg.Wait()
	r.log.Info().Msg("ingress drained")
}

// Running reports whether the router accepts messages.
func (r *Router) Running() bool {
	return r.running.Load()
}

// HandleMessage is the bus ingress. It runs on the MQTT client's delivery
// goroutine, so everything beyond routing moves to a tracked goroutine.
func (r *Router) HandleMessage(topic string, payload []byte) {
	if !r.running.Load() {
		return
	}
	r.stats.MessagesReceived.Add(1)

	cameraID, class, ok := bus.ParseTopic(topic)
	if !ok {
		r.stats.MessagesDropped.Add(1)
		metrics.RecordDrop("bad_topic")
		r.log.Warn().Str("topic", topic).Msg("unroutable topic")
		return
	}
	switch class {
	case bus.ClassMetadata, bus.ClassFrame, bus.ClassStatus, bus.ClassEvent, bus.ClassAlert:
	default:
		r.stats.MessagesDropped.Add(1)
		metrics.RecordDrop("unknown_class")
		r.log.Warn().Str("topic", topic).Msg("unknown topic class")
		return
	}
	metrics.RecordMessage(class)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Interface("panic", rec).Str("topic", topic).Msg("handler panic recovered")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()

		switch class {
		case bus.ClassMetadata:
			r.handleMetadata(ctx, cameraID, payload)
		case bus.ClassFrame:
			r.handleFrame(ctx, cameraID, payload)
		case bus.ClassStatus:
			r.handleStatus(ctx, cameraID, payload)
		case bus.ClassEvent:
			r.handleEvent(cameraID, payload)
		case bus.ClassAlert:
			r.handleAlert(ctx, cameraID, payload)
		}
	}()
}

func (r *Router) drop(reason, cameraID string, err error) {
	r.stats.MessagesDropped.Add(1)
	metrics.RecordDrop(reason)
	r.log.Warn().Err(err).Str("camera_id", cameraID).Str("reason", reason).Msg("message dropped")
}

func (r *Router) handleMetadata(ctx context.Context, cameraID string, payload []byte) {
	var m scene.Metadata
	if err := json.Unmarshal(payload, &m); err != nil {
		r.drop("bad_json", cameraID, err)
		return
	}

	if r.dedup != nil && r.dedup.duplicate(dedupKey(cameraID, m.TimestampUs, m.Sequence)) {
		r.drop("duplicate", cameraID, nil)
		return
	}

	if err := r.scenes.AddMetadata(ctx, cameraID, m); err != nil {
		// the event row is still worth keeping
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("scene memory insert failed")
	}

	eventID, err := r.events.Insert(ctx, &data.CameraEvent{
		CameraID:    cameraID,
		TimestampUs: m.TimestampUs,
		FrameID:     m.Sequence,
		Metadata:    payload,
		MotionScore: m.MotionScore,
		ObjectCount: m.ObjectCount,
		SceneHash:   m.SceneHash,
	})
	if err != nil {
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("event insert failed")
		return
	}
	r.stats.EventsStored.Add(1)
	metrics.EventsStoredTotal.Inc()

	state, err := r.state.GetCameraState(ctx, cameraID)
	if err != nil {
		r.log.Warn().Err(err).Str("camera_id", cameraID).Msg("state read failed")
		state = map[string]string{}
	}
	cooldown, err := r.state.CooldownActive(ctx, cameraID)
	if err != nil {
		r.log.Warn().Err(err).Str("camera_id", cameraID).Msg("cooldown read failed")
	}

	fire, reason := r.evaluator.Evaluate(ctx, cameraID, m, state, cooldown)
	if !fire {
		return
	}

	r.log.Info().Str("camera_id", cameraID).Str("reason", reason).Msg("trigger fired")
	if _, err := r.correlator.Request(ctx, cameraID, reason, eventID, m, false); err != nil {
		if errors.Is(err, frames.ErrCooldown) {
			// a concurrent handler won the race to the mark
			return
		}
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("frame request failed")
	}
}

type framePayload struct {
	RequestID   string `json:"request_id"`
	TimestampUs int64  `json:"timestamp_us"`
	ImageBase64 string `json:"image_base64"`
}

func (r *Router) handleFrame(ctx context.Context, cameraID string, payload []byte) {
	var f framePayload
	if err := json.Unmarshal(payload, &f); err != nil {
		r.drop("bad_json", cameraID, err)
		return
	}
	if f.RequestID == "" || f.TimestampUs == 0 || f.ImageBase64 == "" {
		r.drop("incomplete_frame", cameraID, nil)
		return
	}

	r.stats.FramesReceived.Add(1)
	r.log.Debug().
		Str("camera_id", cameraID).
		Int64("timestamp_us", f.TimestampUs).
		Int("size", len(f.ImageBase64)).
		Msg("frame received")

	if err := r.scenes.AddFrameImage(ctx, cameraID, f.RequestID, f.TimestampUs, f.ImageBase64); err != nil {
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("scene memory merge failed")
		return
	}

	pending, ok, err := r.correlator.Match(ctx, f.RequestID)
	if err != nil {
		r.log.Error().Err(err).Str("camera_id", cameraID).Str("request_id", f.RequestID).Msg("correlation lookup failed")
		return
	}
	if !ok {
		// late or redelivered frame: merged into the ring, no analysis
		r.log.Warn().Str("camera_id", cameraID).Str("request_id", f.RequestID).Msg("no pending request for frame")
		return
	}

	r.dispatcher.Enqueue(analysis.Job{
		CameraID:  cameraID,
		EventID:   pending.EventID,
		RequestID: f.RequestID,
		Trigger:   pending.Metadata,
	})
}

func (r *Router) handleStatus(ctx context.Context, cameraID string, payload []byte) {
	var status map[string]any
	if err := json.Unmarshal(payload, &status); err != nil {
		r.drop("bad_json", cameraID, err)
		return
	}

	fields := make(map[string]string, len(status))
	for k, v := range status {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		case nil:
			fields[k] = ""
		default:
			buf, _ := json.Marshal(val)
			fields[k] = string(buf)
		}
	}

	if err := r.state.SetCameraState(ctx, cameraID, fields); err != nil {
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("state upsert failed")
		return
	}
	r.log.Debug().Str("camera_id", cameraID).Str("state", fields["state"]).Msg("camera status")
}

func (r *Router) handleEvent(cameraID string, payload []byte) {
	var evt struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.drop("bad_json", cameraID, err)
		return
	}
	if evt.Type == "" {
		evt.Type = "unknown"
	}
	// placeholder: significant events may later elevate straight to analysis
	r.log.Info().Str("camera_id", cameraID).Str("type", evt.Type).Msg("camera event")
}

func (r *Router) handleAlert(ctx context.Context, cameraID string, payload []byte) {
	var a struct {
		Type     string `json:"type"`
		Severity int    `json:"severity"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(payload, &a); err != nil {
		r.drop("bad_json", cameraID, err)
		return
	}
	if a.Type == "" {
		a.Type = "camera_alert"
	}
	if a.Message == "" {
		a.Message = "unknown"
	}

	r.log.Warn().
		Str("camera_id", cameraID).
		Str("alert_type", a.Type).
		Int("severity", a.Severity).
		Str("message", a.Message).
		Msg("camera alert")

	id, err := r.alerts.Insert(ctx, &data.Alert{
		CameraID:  cameraID,
		AlertType: a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
		Metadata:  payload,
	})
	if err != nil {
		r.log.Error().Err(err).Str("camera_id", cameraID).Msg("alert insert failed")
		return
	}
	r.stats.AlertsRaised.Add(1)
	metrics.AlertsRaisedTotal.Inc()

	r.alertSink.AlertRaised(notify.Alert{
		AlertID:   id,
		CameraID:  cameraID,
		AlertType: a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
	})
}
