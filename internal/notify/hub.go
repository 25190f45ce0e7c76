// Package notify fans completed analyses and raised alerts out to live
// subscribers: websocket clients inside the process and NATS consumers
// outside it. Delivery is best effort; a slow subscriber loses events
// rather than stalling the pipeline.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/analysis"
	"github.com/axis-is/cloud-service/internal/metrics"
)

// Event types carried by the hub.
const (
	TypeAnalysisCompleted = "analysis.completed"
	TypeAlertRaised       = "alert.raised"
)

// subscriberBuffer is each subscriber's slack before events are dropped.
const subscriberBuffer = 16

// Event is one fan-out message.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Alert mirrors a persisted alert row for fan-out.
type Alert struct {
	AlertID   int64  `json:"alert_id"`
	CameraID  string `json:"camera_id"`
	AlertType string `json:"alert_type"`
	Severity  int    `json:"severity"`
	Message   string `json:"message"`
}

// Forwarder pushes events beyond the process boundary. Implemented by the
// NATS publisher; nil means in-process subscribers only.
type Forwarder interface {
	Forward(evt Event) error
}

type Hub struct {
	log zerolog.Logger
	fwd Forwarder

	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub(fwd Forwarder, log zerolog.Logger) *Hub {
	return &Hub{
		log:  log.With().Str("component", "notify").Logger(),
		fwd:  fwd,
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a buffered event channel. The caller must drain it and
// call Unsubscribe when done.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call once per channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// AnalysisCompleted implements the dispatcher's Notifier.
func (h *Hub) AnalysisCompleted(evt analysis.Completed) {
	h.publish(TypeAnalysisCompleted, evt)
}

// AlertRaised fans out a camera alert after it is persisted.
func (h *Hub) AlertRaised(a Alert) {
	h.publish(TypeAlertRaised, a)
}

func (h *Hub) publish(evtType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("type", evtType).Msg("marshal event")
		return
	}
	evt := Event{Type: evtType, Timestamp: time.Now().UTC(), Data: raw}

	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			metrics.NotifyDroppedTotal.Inc()
		}
	}
	h.mu.RUnlock()

	if h.fwd != nil {
		if err := h.fwd.Forward(evt); err != nil {
			h.log.Warn().Err(err).Str("type", evtType).Msg("forward failed")
		}
	}
}
