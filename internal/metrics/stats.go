package metrics

import (
	"sync/atomic"
	"time"
)

// PipelineStats are the cheap in-process counters behind GET /stats. The
// Prometheus counters above cover scraping; these cover the JSON facade
// without a registry walk.
type PipelineStats struct {
	MessagesReceived  atomic.Uint64
	MessagesDropped   atomic.Uint64
	FramesReceived    atomic.Uint64
	FrameRequestsSent atomic.Uint64
	AnalysesTriggered atomic.Uint64
	AnalysesCompleted atomic.Uint64
	AnalysesFailed    atomic.Uint64
	EventsStored      atomic.Uint64
	AlertsRaised      atomic.Uint64

	startedAt time.Time
}

func NewPipelineStats() *PipelineStats {
	return &PipelineStats{startedAt: time.Now()}
}

// Snapshot renders the counter block of the /stats payload. running reflects
// the router's ingress state.
func (s *PipelineStats) Snapshot(running bool) map[string]any {
	return map[string]any{
		"messages_received":   s.MessagesReceived.Load(),
		"messages_dropped":    s.MessagesDropped.Load(),
		"frames_received":     s.FramesReceived.Load(),
		"frame_requests_sent": s.FrameRequestsSent.Load(),
		"analyses_triggered":  s.AnalysesTriggered.Load(),
		"analyses_completed":  s.AnalysesCompleted.Load(),
		"analyses_failed":     s.AnalysesFailed.Load(),
		"events_stored":       s.EventsStored.Load(),
		"alerts_raised":       s.AlertsRaised.Load(),
		"uptime_seconds":      int64(time.Since(s.startedAt).Seconds()),
		"running":             running,
	}
}
