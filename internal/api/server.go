// Package api is the read-mostly HTTP facade over the pipeline: health and
// stats probes, camera listings backed by cache state, analysis history,
// scene-memory snapshots, a manual frame trigger and a live event stream.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/data"
	"github.com/axis-is/cloud-service/internal/frames"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/notify"
	"github.com/axis-is/cloud-service/internal/scene"
	"github.com/axis-is/cloud-service/internal/tokens"
)

const (
	defaultAnalysesLimit = 10
	maxAnalysesLimit     = 100
)

// Bus is the connectivity view the health probe needs.
type Bus interface {
	Connected() bool
}

// FrameRequester issues a manual frame request through the correlator.
type FrameRequester interface {
	Request(ctx context.Context, cameraID, reason string, eventID int64, m scene.Metadata, force bool) (string, error)
}

// DispatcherView exposes the analysis pool's stats block.
type DispatcherView interface {
	Stats() map[string]any
}

// Ingress reports whether the bus router is accepting messages.
type Ingress interface {
	Running() bool
}

// Deps carries everything the facade reads. All fields except Tokens and
// NATS-related ones are required.
type Deps struct {
	Config     *config.Config
	DB         *sql.DB
	Cache      *cache.Cache
	Bus        Bus
	Scenes     *scene.Store
	Analyses   data.AnalysisModel
	Requester  FrameRequester
	Dispatcher DispatcherView
	Ingress    Ingress
	Stats      *metrics.PipelineStats
	Hub        *notify.Hub
	Tokens     *tokens.Manager
	Log        zerolog.Logger
}

type Server struct {
	Deps
	log zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		Deps: d,
		log:  d.Log.With().Str("component", "api").Logger(),
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// GET /
func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": config.AppName,
		"version": config.AppVersion,
		"status":  "running",
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{
		"database": "ok",
		"redis":    "ok",
		"mqtt":     "ok",
	}
	healthy := true

	if err := s.DB.PingContext(ctx); err != nil {
		components["database"] = err.Error()
		healthy = false
	}
	if err := s.Cache.Ping(ctx); err != nil {
		components["redis"] = err.Error()
		healthy = false
	}
	if !s.Bus.Connected() {
		components["mqtt"] = "disconnected"
		healthy = false
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":     state,
		"components": components,
	})
}

// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	redisStats, err := s.Cache.Stats(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("redis stats unavailable")
		redisStats = map[string]any{"error": err.Error()}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"service":      config.AppName,
		"version":      config.AppVersion,
		"pipeline":     s.Stats.Snapshot(s.Ingress.Running()),
		"scene_memory": s.Scenes.Stats(),
		"ai_agent":     s.Dispatcher.Stats(),
		"redis":        redisStats,
	})
}

// GET /api/v1/config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Config.Sanitized())
}

// GET /api/v1/cameras
func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Cache.ActiveCameras(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "camera listing unavailable")
		return
	}

	type cameraInfo struct {
		CameraID        string            `json:"camera_id"`
		State           map[string]string `json:"state"`
		SceneMemorySize int64             `json:"scene_memory_size"`
	}

	list := []cameraInfo{}
	for _, id := range ids {
		state, err := s.Cache.GetCameraState(r.Context(), id)
		if err != nil {
			s.log.Warn().Err(err).Str("camera_id", id).Msg("state read failed")
			state = map[string]string{}
		}
		size, err := s.Scenes.Size(r.Context(), id)
		if err != nil {
			s.log.Warn().Err(err).Str("camera_id", id).Msg("scene size read failed")
		}
		list = append(list, cameraInfo{CameraID: id, State: state, SceneMemorySize: size})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cameras": list,
		"count":   len(list),
	})
}

// GET /api/v1/cameras/{cameraID}/analyses?limit=
func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	limit := defaultAnalysesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAnalysesLimit {
		limit = maxAnalysesLimit
	}

	items, err := s.Analyses.RecentByCamera(r.Context(), cameraID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("camera_id", cameraID).Msg("analyses query failed")
		respondError(w, http.StatusInternalServerError, "analyses unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"analyses":  items,
		"count":     len(items),
	})
}

// GET /api/v1/cameras/{cameraID}/scene-memory
//
// Images stay out of the response; entries carry has_image and sizes only.
func (s *Server) handleSceneMemory(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	sceneCtx, err := s.Scenes.Context(r.Context(), cameraID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "scene memory unavailable")
		return
	}
	entries, err := s.Scenes.Recent(r.Context(), cameraID, 0, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "scene memory unavailable")
		return
	}

	type entryView struct {
		TimestampUs int64   `json:"timestamp_us"`
		FrameID     int64   `json:"frame_id"`
		MotionScore float64 `json:"motion_score"`
		ObjectCount int     `json:"object_count"`
		Detections  int     `json:"detections"`
		HasImage    bool    `json:"has_image"`
		ImageBytes  int     `json:"image_bytes,omitempty"`
		RequestID   string  `json:"request_id,omitempty"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			TimestampUs: e.TimestampUs,
			FrameID:     e.FrameID,
			MotionScore: e.MotionScore,
			ObjectCount: e.ObjectCount,
			Detections:  len(e.Detections),
			HasImage:    e.HasImage,
			ImageBytes:  len(e.ImageBase64),
			RequestID:   e.RequestID,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"context":   sceneCtx,
		"entries":   views,
	})
}

// POST /api/v1/cameras/{cameraID}/request-frame
func (s *Server) handleRequestFrame(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	req := struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual_api_request"
	}

	m := scene.Metadata{TimestampUs: time.Now().UnixMicro()}
	requestID, err := s.Requester.Request(r.Context(), cameraID, req.Reason, 0, m, req.Force)
	if err != nil {
		if errors.Is(err, frames.ErrCooldown) {
			respondError(w, http.StatusTooManyRequests, "cooldown active")
			return
		}
		s.log.Error().Err(err).Str("camera_id", cameraID).Msg("manual frame request failed")
		respondError(w, http.StatusBadGateway, "frame request failed")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"camera_id":  cameraID,
		"request_id": requestID,
		"reason":     req.Reason,
	})
}
