package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the chi router. Probes sit at the root; everything else is
// versioned under /api/v1. When auth is enabled, mutating routes require an
// operator token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleConfig)
		r.Get("/cameras", s.handleListCameras)
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/cameras/{cameraID}", func(r chi.Router) {
			r.Get("/analyses", s.handleAnalyses)
			r.Get("/scene-memory", s.handleSceneMemory)

			r.Group(func(r chi.Router) {
				r.Use(s.requireOperator)
				r.Post("/request-frame", s.handleRequestFrame)
			})
		})
	})

	return r
}

// requestLogger is the zerolog access log. Probe endpoints log at debug so a
// scraper does not flood the stream.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		evt := s.log.Info()
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			evt = s.log.Debug()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
