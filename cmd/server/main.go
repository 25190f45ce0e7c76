// The cloud-side pipeline for the Axis I.S. camera fleet: MQTT ingress,
// scene memory, trigger evaluation, frame correlation, vision analysis and
// the operator HTTP facade, wired in dependency order and torn down in
// reverse.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/analysis"
	"github.com/axis-is/cloud-service/internal/api"
	"github.com/axis-is/cloud-service/internal/bus"
	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/data"
	"github.com/axis-is/cloud-service/internal/frames"
	"github.com/axis-is/cloud-service/internal/ingest"
	"github.com/axis-is/cloud-service/internal/logging"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/notify"
	"github.com/axis-is/cloud-service/internal/scene"
	"github.com/axis-is/cloud-service/internal/tokens"
	"github.com/axis-is/cloud-service/internal/trigger"
	"github.com/axis-is/cloud-service/internal/vision"
)

const connectTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.New(false)
		boot.Fatal().Err(err).Msg("config load failed")
	}

	log := logging.New(cfg.Debug)
	log.Info().
		Str("version", config.AppVersion).
		Str("provider", cfg.AIProvider).
		Str("model", cfg.ProviderModel()).
		Msg("starting")

	if err := run(cfg, *configPath, log); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run(cfg *config.Config, configPath string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// relational store: pool + schema bootstrap. A broken schema is fatal.
	db, err := data.Open(cfg.DatabaseURL, cfg.DatabasePoolSize)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := data.Migrate(db); err != nil {
		return err
	}
	events := data.EventModel{DB: db}
	analyses := data.AnalysisModel{DB: db}
	alerts := data.AlertModel{DB: db}
	log.Info().Msg("database ready")

	// key-value store
	kv, err := cache.New(cfg.RedisURL, cfg.SceneMemoryFrames, cfg.SceneMemoryTTLDuration())
	if err != nil {
		return err
	}
	defer kv.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = kv.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}
	log.Info().Msg("redis ready")

	// vision provider, chosen once
	provider, err := vision.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}

	// pipeline components
	stats := metrics.NewPipelineStats()
	scenes := scene.NewStore(kv, log)
	evaluator := trigger.NewEvaluator(cfg, kv, log)

	var forwarder notify.Forwarder
	var natsPub *notify.Publisher
	if cfg.NATSURL != "" {
		natsPub, err = notify.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer natsPub.Close()
		forwarder = natsPub
		log.Info().Str("url", cfg.NATSURL).Msg("nats fan-out enabled")
	}
	hub := notify.NewHub(forwarder, log)

	dispatcher := analysis.NewDispatcher(cfg, provider, scenes, analyses, stats, hub, log)
	dispatcher.Start()
	defer dispatcher.Stop()

	busClient := bus.NewClient(cfg, log)
	correlator := frames.NewCorrelator(cfg, kv, busClient, stats, log)
	router := ingest.NewRouter(cfg, scenes, kv, events, alerts, evaluator, correlator, dispatcher, hub, stats, log)

	// subscriptions are registered before the dial so the connect handler
	// applies them as soon as the session is up
	router.Attach(busClient)
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = busClient.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer busClient.Disconnect()
	defer router.Stop()

	// tuning hot reload
	watcher := config.NewWatcher(cfg, configPath, log)
	watcher.Start(ctx)

	// HTTP facade
	var tokenMgr *tokens.Manager
	if cfg.APIJWTSecret != "" {
		tokenMgr = tokens.NewManager(cfg.APIJWTSecret)
	}
	facade := api.NewServer(api.Deps{
		Config:     cfg,
		DB:         db,
		Cache:      kv,
		Bus:        busClient,
		Scenes:     scenes,
		Analyses:   analyses,
		Requester:  correlator,
		Dispatcher: dispatcher,
		Ingress:    router,
		Stats:      stats,
		Hub:        hub,
		Tokens:     tokenMgr,
		Log:        log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           facade.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPListenAddr).Msg("http facade listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	// shutdown: drain the facade, stop the ingress, let in-flight work
	// finish inside the grace window, then the defers close the rest
	log.Info().Dur("grace", cfg.ShutdownGraceDuration()).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceDuration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	busClient.Disconnect()
	if !waitWithin(cfg.ShutdownGraceDuration(), router.Stop) {
		log.Warn().Msg("ingress drain exceeded grace period")
	}
	if !waitWithin(cfg.ShutdownGraceDuration(), dispatcher.Stop) {
		log.Warn().Msg("dispatcher drain exceeded grace period")
	}

	log.Info().Msg("stopped")
	return nil
}

// waitWithin runs fn and reports whether it returned inside the window. A
// late fn keeps running; its resources are reclaimed at process exit.
func waitWithin(window time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(window):
		return false
	}
}
