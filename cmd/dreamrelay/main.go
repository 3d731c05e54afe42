package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dreamrelay/internal/cache"
	"dreamrelay/internal/config"
	"dreamrelay/internal/httpapi"
	"dreamrelay/internal/lifecycle"
	"dreamrelay/internal/playback"
	"dreamrelay/internal/presence"
	"dreamrelay/internal/relay"
	"dreamrelay/internal/statestore"
)

// stateSaveGrace is how long the relay waits after requesting a state save
// before tearing the worker down.
const stateSaveGrace = 2 * time.Second

func main() {
	// .env is a development convenience; real deployments set env vars.
	_ = config.LoadEnv()

	// Flags with environment variable defaults
	addr := flag.String("addr", config.GetEnv("DREAMRELAY_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	configPath := flag.String("config", config.GetEnv("DREAMRELAY_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	stateDir := flag.String("state-dir", config.GetEnv("DREAMRELAY_STATE_DIR", "~/.dreamrelay"), "Directory for persisted worker state")
	workerToken := flag.String("worker-token", config.GetEnv("DREAMRELAY_WORKER_TOKEN", ""), "Bearer token for the worker endpoint (empty disables auth)")
	workerURL := flag.String("worker-url", config.GetEnv("DREAMRELAY_WORKER_URL", ""), "Relay URL handed to provider-started workers")
	cacheCapacity := flag.Int("cache-capacity", config.GetEnvInt("DREAMRELAY_CACHE_CAPACITY", cache.DefaultCapacity), "Frame ring buffer capacity")
	targetFPS := flag.Float64("target-fps", config.GetEnvFloat("DREAMRELAY_TARGET_FPS", playback.DefaultTargetFPS), "Nominal playback rate until the worker configures one")
	gracePeriodSec := flag.Int("grace-period-sec", config.GetEnvInt("DREAMRELAY_GRACE_PERIOD_SEC", int(presence.DefaultGracePeriod.Seconds())), "Idle seconds before the worker is stopped")
	apiTimeoutSec := flag.Int("api-timeout-sec", config.GetEnvInt("DREAMRELAY_API_TIMEOUT_SEC", int(presence.DefaultAPITimeout.Seconds())), "Seconds an API hit counts as viewer activity")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(logLevel).With().Timestamp().Logger()
	httpapi.SetLogger(logger)

	// A config file fills values first; flags and env cover what it leaves
	// unset.
	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = *addr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = *stateDir
	}
	if cfg.WorkerToken == "" {
		cfg.WorkerToken = *workerToken
	}
	if cfg.WorkerURL == "" {
		cfg.WorkerURL = *workerURL
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = *cacheCapacity
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = *targetFPS
	}
	if cfg.GracePeriodSec <= 0 {
		cfg.GracePeriodSec = *gracePeriodSec
	}
	if cfg.APITimeoutSec <= 0 {
		cfg.APITimeoutSec = *apiTimeoutSec
	}
	if !cfg.Provider.Configured() {
		cfg.Provider = config.ProviderConfig{
			BaseURL:    config.GetEnv("DREAMRELAY_PROVIDER_BASE_URL", cfg.Provider.BaseURL),
			EndpointID: config.GetEnv("DREAMRELAY_PROVIDER_ENDPOINT_ID", cfg.Provider.EndpointID),
			APIKey:     config.GetEnv("DREAMRELAY_PROVIDER_API_KEY", cfg.Provider.APIKey),
		}
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = splitCSV(config.GetEnv("DREAMRELAY_CORS_ORIGINS", "*"))
	}

	store, err := statestore.New(cfg.StateDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("open state store")
	}

	frames := cache.New(cfg.CacheCapacity)

	var provider lifecycle.Provider
	if cfg.Provider.Configured() {
		provider = lifecycle.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.EndpointID, cfg.Provider.APIKey, logger)
		logger.Info().Str("endpoint", cfg.Provider.EndpointID).Msg("compute provider configured")
	} else {
		logger.Info().Msg("no compute provider configured, waiting for worker connections")
	}

	// The hub is built after the manager and tracker but both call back into
	// it; the closures resolve the pointer at call time.
	var hub *relay.Hub

	manager := lifecycle.New(lifecycle.Config{
		Provider:  provider,
		WorkerURL: cfg.WorkerURL,
		Publisher: lifecycle.NewMemoryPublisher(),
		OnStateChange: func(s lifecycle.State, errMsg string) {
			if hub != nil {
				hub.OnBackendState(string(s), errMsg)
			}
		},
		Logger: logger,
	})

	tracker := presence.New(presence.Config{
		GracePeriod: time.Duration(cfg.GracePeriodSec) * time.Second,
		APITimeout:  time.Duration(cfg.APITimeoutSec) * time.Second,
		OnShouldStart: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := manager.EnsureRunning(ctx); err != nil {
				logger.Error().Err(err).Msg("backend start failed")
			}
		},
		OnShouldStop: func() {
			// Give the worker a moment to flush its state, then ask it to
			// exit cleanly before the job is cancelled.
			if err := hub.RequestSaveState(); err == nil {
				time.Sleep(stateSaveGrace)
			} else if !relay.IsNoWorker(err) {
				logger.Warn().Err(err).Msg("save state request failed")
			}
			if err := hub.RequestShutdown(); err != nil && !relay.IsNoWorker(err) {
				logger.Warn().Err(err).Msg("shutdown request failed")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := manager.ForceStop(ctx); err != nil {
				logger.Error().Err(err).Msg("backend stop failed")
			}
		},
		Logger: logger,
	})

	hub = relay.New(relay.Config{
		Cache:    frames,
		Presence: tracker,
		Backend:  manager,
		Store:    store,
		Metrics:  httpapi.RelayMetrics{},
		Logger:   logger,
		Playback: playback.Config{TargetFPS: cfg.TargetFPS},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpapi.SetBaseContext(ctx)
	go hub.Run(ctx)

	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins,
		[]string{"GET", "POST", "DELETE", "OPTIONS"},
		[]string{"Accept", "Authorization", "Content-Type"})

	svc := httpapi.NewRelayService(hub, frames, tracker, manager, store)
	mux := httpapi.NewMux(httpapi.MuxConfig{
		Service:     svc,
		Sockets:     hub,
		WorkerToken: cfg.WorkerToken,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("state_dir", store.Dir()).Msg("dreamrelay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")
	cancel() // ends the pacing loop, SSE streams and viewer sockets

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
}

// splitCSV splits a comma separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
