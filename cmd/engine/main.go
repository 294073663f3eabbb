package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/api/gateway"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/api/middleware"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/api/websocket"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/config"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/lifecycle"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/logger"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/tracing"
)

// stageRetryInterval paces install retries when the first version cannot
// pre-warm, for instance when the store is empty and the POS boots offline.
const stageRetryInterval = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("offline engine starting",
		"version", cfg.Version,
		"origin", cfg.OriginURL,
		"listen", cfg.ListenAddr)

	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			log.Warn("coordinator accepts any page origin; restrict allowed_origins outside development")
		}
	}

	cleanupTracing, err := tracing.Init(cfg.TracingEndpoint, cfg.TracingSampleRate)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer cleanupTracing()

	store, err := partition.Open(cfg.StorePath, cfg.MaxBodyBytes)
	if err != nil {
		log.Error("failed to open partition store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rt := lifecycle.NewRuntime(store, log)

	hub := websocket.NewHub(ctx, rt, log)
	rt.SetNotifier(hub)
	go hub.Run()
	wsHandler := websocket.NewHandler(ctx, hub, cfg.AllowedOrigins, log)

	h, err := gateway.NewHandler(rt, store, cfg.OriginURL, log)
	if err != nil {
		log.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.Tracing)
	router.Use(middleware.StructuredLog)
	gateway.SetupRoutes(router, h, wsHandler.ServeWS, cfg.MetricsToken)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	// Stage the configured version before taking traffic. A store that
	// already holds this version's partitions activates without the origin.
	if err := rt.Stage(ctx, cfg); err != nil {
		log.Error("initial version failed to stage, retrying in background",
			"version", cfg.Version, "error", err)
		go retryStage(ctx, rt, cfg, log)
	}

	// A rewritten config file is how a new engine version deploys.
	config.Watch(func(next *config.Config) {
		log.Info("configuration changed", "version", next.Version)
		if err := rt.Stage(ctx, next); err != nil {
			log.Error("failed to stage configured version",
				"version", next.Version, "error", err)
		}
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: corsHandler,
		// WriteTimeout must outlast an origin fetch, which can take the
		// full fetch timeout before the strategy falls back.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("engine listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			log.Info("reload signal received")
			next, err := config.Load()
			if err != nil {
				log.Error("reload failed", "error", err)
				continue
			}
			if err := rt.Stage(ctx, next); err != nil {
				log.Error("failed to stage reloaded version",
					"version", next.Version, "error", err)
			}
			continue
		}
		break
	}

	log.Info("shutting down")
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", "error", err)
	}
	log.Info("engine stopped")
}

// retryStage keeps trying the initial install until it lands or the process
// exits. An empty store needs the origin reachable at least once.
func retryStage(ctx context.Context, rt *lifecycle.Runtime, cfg *config.Config, log *slog.Logger) {
	ticker := time.NewTicker(stageRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.Active() != nil {
				return
			}
			if err := rt.Stage(ctx, cfg); err != nil {
				log.Warn("install retry failed", "version", cfg.Version, "error", err)
				continue
			}
			return
		}
	}
}
