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

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/dnewmon/broadcast-socket-sub000/internal/broadcast"
	"github.com/dnewmon/broadcast-socket-sub000/internal/cluster"
	"github.com/dnewmon/broadcast-socket-sub000/internal/config"
	"github.com/dnewmon/broadcast-socket-sub000/internal/consumer"
	"github.com/dnewmon/broadcast-socket-sub000/internal/gateway"
	"github.com/dnewmon/broadcast-socket-sub000/internal/httpapi"
	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/metrics"
	"github.com/dnewmon/broadcast-socket-sub000/internal/ratelimit"
	"github.com/dnewmon/broadcast-socket-sub000/internal/session"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
)

func main() {
	cfg := config.Load()

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	workerID := logger.GetInstanceID()

	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	// Store adapter
	st, err := store.NewAdapter(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Error("failed to connect to store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Registries and engine
	m := metrics.New()
	sessions := session.NewRegistry(st, log)
	subs := subscription.NewRegistry(st, log)
	consumers := consumer.NewManager(st, workerID, log)
	limiter := ratelimit.NewConnectionLimiter(cfg.ConnRateLimit)

	// Cluster bridge (optional)
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("gateway-"+workerID))
		if err != nil {
			log.Warn("NATS unavailable, cluster bridge disabled", slog.String("error", err.Error()))
			nc = nil
		}
	}
	bridge := cluster.NewBridge(nc, workerID, log)
	if err := bridge.Start(); err != nil {
		log.Warn("cluster bridge failed to start", slog.String("error", err.Error()))
	}

	supervisor := gateway.NewSupervisor(gateway.Options{
		Sessions:         sessions,
		Subscriptions:    subs,
		Consumers:        consumers,
		Bridge:           bridge,
		Limiter:          limiter,
		Metrics:          m,
		Logger:           log,
		PingInterval:     cfg.PingInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})

	engine := broadcast.NewEngine(st, subs, consumers, supervisor, m, log)
	supervisor.SetEngine(engine)

	if err := engine.Start(); err != nil {
		log.Error("failed to start broadcast engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	supervisor.Start()

	// Periodic sweeps: stream trim, session cleanup, limiter eviction and
	// a cluster liveness ping.
	janitor := cron.New()
	janitor.AddFunc("@every 5m", func() {
		consumers.TrimStaleEntries(ctx)
	})
	janitor.AddFunc("@every 30m", func() {
		sessions.CleanupStale(ctx)
	})
	janitor.AddFunc("@every 5m", func() {
		limiter.Evict()
	})
	janitor.AddFunc("@every 30s", func() {
		active, accepted := supervisor.Counts()
		bridge.Ping(map[string]interface{}{
			"connections": active,
			"accepted":    accepted,
		})
	})
	janitor.Start()

	// HTTP server
	api := httpapi.NewServer(cfg, st, engine, supervisor, subs, m, log)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.Router(),
	}

	go func() {
		log.Info("gateway listening",
			slog.String("port", cfg.Port),
			slog.String("worker_id", workerID),
			slog.Int("workers", cfg.Workers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown: drain HTTP, stop loops, destroy consumers, close
	// sinks, drain the bridge, close the store.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("error", err.Error()))
	}

	janitor.Stop()
	engine.Stop()
	supervisor.Shutdown(shutdownCtx)
	consumers.Shutdown(shutdownCtx)

	if err := bridge.Stop(); err != nil {
		log.Warn("bridge shutdown", slog.String("error", err.Error()))
	}
	if nc != nil {
		nc.Close()
	}
	if err := st.Close(); err != nil {
		log.Warn("store shutdown", slog.String("error", err.Error()))
	}

	log.Info("shutdown complete")
}
