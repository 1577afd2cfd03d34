package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/liveview/internal/adapter/httpserver"
	"github.com/pscheid92/liveview/internal/adapter/memory"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/adapter/mongo"
	"github.com/pscheid92/liveview/internal/adapter/redis"
	"github.com/pscheid92/liveview/internal/app"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/pscheid92/liveview/internal/platform/config"
	"github.com/pscheid92/liveview/internal/platform/logging"
	"github.com/pscheid92/liveview/internal/platform/retry"
	"github.com/pscheid92/liveview/internal/platform/version"
	"github.com/pscheid92/liveview/internal/watcher"
	"golang.org/x/sync/errgroup"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// changeSource is the selected backend plus what main needs to run it.
type changeSource struct {
	domain.ChangeSource
	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupSource(cfg *config.Config, reg prometheus.Registerer) (*changeSource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	sourceMetrics := metrics.NewSourceMetrics(reg)

	switch cfg.Source {
	case config.SourceMongo:
		src, err := mongo.Connect(ctx, cfg.MongoURL, cfg.Database, cfg.Collection, sourceMetrics)
		if err != nil {
			return nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		return &changeSource{ChangeSource: src, ping: src.Ping, close: src.Close}, nil

	case config.SourceRedis:
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, sourceMetrics)
		if err != nil {
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		return &changeSource{
			ChangeSource: redis.NewSource(rdb, cfg.Collection),
			ping:         func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			close:        func(context.Context) error { return rdb.Close() },
		}, nil

	default:
		slog.Warn("Using in-memory change source; nothing is persisted")
		return &changeSource{
			ChangeSource: memory.New(),
			ping:         func(context.Context) error { return nil },
			close:        func(context.Context) error { return nil },
		}, nil
	}
}

func reconnectPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		InitialBackoff: cfg.ReconnectInitialBackoff,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Change feed unavailable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port, "source", cfg.Source)

	reg := metrics.NewRegistry()

	src, err := setupSource(cfg, reg)
	if err != nil {
		slog.Error("Failed to set up change source", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := src.close(ctx); err != nil {
			slog.Error("Failed to close change source", "error", err)
		}
	}()

	registry := broadcast.NewRegistry(cfg.SubscriberQueueSize, clock, metrics.NewSubscriberMetrics(reg))
	svc := app.NewService(src, registry)
	svc.AttachWatcher(watcher.New(src, svc.Resync, reconnectPolicy(cfg), clock, metrics.NewWatcherMetrics(reg)))

	// The server needs the coordinator's readiness and the coordinator needs the
	// server's shutdown, so the server is bound late.
	var srv *httpserver.Server
	coord := app.NewCoordinator(registry, cfg.DrainTimeout, func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	checks := []httpserver.HealthCheck{
		{Name: "coordinator", Check: coord.Ready},
		{Name: "source", Check: src.ping},
		{Name: "change_feed", Check: svc.FeedReady},
	}
	srv = httpserver.NewServer(cfg, svc, coord.Ready, checks, httpserver.Metrics{
		Registry:  reg,
		HTTP:      metrics.NewHTTPMetrics(reg),
		WebSocket: metrics.NewWebSocketMetrics(reg),
	}, clock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	// The coordinator stops the watcher itself, after new subscribers are refused.
	g.Go(func() error {
		return coord.RunWatcher(context.Background(), svc.Run)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-coord.Stopped():
			return nil
		}
		if ctx.Err() != nil {
			slog.Info("Shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Stopped with error", "error", err)
		os.Exit(1)
	}
}
