// Package httpserver serves the subscriber websocket, the dashboard and the
// operational endpoints over echo.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/adapter/websocket"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/platform/config"
	"github.com/pscheid92/liveview/internal/watcher"
)

type subscriberService interface {
	Connect(ctx context.Context, conn broadcast.Conn, remoteAddr string) error
	Subscribers() int
	FeedStatus() watcher.Status
}

// Metrics bundles what the server reports to. Registry is served on /metrics.
type Metrics struct {
	Registry  *prometheus.Registry
	HTTP      *metrics.HTTPMetrics
	WebSocket *metrics.WebSocketMetrics
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	service      subscriberService
	ready        func(ctx context.Context) error
	healthChecks []HealthCheck

	upgrader *gorillaws.Upgrader
	limits   *ConnectionLimits
	metrics  Metrics

	startTime time.Time
}

// NewServer wires routes. ready gates new subscribers; it is normally the
// coordinator's readiness check.
func NewServer(cfg *config.Config, svc subscriberService, ready func(ctx context.Context) error, healthChecks []HealthCheck, m Metrics, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg)

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		service:      svc,
		ready:        ready,
		healthChecks: healthChecks,
		upgrader:     websocket.NewUpgrader(websocket.NewCheckOrigin(cfg.Origins(), cfg.AppEnv != "production")),
		limits: NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRate,
			cfg.ConnectionBurst,
		),
		metrics:   m,
		startTime: clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// ipExtractor only honours X-Forwarded-For when the hop that set it is a
// configured proxy; otherwise clients could pick their own address and slip past
// the per-IP limits.
func ipExtractor(cfg *config.Config) echo.IPExtractor {
	ranges, err := cfg.ProxyRanges()
	if err != nil || len(ranges) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, r := range ranges {
		opts = append(opts, echo.TrustIPRange(r))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections. Upgraded websockets are not tracked by
// the HTTP server; the registry drains them.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the router through httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
