package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/liveview/internal/adapter/memory"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/app"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/pscheid92/liveview/internal/platform/config"
	"github.com/pscheid92/liveview/internal/platform/retry"
	"github.com/pscheid92/liveview/internal/watcher"
	"github.com/stretchr/testify/require"
)

// stack is the whole process on an in-memory source, served through httptest.
type stack struct {
	src      *memory.Source
	svc      *app.Service
	coord    *app.Coordinator
	registry *broadcast.Registry
	srv      *Server
	metrics  Metrics
	http     *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		Source:                  config.SourceMemory,
		SubscriberQueueSize:     64,
		WriteTimeout:            time.Second,
		DrainTimeout:            2 * time.Second,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		ConnectionRate:          1000,
		ConnectionBurst:         1000,
	}
}

func newStack(t *testing.T, tweak ...func(*config.Config)) *stack {
	t.Helper()

	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}

	reg := prometheus.NewRegistry()
	clock := clockwork.NewRealClock()
	m := Metrics{
		Registry:  reg,
		HTTP:      metrics.NewHTTPMetrics(reg),
		WebSocket: metrics.NewWebSocketMetrics(reg),
	}

	src := memory.New()
	registry := broadcast.NewRegistry(cfg.SubscriberQueueSize, clock, metrics.NewSubscriberMetrics(reg))
	svc := app.NewService(src, registry)
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	svc.AttachWatcher(watcher.New(src, svc.Resync, policy, clock, metrics.NewWatcherMetrics(reg)))

	coord := app.NewCoordinator(registry, cfg.DrainTimeout, nil)
	checks := []HealthCheck{
		{Name: "coordinator", Check: coord.Ready},
		{Name: "change_feed", Check: svc.FeedReady},
	}
	srv := NewServer(cfg, svc, coord.Ready, checks, m, clock)
	httpSrv := httptest.NewServer(srv)

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- coord.RunWatcher(context.Background(), svc.Run) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		<-watcherDone
		httpSrv.Close()
	})

	require.Eventually(t, func() bool { return svc.FeedReady(context.Background()) == nil }, 2*time.Second, time.Millisecond)

	return &stack{src: src, svc: svc, coord: coord, registry: registry, srv: srv, metrics: m, http: httpSrv}
}

func (s *stack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/socket"
}

// dial opens a subscriber connection and fails the test if the upgrade is refused.
func (s *stack) dial(t *testing.T) *ws.Conn {
	t.Helper()
	return s.dialWith(t, nil)
}

func (s *stack) dialWith(t *testing.T, header http.Header) *ws.Conn {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(s.wsURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialRefused expects the upgrade to fail and returns the HTTP response.
func (s *stack) dialRefused(t *testing.T, header http.Header) *http.Response {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(s.wsURL(), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	require.NotNil(t, resp)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readMessage(t *testing.T, conn *ws.Conn) domain.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readClose reads until the server closes and returns the close frame.
func readClose(t *testing.T, conn *ws.Conn) *ws.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *ws.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}
