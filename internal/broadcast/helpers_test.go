package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn records every message it is asked to send. When gate is set, Send
// blocks until the gate opens or the connection is closed.
type fakeConn struct {
	mu       sync.Mutex
	sent     []domain.Message
	gate     chan struct{}
	sendErr  error
	finished string
	graceful bool

	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	gate, sendErr := c.gate, c.sendErr
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
			return errConnClosed
		}
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if sendErr != nil {
		return sendErr
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Finish(reason string) {
	c.mu.Lock()
	c.finished = reason
	c.graceful = true
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) block() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	return c.gate
}

func (c *fakeConn) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) finishReason() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished, c.graceful
}

// stubSource serves a fixed snapshot. during runs after the first document is
// sent; hold keeps ReadAll open until it is closed or ctx ends.
type stubSource struct {
	docs   []string
	at     domain.Position
	err    error
	during func()
	hold   chan struct{}
}

func (s *stubSource) ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (domain.Position, error) {
	for i, doc := range s.docs {
		if err := fn(json.RawMessage(doc)); err != nil {
			return domain.Position{}, err
		}
		if i == 0 && s.during != nil {
			s.during()
		}
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return domain.Position{}, ctx.Err()
		}
	}
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return s.at, nil
}

func newTestRegistry(t *testing.T, queueSize int) (*Registry, *metrics.SubscriberMetrics) {
	t.Helper()
	m := metrics.NewSubscriberMetrics(prometheus.NewRegistry())
	return NewRegistry(queueSize, clockwork.NewRealClock(), m), m
}

func serve(s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background()) }()
	return errCh
}

func startSession(t *testing.T, reg *Registry, conn *fakeConn, src Snapshotter) (*Session, <-chan error) {
	t.Helper()
	s := NewSession(uuid.New(), conn, src, reg)
	errCh := serve(s)
	waitForPhase(t, s, PhaseTailing)
	return s, errCh
}

func waitForPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Phase() == want }, time.Second, time.Millisecond,
		"session never reached phase %s", want)
}

func waitForCount(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.count() >= n }, time.Second, time.Millisecond,
		"expected %d messages", n)
}

func waitForExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func update(doc string, at uint64) domain.ChangeEvent {
	return domain.ChangeEvent{
		Operation: domain.OperationUpdate,
		Document:  json.RawMessage(doc),
		At:        domain.Position{Minor: at},
	}
}
