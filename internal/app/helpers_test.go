package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/stretchr/testify/require"
)

// recordingConn is a broadcast.Conn that keeps what it was sent. A stuck conn
// never completes a Send until it is closed.
type recordingConn struct {
	mu     sync.Mutex
	sent   []domain.Message
	reason string
	stuck  bool

	done chan struct{}
	once sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{done: make(chan struct{})}
}

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	stuck := c.stuck
	c.mu.Unlock()
	if stuck {
		<-c.done
	}
	select {
	case <-c.done:
		return errors.New("use of closed connection")
	default:
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

func (c *recordingConn) Finish(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	_ = c.Close()
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *recordingConn) Done() <-chan struct{} { return c.done }

func (c *recordingConn) setStuck() {
	c.mu.Lock()
	c.stuck = true
	c.mu.Unlock()
}

func (c *recordingConn) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

func (c *recordingConn) finishReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *recordingConn) waitFor(t *testing.T, n int) []domain.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.messages()) >= n }, 2*time.Second, time.Millisecond,
		"expected %d messages", n)
	return c.messages()
}

func newRegistry() *broadcast.Registry {
	m := metrics.NewSubscriberMetrics(prometheus.NewRegistry())
	return broadcast.NewRegistry(64, clockwork.NewRealClock(), m)
}
