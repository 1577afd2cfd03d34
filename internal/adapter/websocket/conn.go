// Package websocket adapts gorilla/websocket connections to broadcast.Conn.
package websocket

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/broadcast"
)

const (
	pingInterval = 30 * time.Second
	pongDeadline = 60 * time.Second
	closeGrace   = time.Second
	readLimit    = 4096

	// CloseTryAgainLater is sent when a connection was upgraded but the
	// process can no longer take subscribers.
	CloseTryAgainLater = websocket.CloseTryAgainLater
)

// NewUpgrader returns an upgrader using checkOrigin, or allowing any origin when nil.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// Conn is a server-side websocket. Subscribers only listen: a read loop handles
// control frames and notices when the peer goes away, a ping loop keeps idle
// connections alive. Data frames are written by a single sender.
type Conn struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	writeTimeout time.Duration
	metrics      *metrics.WebSocketMetrics

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ broadcast.Conn = (*Conn)(nil)

// NewConn starts the read and ping loops for an upgraded connection.
func NewConn(c *websocket.Conn, clock clockwork.Clock, writeTimeout time.Duration, m *metrics.WebSocketMetrics) *Conn {
	conn := &Conn{
		conn:         c,
		clock:        clock,
		writeTimeout: writeTimeout,
		metrics:      m,
		done:         make(chan struct{}),
	}
	if m != nil {
		m.ActiveConnections.Inc()
	}

	c.SetReadLimit(readLimit)
	conn.updateReadDeadline()
	c.SetPongHandler(func(string) error {
		conn.updateReadDeadline()
		return nil
	})

	conn.wg.Add(2)
	go conn.readLoop()
	go conn.pingLoop()
	return conn
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			_ = c.Close()
			return
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				if c.metrics != nil {
					c.metrics.PingFailures.Inc()
				}
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one text frame. A failed write closes the connection.
func (c *Conn) Send(data []byte) error {
	start := c.clock.Now()
	_ = c.conn.SetWriteDeadline(c.deadline())
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.Close()
		return err
	}
	if c.metrics != nil {
		c.metrics.MessageSendSeconds.Observe(c.clock.Since(start).Seconds())
	}
	return nil
}

// Finish sends a close frame whose code matches reason, waits briefly for the
// peer to answer and closes.
func (c *Conn) Finish(reason string) {
	c.FinishWithCode(closeCode(reason), reason)
}

func (c *Conn) FinishWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, c.deadline()); err == nil {
		if c.metrics != nil {
			c.metrics.CloseFrames.WithLabelValues(strconv.Itoa(code)).Inc()
		}
		select {
		case <-c.done:
		case <-c.clock.After(closeGrace):
		}
	}
	_ = c.Close()
}

// Close drops the connection without a close frame. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		if c.metrics != nil {
			c.metrics.ActiveConnections.Dec()
		}
	})
	return err
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the read and ping loops have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) deadline() time.Time {
	return c.clock.Now().Add(c.writeTimeout)
}

func (c *Conn) updateReadDeadline() {
	_ = c.conn.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}

func closeCode(reason string) int {
	switch reason {
	case broadcast.ReasonShutdown:
		return websocket.CloseGoingAway
	case broadcast.ReasonResync:
		return websocket.CloseServiceRestart
	default:
		return websocket.CloseNormalClosure
	}
}
