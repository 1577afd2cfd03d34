package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pscheid92/liveview/internal/domain"
)

// Phase is the lifecycle stage of a session.
type Phase int32

const (
	PhaseSnapshotting Phase = iota
	PhaseTailing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseSnapshotting:
		return "snapshotting"
	case PhaseTailing:
		return "tailing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outbound struct {
	operation domain.Operation
	data      []byte
	at        domain.Position
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueFull
)

// Session is one subscriber: a snapshot of the collection followed by every change
// broadcast after registration, in broadcast order. Serve runs the whole send path
// on the caller's goroutine; nothing else writes to the Conn except Close.
type Session struct {
	id       uuid.UUID
	conn     Conn
	source   Snapshotter
	registry *Registry

	queue    chan outbound
	phase    atomic.Int32
	evicting atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	finish       chan struct{}
	finishOnce   sync.Once
	finishReason string

	exited chan struct{}
}

// NewSession binds conn to registry. The session does nothing until Serve is called.
func NewSession(id uuid.UUID, conn Conn, source Snapshotter, registry *Registry) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		source:   source,
		registry: registry,
		queue:    make(chan outbound, registry.queueSize),
		closed:   make(chan struct{}),
		finish:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Exited is closed once Serve has returned.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// Serve registers the session, streams the snapshot and then tails the queue until
// the peer goes away, the session is finished or evicted, or ctx is cancelled.
// A peer disconnect or a graceful finish returns nil. If the registry refuses the
// session the transport is left open so the caller can tell the peer why.
func (s *Session) Serve(ctx context.Context) error {
	defer close(s.exited)

	if err := s.registry.Register(s); err != nil {
		s.phase.Store(int32(PhaseClosed))
		return err
	}
	defer s.registry.Unregister(s)
	defer s.close(nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.conn.Done():
		case <-s.closed:
		case <-ctx.Done():
		}
		cancel()
	}()

	snapAt, err := s.snapshot(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.phase.CompareAndSwap(int32(PhaseSnapshotting), int32(PhaseTailing))
	return s.tail(ctx, snapAt)
}

func (s *Session) snapshot(ctx context.Context) (domain.Position, error) {
	m := s.registry.metrics
	start := s.registry.clock.Now()

	at, err := s.source.ReadAll(ctx, func(doc json.RawMessage) error {
		data, err := json.Marshal(domain.SnapshotMessage(doc))
		if err != nil {
			return fmt.Errorf("marshal snapshot document: %w", err)
		}
		if err := s.send(data); err != nil {
			return err
		}
		m.SnapshotDocuments.Inc()
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSubscriberSend) {
			return at, err
		}
		return at, fmt.Errorf("%w: %w", domain.ErrSnapshotRead, err)
	}

	m.SnapshotDuration.Observe(s.registry.clock.Since(start).Seconds())
	slog.Debug("Snapshot sent", "session_id", s.id, "position", at.String())
	return at, nil
}

func (s *Session) tail(ctx context.Context, snapAt domain.Position) error {
	for {
		select {
		case msg := <-s.queue:
			if err := s.deliver(msg, snapAt); err != nil {
				return s.fail(err)
			}
		case <-s.finish:
			return s.flush(snapAt)
		case <-s.closed:
			return s.closeErr
		case <-s.conn.Done():
			return s.fail(nil)
		case <-ctx.Done():
			return s.fail(ctx.Err())
		}
	}
}

// flush delivers whatever is queued, then closes the transport gracefully.
func (s *Session) flush(snapAt domain.Position) error {
	for {
		select {
		case msg := <-s.queue:
			if err := s.deliver(msg, snapAt); err != nil {
				return s.fail(err)
			}
		default:
			s.phase.Store(int32(PhaseClosed))
			s.conn.Finish(s.finishReason)
			return nil
		}
	}
}

func (s *Session) deliver(msg outbound, snapAt domain.Position) error {
	if msg.at.CoveredBy(snapAt) {
		s.registry.metrics.FencedEvents.Inc()
		return nil
	}
	if err := s.send(msg.data); err != nil {
		return err
	}
	s.registry.metrics.MessagesSent.WithLabelValues(string(msg.operation)).Inc()
	return nil
}

func (s *Session) send(data []byte) error {
	if err := s.conn.Send(data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSubscriberSend, err)
	}
	return nil
}

// fail closes the session with err. A cause recorded by an earlier close wins,
// and a peer that already went away is not an error.
func (s *Session) fail(err error) error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
	}
	select {
	case <-s.conn.Done():
		s.close(nil)
		return nil
	default:
	}
	s.close(err)
	return err
}

func (s *Session) enqueue(msg outbound) enqueueResult {
	select {
	case <-s.closed:
		return enqueueClosed
	default:
	}

	select {
	case s.queue <- msg:
		return enqueued
	default:
		return enqueueFull
	}
}

// Finish asks the session to deliver what is queued and then close the transport
// with a close frame carrying reason. Only the first call has an effect.
func (s *Session) Finish(reason string) {
	s.finishOnce.Do(func() {
		s.finishReason = reason
		close(s.finish)
	})
}

// close tears the session down immediately. Only the first cause is kept.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		s.phase.Store(int32(PhaseClosed))
		close(s.closed)
		_ = s.conn.Close()
	})
}
