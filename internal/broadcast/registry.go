package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/domain"
)

// Eviction reasons reported on the evictions metric.
const (
	EvictSlow   = "slow"
	EvictResync = "resync"
	EvictDrain  = "drain"
	EvictForced = "forced"
)

// forceCloseGrace bounds how long Drain waits for force-closed sessions to unwind.
const forceCloseGrace = time.Second

type registryState int32

const (
	stateOpen registryState = iota
	stateDraining
	stateClosed
)

func (s registryState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Registry is the set of live sessions.
//
// Register and Unregister take a short lock and publish a fresh copy of the member
// list; Broadcast reads the current copy without locking, so fan-out never waits on
// membership changes and a session added mid-broadcast simply misses that event.
type Registry struct {
	clock     clockwork.Clock
	metrics   *metrics.SubscriberMetrics
	queueSize int

	mu       sync.Mutex
	state    registryState
	sessions map[*Session]struct{}

	members atomic.Pointer[[]*Session]
}

// NewRegistry creates an open registry. queueSize bounds every session's outbound queue.
func NewRegistry(queueSize int, clock clockwork.Clock, m *metrics.SubscriberMetrics) *Registry {
	r := &Registry{
		clock:     clock,
		metrics:   m,
		queueSize: queueSize,
		sessions:  make(map[*Session]struct{}),
	}
	r.members.Store(&[]*Session{})
	return r
}

// Register adds s to the member set. Fails with ErrRegistryClosed once draining began.
// Registering the same session twice is a no-op.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return domain.ErrRegistryClosed
	}
	if _, ok := r.sessions[s]; ok {
		return nil
	}

	r.sessions[s] = struct{}{}
	r.publishLocked()
	slog.Debug("Session registered", "session_id", s.ID(), "total_sessions", len(r.sessions))
	return nil
}

// Unregister removes s. Idempotent.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return
	}

	delete(r.sessions, s)
	r.publishLocked()
	slog.Debug("Session unregistered", "session_id", s.ID(), "remaining_sessions", len(r.sessions))
}

func (r *Registry) publishLocked() {
	members := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		members = append(members, s)
	}
	r.members.Store(&members)
	r.metrics.ActiveSessions.Set(float64(len(members)))
}

func (r *Registry) snapshot() []*Session {
	return *r.members.Load()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

// Broadcast enqueues ev on every registered session without blocking.
// Sessions whose queue is full are evicted asynchronously.
func (r *Registry) Broadcast(ev domain.ChangeEvent) error {
	start := r.clock.Now()

	data, err := json.Marshal(ev.Message())
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	msg := outbound{operation: ev.Operation, data: data, at: ev.At}

	for _, s := range r.snapshot() {
		if s.enqueue(msg) == enqueueFull {
			r.evict(s)
		}
	}

	r.metrics.Broadcasts.Inc()
	r.metrics.BroadcastDuration.Observe(r.clock.Since(start).Seconds())
	return nil
}

func (r *Registry) evict(s *Session) {
	if !s.evicting.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("Evicting slow subscriber", "session_id", s.ID(), "queue_size", r.queueSize)
	r.metrics.Evictions.WithLabelValues(EvictSlow).Inc()

	go func() {
		s.close(fmt.Errorf("%w: outbound queue full", domain.ErrSubscriberSend))
		r.Unregister(s)
	}()
}

// Resync asks every current session to flush and close with reason.
// New sessions keep being accepted; they will snapshot from scratch.
func (r *Registry) Resync(reason string) int {
	members := r.snapshot()
	for _, s := range members {
		s.Finish(reason)
	}
	r.metrics.Evictions.WithLabelValues(EvictResync).Add(float64(len(members)))
	return len(members)
}

// BeginDrain stops accepting new sessions. Existing sessions keep running.
func (r *Registry) BeginDrain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateOpen {
		r.state = stateDraining
	}
}

// Drain stops accepting sessions, asks every session to flush its queue and close
// with reason, and waits for them to exit. When ctx expires first the remaining
// sessions are force-closed, given forceCloseGrace to exit, and the context error
// is returned.
func (r *Registry) Drain(ctx context.Context, reason string) error {
	r.BeginDrain()

	members := r.snapshot()
	slog.Info("Draining sessions", "sessions", len(members))
	for _, s := range members {
		s.Finish(reason)
	}
	r.metrics.Evictions.WithLabelValues(EvictDrain).Add(float64(len(members)))

	for _, s := range members {
		select {
		case <-s.Exited():
		case <-ctx.Done():
			forced := r.CloseAll(ctx.Err())
			slog.Warn("Drain deadline exceeded, sessions force-closed", "forced", forced)
			if lingering := r.awaitExit(members); lingering > 0 {
				slog.Error("Sessions still unwinding after force close", "sessions", lingering)
			}
			return fmt.Errorf("drain sessions: %w", ctx.Err())
		}
	}

	r.setState(stateClosed)
	return nil
}

// awaitExit waits up to forceCloseGrace for members to return from Serve and
// reports how many had not.
func (r *Registry) awaitExit(members []*Session) int {
	timer := r.clock.NewTimer(forceCloseGrace)
	defer timer.Stop()
	for i, s := range members {
		select {
		case <-s.Exited():
		case <-timer.Chan():
			return len(members) - i
		}
	}
	return 0
}

// CloseAll closes every remaining session immediately and refuses new ones.
// Returns the number of sessions that were still registered.
func (r *Registry) CloseAll(cause error) int {
	r.setState(stateClosed)

	members := r.snapshot()
	for _, s := range members {
		s.close(cause)
	}
	r.metrics.Evictions.WithLabelValues(EvictForced).Add(float64(len(members)))
	return len(members)
}

func (r *Registry) setState(state registryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state > r.state {
		r.state = state
	}
}

// State reports "open", "draining" or "closed".
func (r *Registry) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}
