package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/liveview/internal/broadcast"
)

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Coordinator runs the ordered shutdown: refuse new sessions, stop accepting
// connections, stop the watcher, then drain sessions within DrainTimeout.
type Coordinator struct {
	registry      *broadcast.Registry
	drainTimeout  time.Duration
	stopAccepting func(ctx context.Context) error

	mu            sync.Mutex
	state         State
	stopped       chan struct{}
	watcherCancel context.CancelFunc
	watcherDone   chan struct{}
}

// NewCoordinator creates a running coordinator. stopAccepting closes the listener;
// it may be nil.
func NewCoordinator(registry *broadcast.Registry, drainTimeout time.Duration, stopAccepting func(ctx context.Context) error) *Coordinator {
	return &Coordinator{
		registry:      registry,
		drainTimeout:  drainTimeout,
		stopAccepting: stopAccepting,
		stopped:       make(chan struct{}),
	}
}

// RunWatcher runs fn until it returns or Shutdown cancels it. Returns nil if
// shutdown already began.
func (c *Coordinator) RunWatcher(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.watcherCancel = cancel
	c.watcherDone = done
	c.mu.Unlock()

	return fn(ctx)
}

// Shutdown stops the process in order and returns once every session is gone.
// Sessions still open when the drain deadline passes are force-closed. Calling
// Shutdown again waits for the first call to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		stopped := c.stopped
		c.mu.Unlock()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = StateDraining
	cancelWatcher, watcherDone := c.watcherCancel, c.watcherDone
	c.mu.Unlock()

	defer c.finish()
	slog.Info("Shutting down", "sessions", c.registry.Len(), "drain_timeout", c.drainTimeout)

	c.registry.BeginDrain()

	var errs []error
	if c.stopAccepting != nil {
		if err := c.stopAccepting(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop accepting: %w", err))
		}
	}

	if cancelWatcher != nil {
		cancelWatcher()
		select {
		case <-watcherDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for watcher: %w", ctx.Err()))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()
	if err := c.registry.Drain(drainCtx, broadcast.ReasonShutdown); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	close(c.stopped)
	slog.Info("Shutdown complete")
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready fails outside the running state.
func (c *Coordinator) Ready(context.Context) error {
	if state := c.State(); state != StateRunning {
		return fmt.Errorf("coordinator is %s", state)
	}
	return nil
}

// Stopped is closed once Shutdown completed.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopped
}
