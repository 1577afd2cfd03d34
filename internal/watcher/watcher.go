// Package watcher follows a ChangeSource's feed and forwards normalized change events.
//
// The watcher checkpoints the resume token of every notification it consumes and
// reopens the feed from that checkpoint when the connection drops. When the
// source no longer has the history behind the checkpoint, the watcher starts a
// fresh feed and reports a resync, because subscribers may have missed changes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/pscheid92/liveview/internal/platform/retry"
)

const closeTimeout = 5 * time.Second

// Status is a point-in-time view of the watcher.
type Status struct {
	Connected  bool
	Forwarded  uint64
	Resyncs    int
	LastResync time.Time
}

type Watcher struct {
	source   domain.ChangeSource
	policy   retry.Policy
	clock    clockwork.Clock
	metrics  *metrics.WatcherMetrics
	onResync func()

	connected atomic.Bool
	forwarded atomic.Uint64

	mu         sync.Mutex
	resyncs    int
	lastResync time.Time

	// Owned by the Run goroutine.
	token         domain.ResumeToken
	resyncPending bool
}

// New creates a watcher over source. onResync is called, after a fresh feed is
// open, whenever the resume token expired; it may be nil. Feed opens are retried
// under policy.
func New(source domain.ChangeSource, onResync func(), policy retry.Policy, clock clockwork.Clock, m *metrics.WatcherMetrics) *Watcher {
	if onResync == nil {
		onResync = func() {}
	}
	policy.Clock = clock
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Change feed open failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return &Watcher{
		source:   source,
		policy:   policy,
		clock:    clock,
		metrics:  m,
		onResync: onResync,
	}
}

// Run forwards every change to onEvent until ctx is cancelled, in which case it
// returns nil. It returns an error when the feed cannot be reopened within the
// retry policy, or when it fails more than MaxAttempts times in a row without
// delivering a notification.
//
// The first reopen after a healthy stretch is immediate. Consecutive failures
// back off under the policy even when every reopen itself succeeds.
func (w *Watcher) Run(ctx context.Context, onEvent func(domain.ChangeEvent)) error {
	feed, err := w.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	slog.Info("Change feed opened")

	failures := 0
	for {
		n, err := feed.Next(ctx)
		if err == nil {
			failures = 0
			w.forward(n, onEvent)
			continue
		}

		w.closeFeed(ctx, feed)
		if ctx.Err() != nil {
			slog.Info("Change feed watcher stopped")
			return nil
		}

		failures++
		if failures > w.policy.MaxAttempts {
			return fmt.Errorf("change feed failed %d times in a row: %w", failures, err)
		}

		var backoff time.Duration
		if failures > 1 {
			backoff = w.policy.Backoff(failures - 1)
		}
		if errors.Is(err, domain.ErrResumeTokenExpired) {
			w.expire(err)
		} else {
			slog.Warn("Change feed interrupted, reconnecting", "error", err, "failures", failures, "backoff", backoff)
		}
		w.metrics.Reconnects.Inc()

		if !w.sleep(ctx, backoff) {
			slog.Info("Change feed watcher stopped")
			return nil
		}
		feed, err = w.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Info("Change feed reopened", "resumed", w.token != nil)
	}
}

func (w *Watcher) open(ctx context.Context) (domain.Feed, error) {
	for {
		token := w.token
		feed, err := retry.Do(ctx, w.policy, classify, func(ctx context.Context) (domain.Feed, error) {
			return w.source.OpenFeed(ctx, token)
		})
		if err == nil {
			w.setConnected(true)
			if w.resyncPending {
				w.resyncPending = false
				w.onResync()
			}
			return feed, nil
		}

		if errors.Is(err, domain.ErrResumeTokenExpired) && token != nil {
			w.expire(err)
			continue
		}
		return nil, fmt.Errorf("open change feed: %w", err)
	}
}

// sleep waits d on the watcher's clock. It reports false if ctx ended first.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := w.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) forward(n domain.Notification, onEvent func(domain.ChangeEvent)) {
	w.token = n.Token

	op, err := domain.ParseOperation(n.Operation)
	if err != nil {
		slog.Warn("Skipping change with unknown operation", "operation", n.Operation)
		w.metrics.EventsSkipped.Inc()
		return
	}

	doc := n.Document
	if op == domain.OperationDelete || len(doc) == 0 {
		doc = n.Key
	}

	onEvent(domain.ChangeEvent{
		Operation: op,
		Key:       n.Key,
		Document:  doc,
		Token:     n.Token,
		At:        n.At,
	})
	w.forwarded.Add(1)
	w.metrics.EventsForwarded.WithLabelValues(string(op)).Inc()
}

// expire drops the checkpoint. The resync is announced once the next feed is open.
func (w *Watcher) expire(cause error) {
	w.token = nil
	w.resyncPending = true

	w.mu.Lock()
	w.resyncs++
	w.lastResync = w.clock.Now()
	w.mu.Unlock()

	w.metrics.Resyncs.Inc()
	slog.Error("Resume token expired, subscribers will be resynchronized", "error", cause)
}

func (w *Watcher) closeFeed(ctx context.Context, feed domain.Feed) {
	w.setConnected(false)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := feed.Close(ctx); err != nil {
		slog.Warn("Failed to close change feed", "error", err)
	}
}

func (w *Watcher) setConnected(connected bool) {
	w.connected.Store(connected)
	if connected {
		w.metrics.Connected.Set(1)
	} else {
		w.metrics.Connected.Set(0)
	}
}

// Connected reports whether a feed is currently open.
func (w *Watcher) Connected() bool {
	return w.connected.Load()
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Connected:  w.connected.Load(),
		Forwarded:  w.forwarded.Load(),
		Resyncs:    w.resyncs,
		LastResync: w.lastResync,
	}
}

// classify stops retrying on an expired token so the caller can start over
// without it. Everything else is worth another attempt.
func classify(err error) retry.Action {
	if errors.Is(err, domain.ErrResumeTokenExpired) {
		return retry.Stop
	}
	return retry.Retry
}
