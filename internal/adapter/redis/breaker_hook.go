package redis

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pscheid92/liveview/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// BreakerHook implements redis.Hook to fail fast while Redis is unavailable.
// An open breaker surfaces to the watcher as a disconnected feed, so reopen
// attempts back off instead of piling up on a dead server.
type BreakerHook struct {
	cb *gobreaker.CircuitBreaker
}

var _ goredis.Hook = (*BreakerHook)(nil)

// NewBreakerHook trips after 5 consecutive failures and probes again after 30s.
func NewBreakerHook(m *metrics.SourceMetrics) *BreakerHook {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.BreakerTransitions.WithLabelValues(to.String()).Inc()
				m.BreakerState.Set(stateToFloat(to))
			}
		},
	})
	return &BreakerHook{cb: cb}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (h *BreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			return nil, err
		}
		return conn.(net.Conn), nil
	}
}

func (h *BreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		return h.guard(func() error { return next(ctx, cmd) })
	}
}

func (h *BreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		return h.guard(func() error { return next(ctx, cmds) })
	}
}

// guard runs fn through the breaker. Nil replies, aborted transactions and
// cancelled contexts are answers, not outages, and never count as failures.
func (h *BreakerHook) guard(fn func() error) error {
	var callErr error
	_, err := h.cb.Execute(func() (any, error) {
		callErr = fn()
		if callErr == nil || !isOutage(callErr) {
			return nil, nil
		}
		return nil, callErr
	})
	if err != nil && callErr == nil {
		// rejected by an open breaker, fn never ran
		return err
	}
	return callErr
}

func isOutage(err error) bool {
	switch {
	case errors.Is(err, goredis.Nil),
		errors.Is(err, goredis.TxFailedErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var redisErr goredis.Error
	// server replies such as WRONGTYPE prove the server is up
	return !errors.As(err, &redisErr)
}

// State returns the current breaker state.
func (h *BreakerHook) State() gobreaker.State {
	return h.cb.State()
}

// Counts returns the breaker's counters for the current interval.
func (h *BreakerHook) Counts() gobreaker.Counts {
	return h.cb.Counts()
}
