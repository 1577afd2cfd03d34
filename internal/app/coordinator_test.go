package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/liveview/internal/adapter/memory"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *stepLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

func TestCoordinator_ShutdownOrder(t *testing.T) {
	src := memory.New()
	_, _ = src.Insert(json.RawMessage(`{"_id":1}`))
	registry := newRegistry()
	svc := NewService(src, registry)

	var log stepLog
	coord := NewCoordinator(registry, time.Second, func(context.Context) error {
		log.add("stop accepting")
		return nil
	})

	watcherStarted := make(chan struct{})
	watcherErr := make(chan error, 1)
	go func() {
		watcherErr <- coord.RunWatcher(context.Background(), func(ctx context.Context) error {
			close(watcherStarted)
			<-ctx.Done()
			log.add("watcher stopped")
			return nil
		})
	}()
	<-watcherStarted

	conn := newRecordingConn()
	sessionErr := connect(svc, conn)
	conn.waitFor(t, 1)
	require.NoError(t, coord.Ready(context.Background()))

	require.NoError(t, coord.Shutdown(context.Background()))
	log.add("drained")

	assert.Equal(t, []string{"stop accepting", "watcher stopped", "drained"}, log.all())
	assert.NoError(t, <-watcherErr)
	assert.NoError(t, <-sessionErr)
	assert.Equal(t, broadcast.ReasonShutdown, conn.finishReason())
	assert.Equal(t, StateStopped, coord.State())
	assert.Error(t, coord.Ready(context.Background()))

	late := newRecordingConn()
	assert.ErrorIs(t, <-connect(svc, late), domain.ErrRegistryClosed)
	assert.Empty(t, late.messages())
}

func TestCoordinator_StuckWriterHaltsWithinDeadline(t *testing.T) {
	registry := newRegistry()
	svc := NewService(memory.New(), registry)
	coord := NewCoordinator(registry, 50*time.Millisecond, nil)

	conn := newRecordingConn()
	sessionErr := connect(svc, conn)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, time.Millisecond)

	conn.setStuck()
	require.NoError(t, registry.Broadcast(domain.ChangeEvent{
		Operation: domain.OperationInsert,
		Document:  json.RawMessage(`{"_id":1}`),
	}))

	start := time.Now()
	err := coord.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-sessionErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("stuck session was not force-closed")
	}
	assert.Equal(t, StateStopped, coord.State())
	assert.Equal(t, 0, registry.Len())
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	registry := newRegistry()
	var calls int
	var mu sync.Mutex
	coord := NewCoordinator(registry, time.Second, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, coord.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.NoError(t, coord.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
	select {
	case <-coord.Stopped():
	default:
		t.Fatal("stopped channel not closed")
	}
}

func TestCoordinator_RunWatcherAfterShutdown(t *testing.T) {
	coord := NewCoordinator(newRegistry(), time.Second, nil)
	require.NoError(t, coord.Shutdown(context.Background()))

	called := false
	err := coord.RunWatcher(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
