package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndUnregisterAreIdempotent(t *testing.T) {
	reg, m := newTestRegistry(t, 4)
	s := NewSession(uuid.New(), newFakeConn(), &stubSource{}, reg)

	require.NoError(t, reg.Register(s))
	require.NoError(t, reg.Register(s))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	reg.Unregister(s)
	reg.Unregister(s)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestRegistry_BroadcastPreservesOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, 256)
	conn := newFakeConn()
	startSession(t, reg, conn, &stubSource{})

	for i := 1; i <= 100; i++ {
		require.NoError(t, reg.Broadcast(update(fmt.Sprintf(`{"_id":%d}`, i), uint64(i))))
	}
	waitForCount(t, conn, 100)

	for i, msg := range conn.messages() {
		assert.JSONEq(t, fmt.Sprintf(`{"_id":%d}`, i+1), string(msg.Document))
	}
}

func TestRegistry_BroadcastWithNoSessions(t *testing.T) {
	reg, m := newTestRegistry(t, 4)
	require.NoError(t, reg.Broadcast(update(`{"_id":1}`, 1)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts))
}

func TestRegistry_SlowSessionIsEvictedWithoutBlockingOthers(t *testing.T) {
	reg, m := newTestRegistry(t, 4)

	fast := newFakeConn()
	startSession(t, reg, fast, &stubSource{})

	slow := newFakeConn()
	_, slowErr := startSession(t, reg, slow, &stubSource{})
	slow.block()

	for i := 1; i <= 10; i++ {
		start := time.Now()
		require.NoError(t, reg.Broadcast(update(fmt.Sprintf(`{"_id":%d}`, i), uint64(i))))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "broadcast blocked on a slow session")
		waitForCount(t, fast, i)
	}

	assert.ErrorIs(t, waitForExit(t, slowErr), domain.ErrSubscriberSend)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, fast.messages(), 10)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues(EvictSlow)))
}

func TestRegistry_MembershipChurnDuringBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t, 1024)
	conn := newFakeConn()
	startSession(t, reg, conn, &stubSource{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				s := NewSession(uuid.New(), newFakeConn(), &stubSource{}, reg)
				_ = reg.Register(s)
				reg.Unregister(s)
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		require.NoError(t, reg.Broadcast(update(fmt.Sprintf(`{"_id":%d}`, i), uint64(i))))
	}
	cancel()
	wg.Wait()

	waitForCount(t, conn, 200)
	for i, msg := range conn.messages() {
		assert.JSONEq(t, fmt.Sprintf(`{"_id":%d}`, i+1), string(msg.Document))
	}
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_DrainFlushesAndCloses(t *testing.T) {
	reg, _ := newTestRegistry(t, 16)

	a, b := newFakeConn(), newFakeConn()
	_, aErr := startSession(t, reg, a, &stubSource{})
	_, bErr := startSession(t, reg, b, &stubSource{})
	require.NoError(t, reg.Broadcast(update(`{"_id":1}`, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx, ReasonShutdown))

	assert.NoError(t, waitForExit(t, aErr))
	assert.NoError(t, waitForExit(t, bErr))
	for _, conn := range []*fakeConn{a, b} {
		assert.Len(t, conn.messages(), 1)
		reason, graceful := conn.finishReason()
		assert.True(t, graceful)
		assert.Equal(t, ReasonShutdown, reason)
	}

	assert.Equal(t, "closed", reg.State())
	s := NewSession(uuid.New(), newFakeConn(), &stubSource{}, reg)
	assert.ErrorIs(t, reg.Register(s), domain.ErrRegistryClosed)
}

func TestRegistry_DrainForceClosesStuckSessions(t *testing.T) {
	reg, m := newTestRegistry(t, 16)

	stuck := newFakeConn()
	session, stuckErr := startSession(t, reg, stuck, &stubSource{})
	stuck.block()
	require.NoError(t, reg.Broadcast(update(`{"_id":1}`, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := reg.Drain(ctx, ReasonShutdown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	select {
	case <-session.Exited():
	default:
		t.Fatal("Drain returned before the force-closed session exited")
	}

	assert.ErrorIs(t, waitForExit(t, stuckErr), context.DeadlineExceeded)
	_, graceful := stuck.finishReason()
	assert.False(t, graceful)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues(EvictForced)))
}

func TestRegistry_ResyncClosesSessionsButStaysOpen(t *testing.T) {
	reg, _ := newTestRegistry(t, 16)
	conn := newFakeConn()
	_, errCh := startSession(t, reg, conn, &stubSource{})

	assert.Equal(t, 1, reg.Resync(ReasonResync))
	assert.NoError(t, waitForExit(t, errCh))
	reason, graceful := conn.finishReason()
	assert.True(t, graceful)
	assert.Equal(t, ReasonResync, reason)

	assert.Equal(t, "open", reg.State())
	fresh := newFakeConn()
	startSession(t, reg, fresh, &stubSource{docs: []string{`{"_id":1}`}})
	assert.Equal(t, domain.OperationInit, fresh.messages()[0].Operation)
}

func TestRegistry_BeginDrainState(t *testing.T) {
	reg, _ := newTestRegistry(t, 16)
	assert.Equal(t, "open", reg.State())
	reg.BeginDrain()
	assert.Equal(t, "draining", reg.State())
	reg.CloseAll(nil)
	assert.Equal(t, "closed", reg.State())
}
