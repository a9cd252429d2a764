package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeOps is a hand-written Ops double. dispatch is called
// synchronously from DoUpcall; tests arrange for it to call back into
// Downcall from a separate goroutine to simulate an out-of-process
// resolver.
type fakeOps struct {
	BaseOps

	mu         sync.Mutex
	dispatches int32

	// dispatch, if set, is invoked instead of the default behavior
	// (which does nothing and expects the test to call Downcall
	// itself).
	dispatch func(c *Cache, e *Entry)

	freed int32
}

func (f *fakeOps) DoUpcall(c *Cache, e *Entry) error {
	atomic.AddInt32(&f.dispatches, 1)
	if f.dispatch != nil {
		f.dispatch(c, e)
	}
	return nil
}

func (f *fakeOps) ParseDowncall(c *Cache, e *Entry, args interface{}) error {
	if args == nil {
		return nil
	}
	if err, ok := args.(error); ok {
		return err
	}
	e.SetPayload(args)
	return nil
}

func (f *fakeOps) FreeEntry(c *Cache, e *Entry) error {
	atomic.AddInt32(&f.freed, 1)
	return nil
}

func (f *fakeOps) dispatchCount() int {
	return int(atomic.LoadInt32(&f.dispatches))
}

func newTestCache(t *testing.T, ops *fakeOps, opt func(*Options)) *Cache {
	t.Helper()
	o := Options{
		Name:          "test",
		AcquireExpire: 200 * time.Millisecond,
		EntryExpire:   time.Minute,
		Ops:           ops,
	}
	if opt != nil {
		opt(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetEntry_HappyPath(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, "value-for-1") }()
	}}
	c := newTestCache(t, ops, nil)

	entry, err := c.GetEntry(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Equal(t, "value-for-1", entry.Payload())
	entry.Release()

	require.Equal(t, 1, ops.dispatchCount())
}

func TestGetEntry_CachedHitSkipsUpcall(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, "cached") }()
	}}
	c := newTestCache(t, ops, nil)

	e1, err := c.GetEntry(context.Background(), 42, nil)
	require.NoError(t, err)
	e1.Release()

	e2, err := c.GetEntry(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Equal(t, "cached", e2.Payload())
	e2.Release()

	require.Equal(t, 1, ops.dispatchCount())
}

func TestGetEntry_CoalescesConcurrentWaiters(t *testing.T) {
	release := make(chan struct{})
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() {
			<-release
			_ = c.Downcall(nil, e.Key, "coalesced")
		}()
	}}
	c := newTestCache(t, ops, nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.GetEntry(context.Background(), 7, nil)
			errs[i] = err
			if err == nil {
				results[i] = e.Payload().(string)
				e.Release()
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, ops.dispatchCount())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "coalesced", results[i])
	}
}

func TestGetEntry_DowncallErrorFailsAcquisition(t *testing.T) {
	wantErr := errors.New("upstream parse failure")
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, wantErr) }()
	}}
	c := newTestCache(t, ops, nil)

	_, err := c.GetEntry(context.Background(), 5, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindUpcallError))
	require.ErrorIs(t, err, wantErr)
}

func TestGetEntry_RemovedUpstreamFromDoUpcall(t *testing.T) {
	c := newTestCache(t, &fakeOps{}, func(o *Options) { o.Ops = &removedUpstreamOps{} })

	_, err := c.GetEntry(context.Background(), 9, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindRemovedUpstream))
}

type removedUpstreamOps struct{ BaseOps }

func (removedUpstreamOps) DoUpcall(c *Cache, e *Entry) error {
	return fmt.Errorf("no such key: %w", ErrRemovedUpstream)
}

func (removedUpstreamOps) ParseDowncall(c *Cache, e *Entry, args interface{}) error { return nil }

func TestGetEntry_AcquireTimeoutNoReplay(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		// Never calls Downcall: simulates a resolver that hangs.
	}}
	c := newTestCache(t, ops, func(o *Options) {
		o.AcquireExpire = 20 * time.Millisecond
		o.AcquireReplay = false
	})

	start := time.Now()
	_, err := c.GetEntry(context.Background(), 3, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, IsKind(err, KindTimedOut))
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	require.Equal(t, 1, ops.dispatchCount())
}

func TestGetEntry_AcquireTimeoutWithReplayRetriesOnce(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {}}
	c := newTestCache(t, ops, func(o *Options) {
		o.AcquireExpire = 15 * time.Millisecond
		o.AcquireReplay = true
	})

	_, err := c.GetEntry(context.Background(), 11, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindTimedOut))
	// One dispatch for the original attempt, one for the single retry.
	require.Equal(t, 2, ops.dispatchCount())
}

func TestGetEntry_ContextCancellationInterruptsWaiter(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		// Hangs until the test is done; cancellation should still
		// free the waiting caller.
	}}
	c := newTestCache(t, ops, func(o *Options) {
		o.AcquireExpire = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.GetEntry(ctx, 22, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindInterrupted))
}

func TestFlushOne(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, "value") }()
	}}
	c := newTestCache(t, ops, nil)

	e, err := c.GetEntry(context.Background(), 4, nil)
	require.NoError(t, err)
	e.Release()

	c.FlushOne(4, nil)
	require.EqualValues(t, 1, atomic.LoadInt32(&ops.freed))

	e2, err := c.GetEntry(context.Background(), 4, nil)
	require.NoError(t, err)
	e2.Release()
	require.Equal(t, 2, ops.dispatchCount())
}

func TestFlush_ForceFreesReferencedEntries(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, "value") }()
	}}
	c := newTestCache(t, ops, nil)

	e, err := c.GetEntry(context.Background(), 8, nil)
	require.NoError(t, err)

	c.Flush(true)
	require.EqualValues(t, 1, atomic.LoadInt32(&ops.freed))

	e.Release()
}

func TestClose_IsIdempotentAndRejectsNewWork(t *testing.T) {
	ops := &fakeOps{dispatch: func(c *Cache, e *Entry) {
		go func() { _ = c.Downcall(nil, e.Key, "value") }()
	}}
	c, err := New(Options{Name: "closing", AcquireExpire: time.Second, Ops: ops})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.GetEntry(context.Background(), 1, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNew_ValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
