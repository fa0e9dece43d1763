package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExclusiveHolder(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := reg.Acquire(ctx, "a.js")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if n <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, reg.Len(), "entries should be dropped once nobody holds or waits")
}

func TestRegistryGrantsInArrivalOrder(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	release, err := reg.Acquire(ctx, "key")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := reg.Acquire(ctx, "key")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			rel()
		}(i)
		waitForWaiters(t, reg, "key", i+1)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRegistryDifferentKeysDoNotBlock(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	relA, err := reg.Acquire(ctx, "a")
	require.NoError(t, err)
	defer relA()

	done := make(chan struct{})
	go func() {
		relB, err := reg.Acquire(ctx, "b")
		if err == nil {
			relB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b should not wait for a")
	}
}

func TestRegistryCancelledWaiterNeverHoldsLock(t *testing.T) {
	reg := NewRegistry()
	release, err := reg.Acquire(context.Background(), "key")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Acquire(ctx, "key")
		errCh <- err
	}()
	waitForWaiters(t, reg, "key", 1)
	cancel()

	err = <-errCh
	assert.True(t, errors.Is(err, context.Canceled))

	release()
	// the cancelled waiter must not have inherited the lock
	next, err := reg.Acquire(context.Background(), "key")
	require.NoError(t, err)
	next()
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDoneContextSkipsAcquire(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Acquire(ctx, "key")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "key")
	require.NoError(t, err)

	secondCh := make(chan Release, 1)
	go func() {
		rel, err := reg.Acquire(ctx, "key")
		assert.NoError(t, err)
		secondCh <- rel
	}()
	waitForWaiters(t, reg, "key", 1)

	first()
	second := <-secondCh
	first() // must not release the lock now owned by the second holder

	thirdCh := make(chan struct{})
	go func() {
		rel, err := reg.Acquire(ctx, "key")
		if err == nil {
			rel()
		}
		close(thirdCh)
	}()
	select {
	case <-thirdCh:
		t.Fatalf("third acquire should wait for second holder")
	case <-time.After(50 * time.Millisecond):
	}
	second()
	<-thirdCh
}

func TestLayeredReleasesRemoteAfterLocal(t *testing.T) {
	var calls []string
	local := lockerFunc(func(ctx context.Context, key string) (Release, error) {
		calls = append(calls, "local:acquire")
		return func() { calls = append(calls, "local:release") }, nil
	})
	remote := lockerFunc(func(ctx context.Context, key string) (Release, error) {
		calls = append(calls, "remote:acquire")
		return func() { calls = append(calls, "remote:release") }, nil
	})

	release, err := Layered{Local: local, Remote: remote}.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()

	assert.Equal(t, []string{"local:acquire", "remote:acquire", "local:release", "remote:release"}, calls)
}

func TestLayeredRemoteFailureReleasesLocal(t *testing.T) {
	reg := NewRegistry()
	remote := lockerFunc(func(ctx context.Context, key string) (Release, error) {
		return nil, errors.New("redis down")
	})

	_, err := Layered{Local: reg, Remote: remote}.Acquire(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

type lockerFunc func(ctx context.Context, key string) (Release, error)

func (f lockerFunc) Acquire(ctx context.Context, key string) (Release, error) {
	return f(ctx, key)
}

func waitForWaiters(t *testing.T, reg *Registry, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reg.mu.Lock()
		e := reg.entries[key]
		count := 0
		if e != nil {
			count = len(e.waiters)
		}
		reg.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, key)
}
