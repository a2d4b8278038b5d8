package cache

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

func TestGetPutExpiry(t *testing.T) {
	c := New[string]("test")
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("a", "one", time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should expire at its deadline")

	c.Put("b", "forever", 0)
	now = now.Add(time.Hour)
	_, ok = c.Get("b")
	assert.True(t, ok, "non-positive ttl should not expire")
}

func TestInvalidate(t *testing.T) {
	c := New[int]("test")
	c.Put("a", 1, time.Minute)
	c.Put("b", 2, time.Minute)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoadSharesInFlightCall(t *testing.T) {
	c := New[int]("test")
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", time.Minute, load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, err := c.GetOrLoad(context.Background(), "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), calls.Load(), "cached value should be served without loading")
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[int]("test")
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestInvalidateDuringLoadSkipsStore(t *testing.T) {
	c := New[int]("test")
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()

	<-started
	c.Invalidate("k")
	close(release)
	<-done

	_, ok := c.Get("k")
	assert.False(t, ok, "stale load must not repopulate an invalidated key")
}

func TestInvalidateAllDuringLoadStartsFreshLoad(t *testing.T) {
	c := New[int]("test")
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
			calls.Add(1)
			close(started)
			<-release
			return 1, nil
		})
	}()

	<-started
	c.InvalidateAll()

	v, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		calls.Add(1)
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v, "caller after invalidation must not join the stale load")

	close(release)
	<-done
	assert.Equal(t, int32(2), calls.Load())

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v, "stale load must not overwrite the fresh value")
}

func TestCallerCancelKeepsSharedLoad(t *testing.T) {
	c := New[int]("test")
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 5, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, "k", time.Minute, load)
		errc <- err
	}()
	<-started

	vc := make(chan int, 1)
	go func() {
		v, _ := c.GetOrLoad(context.Background(), "k", time.Minute, load)
		vc <- v
	}()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(release)
	assert.Equal(t, 5, <-vc)
	assert.Equal(t, int32(1), calls.Load())

	_, ok := c.Get("k")
	assert.True(t, ok, "shared load should be cached after one caller gave up")
}

func TestGetOrLoadHonorsCallerContext(t *testing.T) {
	c := New[int]("test")
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetOrLoad(ctx, "k", time.Minute, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
