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

func TestReadThrough_CachesUntilInvalidated(t *testing.T) {
	c := New[int](4, time.Minute)
	var calls int
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.Get(context.Background(), "stats", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.Get(context.Background(), "stats", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	c.Invalidate("stats")
	v, err = c.Get(context.Background(), "stats", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestReadThrough_Expires(t *testing.T) {
	c := New[string](4, 30*time.Millisecond)
	var calls atomic.Int32
	load := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, err := c.Get(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)

	_, err = c.Get(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReadThrough_ErrorsAreNotCached(t *testing.T) {
	c := New[int](4, time.Minute)
	boom := errors.New("boom")

	_, err := c.Get(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := c.Get(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestReadThrough_CoalescesConcurrentMisses(t *testing.T) {
	c := New[int](4, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestReadThrough_Purge(t *testing.T) {
	c := New[int](4, time.Minute)
	for _, k := range []string{"a", "b"} {
		_, err := c.Get(context.Background(), k, func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
	}
	c.Purge()
	assert.Equal(t, 0, c.Len())
}
