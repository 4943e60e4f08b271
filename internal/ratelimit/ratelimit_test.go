package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_BurstPerKey(t *testing.T) {
	tests := []struct {
		name  string
		burst int
		calls int
		want  int
	}{
		{name: "within burst", burst: 3, calls: 3, want: 3},
		{name: "over burst", burst: 2, calls: 5, want: 2},
		{name: "zero burst is clamped to one", burst: 0, calls: 3, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := New(0.5, tt.burst)
			t.Cleanup(rl.Stop)

			passed := 0
			for range tt.calls {
				if rl.Allow("ip:203.0.113.7") {
					passed++
				}
			}
			assert.Equal(t, tt.want, passed)
		})
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	rl := New(1, 1)
	t.Cleanup(rl.Stop)

	require.True(t, rl.Allow("chat:1001"))
	assert.False(t, rl.Allow("chat:1001"))
	assert.True(t, rl.Allow("chat:1002"))
	assert.Equal(t, 2, rl.Len())
}

func TestWait_PacesOutboundSends(t *testing.T) {
	rl := New(20, 1)
	t.Cleanup(rl.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "global"))
	assert.Less(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	require.NoError(t, rl.Wait(ctx, "global"))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestWait_HonorsCancellation(t *testing.T) {
	rl := New(0.1, 1)
	t.Cleanup(rl.Stop)
	require.True(t, rl.Allow("chat:1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, rl.Wait(ctx, "chat:1"))
}

func TestEvictIdle(t *testing.T) {
	rl := NewWithIdleTTL(1, 1, time.Hour)
	t.Cleanup(rl.Stop)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	rl.Allow("chat:1")
	clock = clock.Add(30 * time.Minute)
	rl.Allow("chat:2")
	require.Equal(t, 2, rl.Len())

	clock = clock.Add(45 * time.Minute)
	assert.Equal(t, 1, rl.evictIdle())
	assert.Equal(t, 1, rl.Len())

	// An evicted key starts over with a full bucket.
	assert.True(t, rl.Allow("chat:1"))
}

func TestStop_Idempotent(t *testing.T) {
	rl := New(1, 1)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
