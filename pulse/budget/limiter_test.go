package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: Limiter configured for 60 calls/minute (one per second)
// When: Calls arrive one second apart
// Then: All calls should be allowed
func TestLimiter_SpacedCallsAllowed(t *testing.T) {
	clock := newMockClock(time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC))
	limiter := newLimiterWithClock(60, clock.Now)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
		clock.Advance(time.Second)
	}

	calls, remaining := limiter.Stats()
	assert.Equal(t, 5, calls)
	assert.Equal(t, 55, remaining)
}

// Given: Limiter configured for 60 calls/minute
// When: Two calls arrive in the same instant
// Then: The second is rejected until the bucket refills
func TestLimiter_BurstRejected(t *testing.T) {
	clock := newMockClock(time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC))
	limiter := newLimiterWithClock(60, clock.Now)

	require.NoError(t, limiter.Allow())
	err := limiter.Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	clock.Advance(time.Second)
	assert.NoError(t, limiter.Allow())
}

// Given: Calls older than a minute
// Then: They drop out of Stats
func TestLimiter_SlidingWindowStats(t *testing.T) {
	clock := newMockClock(time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC))
	limiter := newLimiterWithClock(6, clock.Now)

	require.NoError(t, limiter.Allow())
	clock.Advance(61 * time.Second)
	require.NoError(t, limiter.Allow())

	calls, remaining := limiter.Stats()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5, remaining)
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(0)
	assert.True(t, limiter.Unlimited())
	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
	require.NoError(t, limiter.Wait(context.Background()))

	_, remaining := limiter.Stats()
	assert.Equal(t, -1, remaining)
}

func TestLimiter_WaitHonorsCancellation(t *testing.T) {
	limiter := NewLimiter(1) // one call per minute
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := limiter.Wait(ctx)
	require.Error(t, err, "next token is a minute away, past the deadline")
	assert.Less(t, time.Since(start), 10*time.Second)
}
