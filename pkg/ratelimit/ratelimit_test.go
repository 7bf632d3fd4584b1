package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireConsumesTokens(t *testing.T) {
	l := New(3, 1000)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		waited, err := l.Acquire(ctx, "gitlab.example.com")
		require.NoError(t, err)
		assert.Less(t, waited, 50*time.Millisecond)
	}

	b := l.getBucket("gitlab.example.com")
	b.mu.Lock()
	tokens := b.tokens
	b.mu.Unlock()
	assert.Less(t, tokens, 1.0, "bucket should be nearly empty after capacity acquisitions")
}

func TestRefillClampsAtCapacity(t *testing.T) {
	b := newHostBucket(5, 100)

	b.mu.Lock()
	b.tokens = 2
	b.lastRefill = time.Now().Add(-time.Hour)
	b.refillLocked(time.Now())
	tokens := b.tokens
	b.mu.Unlock()

	assert.Equal(t, 5.0, tokens, "an hour of refill must clamp at capacity")
}

func TestRefillAccruesContinuously(t *testing.T) {
	b := newHostBucket(10, 4) // 4 tokens/second

	now := time.Now()
	b.mu.Lock()
	b.tokens = 0
	b.lastRefill = now.Add(-500 * time.Millisecond)
	b.refillLocked(now)
	tokens := b.tokens
	b.mu.Unlock()

	assert.InDelta(t, 2.0, tokens, 0.05, "500ms at 4/s should accrue ~2 tokens")
}

func TestAcquireBlocksWhenEmpty(t *testing.T) {
	l := New(1, 10) // one token, 100ms refill interval
	defer l.Close()

	ctx := context.Background()
	_, err := l.Acquire(ctx, "h")
	require.NoError(t, err)

	start := time.Now()
	waited, err := l.Acquire(ctx, "h")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.GreaterOrEqual(t, waited, 50*time.Millisecond)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := New(1, 0.1) // 10s refill; nobody is waiting that long
	defer l.Close()

	_, err := l.Acquire(context.Background(), "h")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "h")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b := l.getBucket("h")
	b.mu.Lock()
	waiters := len(b.waiters)
	b.mu.Unlock()
	assert.Zero(t, waiters, "cancelled waiter must leave the queue")
}

func TestFIFOOrderAcrossWaiters(t *testing.T) {
	b := newHostBucket(1, 0.001) // effectively no refill during the test

	b.mu.Lock()
	b.tokens = 0
	b.mu.Unlock()

	waitersAre := func(n int) func() bool {
		return func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return len(b.waiters) == n
		}
	}

	doneA := make(chan struct{})
	go func() {
		require.NoError(t, b.acquire(context.Background()))
		close(doneA)
	}()
	require.Eventually(t, waitersAre(1), time.Second, time.Millisecond)

	doneB := make(chan struct{})
	go func() {
		require.NoError(t, b.acquire(context.Background()))
		close(doneB)
	}()
	require.Eventually(t, waitersAre(2), time.Second, time.Millisecond)

	// Credit exactly one token: only the head waiter may proceed.
	b.mu.Lock()
	b.tokens = 1
	b.mu.Unlock()
	b.dispatch()

	select {
	case <-doneA:
	case <-time.After(time.Second):
		t.Fatal("head waiter was not served")
	}

	select {
	case <-doneB:
		t.Fatal("second waiter served before a token existed for it")
	case <-time.After(20 * time.Millisecond):
	}

	b.mu.Lock()
	b.tokens = 1
	b.mu.Unlock()
	b.dispatch()

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("second waiter was not served")
	}
}

func TestObserveFreezesBucket(t *testing.T) {
	l := New(10, 5)
	defer l.Close()

	// Warm the bucket, then observe an upstream 429 with Retry-After.
	_, err := l.Acquire(context.Background(), "h")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Retry-After", "2")
	l.Observe("h", http.StatusTooManyRequests, header)

	b := l.getBucket("h")
	b.mu.Lock()
	tokens := b.tokens
	frozen := time.Until(b.frozenUntil)
	b.mu.Unlock()

	assert.Zero(t, tokens, "429 must empty the bucket")
	assert.Greater(t, frozen, 1500*time.Millisecond, "deferral must honor Retry-After")
	assert.LessOrEqual(t, frozen, 2*time.Second+100*time.Millisecond)
}

func TestObserveIgnoresPlainServerErrors(t *testing.T) {
	l := New(10, 5)
	defer l.Close()

	_, err := l.Acquire(context.Background(), "h")
	require.NoError(t, err)

	b := l.getBucket("h")
	b.mu.Lock()
	before := b.tokens
	b.mu.Unlock()

	l.Observe("h", http.StatusBadGateway, http.Header{})

	b.mu.Lock()
	after := b.tokens
	frozen := b.frozenUntil
	b.mu.Unlock()

	assert.InDelta(t, before, after, 0.1, "5xx must not drain the bucket")
	assert.True(t, frozen.IsZero() || frozen.Before(time.Now()))
}

func TestFrozenBucketDefersAcquisition(t *testing.T) {
	b := newHostBucket(5, 1000)
	b.freeze(80 * time.Millisecond)

	start := time.Now()
	require.NoError(t, b.acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRetryDelayParsing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		min     time.Duration
		max     time.Duration
	}{
		{
			name:    "retry-after seconds",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "3"},
			min:     3 * time.Second,
			max:     3 * time.Second,
		},
		{
			name:    "retry-after http date",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)},
			min:     3 * time.Second,
			max:     5 * time.Second,
		},
		{
			name:    "ratelimit-reset epoch",
			status:  http.StatusOK,
			headers: map[string]string{"RateLimit-Reset": "9999999999"},
			min:     time.Second,
			max:     1 << 62,
		},
		{
			name:    "bare 429",
			status:  http.StatusTooManyRequests,
			headers: nil,
			min:     time.Second,
			max:     time.Second,
		},
		{
			name:    "clean 200",
			status:  http.StatusOK,
			headers: nil,
			min:     0,
			max:     0,
		},
		{
			name:    "plain 503",
			status:  http.StatusServiceUnavailable,
			headers: nil,
			min:     0,
			max:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			for k, v := range tt.headers {
				header.Set(k, v)
			}
			d := retryDelay(tt.status, header)
			assert.GreaterOrEqual(t, d, tt.min)
			assert.LessOrEqual(t, d, tt.max)
		})
	}
}

func TestBucketsArePerHost(t *testing.T) {
	l := New(1, 0.1)
	defer l.Close()

	ctx := context.Background()
	_, err := l.Acquire(ctx, "a.example.com")
	require.NoError(t, err)

	// a different host still has its full bucket
	start := time.Now()
	_, err = l.Acquire(ctx, "b.example.com")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestIdleBucketEviction(t *testing.T) {
	b := newHostBucket(1, 1)

	b.mu.Lock()
	b.lastRefill = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	assert.True(t, b.idleSince(time.Hour))

	require.NoError(t, b.acquire(context.Background()))
	assert.False(t, b.idleSince(time.Hour))
}
