package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
)

// Limiter hands out permission to call upstream GitLab hosts. Each host gets
// its own token bucket; callers block in Acquire until a token is free, in
// strict arrival order. Observe feeds upstream rate-limit signals back into
// the bucket so the whole process slows down together.
type Limiter struct {
	capacity float64
	refill   float64 // tokens per second

	mu      sync.RWMutex
	buckets map[string]*hostBucket

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a limiter with the given per-host capacity and refill rate.
func New(capacity, refillPerSec float64) *Limiter {
	l := &Limiter{
		capacity: capacity,
		refill:   refillPerSec,
		buckets:  make(map[string]*hostBucket),
		stopCh:   make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Acquire blocks until a token is available for host or ctx is done. It
// returns how long the caller waited.
func (l *Limiter) Acquire(ctx context.Context, host string) (time.Duration, error) {
	b := l.getBucket(host)
	start := time.Now()

	if err := b.acquire(ctx); err != nil {
		return time.Since(start), err
	}

	waited := time.Since(start)
	metrics.RateLimitWaitSeconds.Observe(waited.Seconds())
	return waited, nil
}

// Observe feeds an upstream response back into the host bucket. A 429, a
// Retry-After header or a RateLimit-Reset header empties the bucket and
// defers all acquisitions until upstream says it is willing again. Other
// statuses, including 5xx, leave the bucket alone.
func (l *Limiter) Observe(host string, status int, header http.Header) {
	delay := retryDelay(status, header)
	if delay <= 0 {
		return
	}

	b := l.getBucket(host)
	b.freeze(delay)

	metrics.RateLimitDeferralsTotal.Inc()
	logger := log.WithComponent("ratelimit")
	logger.Warn().
		Str("host", host).
		Int("status", status).
		Dur("defer", delay).
		Msg("Upstream rate limit observed")
}

// Close stops the background cleanup loop.
func (l *Limiter) Close() {
	l.stopped.Do(func() { close(l.stopCh) })
}

func (l *Limiter) getBucket(host string) *hostBucket {
	l.mu.RLock()
	b, ok := l.buckets[host]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := l.buckets[host]; ok {
		return b
	}

	b = newHostBucket(l.capacity, l.refill)
	l.buckets[host] = b
	return b
}

// cleanupLoop periodically removes idle buckets to prevent unbounded growth.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for host, b := range l.buckets {
				if b.idleSince(time.Hour) {
					delete(l.buckets, host)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// retryDelay extracts the deferral a response demands, or 0.
func retryDelay(status int, header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if v := header.Get("RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}

	if status == http.StatusTooManyRequests {
		// 429 with no usable header still means back off
		return time.Second
	}
	return 0
}

// hostBucket is a token bucket with a FIFO waiter queue. Tokens refill
// continuously; a freeze clamps the bucket to empty until the deadline.
type hostBucket struct {
	mu          sync.Mutex
	tokens      float64
	capacity    float64
	refillRate  float64 // tokens per second
	lastRefill  time.Time
	frozenUntil time.Time

	waiters  []*waiter
	timerSet bool
}

type waiter struct {
	ready chan struct{}
}

func newHostBucket(capacity, refillRate float64) *hostBucket {
	return &hostBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (b *hostBucket) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.refillLocked(time.Now())

	// Fast path only when nobody is already queued, to preserve ordering
	if len(b.waiters) == 0 && b.tokens >= 1.0 {
		b.tokens -= 1.0
		b.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	b.scheduleLocked()
	b.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if !b.removeWaiterLocked(w) {
			// Dispatch already granted us a token; hand it back.
			select {
			case <-w.ready:
				b.tokens += 1.0
				if b.tokens > b.capacity {
					b.tokens = b.capacity
				}
			default:
			}
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *hostBucket) freeze(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(b.frozenUntil) {
		b.frozenUntil = until
	}
	b.tokens = 0
}

func (b *hostBucket) idleSince(d time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters) == 0 && time.Since(b.lastRefill) > d
}

// refillLocked accrues tokens for the time elapsed since the last refill,
// skipping any frozen span.
func (b *hostBucket) refillLocked(now time.Time) {
	if now.Before(b.frozenUntil) {
		b.tokens = 0
		b.lastRefill = now
		return
	}

	start := b.lastRefill
	if b.frozenUntil.After(start) {
		start = b.frozenUntil
	}
	if elapsed := now.Sub(start).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// nextTokenLocked reports how long until the head waiter could be served.
func (b *hostBucket) nextTokenLocked(now time.Time) time.Duration {
	var wait time.Duration
	if now.Before(b.frozenUntil) {
		wait = b.frozenUntil.Sub(now)
		// frozen buckets are empty; a full token must accrue afterwards
		return wait + time.Duration(1.0/b.refillRate*float64(time.Second))
	}
	if b.tokens >= 1.0 {
		return 0
	}
	missing := 1.0 - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// scheduleLocked arms the dispatch timer for the head of the queue.
func (b *hostBucket) scheduleLocked() {
	if b.timerSet || len(b.waiters) == 0 {
		return
	}
	b.timerSet = true
	d := b.nextTokenLocked(time.Now())
	time.AfterFunc(d, b.dispatch)
}

// dispatch wakes queued waiters in order for as long as tokens last, then
// re-arms the timer if anyone is still waiting.
func (b *hostBucket) dispatch() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timerSet = false
	b.refillLocked(time.Now())

	for len(b.waiters) > 0 && b.tokens >= 1.0 && !time.Now().Before(b.frozenUntil) {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.tokens -= 1.0
		w.ready <- struct{}{}
	}

	b.scheduleLocked()
}

func (b *hostBucket) removeWaiterLocked(target *waiter) bool {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}
