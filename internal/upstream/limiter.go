package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/click-attribution/internal/observer"
)

// Limiters hands out one token bucket per provider token. Every Client built
// with the same Limiters shares the bucket accounting, so two workers in one
// process never exceed the per-token budget together.
type Limiters struct {
	mu      sync.Mutex
	every   time.Duration
	buckets map[string]*rate.Limiter
}

// NewLimiters allows one request every `every` per key, without bursting.
// A non-positive interval disables limiting.
func NewLimiters(every time.Duration) *Limiters {
	return &Limiters{
		every:   every,
		buckets: make(map[string]*rate.Limiter),
	}
}

// defaultLimiters is shared by clients that are not given their own registry.
var (
	defaultLimitersMu sync.Mutex
	defaultLimiters   = map[time.Duration]*Limiters{}
)

func sharedLimiters(every time.Duration) *Limiters {
	defaultLimitersMu.Lock()
	defer defaultLimitersMu.Unlock()
	l, ok := defaultLimiters[every]
	if !ok {
		l = NewLimiters(every)
		defaultLimiters[every] = l
	}
	return l
}

func (l *Limiters) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(l.every), 1)
		l.buckets[key] = b
	}
	return b
}

// Wait blocks until key may send one request or ctx is done.
func (l *Limiters) Wait(ctx context.Context, key string) error {
	if l == nil || l.every <= 0 {
		return nil
	}
	start := time.Now()
	err := l.bucket(key).Wait(ctx)
	observer.ObserveRateLimiterWait(time.Since(start))
	return err
}
