package sms

import (
	"sync"
	"time"
)

// Limiter serializes sends within a named bucket and enforces a minimum
// gap between them. Buckets are typically carrier names, so pacing toward
// one carrier never stalls traffic toward another.
type Limiter interface {
	Do(bucket string, fn func() error) error
}

// SerialLimiter is the in-process Limiter: one mutex and one last-send
// timestamp per bucket.
type SerialLimiter struct {
	interval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	mu       sync.Mutex
	lastSend time.Time
}

// Compile-time check.
var _ Limiter = (*SerialLimiter)(nil)

// NewSerialLimiter creates a limiter enforcing at least interval between
// sends in the same bucket. A non-positive interval only serializes.
func NewSerialLimiter(interval time.Duration) *SerialLimiter {
	return &SerialLimiter{
		interval: interval,
		buckets:  make(map[string]*bucketState),
	}
}

func (l *SerialLimiter) bucket(name string) *bucketState {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[name]
	if !ok {
		b = &bucketState{}
		l.buckets[name] = b
	}
	return b
}

// Do runs fn under the bucket's lock, waiting out the remainder of the
// interval since the previous send first. fn's error passes through.
func (l *SerialLimiter) Do(bucket string, fn func() error) error {
	b := l.bucket(bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lastSend.IsZero() {
		if wait := l.interval - time.Since(b.lastSend); wait > 0 {
			time.Sleep(wait)
		}
	}
	err := fn()
	b.lastSend = time.Now()
	return err
}
