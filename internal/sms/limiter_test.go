package sms

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSerialLimiterEnforcesGapWithinBucket(t *testing.T) {
	l := NewSerialLimiter(20 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Do("verizon", func() error { return nil }); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("three sends finished in %v, expected at least two 20ms gaps", elapsed)
	}
}

func TestSerialLimiterBucketsAreIndependent(t *testing.T) {
	l := NewSerialLimiter(100 * time.Millisecond)

	if err := l.Do("verizon", func() error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	start := time.Now()
	if err := l.Do("tmobile", func() error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("send in a fresh bucket waited %v, expected no pacing", elapsed)
	}
}

func TestSerialLimiterPassesThroughError(t *testing.T) {
	l := NewSerialLimiter(0)
	want := errors.New("gateway down")
	if err := l.Do("default", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do returned %v, want %v", err, want)
	}
}

func TestSerialLimiterSerializesConcurrentCallers(t *testing.T) {
	l := NewSerialLimiter(0)

	inFlight := 0
	maxInFlight := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do("verizon", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("observed %d concurrent sends in one bucket, want 1", maxInFlight)
	}
}
