package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterSpacesCalls(t *testing.T) {
	l := NewLimiter("svc", 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("two waits took %v, want >= 200ms", elapsed)
	}
}

func TestLimiterServicesIndependent(t *testing.T) {
	r := NewRegistry(func(string) time.Duration { return time.Second })
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for _, svc := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(svc string) {
			defer wg.Done()
			if err := r.Wait(ctx, svc); err != nil {
				t.Errorf("Wait(%s) error = %v", svc, err)
			}
		}(svc)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("first calls to distinct services took %v, expected no blocking", elapsed)
	}
}

func TestLimiterZeroIntervalDisabled(t *testing.T) {
	l := NewLimiter("svc", 0)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("unlimited waits took %v", elapsed)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter("svc", time.Hour)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected error when the wait exceeds the context deadline")
	} else if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancel error: %v", err)
	}
}

func TestRegistryReturnsSingletons(t *testing.T) {
	r := NewRegistry(nil)
	if r.Get("x") != r.Get("x") {
		t.Fatal("registry returned different limiters for one service")
	}
	if r.Get("x").Interval() != 0 {
		t.Fatal("nil interval func should disable limiting")
	}
}
