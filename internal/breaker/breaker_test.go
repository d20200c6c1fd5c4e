package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset, halfOpen time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := New("test", Settings{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		HalfOpenTimeout:  halfOpen,
	}, logger, WithClock(clock.Now))
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, clock := newTestBreaker(3, 5*time.Second, time.Second)

	for i := 0; i < 3; i++ {
		if !b.CanExecute() {
			t.Fatalf("closed breaker denied call %d", i)
		}
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.CanExecute() {
		t.Fatal("open breaker allowed call before reset timeout")
	}

	clock.Advance(5 * time.Second)
	if !b.CanExecute() {
		t.Fatal("breaker denied call after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second, 0)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected trial call")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if got := b.Snapshot().Failures; got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}

	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("single failure after reset must not reopen")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second, 500*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected transition to half-open")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreakerHalfOpenSpacing(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second, 2*time.Second)

	b.RecordFailure()
	clock.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected transition to half-open")
	}
	// 半开状态下，最后一次失败距今仅 1 秒
	if b.CanExecute() {
		t.Fatal("half-open breaker allowed call before half-open timeout")
	}
	clock.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("half-open breaker denied call after half-open timeout")
	}
}

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   State
	}{
		{name: "no events", events: nil, want: StateClosed},
		{name: "below threshold", events: []string{"fail", "fail"}, want: StateClosed},
		{name: "at threshold", events: []string{"fail", "fail", "fail"}, want: StateOpen},
		{name: "success between failures", events: []string{"fail", "fail", "ok", "fail", "fail"}, want: StateClosed},
		{name: "success after open", events: []string{"fail", "fail", "fail", "ok"}, want: StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(3, time.Minute, time.Minute)
			for _, ev := range tt.events {
				if ev == "fail" {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
			}
			if got := b.State(); got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryReturnsSingletons(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)

	a := r.Get("pubchem")
	if r.Get("pubchem") != a {
		t.Fatal("registry returned a different breaker for the same service")
	}
	if r.Get("pubmed") == a {
		t.Fatal("registry shared a breaker across services")
	}

	a.RecordFailure()
	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Service != "pubchem" || snaps[0].State != "open" {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestBreakerRealClock(t *testing.T) {
	b := New("real", Settings{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, nil)
	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("open breaker allowed call immediately")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("breaker denied call after reset timeout elapsed")
	}
}
