package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/breaker"
	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/ratelimit"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type harness struct {
	client  *Client
	breaker *breaker.Breaker
	cache   *cache.Cache
	delays  []time.Duration
}

func newHarness(t *testing.T, threshold, maxRetries int) *harness {
	t.Helper()
	logger := quietLogger()
	backend, err := cache.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	h := &harness{
		breaker: breaker.New("svc", breaker.Settings{
			FailureThreshold: threshold,
			ResetTimeout:     time.Minute,
			HalfOpenTimeout:  time.Minute,
		}, logger),
		cache: cache.New(backend, time.Hour, logger),
	}
	h.client = New("svc", h.breaker, ratelimit.NewLimiter("svc", 0), h.cache, Options{
		MaxRetries: maxRetries,
		RetryDelay: time.Second,
	}, logger, WithSleep(func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}))
	return h
}

// failingOp 前 failures 次调用失败，之后成功。
func failingOp(failures int, calls *int32) Operation {
	return func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= failures {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return []byte("ok"), nil
	}
}

func TestCallRetriesExhausted(t *testing.T) {
	h := newHarness(t, 2, 2)
	var calls int32

	_, err := h.client.Call(context.Background(), "fp-1", failingOp(2, &calls))

	if !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("Call() error = %v, want ErrRetriesExhausted", err)
	}
	var ce *domain.CallError
	if !errors.As(err, &ce) || ce.Attempts != 2 {
		t.Fatalf("call error = %+v, want 2 attempts", ce)
	}
	if calls != 2 {
		t.Fatalf("operation called %d times, want 2", calls)
	}
	if h.breaker.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", h.breaker.State())
	}
	if len(h.delays) != 1 || h.delays[0] != time.Second {
		t.Fatalf("backoff delays = %v, want [1s]", h.delays)
	}
}

func TestCallSucceedsOnFinalAttemptAndCaches(t *testing.T) {
	h := newHarness(t, 2, 3)
	var calls int32

	got, err := h.client.Call(context.Background(), "fp-2", failingOp(2, &calls))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("result = %q", got)
	}
	if calls != 3 {
		t.Fatalf("operation called %d times, want 3", calls)
	}
	if h.breaker.State() != breaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed after success", h.breaker.State())
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(h.delays) != 2 || h.delays[0] != want[0] || h.delays[1] != want[1] {
		t.Fatalf("backoff delays = %v, want %v", h.delays, want)
	}

	cached, ok := h.cache.Get(context.Background(), "fp-2")
	if !ok || string(cached) != "ok" {
		t.Fatalf("cache = %q, %v; want cached result", cached, ok)
	}

	// 第二次调用命中缓存，不再执行操作
	if _, err := h.client.Call(context.Background(), "fp-2", failingOp(0, &calls)); err != nil {
		t.Fatalf("cached Call() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("operation called on cache hit")
	}
}

func TestCallCircuitOpen(t *testing.T) {
	h := newHarness(t, 1, 3)
	h.breaker.RecordFailure()

	var calls int32
	_, err := h.client.Call(context.Background(), "fp-3", failingOp(0, &calls))
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("Call() error = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Fatalf("operation called %d times while circuit open", calls)
	}
	if domain.KindOf(err) != domain.KindCircuitOpen {
		t.Fatalf("KindOf = %v", domain.KindOf(err))
	}
}

func TestCallCacheHitBypassesOpenBreaker(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.cache.Set(context.Background(), "fp-4", []byte("cached"))
	h.breaker.RecordFailure()

	got, err := h.client.Call(context.Background(), "fp-4", failingOp(0, new(int32)))
	if err != nil || string(got) != "cached" {
		t.Fatalf("Call() = %q, %v", got, err)
	}
}

func TestCallEmptyFingerprintSkipsCache(t *testing.T) {
	h := newHarness(t, 5, 1)
	var calls int32
	for i := 0; i < 2; i++ {
		if _, err := h.client.Call(context.Background(), "", failingOp(0, &calls)); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("operation called %d times, want 2", calls)
	}
	stats, _ := h.cache.Stats(context.Background())
	if stats.Count != 0 {
		t.Fatalf("cache count = %d, want 0", stats.Count)
	}
}

func TestCallCanceledDuringBackoff(t *testing.T) {
	logger := quietLogger()
	br := breaker.New("svc", breaker.Settings{FailureThreshold: 10, ResetTimeout: time.Minute}, logger)
	c := New("svc", br, ratelimit.NewLimiter("svc", 0), nil, Options{
		MaxRetries: 5,
		RetryDelay: time.Hour,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var calls int32
	_, err := c.Call(ctx, "", failingOp(100, &calls))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want deadline exceeded", err)
	}
	if errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatal("cancellation reported as retries exhausted")
	}
	if calls != 1 {
		t.Fatalf("operation called %d times, want 1", calls)
	}
}

func TestCallRequestTimeout(t *testing.T) {
	logger := quietLogger()
	br := breaker.New("svc", breaker.Settings{FailureThreshold: 10}, logger)
	c := New("svc", br, ratelimit.NewLimiter("svc", 0), nil, Options{
		MaxRetries:     2,
		RequestTimeout: 20 * time.Millisecond,
	}, logger, WithSleep(noSleep))

	var calls int32
	_, err := c.Call(context.Background(), "", func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, domain.ErrRetriesExhausted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("operation called %d times, want 2", calls)
	}
}

func TestLinearBackoff(t *testing.T) {
	b := Linear{Initial: time.Second, Max: 3 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestHTTPDo(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Path {
		case "/flaky":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"term":"` + r.URL.Query().Get("term") + `"}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"Fault":{"Code":"PUGREST.NotFound"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	logger := quietLogger()
	br := breaker.New("http", breaker.Settings{FailureThreshold: 5, ResetTimeout: time.Minute}, logger)
	backend, _ := cache.NewFileBackend(t.TempDir())
	c := New("http", br, ratelimit.NewLimiter("http", 0), cache.New(backend, time.Hour, logger), Options{
		MaxRetries: 3,
		UserAgent:  "test-agent",
		BaseURL:    srv.URL,
	}, logger, WithSleep(noSleep), WithHTTPClient(srv.Client()))

	ctx := context.Background()
	var out struct {
		Term string `json:"term"`
	}
	req := Request{Path: "/flaky", Params: url.Values{"term": {"DOI"}}}
	if err := c.FetchJSON(ctx, req, &out); err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if out.Term != "DOI" {
		t.Fatalf("term = %q", out.Term)
	}
	if hits != 2 {
		t.Fatalf("server hits = %d, want 2", hits)
	}

	// 相同请求命中缓存
	if err := c.FetchJSON(ctx, req, &out); err != nil {
		t.Fatalf("cached FetchJSON() error = %v", err)
	}
	if hits != 2 {
		t.Fatalf("server hits = %d after cached call, want 2", hits)
	}

	body, err := c.Do(ctx, Request{Path: "missing", AcceptStatus: []int{http.StatusNotFound}})
	if err != nil {
		t.Fatalf("Do(missing) error = %v", err)
	}
	if len(body) == 0 {
		t.Fatal("accepted 404 returned empty body")
	}

	_, err = c.Do(ctx, Request{Path: "/bad", NoCache: true})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("Do(bad) error = %v, want status 400", err)
	}
	if !errors.Is(err, domain.ErrUpstreamStatus) {
		t.Fatal("status error should match ErrUpstreamStatus")
	}
}
