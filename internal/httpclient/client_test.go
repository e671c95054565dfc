package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
)

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxConcurrent:       10,
		MaxParallelRequests: 3,
		RequestTimeout:      config.Duration{Duration: 500 * time.Millisecond},
		ConnectTimeout:      config.Duration{Duration: 500 * time.Millisecond},
		SockReadTimeout:     config.Duration{Duration: time.Second},
		KeepAlive:           config.Duration{Duration: 15 * time.Second},
		MetricsWindow:       config.Duration{Duration: time.Minute},
		RefreshSuccessRate:  0.7,
		Retry: config.IngestRetryConfig{
			MaxRetries:      2,
			InitialInterval: config.Duration{Duration: 10 * time.Millisecond},
			MaxInterval:     config.Duration{Duration: 50 * time.Millisecond},
			Multiplier:      2.0,
		},
	}
}

func newTestClient(cfg config.IngestConfig) *Client {
	return New(cfg, zerolog.Nop(), nil)
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(testConfig())
	resp, err := c.Do(context.Background(), &Request{
		Method:   http.MethodGet,
		URL:      srv.URL,
		Endpoint: "profile",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %q", resp.Body)
	}

	stats := c.Stats()
	if stats.Total != 1 || stats.Successful != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 successful", stats)
	}
}

func TestDo_HedgedSiblingWins(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			// First attempt stalls past the request deadline; the
			// staggered sibling should win the race.
			time.Sleep(2 * time.Second)
			return
		}
		w.Write([]byte("fast"))
	}))
	defer srv.Close()

	c := newTestClient(testConfig())
	start := time.Now()
	resp, err := c.Do(context.Background(), &Request{
		Method:      http.MethodGet,
		URL:         srv.URL,
		Endpoint:    "profile",
		Parallelism: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "fast" {
		t.Errorf("body = %q, want fast", resp.Body)
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Errorf("hedged call took %v, want under the 500ms request timeout", elapsed)
	}

	stats := c.Stats()
	if stats.FastestWins != 1 {
		t.Errorf("fastest wins = %d, want 1", stats.FastestWins)
	}
	if stats.ParallelSent < 2 {
		t.Errorf("parallel sent = %d, want >= 2", stats.ParallelSent)
	}
}

func TestDo_PrefersResponseErrorOverTimeout(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n%2 == 1 {
			time.Sleep(2 * time.Second)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	c := newTestClient(cfg)

	_, err := c.Do(context.Background(), &Request{
		Method:      http.MethodGet,
		URL:         srv.URL,
		Endpoint:    "profile",
		Parallelism: 2,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if code := apierrors.CodeOf(err); code != apierrors.ErrCodeClientError {
		t.Errorf("code = %q, want client_error (response error must beat the timeout)", code)
	}
	var apiErr *apierrors.APIError
	if !apierrors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("expected upstream status 404 preserved, got %+v", apiErr)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := newTestClient(testConfig())
	resp, err := c.Do(context.Background(), &Request{
		Method:      http.MethodGet,
		URL:         srv.URL,
		Endpoint:    "graphql",
		Parallelism: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("body = %q", resp.Body)
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Errorf("server saw %d calls, want 3 (2 failures + 1 success)", n)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(testConfig())
	_, err := c.Do(context.Background(), &Request{
		Method:      http.MethodGet,
		URL:         srv.URL,
		Endpoint:    "profile",
		Parallelism: 1,
	})
	if code := apierrors.CodeOf(err); code != apierrors.ErrCodeClientError {
		t.Fatalf("code = %q, want client_error", code)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 4xx)", n)
	}
}

func TestDo_CancelledWaitingForSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	c := newTestClient(cfg)

	// Occupy the only slot.
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, &Request{Method: http.MethodGet, URL: "http://unused.invalid", Endpoint: "profile"})
	if code := apierrors.CodeOf(err); code != apierrors.ErrCodeCancelled {
		t.Errorf("code = %q, want cancelled", code)
	}
}

func TestDeriveParallelism(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 10
	c := newTestClient(cfg)

	tests := []struct {
		name string
		used int
		want int
	}{
		{"idle pool", 0, 3},
		{"light load", 2, 3},
		{"moderate load", 4, 2},
		{"heavy load", 6, 1},
		{"saturated", 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.used; i++ {
				c.sem <- struct{}{}
			}
			got := c.deriveParallelism()
			for i := 0; i < tt.used; i++ {
				<-c.sem
			}
			if got != tt.want {
				t.Errorf("parallelism with %d/10 slots used = %d, want %d", tt.used, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   apierrors.ErrorCode
	}{
		{200, ""},
		{204, ""},
		{404, apierrors.ErrCodeClientError},
		{429, apierrors.ErrCodeRateLimited},
		{500, apierrors.ErrCodeServerError},
		{503, apierrors.ErrCodeServerError},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status)
		if tt.want == "" {
			if err != nil {
				t.Errorf("status %d: unexpected error %v", tt.status, err)
			}
			continue
		}
		if code := apierrors.CodeOf(err); code != tt.want {
			t.Errorf("status %d: code = %q, want %q", tt.status, code, tt.want)
		}
	}
}

func TestBackoff_RateLimitedDoubles(t *testing.T) {
	c := newTestClient(testConfig())

	plain := apierrors.New(apierrors.ErrCodeServerError, "boom")
	limited := apierrors.New(apierrors.ErrCodeRateLimited, "slow down")

	for i := 0; i < 20; i++ {
		d := c.backoff(1, plain)
		if d < 10*time.Millisecond || d > 13*time.Millisecond {
			t.Fatalf("plain backoff = %v, want 10ms..12.5ms", d)
		}
		d = c.backoff(1, limited)
		if d < 20*time.Millisecond || d > 41*time.Millisecond {
			t.Fatalf("rate-limited backoff = %v, want 20ms..40ms", d)
		}
	}
}

func TestStats_WindowReset(t *testing.T) {
	tracker := newStatsTracker(10 * time.Millisecond)
	tracker.update(func(s *Stats) { s.Total = 5; s.Successful = 5 })

	time.Sleep(20 * time.Millisecond)

	snap := tracker.Snapshot()
	if snap.Total != 0 {
		t.Errorf("expected window reset, total = %d", snap.Total)
	}
	if snap.SuccessRate() != 1.0 {
		t.Errorf("empty window success rate = %v, want 1.0", snap.SuccessRate())
	}
}
