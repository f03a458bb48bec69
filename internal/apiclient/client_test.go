package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func TestDoReturnsEnvelopeOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "k" {
			t.Errorf("expected auth header to be forwarded")
		}
		w.Header().Set("X-Test", "yes")
		_, _ = w.Write([]byte(`{"status":"OK","n":1}`))
	}))
	defer srv.Close()

	resp := New().Get(context.Background(), srv.URL+"/x?key=secret", map[string]string{"Authorization": "k"})
	if !resp.OK || resp.Status != 200 {
		t.Fatalf("expected ok 200, got ok=%v status=%d err=%s", resp.OK, resp.Status, resp.Error)
	}
	m, ok := resp.Data.(map[string]any)
	if !ok || m["status"] != "OK" {
		t.Fatalf("expected decoded data, got %#v", resp.Data)
	}
	if resp.Headers.Get("X-Test") != "yes" {
		t.Fatalf("expected headers in envelope")
	}
}

func TestDoNonJSONLeavesDataNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PNG..."))
	}))
	defer srv.Close()

	resp := New().Get(context.Background(), srv.URL, nil)
	if !resp.OK {
		t.Fatalf("expected ok, got %s", resp.Error)
	}
	if resp.Data != nil {
		t.Fatalf("expected nil data for non-json body, got %#v", resp.Data)
	}
}

func TestDoDoesNotRetryAuthFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var delays []time.Duration
	resp := New(noSleep(&delays)).Get(context.Background(), srv.URL, nil)
	if resp.OK || resp.Status != 401 || !resp.AuthFailed() {
		t.Fatalf("expected 401 auth failure, got %+v", resp)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if resp.Error == "" {
		t.Fatalf("expected error message")
	}
}

func TestDoRetriesServerErrorsWithBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	resp := New(noSleep(&delays)).Get(context.Background(), srv.URL, nil)
	if !resp.OK {
		t.Fatalf("expected retry to succeed, got %s", resp.Error)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("expected one 1s backoff, got %v", delays)
	}
}

func TestDoHonoursRetryAfterOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	resp := New(noSleep(&delays), WithAttempts(3)).Get(context.Background(), srv.URL, nil)
	if resp.OK || resp.Status != 429 {
		t.Fatalf("expected 429 envelope, got %+v", resp)
	}
	if len(delays) != 2 || delays[0] != 7*time.Second {
		t.Fatalf("expected Retry-After delays, got %v", delays)
	}
}

func TestRetryDelayHTTPDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	if got := RetryDelay(h, time.Second, now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	h.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))
	if got := RetryDelay(h, time.Second, now); got != time.Second {
		t.Fatalf("expected default for past date, got %v", got)
	}
	h.Set("Retry-After", "0")
	if got := RetryDelay(h, time.Second, now); got != time.Second {
		t.Fatalf("expected default for zero seconds, got %v", got)
	}
	h.Set("Retry-After", "soon")
	if got := RetryDelay(h, 2*time.Second, now); got != 2*time.Second {
		t.Fatalf("expected default for garbage, got %v", got)
	}
}
