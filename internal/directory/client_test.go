package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"idsync_backend/platform/config"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := &config.Config{
		DirectoryBaseURL:  baseURL,
		DirectorySystemID: "sys-42",
		DirectoryAPIToken: "secret-token",
	}
	return New(cfg, Options{ResultType: "basic", Timeout: 2 * time.Second})
}

func TestFetchSendsExpectedRequest(t *testing.T) {
	var gotPath, gotSystemID, gotAuth, gotContentType string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RawQuery
		gotSystemID = r.Header.Get("system-id")
		gotAuth = r.Header.Get("authorization")
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	payload, err := client.Fetch(context.Background(), "alice kim", 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	if gotPath != "user_id=alice+kim" {
		t.Fatalf("expected encoded user_id query, got %q", gotPath)
	}
	if gotSystemID != "sys-42" {
		t.Fatalf("unexpected system-id header: %q", gotSystemID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type: %q", gotContentType)
	}
	if gotBody["resultType"] != "basic" {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}

func TestFetchAppendsToExistingQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL+"/lookup?v=2")
	if _, err := client.Fetch(context.Background(), "bob", 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery != "v=2&user_id=bob" {
		t.Fatalf("expected appended query, got %q", gotQuery)
	}
}

func TestNonRetryableFailureIsNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("access denied"))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := testClient(t, srv.URL).WithSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})

	_, err := client.Fetch(context.Background(), "alice", 5, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error")
	}

	var de *Error
	if !errors.As(err, &de) || de.Kind != KindNonRetryable {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if de.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", de.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one outbound call, got %d", got)
	}
	if len(sleeps) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", sleeps)
	}
}

func TestRetryableFailureRecoversWithinAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"fine":true}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := testClient(t, srv.URL).
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}).
		WithJitter(func() float64 { return 0 }) // factor pinned to 0.7

	payload, err := client.Fetch(context.Background(), "alice", 3, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != `{"fine":true}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three calls, got %d", got)
	}

	if len(sleeps) != 2 {
		t.Fatalf("expected two backoff sleeps, got %v", sleeps)
	}
	if sleeps[0] != 70*time.Millisecond {
		t.Fatalf("first sleep should be base*2^0*0.7, got %s", sleeps[0])
	}
	if sleeps[1] != 140*time.Millisecond {
		t.Fatalf("second sleep should be base*2^1*0.7, got %s", sleeps[1])
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL).WithSleeper(func(ctx context.Context, d time.Duration) error {
		return nil
	})

	_, err := client.Fetch(context.Background(), "alice", 2, 10*time.Millisecond)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error after exhaustion, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two calls, got %d", got)
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	client := testClient(t, srv.URL).WithSleeper(func(ctx context.Context, d time.Duration) error {
		return nil
	})

	_, err := client.Fetch(context.Background(), "alice", 1, 0)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
}

func TestErrorBodyIsTrimmed(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(long)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.Fetch(context.Background(), "alice", 1, 0)

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected a directory error, got %v", err)
	}
	if len(de.Message) > len("body=")+200 {
		t.Fatalf("error message should carry at most 200 body bytes, got %d", len(de.Message))
	}
}

func TestBackoffBoundsAndCap(t *testing.T) {
	base := 100 * time.Millisecond

	if got := Backoff(base, 1, 0); got != 70*time.Millisecond {
		t.Fatalf("attempt 1 lower bound: got %s", got)
	}
	if got := Backoff(base, 1, 0.9999999); got >= 130*time.Millisecond {
		t.Fatalf("attempt 1 upper bound: got %s", got)
	}
	if got := Backoff(base, 3, 0); got != 280*time.Millisecond {
		t.Fatalf("attempt 3: got %s", got)
	}

	// The exponent caps at 2^5: attempts past 6 stop growing.
	if Backoff(base, 6, 0.5) != Backoff(base, 10, 0.5) {
		t.Fatal("backoff should stop doubling once the exponent cap is reached")
	}
	if got := Backoff(base, 6, 0); got != 70*32*time.Millisecond {
		t.Fatalf("capped backoff: got %s", got)
	}
}
