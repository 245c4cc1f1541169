package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// testConfig returns an AppConfig with fast retry delays for testing
func testConfig(maxRetries int) *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent:  "scraper-test/1.0",
		MaxRetries:        maxRetries,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		SemaphoreAcquire:  5 * time.Second,
		MaxPageSizeBytes:  1 << 20,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testClient returns an http.Client suitable for testing
func testClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second, // Generous timeout for tests
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func newTestFetcher(cfg *config.AppConfig) *Fetcher {
	log := testLogger()
	limiter := NewRateLimiter(0, 0, 0, log)
	sems := NewHostSemaphorePool(4, logrus.NewEntry(log))
	return NewFetcher(testClient(), cfg, limiter, sems, log)
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.WriteHeader(statusCodes[idx])
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func TestFetchWithRetry_Success(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusOK})

	fetcher := newTestFetcher(testConfig(3))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ServerError_RetrySuccess(t *testing.T) {
	// 500 → 500 → 200 (succeeds on 3rd attempt)
	server, attempts := mockServer(t, []int{500, 500, 200})

	fetcher := newTestFetcher(testConfig(3))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err != nil {
		t.Fatalf("expected no error after retry, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_Always503_ExactAttempts(t *testing.T) {
	// Always-503 with maxRetries=2 must make exactly 3 attempts
	server, attempts := mockServer(t, []int{503})

	fetcher := newTestFetcher(testConfig(2))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, utils.ErrRetryFailed) {
		t.Errorf("expected ErrRetryFailed, got: %v", err)
	}
	if !errors.Is(err, utils.ErrServerHTTPError) {
		t.Errorf("expected wrapped ErrServerHTTPError, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ClientError_NoRetry(t *testing.T) {
	server, attempts := mockServer(t, []int{404})

	fetcher := newTestFetcher(testConfig(3))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err == nil {
		t.Fatal("expected error for 404, got nil")
	}
	if resp != nil {
		resp.Body.Close()
	}
	if !errors.Is(err, utils.ErrClientHTTPError) {
		t.Errorf("expected ErrClientHTTPError, got: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retries on 4xx), got %d", attempts.Load())
	}
}

func TestFetchWithRetry_TooManyRequests_Retried(t *testing.T) {
	// 429 → 200: rate limiting is transient
	server, attempts := mockServer(t, []int{429, 200})

	fetcher := newTestFetcher(testConfig(3))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err != nil {
		t.Fatalf("expected success after 429 retry, got: %v", err)
	}
	defer resp.Body.Close()

	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ClientTimeout_Retried(t *testing.T) {
	// First two responses stall past the client timeout, third is fast.
	// The per-request timeout is a transient failure and must retry.
	attempts := &atomic.Int32{}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			<-release
			return
		}
		io.WriteString(w, "finally")
	}))
	t.Cleanup(func() { close(release); server.Close() })

	fetcher := newTestFetcher(testConfig(3))
	fetcher.client = &http.Client{Timeout: 100 * time.Millisecond}
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err != nil {
		t.Fatalf("expected success after timed-out attempts, got: %v", err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchWithRetry_ClientTimeout_ExactAttempts(t *testing.T) {
	// Always-slow host with maxRetries=2 must make exactly 3 attempts and
	// surface a retryable failure
	attempts := &atomic.Int32{}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		<-release
	}))
	t.Cleanup(func() { close(release); server.Close() })

	fetcher := newTestFetcher(testConfig(2))
	fetcher.client = &http.Client{Timeout: 100 * time.Millisecond}
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, utils.ErrRetryFailed) {
		t.Errorf("expected ErrRetryFailed, got: %v", err)
	}
	if !utils.IsTransientFetchError(err) {
		t.Errorf("timeout failure must stay transient for the requeue path, got: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected exactly 3 attempts (1 initial + 2 retries), got %d", got)
	}
}

func TestFetchWithRetry_CallerDeadlineStopsRetries(t *testing.T) {
	attempts := &atomic.Int32{}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		<-release
	}))
	t.Cleanup(func() { close(release); server.Close() })

	fetcher := newTestFetcher(testConfig(5))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	resp, err := fetcher.FetchWithRetry(req, ctx)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error when the caller deadline fires")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped context.DeadlineExceeded, got: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt (caller context ends the loop), got %d", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := testConfig(3) // initial 10ms, max 50ms
	fetcher := newTestFetcher(cfg)

	// Exponential growth, capped
	for _, tt := range []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 8 * time.Millisecond, 12 * time.Millisecond},  // ~10ms +/- 10%
		{2, 16 * time.Millisecond, 24 * time.Millisecond}, // ~20ms +/- 10%
		{5, 40 * time.Millisecond, 60 * time.Millisecond}, // capped near 50ms
	} {
		got := fetcher.backoffDelay(tt.attempt, 0)
		if got < tt.min || got > tt.max {
			t.Errorf("backoffDelay(%d, 0) = %v, want in [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}

	// Server-requested wait wins, but never exceeds the cap
	if got := fetcher.backoffDelay(1, 30*time.Millisecond); got != 30*time.Millisecond {
		t.Errorf("backoffDelay with 30ms server wait = %v, want 30ms", got)
	}
	if got := fetcher.backoffDelay(1, 2*time.Second); got != 50*time.Millisecond {
		t.Errorf("backoffDelay with oversized server wait = %v, want the 50ms cap", got)
	}
}

func TestRetryAfter(t *testing.T) {
	mk := func(v string) http.Header {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return h
	}

	if got := retryAfter(mk("7")); got != 7*time.Second {
		t.Errorf("retryAfter(7) = %v, want 7s", got)
	}
	if got := retryAfter(mk("")); got != 0 {
		t.Errorf("retryAfter(absent) = %v, want 0", got)
	}
	if got := retryAfter(mk("soon")); got != 0 {
		t.Errorf("retryAfter(malformed) = %v, want 0", got)
	}
	if got := retryAfter(mk("-3")); got != 0 {
		t.Errorf("retryAfter(negative) = %v, want 0", got)
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := retryAfter(mk(future)); got <= 0 || got > 30*time.Second {
		t.Errorf("retryAfter(future date) = %v, want (0, 30s]", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := retryAfter(mk(past)); got != 0 {
		t.Errorf("retryAfter(past date) = %v, want 0", got)
	}
}

func TestFetchWithRetry_RetryAfterHonored(t *testing.T) {
	// 429 carrying Retry-After must delay at least that long (within the cap)
	attempts := &atomic.Int32{}
	var gap atomic.Int64
	var firstDone time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1:
			firstDone = time.Now()
			w.Header().Set("Retry-After", "1") // above the 50ms cap in testConfig
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			gap.Store(int64(time.Since(firstDone)))
			io.WriteString(w, "ok")
		}
	}))
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(testConfig(2))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := fetcher.FetchWithRetry(req, context.Background())
	if err != nil {
		t.Fatalf("expected success after 429, got: %v", err)
	}
	defer resp.Body.Close()

	// The 1s request is capped at MaxRetryDelay (50ms), which still beats the
	// first exponential step (~10ms)
	if got := time.Duration(gap.Load()); got < 40*time.Millisecond {
		t.Errorf("delay after Retry-After 429 = %v, want >= ~50ms cap", got)
	}
}

func TestFetchWithRetry_ContextCancelled(t *testing.T) {
	server, _ := mockServer(t, []int{503})

	fetcher := newTestFetcher(testConfig(5))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	resp, err := fetcher.FetchWithRetry(req, ctx)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestFetch_Success(t *testing.T) {
	const body = "<html><title>Apply</title></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "scraper-test/1.0" {
			t.Errorf("User-Agent = %q, want configured default", got)
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(testConfig(1))
	task := &models.CrawlTask{URL: server.URL + "/apply", NormalizedURL: server.URL + "/apply"}

	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err != nil {
		t.Fatalf("Fetch() Err = %v, want nil", result.Err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if string(result.Body) != body {
		t.Errorf("Body = %q, want %q", result.Body, body)
	}
	if result.Duration <= 0 {
		t.Error("Duration not recorded")
	}
	if result.Task != task {
		t.Error("result does not carry the task")
	}
}

func TestFetch_FinalURLAfterRedirect(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, server.URL+"/new", http.StatusMovedPermanently)
			return
		}
		io.WriteString(w, "landed")
	}))
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(testConfig(1))
	task := &models.CrawlTask{URL: server.URL + "/old", NormalizedURL: server.URL + "/old"}

	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err != nil {
		t.Fatalf("Fetch() Err = %v", result.Err)
	}
	if !strings.HasSuffix(result.FinalURL, "/new") {
		t.Errorf("FinalURL = %q, want the post-redirect URL", result.FinalURL)
	}
}

func TestFetch_BodySizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(1)
	cfg.MaxPageSizeBytes = 1024
	fetcher := newTestFetcher(cfg)
	task := &models.CrawlTask{URL: server.URL, NormalizedURL: server.URL}

	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err != nil {
		t.Fatalf("Fetch() Err = %v", result.Err)
	}
	if len(result.Body) != 1024 {
		t.Errorf("Body length = %d, want capped at 1024", len(result.Body))
	}
}

func TestFetch_MalformedURL(t *testing.T) {
	fetcher := newTestFetcher(testConfig(1))
	task := &models.CrawlTask{URL: "http://%zz-bad", NormalizedURL: "http://%zz-bad"}

	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err == nil {
		t.Fatal("expected error for malformed URL")
	}
	if !errors.Is(result.Err, utils.ErrRequestCreation) {
		t.Errorf("Err = %v, want ErrRequestCreation", result.Err)
	}
}

func TestFetch_RobotsDisallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			io.WriteString(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		io.WriteString(w, "content")
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(1)
	fetcher := newTestFetcher(cfg)
	rh := NewRobotsHandler(fetcher, nil, cfg, logrus.NewEntry(testLogger()))
	fetcher.SetRobots(rh)

	blocked := &models.CrawlTask{URL: server.URL + "/private/page", NormalizedURL: server.URL + "/private/page"}
	result := fetcher.Fetch(context.Background(), blocked, FetchOptions{})
	if !errors.Is(result.Err, utils.ErrRobotsDisallowed) {
		t.Errorf("Err = %v, want ErrRobotsDisallowed", result.Err)
	}

	allowed := &models.CrawlTask{URL: server.URL + "/public", NormalizedURL: server.URL + "/public"}
	result = fetcher.Fetch(context.Background(), allowed, FetchOptions{})
	if result.Err != nil {
		t.Errorf("allowed path Err = %v, want nil", result.Err)
	}
}

func TestFetch_RobotsFailOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, "content")
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(1)
	fetcher := newTestFetcher(cfg)
	fetcher.SetRobots(NewRobotsHandler(fetcher, nil, cfg, logrus.NewEntry(testLogger())))

	task := &models.CrawlTask{URL: server.URL + "/anything", NormalizedURL: server.URL + "/anything"}
	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err != nil {
		t.Errorf("missing robots.txt must fail open, got Err = %v", result.Err)
	}
}

func TestFetch_RobotsDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			io.WriteString(w, "User-agent: *\nDisallow: /\n")
			return
		}
		io.WriteString(w, "content")
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(1)
	off := false
	cfg.RespectRobots = &off
	fetcher := newTestFetcher(cfg)
	fetcher.SetRobots(NewRobotsHandler(fetcher, nil, cfg, logrus.NewEntry(testLogger())))

	task := &models.CrawlTask{URL: server.URL + "/blocked-by-robots", NormalizedURL: server.URL + "/blocked-by-robots"}
	result := fetcher.Fetch(context.Background(), task, FetchOptions{})
	if result.Err != nil {
		t.Errorf("robots disabled must skip the gate, got Err = %v", result.Err)
	}
}
