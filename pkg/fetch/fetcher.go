package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// FetchOptions carries the per-target knobs for a single retrieval.
type FetchOptions struct {
	UserAgent       string        // Empty = app default (or rotation when configured)
	PerHostInterval time.Duration // Politeness floor for this target, 0 = app default
	SkipRobots      bool          // Bypass robots.txt for this call (sitemap/robots fetches)
}

// Fetcher performs single HTTP retrievals with retry, backoff, politeness
// and robots compliance. It is shared across all target runs; per-target
// behavior comes in through FetchOptions.
type Fetcher struct {
	client   *http.Client
	cfg      *config.AppConfig
	limiter  *RateLimiter
	hostSems *HostSemaphorePool
	robots   *RobotsHandler // set via SetRobots after construction
	log      *logrus.Logger
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, cfg *config.AppConfig, limiter *RateLimiter, hostSems *HostSemaphorePool, log *logrus.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		cfg:      cfg,
		limiter:  limiter,
		hostSems: hostSems,
		log:      log,
	}
}

// SetRobots attaches the robots handler. Separate from the constructor
// because the handler fetches robots.txt through this same Fetcher.
func (f *Fetcher) SetRobots(rh *RobotsHandler) {
	f.robots = rh
}

// Fetch retrieves one task's URL and normalizes the outcome into a
// FetchResult. Politeness (host semaphore, per-host interval, global rate,
// robots) is applied before the request; transient failures are retried
// inside FetchWithRetry. The returned result always carries the task;
// result.Err is nil only on a 2xx response.
func (f *Fetcher) Fetch(ctx context.Context, task *models.CrawlTask, opts FetchOptions) *models.FetchResult {
	result := &models.FetchResult{Task: task}
	start := time.Now()

	parsed, err := url.Parse(task.URL)
	if err != nil {
		result.Err = fmt.Errorf("%w: parsing %q: %w", utils.ErrRequestCreation, task.URL, err)
		return result
	}
	host := parsed.Hostname()

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = f.pickUserAgent()
	}

	// Robots gate, before any politeness wait is spent
	if !opts.SkipRobots && f.robots != nil && f.cfg.RespectRobotsEnabled() {
		if !f.robots.Allowed(ctx, parsed, userAgent) {
			result.Err = fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, task.URL)
			result.Duration = time.Since(start)
			return result
		}
	}

	// Per-host concurrency permit
	acquireCtx, cancel := context.WithTimeout(ctx, f.cfg.SemaphoreAcquire)
	err = f.hostSems.Acquire(acquireCtx, host)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			result.Err = fmt.Errorf("%w: host %s: %w", utils.ErrSemaphoreTimeout, host, err)
		} else {
			result.Err = err
		}
		result.Duration = time.Since(start)
		return result
	}
	defer f.hostSems.Release(host)

	// Global rate token + adaptive per-host spacing
	if err := f.limiter.Wait(ctx, host, opts.PerHostInterval); err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		result.Err = fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
		result.Duration = time.Since(start)
		return result
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("DNT", "1")

	resp, fetchErr := f.FetchWithRetry(req, ctx)
	f.limiter.UpdateLastRequestTime(host)
	result.Duration = time.Since(start)

	if fetchErr != nil {
		// A host that times out or drops connections gets a longer interval
		if isTimeoutLike(fetchErr) {
			f.limiter.ObserveTimeout(host)
		}
		if resp != nil {
			result.StatusCode = resp.StatusCode
			result.Headers = resp.Header
			result.FinalURL = resp.Request.URL.String()
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		result.Err = fetchErr
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header
	result.FinalURL = resp.Request.URL.String()

	// Cap the body read; oversized pages are truncated, not failed
	limit := f.cfg.MaxPageSizeBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	result.Duration = time.Since(start)
	if readErr != nil {
		result.Err = fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, readErr)
		return result
	}
	result.Body = body
	return result
}

// pickUserAgent returns the default agent, or a random one from the rotation
// list when configured.
func (f *Fetcher) pickUserAgent() string {
	if len(f.cfg.UserAgents) > 0 {
		return f.cfg.UserAgents[rand.Intn(len(f.cfg.UserAgents))]
	}
	return f.cfg.DefaultUserAgent
}

// isTimeoutLike reports whether the fetch error suggests the host wants us
// to slow down (timeouts, dropped connections), as opposed to plain HTTP
// failure statuses.
func isTimeoutLike(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// FetchWithRetry executes the request with bounded retries. Transient
// failures retry: network errors, request timeouts, 5xx, and 429. The backoff
// is exponential with jitter; a Retry-After header on 429/5xx overrides the
// computed delay up to the same cap. Only the caller's context ending stops
// the loop early — a deadline error while ctx is still live is the client
// timeout firing on a slow host, which retries like any other transient
// failure. On a returned non-2xx response the caller owns resp.Body.
func (f *Fetcher) FetchWithRetry(req *http.Request, ctx context.Context) (*http.Response, error) {
	reqLog := f.log.WithField("url", req.URL.String())
	maxRetries := f.cfg.MaxRetries

	var lastErr error
	var serverWait time.Duration // Retry-After from the previous response, 0 = none

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoffDelay(attempt, serverWait)
			reqLog.WithFields(logrus.Fields{
				"attempt":     attempt,
				"max_retries": maxRetries,
				"delay":       delay,
			}).Warn("Retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch aborted during backoff (%v) after: %w", ctx.Err(), lastErr)
			}
		}
		serverWait = 0

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drainClose(resp)
			if ctx.Err() != nil {
				if lastErr != nil {
					return nil, fmt.Errorf("fetch aborted (%v) after: %w", ctx.Err(), lastErr)
				}
				return nil, fmt.Errorf("fetch aborted: %w", ctx.Err())
			}
			lastErr = err
			reqLog.WithField("attempt", attempt).Errorf("Request error: %v", err)
			continue
		}

		code := resp.StatusCode
		respLog := reqLog.WithFields(logrus.Fields{"status_code": code, "attempt": attempt})

		switch {
		case code >= 200 && code < 300:
			respLog.Debug("Fetched")
			return resp, nil

		case code >= 500:
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, code, resp.Status)
			serverWait = retryAfter(resp.Header)
			respLog.Warn("Server error, will retry")
			drainClose(resp)

		case code == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, code, resp.Status)
			serverWait = retryAfter(resp.Header)
			respLog.Warn("Rate limited, will retry")
			drainClose(resp)

		case code >= 400:
			respLog.Warn("Client error, giving up")
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, code, resp.Status)

		default:
			respLog.Warnf("Unexpected status %d", code)
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, code, resp.Status)
		}
	}

	reqLog.Errorf("Giving up after %d attempt(s): %v", maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoffDelay returns the wait before retry attempt n: exponential from
// InitialRetryDelay with +/-10% jitter, capped at MaxRetryDelay. A
// server-requested wait takes precedence, capped the same way.
func (f *Fetcher) backoffDelay(attempt int, serverWait time.Duration) time.Duration {
	maxDelay := f.cfg.MaxRetryDelay
	if serverWait > 0 {
		if maxDelay > 0 && serverWait > maxDelay {
			return maxDelay
		}
		return serverWait
	}

	delay := time.Duration(float64(f.cfg.InitialRetryDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	if span := int64(delay) / 5; span > 0 {
		delay += time.Duration(rand.Int63n(span)) - delay/10
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// retryAfter reads a Retry-After header as either delay-seconds or an HTTP
// date. Returns 0 when absent, malformed, or already in the past.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// drainClose empties and closes a response body so the connection can be
// reused. nil-safe.
func drainClose(resp *http.Response) {
	if resp == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
