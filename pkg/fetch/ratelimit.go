package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Request-count tiers that escalate a host's base interval: busy hosts get
// slowed down before they start pushing back.
const (
	tierTwoRequests   = 50  // Past this, interval >= 2x base
	tierThreeRequests = 100 // Past this, interval >= 3x base
)

// hostState tracks one host's politeness state.
type hostState struct {
	lastRequest  time.Time
	interval     time.Duration // Current effective minimum interval
	requestCount int64
}

// RateLimiter manages per-host request spacing plus an optional global
// request-rate cap. The per-host interval adapts: repeated requests and
// observed timeouts both scale it up, bounded by maxInterval.
type RateLimiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState

	defaultInterval time.Duration // Baseline spacing per host
	maxInterval     time.Duration // Ceiling for adaptive scaling

	global *rate.Limiter // nil when no global cap is configured
	log    *logrus.Logger
}

// NewRateLimiter creates a RateLimiter. globalPerSecond <= 0 disables the
// global cap; maxInterval <= 0 falls back to 5x the default interval.
func NewRateLimiter(defaultInterval, maxInterval time.Duration, globalPerSecond float64, log *logrus.Logger) *RateLimiter {
	if maxInterval <= 0 {
		maxInterval = 5 * defaultInterval
	}
	rl := &RateLimiter{
		hosts:           make(map[string]*hostState),
		defaultInterval: defaultInterval,
		maxInterval:     maxInterval,
		log:             log,
	}
	if globalPerSecond > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalPerSecond), 1)
	}
	return rl
}

// Wait blocks until the host may be contacted: first the global rate token,
// then the host's adaptive minimum interval since its last request. Includes
// jitter (+/- 10%) to desynchronize requests. minInterval <= 0 uses the
// host's current adaptive interval.
func (rl *RateLimiter) Wait(ctx context.Context, host string, minInterval time.Duration) error {
	if rl.global != nil {
		if err := rl.global.Wait(ctx); err != nil {
			return err
		}
	}

	rl.mu.Lock()
	st := rl.stateLocked(host)
	st.requestCount++
	// Busy-host escalation: interval never drops below the tier floor
	base := rl.defaultInterval
	if minInterval > 0 {
		base = minInterval
	}
	switch {
	case st.requestCount > tierThreeRequests:
		st.interval = max(st.interval, min(3*base, rl.maxInterval))
	case st.requestCount > tierTwoRequests:
		st.interval = max(st.interval, min(2*base, rl.maxInterval))
	}
	effective := st.interval
	if minInterval > effective {
		effective = minInterval
	}
	lastReq := st.lastRequest
	rl.mu.Unlock() // Unlock before potentially sleeping

	if effective <= 0 || lastReq.IsZero() {
		return nil
	}

	elapsed := time.Since(lastReq)
	if elapsed >= effective {
		return nil
	}
	sleepDuration := effective - elapsed

	// Add jitter: +/- 10% of sleepDuration
	var jitter time.Duration
	if sleepDuration > 0 {
		jitterRange := int64(sleepDuration) / 5 // 20% range width for +/-10%
		if jitterRange > 0 {                    // Avoid Int63n(0)
			jitter = time.Duration(rand.Int63n(jitterRange)) - (sleepDuration / 10)
		}
	}
	finalSleep := sleepDuration + jitter
	if finalSleep < 0 {
		finalSleep = 0 // Ensure non-negative sleep
	}
	if finalSleep == 0 {
		return nil
	}

	rl.log.WithFields(logrus.Fields{
		"host": host, "sleep": finalSleep, "required_delay": effective, "elapsed": elapsed,
	}).Debug("Rate limit applying sleep")

	select {
	case <-time.After(finalSleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records the current time as the last request attempt
// time for the host. Call this *after* an HTTP request attempt to the host.
func (rl *RateLimiter) UpdateLastRequestTime(host string) {
	rl.mu.Lock()
	rl.stateLocked(host).lastRequest = time.Now()
	rl.mu.Unlock()
}

// ObserveTimeout scales the host's interval up by 1.5x (capped) after a
// timeout or connection drop. The host is telling us to back off.
func (rl *RateLimiter) ObserveTimeout(host string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	st := rl.stateLocked(host)
	scaled := time.Duration(float64(st.interval) * 1.5)
	if scaled > rl.maxInterval {
		scaled = rl.maxInterval
	}
	if scaled > st.interval {
		st.interval = scaled
		rl.log.WithFields(logrus.Fields{"host": host, "interval": scaled}).Info("Increased per-host interval after timeout")
	}
}

// HostInterval returns the host's current effective minimum interval.
func (rl *RateLimiter) HostInterval(host string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stateLocked(host).interval
}

// stateLocked returns (creating if needed) the host's state. Caller holds mu.
func (rl *RateLimiter) stateLocked(host string) *hostState {
	st, ok := rl.hosts[host]
	if !ok {
		st = &hostState{interval: rl.defaultInterval}
		rl.hosts[host] = st
	}
	return st
}
