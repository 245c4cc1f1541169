package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// hostSlot pairs a host's weighted semaphore with enough bookkeeping to
// evict it once idle.
type hostSlot struct {
	sem       *semaphore.Weighted
	refs      int64     // permits held plus callers waiting
	idleSince time.Time // last Release; zero while never released
}

// HostSemaphorePool caps concurrent requests per host. A single pool is
// shared by every target run, so the cap holds globally even when targets
// overlap on a host. Slots are created lazily and evicted after sitting
// idle.
type HostSemaphorePool struct {
	mu    sync.Mutex
	slots map[string]*hostSlot
	limit int64
	log   *logrus.Entry
}

func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostSemaphorePool{
		slots: make(map[string]*hostSlot),
		limit: limit,
		log:   log,
	}
}

// slotFor returns the host's slot, creating it on first use, and bumps its
// refcount. Callers must pair with a deref on failure or a Release.
func (p *HostSemaphorePool) slotFor(host string) *hostSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[host] = slot
		p.log.WithFields(logrus.Fields{"host": host, "limit": p.limit}).Debug("Tracking new host")
	}
	slot.refs++
	return slot
}

// Acquire takes one permit for the host, blocking until one frees up or ctx
// ends.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) error {
	slot := p.slotFor(host)
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		slot.refs--
		p.mu.Unlock()
		return err
	}
	return nil
}

// Release returns one permit for the host.
func (p *HostSemaphorePool) Release(host string) {
	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		p.mu.Unlock()
		p.log.Errorf("Release for untracked host %s", host)
		return
	}
	slot.refs--
	slot.idleSince = time.Now()
	p.mu.Unlock()

	slot.sem.Release(1)
}

// RunEviction drops idle host slots on a ticker until ctx ends. Long
// multi-target and watch runs touch many hosts exactly once; without
// eviction the map only ever grows.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			p.log.Debugf("Host slot eviction stopped: %v", ctx.Err())
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	before := len(p.slots)
	for host, slot := range p.slots {
		if slot.refs == 0 && !slot.idleSince.IsZero() && !slot.idleSince.After(cutoff) {
			delete(p.slots, host)
		}
	}
	if evicted := before - len(p.slots); evicted > 0 {
		p.log.Debugf("Evicted %d idle host slots, %d remain", evicted, len(p.slots))
	}
}

// Len returns the number of hosts currently tracked.
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
