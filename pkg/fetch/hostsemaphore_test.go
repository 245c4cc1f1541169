package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestPool(limit int) *HostSemaphorePool {
	return NewHostSemaphorePool(limit, logrus.NewEntry(testLogger()))
}

func TestHostSemaphore_AcquireRelease_Basic(t *testing.T) {
	pool := newTestPool(2)

	// Two acquires should succeed
	if err := pool.Acquire(context.Background(), "host-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := pool.Acquire(context.Background(), "host-a"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Third should time out (all 2 slots held)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Acquire(ctx, "host-a"); err == nil {
		t.Fatal("expected third acquire to fail, but it succeeded")
	}

	// Release one, then acquire should succeed again
	pool.Release("host-a")
	if err := pool.Acquire(context.Background(), "host-a"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}

	// Cleanup
	pool.Release("host-a")
	pool.Release("host-a")
}

func TestHostSemaphore_MultipleHosts(t *testing.T) {
	pool := newTestPool(1)

	// Acquire on two different hosts should not interfere
	if err := pool.Acquire(context.Background(), "host-a"); err != nil {
		t.Fatalf("host-a acquire failed: %v", err)
	}
	if err := pool.Acquire(context.Background(), "host-b"); err != nil {
		t.Fatalf("host-b acquire failed: %v", err)
	}

	if pool.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", pool.Len())
	}

	pool.Release("host-a")
	pool.Release("host-b")
}

func TestHostSemaphore_ConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	pool := newTestPool(limit)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Acquire(context.Background(), "host-a"); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			pool.Release("host-a")
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), limit)
	}
}

func TestHostSemaphore_EvictIdle(t *testing.T) {
	pool := newTestPool(1)

	for _, host := range []string{"a.edu", "b.edu", "c.edu"} {
		if err := pool.Acquire(context.Background(), host); err != nil {
			t.Fatalf("acquire %s failed: %v", host, err)
		}
		pool.Release(host)
	}
	if pool.Len() != 3 {
		t.Fatalf("expected 3 entries before eviction, got %d", pool.Len())
	}

	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(time.Millisecond)

	if pool.Len() != 0 {
		t.Errorf("expected 0 entries after eviction, got %d", pool.Len())
	}
}

func TestHostSemaphore_EvictIdle_KeepsActiveEntries(t *testing.T) {
	pool := newTestPool(1)

	if err := pool.Acquire(context.Background(), "active.edu"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(time.Millisecond)

	if pool.Len() != 1 {
		t.Errorf("active entry was evicted, Len() = %d, want 1", pool.Len())
	}
	pool.Release("active.edu")
}
