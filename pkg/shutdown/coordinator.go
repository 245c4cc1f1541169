// Package shutdown owns the crawl lifecycle state machine and its signal
// integration. Exactly one Coordinator exists per crawl run.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/models"
)

// FlushFunc is invoked once during the transition to Stopped, after workers
// have exited. Errors are logged, never propagated: shutdown always finishes.
type FlushFunc func() error

// Coordinator drives Running -> Draining -> Stopped. Transitions only move
// forward; triggering an already-reached state is a no-op. The first recorded
// reason wins and ends up on the RunRecord.
type Coordinator struct {
	state  atomic.Int32
	reason atomic.Value // string, first Trigger's reason

	drainDeadline time.Duration
	cancelCrawl   context.CancelFunc // force-cancels in-flight fetches

	mu      sync.Mutex
	flushes []FlushFunc

	draining  chan struct{}
	stopped   chan struct{}
	drainOnce sync.Once
	stopOnce  sync.Once

	log *logrus.Entry
}

// NewCoordinator creates a coordinator in the Running state. cancelCrawl is
// the crawl context's cancel func; it fires when the drain deadline expires
// or a second signal demands a forced stop. drainDeadline <= 0 means wait
// indefinitely for in-flight work.
func NewCoordinator(drainDeadline time.Duration, cancelCrawl context.CancelFunc, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		drainDeadline: drainDeadline,
		cancelCrawl:   cancelCrawl,
		draining:      make(chan struct{}),
		stopped:       make(chan struct{}),
		log:           log,
	}
	c.state.Store(int32(models.StateRunning))
	return c
}

// State returns the current lifecycle state. Satisfies queue.StateReader.
func (c *Coordinator) State() models.CrawlState {
	return models.CrawlState(c.state.Load())
}

// Reason returns the first recorded trigger reason, or "" while Running.
func (c *Coordinator) Reason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Draining is closed when the coordinator leaves Running.
func (c *Coordinator) Draining() <-chan struct{} { return c.draining }

// Stopped is closed once the coordinator reaches Stopped.
func (c *Coordinator) Stopped() <-chan struct{} { return c.stopped }

// OnFlush registers a callback to run during the transition to Stopped.
// Callbacks run in registration order.
func (c *Coordinator) OnFlush(f FlushFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = append(c.flushes, f)
}

// Trigger moves the crawl into Draining. The first call records reason and
// starts the drain-deadline timer; later calls are no-ops. Safe from any
// goroutine.
func (c *Coordinator) Trigger(reason string) {
	c.drainOnce.Do(func() {
		c.reason.CompareAndSwap(nil, reason)
		c.transition(models.StateDraining)
		c.log.WithField("reason", reason).Warn("Crawl draining")
		close(c.draining)

		if c.drainDeadline > 0 {
			time.AfterFunc(c.drainDeadline, func() {
				if c.State() != models.StateStopped {
					c.log.Warnf("Drain deadline (%s) expired, cancelling in-flight work", c.drainDeadline)
					if c.cancelCrawl != nil {
						c.cancelCrawl()
					}
				}
			})
		}
	})
}

// Finish moves the crawl into Stopped: runs flush callbacks, cancels the
// crawl context, and releases Stopped() waiters. Call after all workers have
// exited. Idempotent; implies Trigger if the crawl was still Running.
func (c *Coordinator) Finish(reason string) {
	c.Trigger(reason)
	c.stopOnce.Do(func() {
		c.mu.Lock()
		flushes := c.flushes
		c.mu.Unlock()
		for _, f := range flushes {
			if err := f(); err != nil {
				c.log.WithError(err).Error("Shutdown flush failed")
			}
		}

		c.transition(models.StateStopped)
		if c.cancelCrawl != nil {
			c.cancelCrawl()
		}
		c.log.WithField("reason", c.Reason()).Info("Crawl stopped")
		close(c.stopped)
	})
}

func (c *Coordinator) transition(next models.CrawlState) {
	for {
		cur := models.CrawlState(c.state.Load())
		if !cur.CanTransitionTo(next) {
			c.log.Errorf("Illegal state transition %s -> %s ignored", cur, next)
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return
		}
	}
}

// HandleSignals installs SIGINT/SIGTERM handling: the first signal drains
// gracefully, the second forces cancellation of in-flight work. The handler
// goroutine exits when ctx is cancelled.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			c.log.Warnf("Received signal %v, draining (signal again to force stop)", sig)
			c.Trigger("signal")
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			c.log.Warnf("Received second signal %v, forcing stop", sig)
			if c.cancelCrawl != nil {
				c.cancelCrawl()
			}
		case <-ctx.Done():
		}
	}()
}
