// Package monitor samples crawl counters on a fixed interval, derives rates,
// and recommends backpressure when the error rate climbs.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/storage"
)

// QueueLener reports the live depth of the frontier.
type QueueLener interface {
	Len() int
}

// Monitor periodically snapshots CrawlStats. Samples are optionally persisted
// to the stats store; persistence failures are logged and never stop the
// crawl.
type Monitor struct {
	cfg   config.MonitorConfig
	stats *models.CrawlStats
	queue QueueLener
	store storage.StatsStore // nil disables persistence
	runID string
	log   *logrus.Entry

	mu     sync.RWMutex
	latest models.StatsSnapshot
	seq    int64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a monitor. store may be nil, or persistence can be disabled in
// config; either way only Latest() is served from memory.
func New(cfg config.MonitorConfig, stats *models.CrawlStats, queue QueueLener, store storage.StatsStore, runID string, log *logrus.Entry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	return &Monitor{
		cfg:   cfg,
		stats: stats,
		queue: queue,
		store: store,
		runID: runID,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Start launches the sampling loop. It stops when ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.log.WithField("interval", m.cfg.Interval).Info("Monitor started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts the loop, takes one final sample, and waits for the goroutine.
// Safe to call more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.sample()
	})
}

// Latest returns the most recent sample. The zero snapshot is returned
// before the first tick.
func (m *Monitor) Latest() models.StatsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// RecommendBackpressure reports whether the cumulative error rate has
// crossed the configured threshold. Callers use it to shed low-priority
// discoveries; the monitor itself never touches the queue.
func (m *Monitor) RecommendBackpressure() bool {
	snap := m.Latest()
	if snap.TasksCompleted+snap.TasksFailed == 0 {
		return false
	}
	return snap.ErrorRate > m.cfg.ErrorRateThreshold
}

func (m *Monitor) sample() {
	depth := 0
	if m.queue != nil {
		depth = m.queue.Len()
	}
	snap := m.stats.Snapshot(depth)

	m.mu.Lock()
	prev := m.latest
	m.seq++
	snap.Seq = m.seq
	if !prev.Timestamp.IsZero() {
		if dt := snap.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			snap.Throughput = float64(snap.TasksCompleted-prev.TasksCompleted) / dt
		}
	}
	if total := snap.TasksCompleted + snap.TasksFailed; total > 0 {
		snap.ErrorRate = float64(snap.TasksFailed) / float64(total)
	}
	m.latest = snap
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"queue_depth":    snap.QueueDepth,
		"completed":      snap.TasksCompleted,
		"failed":         snap.TasksFailed,
		"pages_saved":    snap.PagesSaved,
		"active_workers": snap.ActiveWorkers,
		"throughput":     snap.Throughput,
		"error_rate":     snap.ErrorRate,
	}).Info("Crawl progress")

	if m.store != nil && m.cfg.PersistSamples {
		if err := m.store.SaveStats(m.runID, snap); err != nil {
			m.log.WithError(err).Warn("Failed to persist stats sample")
		}
	}
}
