package monitor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/models"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fixedQueue int

func (q fixedQueue) Len() int { return int(q) }

type memStatsStore struct {
	mu    sync.Mutex
	saved []models.StatsSnapshot
}

func (s *memStatsStore) SaveStats(_ string, snap models.StatsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return nil
}
func (s *memStatsStore) SaveRun(*models.RunRecord) error        { return nil }
func (s *memStatsStore) ListRuns() ([]*models.RunRecord, error) { return nil, nil }

func TestMonitorSampling(t *testing.T) {
	stats := models.NewCrawlStats()
	for i := 0; i < 4; i++ {
		stats.TaskEnqueued()
	}
	stats.TaskCompleted()
	stats.TaskCompleted()
	stats.TaskFailed()

	m := New(config.MonitorConfig{Interval: 20 * time.Millisecond}, stats, fixedQueue(7), nil, "run-1", testEntry())
	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	snap := m.Latest()
	if snap.Seq == 0 {
		t.Fatal("no sample taken")
	}
	if snap.QueueDepth != 7 {
		t.Errorf("queue depth = %d, want 7", snap.QueueDepth)
	}
	if snap.TasksCompleted != 2 || snap.TasksFailed != 1 {
		t.Errorf("completed/failed = %d/%d, want 2/1", snap.TasksCompleted, snap.TasksFailed)
	}
	wantRate := 1.0 / 3.0
	if snap.ErrorRate < wantRate-0.01 || snap.ErrorRate > wantRate+0.01 {
		t.Errorf("error rate = %f, want %f", snap.ErrorRate, wantRate)
	}
}

func TestMonitorSeqMonotonic(t *testing.T) {
	stats := models.NewCrawlStats()
	m := New(config.MonitorConfig{Interval: 10 * time.Millisecond}, stats, fixedQueue(0), nil, "run-1", testEntry())
	m.Start(context.Background())
	time.Sleep(45 * time.Millisecond)
	first := m.Latest().Seq
	time.Sleep(25 * time.Millisecond)
	second := m.Latest().Seq
	m.Stop()
	final := m.Latest().Seq

	if first == 0 || second <= first || final < second {
		t.Errorf("seq not monotonic: %d, %d, %d", first, second, final)
	}
}

func TestMonitorPersistence(t *testing.T) {
	stats := models.NewCrawlStats()
	store := &memStatsStore{}
	m := New(config.MonitorConfig{Interval: 15 * time.Millisecond, PersistSamples: true}, stats, fixedQueue(0), store, "run-x", testEntry())
	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	store.mu.Lock()
	n := len(store.saved)
	store.mu.Unlock()
	if n == 0 {
		t.Fatal("no samples persisted")
	}
}

func TestRecommendBackpressure(t *testing.T) {
	stats := models.NewCrawlStats()
	m := New(config.MonitorConfig{Interval: time.Hour, ErrorRateThreshold: 0.5}, stats, fixedQueue(0), nil, "run-1", testEntry())

	// No samples yet: never recommend.
	if m.RecommendBackpressure() {
		t.Error("backpressure recommended before any sample")
	}

	stats.TaskCompleted()
	stats.TaskFailed()
	stats.TaskFailed()
	m.sample()
	if !m.RecommendBackpressure() {
		t.Errorf("error rate %f should exceed threshold", m.Latest().ErrorRate)
	}

	// Recover: completions dilute the cumulative rate below the threshold.
	for i := 0; i < 10; i++ {
		stats.TaskCompleted()
	}
	m.sample()
	if m.RecommendBackpressure() {
		t.Errorf("error rate %f should be under threshold", m.Latest().ErrorRate)
	}
}

func TestMonitorStopIdempotent(t *testing.T) {
	m := New(config.MonitorConfig{Interval: 10 * time.Millisecond}, models.NewCrawlStats(), fixedQueue(0), nil, "run-1", testEntry())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
