package models

import (
	"sync/atomic"
	"time"
)

// CrawlStats is the process-wide counter set for a crawl run. Workers mutate
// it atomically; the monitor reads it. It is reset only at process start.
type CrawlStats struct {
	tasksEnqueued  atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	bytesFetched   atomic.Int64
	activeWorkers  atomic.Int64
	pagesSaved     atomic.Int64
	evaluations    atomic.Int64
	evalTokens     atomic.Int64
	evalCostMicro  atomic.Int64 // USD in millionths, atomic stand-in for a float
}

// NewCrawlStats returns a zeroed counter set.
func NewCrawlStats() *CrawlStats {
	return &CrawlStats{}
}

// TaskEnqueued records an accepted queue push.
func (s *CrawlStats) TaskEnqueued() { s.tasksEnqueued.Add(1) }

// TaskCompleted records a successfully processed task.
func (s *CrawlStats) TaskCompleted() { s.tasksCompleted.Add(1) }

// TaskFailed records a permanently failed task.
func (s *CrawlStats) TaskFailed() { s.tasksFailed.Add(1) }

// AddBytes records fetched response bytes.
func (s *CrawlStats) AddBytes(n int64) { s.bytesFetched.Add(n) }

// WorkerActive marks one worker as busy with an in-flight task.
func (s *CrawlStats) WorkerActive() { s.activeWorkers.Add(1) }

// WorkerIdle marks one worker as no longer busy.
func (s *CrawlStats) WorkerIdle() { s.activeWorkers.Add(-1) }

// PageSaved records a persisted page record.
func (s *CrawlStats) PageSaved() { s.pagesSaved.Add(1) }

// EvaluationDone records a completed AI evaluation with its token usage and
// estimated cost.
func (s *CrawlStats) EvaluationDone(tokens int, costUSD float64) {
	s.evaluations.Add(1)
	s.evalTokens.Add(int64(tokens))
	s.evalCostMicro.Add(int64(costUSD * 1e6))
}

// TasksEnqueued returns the accepted-push counter.
func (s *CrawlStats) TasksEnqueued() int64 { return s.tasksEnqueued.Load() }

// TasksCompleted returns the completed-task counter.
func (s *CrawlStats) TasksCompleted() int64 { return s.tasksCompleted.Load() }

// TasksFailed returns the permanently-failed counter.
func (s *CrawlStats) TasksFailed() int64 { return s.tasksFailed.Load() }

// BytesFetched returns the total fetched bytes.
func (s *CrawlStats) BytesFetched() int64 { return s.bytesFetched.Load() }

// ActiveWorkers returns the current number of busy workers.
func (s *CrawlStats) ActiveWorkers() int64 { return s.activeWorkers.Load() }

// PagesSaved returns the persisted-record counter.
func (s *CrawlStats) PagesSaved() int64 { return s.pagesSaved.Load() }

// EvalCostUSD returns the cumulative estimated evaluation spend.
func (s *CrawlStats) EvalCostUSD() float64 { return float64(s.evalCostMicro.Load()) / 1e6 }

// Snapshot captures the counters together with the given queue depth. Seq and
// derived rates are filled in by the monitor.
func (s *CrawlStats) Snapshot(queueDepth int) StatsSnapshot {
	return StatsSnapshot{
		Timestamp:      time.Now(),
		TasksEnqueued:  s.tasksEnqueued.Load(),
		TasksCompleted: s.tasksCompleted.Load(),
		TasksFailed:    s.tasksFailed.Load(),
		BytesFetched:   s.bytesFetched.Load(),
		ActiveWorkers:  s.activeWorkers.Load(),
		PagesSaved:     s.pagesSaved.Load(),
		Evaluations:    s.evaluations.Load(),
		EvalTokens:     s.evalTokens.Load(),
		EvalCostUSD:    float64(s.evalCostMicro.Load()) / 1e6,
		QueueDepth:     queueDepth,
	}
}

// StatsSnapshot is one monitor sample of the crawl counters plus derived
// rates. Snapshots are persisted keyed by Seq, so re-saving the same sample
// overwrites rather than duplicates.
type StatsSnapshot struct {
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	TasksEnqueued  int64     `json:"tasks_enqueued"`
	TasksCompleted int64     `json:"tasks_completed"`
	TasksFailed    int64     `json:"tasks_failed"`
	BytesFetched   int64     `json:"bytes_fetched"`
	ActiveWorkers  int64     `json:"active_workers"`
	PagesSaved     int64     `json:"pages_saved"`
	Evaluations    int64     `json:"evaluations"`
	EvalTokens     int64     `json:"eval_tokens,omitempty"`
	EvalCostUSD    float64   `json:"eval_cost_usd,omitempty"`
	QueueDepth     int       `json:"queue_depth"`
	Throughput     float64   `json:"throughput"` // Tasks completed per second over the sample interval
	ErrorRate      float64   `json:"error_rate"` // failed / (completed + failed), cumulative
}
