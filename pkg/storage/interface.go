package storage

import (
	"context"
	"time"

	"github.com/GhoulBiter/scraper/pkg/models"
)

// VisitedRegistry is the shared dedup surface for the crawl. The queue calls
// MarkVisited atomically with each push; a URL the registry has seen is never
// enqueued again.
type VisitedRegistry interface {
	// MarkVisited records a normalized URL as seen.
	// Returns true if the URL was newly added, false if it already existed.
	MarkVisited(normalizedURL string) (bool, error)

	// UnmarkVisited removes a normalized URL from the registry. The queue
	// calls it when a push is rejected after marking, so the URL can be
	// offered again later.
	UnmarkVisited(normalizedURL string) error

	// IsVisited reports whether a normalized URL has been seen.
	IsVisited(normalizedURL string) (bool, error)

	// VisitedCount returns the number of URLs ever marked visited.
	VisitedCount() (int, error)
}

// PageStore persists processed page records. SavePage is idempotent: saving
// the same normalized URL twice overwrites, never duplicates.
type PageStore interface {
	SavePage(record *models.PageRecord) error

	// GetPage retrieves a record by normalized URL.
	// Returns the record, whether it exists, and any error.
	GetPage(normalizedURL string) (*models.PageRecord, bool, error)

	// IteratePages calls fn for every stored page record. Iteration stops on
	// the first error fn returns.
	IteratePages(fn func(*models.PageRecord) error) error

	// PageCount returns the number of stored page records.
	PageCount() (int, error)
}

// StatsStore persists monitor snapshots and run summaries. Both writes are
// idempotent under retry (same key overwrites).
type StatsStore interface {
	SaveStats(runID string, snapshot models.StatsSnapshot) error
	SaveRun(run *models.RunRecord) error
	ListRuns() ([]*models.RunRecord, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Sync flushes pending writes to disk.
	Sync() error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	VisitedRegistry
	PageStore
	StatsStore
	StoreAdmin
}
