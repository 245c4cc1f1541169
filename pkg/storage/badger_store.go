package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/log"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

const (
	visitedKeyPrefix = "visited:" // Dedup registry keys
	pageKeyPrefix    = "page:"    // Persisted page records
	statsKeyPrefix   = "stats:"   // Monitor snapshots, keyed stats:<runID>:<seq>
	runKeyPrefix     = "run:"     // Run summaries
	crawlDBDir       = "crawl_db" // Subdirectory name within stateDir for Badger DB files
)

// Bloom filter sizing for the visited fast path. False positives fall through
// to a DB read, so the only cost of undersizing is extra reads.
const (
	bloomExpectedItems = 1_000_000
	bloomFalsePositive = 0.001
)

// BadgerStore implements the Store interface using BadgerDB. A bloom filter
// in front of the visited keyspace answers the common "never seen" case
// without touching the DB.
type BadgerStore struct {
	db        *badger.DB
	log       *logrus.Entry
	ctx       context.Context // Parent context
	keyCount  atomic.Int64    // Cached visited count for O(1) VisitedCount
	pageCount atomic.Int64    // Cached page record count for O(1) PageCount

	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter
}

// NewBadgerStore initializes and returns a new BadgerStore for one target.
func NewBadgerStore(ctx context.Context, stateDir, targetKey string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:   logger,
		ctx:   ctx,
		bloom: bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive),
	}

	// Create a unique directory path for this target's DB within the base state directory
	dbDirName := utils.SanitizeFilename(targetKey) + "_" + crawlDBDir
	dbPath := filepath.Join(stateDir, dbDirName)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			// Log error but attempt to continue; Badger might recover or create new files
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing crawl state database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	// Configure Badger options
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger). // Use custom logrus adapter
		WithNumVersionsToKeep(1)  // Only keep the latest state

	// Open the database
	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	// Rebuild counters and bloom filter from existing data (matters for resume mode)
	if resume {
		if err := store.loadExistingState(); err != nil {
			logger.Warnf("Failed to load existing state on resume: %v", err)
		} else {
			logger.Infof("Loaded existing state on resume: %d visited, %d pages",
				store.keyCount.Load(), store.pageCount.Load())
		}
	}

	logger.Info("Crawl state database initialized successfully.")
	return store, nil
}

// loadExistingState performs a one-time key scan to rebuild the visited
// count, page count, and bloom filter (used only during init on resume).
func (s *BadgerStore) loadExistingState() error {
	var visited, pages int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		visitedPrefix := []byte(visitedKeyPrefix)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			switch {
			case len(key) > len(visitedKeyPrefix) && string(key[:len(visitedKeyPrefix)]) == visitedKeyPrefix:
				visited++
				s.bloom.Add(key[len(visitedPrefix):])
			case len(key) > len(pageKeyPrefix) && string(key[:len(pageKeyPrefix)]) == pageKeyPrefix:
				pages++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.keyCount.Store(visited)
	s.pageCount.Store(pages)
	return nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrPersistence, maxConflictRetries)
}

// MarkVisited implements the VisitedRegistry interface.
func (s *BadgerStore) MarkVisited(normalizedURL string) (bool, error) {
	if s.db == nil {
		return false, errors.New("crawl DB not initialized")
	}
	added := false
	key := []byte(visitedKeyPrefix + normalizedURL)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			// Key doesn't exist, add it with an empty value.
			e := badger.NewEntry(key, []byte{})
			errSet := txn.SetEntry(e)
			if errSet == nil {
				added = true
			}
			return errSet
		}
		// Key already exists or another error occurred
		return errGet // Return the original error (could be nil if key exists)
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkVisited: %v", err)
		return false, fmt.Errorf("%w: marking visited key '%s': %w", utils.ErrPersistence, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
		s.bloomMu.Lock()
		s.bloom.AddString(normalizedURL)
		s.bloomMu.Unlock()
	}

	return added, nil
}

// UnmarkVisited implements the VisitedRegistry interface. The bloom filter
// cannot remove entries, so the URL stays a bloom "maybe" until restart;
// MarkVisited and IsVisited both confirm against the DB, so a stale bloom
// bit only costs an extra read.
func (s *BadgerStore) UnmarkVisited(normalizedURL string) error {
	if s.db == nil {
		return errors.New("crawl DB not initialized")
	}
	key := []byte(visitedKeyPrefix + normalizedURL)

	existed := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		existed = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in UnmarkVisited: %v", err)
		return fmt.Errorf("%w: unmarking visited key '%s': %w", utils.ErrPersistence, string(key), err)
	}
	if existed {
		s.keyCount.Add(-1)
	}
	return nil
}

// IsVisited implements the VisitedRegistry interface. A bloom miss is a
// definite "no"; a bloom hit is confirmed against the DB.
func (s *BadgerStore) IsVisited(normalizedURL string) (bool, error) {
	s.bloomMu.RLock()
	maybe := s.bloom.TestString(normalizedURL)
	s.bloomMu.RUnlock()
	if !maybe {
		return false, nil
	}

	key := []byte(visitedKeyPrefix + normalizedURL)
	found := false
	errView := s.db.View(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		found = true
		return nil
	})
	if errView != nil {
		s.log.Errorf("DB View error in IsVisited for key '%s': %v", string(key), errView)
		return false, fmt.Errorf("%w: checking visited key '%s': %w", utils.ErrPersistence, string(key), errView)
	}
	return found, nil
}

// VisitedCount implements the VisitedRegistry interface.
// Returns the cached key count (O(1)) maintained by atomic increments on writes.
func (s *BadgerStore) VisitedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// SavePage implements the PageStore interface. Saving the same normalized URL
// twice overwrites the previous record.
func (s *BadgerStore) SavePage(record *models.PageRecord) error {
	if s.db == nil {
		return errors.New("crawl DB not initialized")
	}
	key := []byte(pageKeyPrefix + record.NormalizedURL)

	recordBytes, errJson := json.Marshal(record)
	if errJson != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal PageRecord for key '%s': %w", utils.ErrParsing, string(key), errJson)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		e := badger.NewEntry(key, recordBytes)
		return txn.SetEntry(e)
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SavePage: %v", err)
		return fmt.Errorf("%w: failed saving page record for key '%s': %w", utils.ErrPersistence, string(key), err)
	}
	if isNew {
		s.pageCount.Add(1)
	}

	s.log.Debugf("Saved page record for key '%s' (classification: %s)", string(key), record.Classification)
	return nil
}

// GetPage implements the PageStore interface.
func (s *BadgerStore) GetPage(normalizedURL string) (*models.PageRecord, bool, error) {
	key := []byte(pageKeyPrefix + normalizedURL)
	var record *models.PageRecord

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Not found is not an error for this function's purpose
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting page key '%s': %w", utils.ErrPersistence, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			var decoded models.PageRecord
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				return fmt.Errorf("%w: failed to unmarshal PageRecord for key '%s': %w", utils.ErrParsing, string(key), errJson)
			}
			record = &decoded
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in GetPage for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return record, record != nil, nil
}

// IteratePages implements the PageStore interface. Records that fail to
// decode are logged and skipped; iteration stops on the first error fn
// returns.
func (s *BadgerStore) IteratePages(fn func(*models.PageRecord) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pageKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			errVal := item.Value(func(val []byte) error {
				var record models.PageRecord
				if errJson := json.Unmarshal(val, &record); errJson != nil {
					s.log.Warnf("Skipping undecodable page record '%s': %v", string(item.Key()), errJson)
					return nil
				}
				return fn(&record)
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})
}

// PageCount implements the PageStore interface.
func (s *BadgerStore) PageCount() (int, error) {
	return int(s.pageCount.Load()), nil
}

// SaveStats implements the StatsStore interface. Snapshots are keyed by run
// ID and sequence number so a retried write overwrites rather than
// duplicates.
func (s *BadgerStore) SaveStats(runID string, snapshot models.StatsSnapshot) error {
	key := []byte(fmt.Sprintf("%s%s:%08d", statsKeyPrefix, runID, snapshot.Seq))

	snapBytes, errJson := json.Marshal(snapshot)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal stats snapshot for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, snapBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveStats: %v", err)
		return fmt.Errorf("%w: failed saving stats snapshot '%s': %w", utils.ErrPersistence, string(key), err)
	}
	return nil
}

// SaveRun implements the StatsStore interface.
func (s *BadgerStore) SaveRun(run *models.RunRecord) error {
	key := []byte(runKeyPrefix + run.ID)

	runBytes, errJson := json.Marshal(run)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal RunRecord for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, runBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveRun: %v", err)
		return fmt.Errorf("%w: failed saving run record '%s': %w", utils.ErrPersistence, string(key), err)
	}
	return nil
}

// ListRuns implements the StatsStore interface.
func (s *BadgerStore) ListRuns() ([]*models.RunRecord, error) {
	var runs []*models.RunRecord
	errView := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(runKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			errVal := item.Value(func(val []byte) error {
				var run models.RunRecord
				if errJson := json.Unmarshal(val, &run); errJson != nil {
					s.log.Warnf("Skipping undecodable run record '%s': %v", string(item.Key()), errJson)
					return nil
				}
				runs = append(runs, &run)
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})
	if errView != nil {
		return nil, fmt.Errorf("%w: listing run records: %w", utils.ErrPersistence, errView)
	}
	return runs, nil
}

// Sync implements the StoreAdmin interface.
func (s *BadgerStore) Sync() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("%w: syncing crawl DB: %w", utils.ErrPersistence, err)
	}
	return nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			// Check if DB is valid before running GC
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			s.log.Info("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				// Run GC if log is at least 50% reclaimable space
				err = s.db.RunValueLogGC(0.5)
				if err == nil {
					s.log.Info("BadgerDB GC cycle completed.")
				} else {
					break // Exit loop if GC finished (ErrNoRewrite) or encountered an error
				}
			}

			// Log outcome
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Info("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done(): // Check if stop signal received via context cancellation
			s.log.Infof("Stopping BadgerDB garbage collection goroutine due to context cancellation: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing crawl DB...")
		err := s.db.Close()
		if err != nil {
			s.log.Errorf("Error closing crawl DB: %v", err)
			return err
		}
		s.log.Info("Crawl DB closed.")
		return nil
	}
	s.log.Info("Crawl DB already closed or was not initialized.")
	return nil
}
