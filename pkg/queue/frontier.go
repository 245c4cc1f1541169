package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/storage"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// StateReader exposes the current crawl state to the queue. The shutdown
// coordinator implements it; the queue only ever reads.
type StateReader interface {
	State() models.CrawlState
}

// FullBehavior controls what Push does when the frontier is at capacity.
type FullBehavior int

const (
	// FullBlock makes Push wait until capacity frees up or the queue closes.
	FullBlock FullBehavior = iota
	// FullReject makes Push fail immediately with ErrQueueRejected.
	FullReject
)

// --- Priority Heap Implementation ---

// heapItem represents an item in the priority heap
type heapItem struct {
	task     *models.CrawlTask
	priority int    // Higher value means earlier dequeue
	seq      uint64 // Insertion order, breaks priority ties FIFO
	index    int    // The index of the item in the heap (required by heap interface)
}

// taskHeap implements heap.Interface
type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Pop should return the item with the highest priority value;
	// equal priorities dequeue in insertion order
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push adds an element to the heap
func (h *taskHeap) Push(x any) {
	n := len(*h)
	item := x.(*heapItem)
	item.index = n
	*h = append(*h, item)
}

// Pop removes and returns the highest priority element from the heap
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// --- Frontier ---

// Frontier is the bounded, deduplicating priority queue of pending crawl
// tasks. An accepted Push marks the task's normalized URL in the visited
// registry; a URL the registry has already seen is never enqueued again, and
// a rejected push releases its registry slot. The frontier is the single
// ownership-transfer point: at most one worker holds a given task.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond // Condition variable to wait for items or capacity

	heap     taskHeap
	capacity int
	onFull   FullBehavior
	closed   bool
	nextSeq  uint64

	visited     storage.VisitedRegistry
	state       StateReader
	stats       *models.CrawlStats
	maxAttempts int

	log *logrus.Entry
}

// NewFrontier creates a frontier over the given visited registry and state
// reader. capacity <= 0 means unbounded. maxAttempts bounds how many times a
// failed task may be requeued.
func NewFrontier(capacity int, onFull FullBehavior, maxAttempts int, visited storage.VisitedRegistry, state StateReader, stats *models.CrawlStats, logger *logrus.Entry) *Frontier {
	f := &Frontier{
		capacity:    capacity,
		onFull:      onFull,
		maxAttempts: maxAttempts,
		visited:     visited,
		state:       state,
		stats:       stats,
		log:         logger,
	}
	f.cond = sync.NewCond(&f.mu)
	heap.Init(&f.heap)
	return f
}

// Push offers a task to the frontier. Returns (true, nil) when the task was
// accepted, (false, nil) when its normalized URL was already visited (dedup
// is not an error), and (false, ErrQueueRejected) when the crawl is not
// running or the frontier is full with reject behavior.
func (f *Frontier) Push(task *models.CrawlTask) (bool, error) {
	if st := f.state.State(); st != models.StateRunning {
		return false, fmt.Errorf("%w: crawl is %s", utils.ErrQueueRejected, st)
	}

	// The registry insert is the atomic dedup point: exactly one concurrent
	// pusher of the same URL sees added=true.
	added, err := f.visited.MarkVisited(task.NormalizedURL)
	if err != nil {
		return false, utils.WrapErrorf(err, "marking visited for push of %s", task.NormalizedURL)
	}
	if !added {
		f.log.Debugf("Duplicate URL not enqueued: %s", task.NormalizedURL)
		return false, nil
	}

	accepted, err := f.enqueue(task)
	if !accepted {
		// The dedup slot belongs to accepted pushes only. A rejection
		// (capacity, close, or a drain that landed while blocked) must hand
		// the slot back so the URL can be offered again.
		if unmarkErr := f.visited.UnmarkVisited(task.NormalizedURL); unmarkErr != nil {
			f.log.Warnf("Failed to release dedup slot for rejected push of %s: %v", task.NormalizedURL, unmarkErr)
		}
	}
	return accepted, err
}

// Requeue re-inserts a task whose processing failed transiently. It bypasses
// the visited dedup (the URL is already marked by definition) but still
// honors crawl state and capacity. A task at or past the attempt cap is
// rejected.
func (f *Frontier) Requeue(task *models.CrawlTask) (bool, error) {
	if task.Attempt >= f.maxAttempts {
		return false, fmt.Errorf("%w: %s exceeded %d attempts", utils.ErrQueueRejected, task.NormalizedURL, f.maxAttempts)
	}
	if st := f.state.State(); st != models.StateRunning {
		return false, fmt.Errorf("%w: crawl is %s", utils.ErrQueueRejected, st)
	}
	return f.enqueueNoCount(task)
}

func (f *Frontier) enqueue(task *models.CrawlTask) (bool, error) {
	accepted, err := f.enqueueNoCount(task)
	if accepted {
		f.stats.TaskEnqueued()
	}
	return accepted, err
}

func (f *Frontier) enqueueNoCount(task *models.CrawlTask) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.capacity > 0 && len(f.heap) >= f.capacity {
		if f.closed {
			return false, utils.ErrQueueClosed
		}
		if f.onFull == FullReject {
			return false, fmt.Errorf("%w: frontier full (%d items)", utils.ErrQueueRejected, len(f.heap))
		}
		// Block until a pop frees capacity or the queue closes
		f.cond.Wait()
	}

	if f.closed {
		return false, utils.ErrQueueClosed
	}
	// Re-check state under the lock: a drain may have landed while we
	// were blocked on capacity.
	if st := f.state.State(); st != models.StateRunning {
		return false, fmt.Errorf("%w: crawl is %s", utils.ErrQueueRejected, st)
	}

	item := &heapItem{
		task:     task,
		priority: task.Priority,
		seq:      f.nextSeq,
	}
	f.nextSeq++
	heap.Push(&f.heap, item)
	f.cond.Broadcast() // Wake waiting workers (and capacity waiters)
	return true, nil
}

// Pop retrieves and removes the highest priority task. It blocks until a task
// is available, the timeout elapses (ErrQueueEmpty), or the frontier is
// closed (ErrQueueClosed). timeout <= 0 blocks indefinitely.
func (f *Frontier) Pop(timeout time.Duration) (*models.CrawlTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// Wake this waiter when the deadline passes; Broadcast because the
		// cond is shared with other poppers and capacity waiters.
		timer := time.AfterFunc(timeout, func() { f.cond.Broadcast() })
		defer timer.Stop()
	}

	for len(f.heap) == 0 {
		if f.closed {
			return nil, utils.ErrQueueClosed
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, utils.ErrQueueEmpty
		}
		// Wait releases the lock and waits for a Broadcast; reacquires lock upon waking
		f.cond.Wait()
	}

	item := heap.Pop(&f.heap).(*heapItem)
	f.cond.Broadcast() // A capacity slot freed up
	return item.task, nil
}

// Close marks the frontier closed and discards all pending tasks (draining
// keeps only in-flight work). Returns the number of discarded tasks.
// Idempotent.
func (f *Frontier) Close() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	f.closed = true
	discarded := len(f.heap)
	f.heap = f.heap[:0]
	if discarded > 0 {
		f.log.Infof("Frontier closed, discarded %d pending tasks", discarded)
	}
	f.cond.Broadcast() // Wake up ALL waiters so they can check the closed status
	return discarded
}

// Len returns the current number of pending tasks (thread-safe)
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heap)
}
