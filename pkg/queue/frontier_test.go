package queue

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// testLogger returns a logger entry that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// memRegistry is an in-memory VisitedRegistry for queue tests
type memRegistry struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemRegistry() *memRegistry {
	return &memRegistry{seen: make(map[string]bool)}
}

func (r *memRegistry) MarkVisited(url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[url] {
		return false, nil
	}
	r.seen[url] = true
	return true, nil
}

func (r *memRegistry) UnmarkVisited(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, url)
	return nil
}

func (r *memRegistry) IsVisited(url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[url], nil
}

func (r *memRegistry) VisitedCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen), nil
}

// fakeState is a settable StateReader
type fakeState struct {
	v atomic.Int32
}

func (s *fakeState) State() models.CrawlState { return models.CrawlState(s.v.Load()) }
func (s *fakeState) set(st models.CrawlState) { s.v.Store(int32(st)) }

func newTestFrontier(capacity int, onFull FullBehavior) (*Frontier, *fakeState) {
	state := &fakeState{}
	f := NewFrontier(capacity, onFull, 3, newMemRegistry(), state, models.NewCrawlStats(), testLogger())
	return f, state
}

func task(url string, priority int) *models.CrawlTask {
	return &models.CrawlTask{URL: url, NormalizedURL: url, Priority: priority}
}

// --- Basic Operations Tests ---

func TestNewFrontier(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)
	if f == nil {
		t.Fatal("NewFrontier() returned nil")
	}
	if f.Len() != 0 {
		t.Errorf("New frontier Len() = %d, want 0", f.Len())
	}
}

func TestFrontier_PushAndPop(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	accepted, err := f.Push(task("http://example.edu/", 10))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !accepted {
		t.Fatal("Push() accepted = false, want true")
	}
	if f.Len() != 1 {
		t.Errorf("After Push, Len() = %d, want 1", f.Len())
	}

	got, err := f.Pop(time.Second)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if got.URL != "http://example.edu/" {
		t.Errorf("Pop() URL = %q, want %q", got.URL, "http://example.edu/")
	}
	if f.Len() != 0 {
		t.Errorf("After Pop, Len() = %d, want 0", f.Len())
	}
}

func TestFrontier_PriorityOrdering(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	// Priorities {1,1,2}: the 2 pops first, then the 1s in push order
	f.Push(task("first-one", 1))
	f.Push(task("second-one", 1))
	f.Push(task("the-two", 2))

	expectedOrder := []string{"the-two", "first-one", "second-one"}
	for i, expected := range expectedOrder {
		got, err := f.Pop(time.Second)
		if err != nil {
			t.Fatalf("Pop() #%d error = %v", i, err)
		}
		if got.URL != expected {
			t.Errorf("Pop() #%d URL = %q, want %q", i, got.URL, expected)
		}
	}
}

func TestFrontier_FIFOAmongEqualPriorities(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	urls := []string{"a", "b", "c", "d", "e"}
	for _, u := range urls {
		f.Push(task(u, 50))
	}

	for i, expected := range urls {
		got, err := f.Pop(time.Second)
		if err != nil {
			t.Fatalf("Pop() #%d error = %v", i, err)
		}
		if got.URL != expected {
			t.Errorf("Pop() #%d URL = %q, want %q (FIFO violated)", i, got.URL, expected)
		}
	}
}

// --- Dedup Tests ---

func TestFrontier_DuplicateNotEnqueued(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	accepted, err := f.Push(task("http://example.edu/apply", 10))
	if err != nil || !accepted {
		t.Fatalf("first Push() = (%v, %v), want (true, nil)", accepted, err)
	}

	accepted, err = f.Push(task("http://example.edu/apply", 10))
	if err != nil {
		t.Fatalf("duplicate Push() error = %v, want nil (dedup is not an error)", err)
	}
	if accepted {
		t.Error("duplicate Push() accepted = true, want false")
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}
}

func TestFrontier_ConcurrentDuplicatePush(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)
	const pushers = 16

	var wg sync.WaitGroup
	var acceptedCount atomic.Int64
	for range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted, err := f.Push(task("http://example.edu/contested", 10))
			if err != nil {
				t.Errorf("Push() error = %v", err)
			}
			if accepted {
				acceptedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if acceptedCount.Load() != 1 {
		t.Errorf("accepted pushes = %d, want exactly 1", acceptedCount.Load())
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}
}

// --- State Gating Tests ---

func TestFrontier_PushRejectedWhenDraining(t *testing.T) {
	f, state := newTestFrontier(0, FullBlock)
	state.set(models.StateDraining)

	accepted, err := f.Push(task("http://example.edu/", 10))
	if accepted {
		t.Error("Push() accepted = true during draining, want false")
	}
	if !errors.Is(err, utils.ErrQueueRejected) {
		t.Errorf("Push() error = %v, want ErrQueueRejected", err)
	}
}

func TestFrontier_NoPushAcceptedDuringDrainConcurrent(t *testing.T) {
	f, state := newTestFrontier(0, FullBlock)
	state.set(models.StateDraining)

	var wg sync.WaitGroup
	var acceptedCount atomic.Int64
	for i := range 32 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			accepted, _ := f.Push(&models.CrawlTask{
				URL:           "http://example.edu/p",
				NormalizedURL: "http://example.edu/p" + string(rune('a'+n%26)),
				Priority:      n,
			})
			if accepted {
				acceptedCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if acceptedCount.Load() != 0 {
		t.Errorf("accepted pushes during drain = %d, want 0", acceptedCount.Load())
	}
}

// --- Pop Blocking Tests ---

func TestFrontier_PopTimeout(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	start := time.Now()
	_, err := f.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, utils.ErrQueueEmpty) {
		t.Errorf("Pop() on empty queue error = %v, want ErrQueueEmpty", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Pop() returned after %v, want at least ~50ms", elapsed)
	}
}

func TestFrontier_PopClosed(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)
	f.Close()

	_, err := f.Pop(time.Second)
	if !errors.Is(err, utils.ErrQueueClosed) {
		t.Errorf("Pop() on closed queue error = %v, want ErrQueueClosed", err)
	}
}

func TestFrontier_PopUnblocksOnPush(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	done := make(chan *models.CrawlTask, 1)
	go func() {
		got, err := f.Pop(5 * time.Second)
		if err != nil {
			t.Errorf("Pop() error = %v", err)
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond) // Let the popper block
	f.Push(task("http://example.edu/late", 10))

	select {
	case got := <-done:
		if got == nil || got.URL != "http://example.edu/late" {
			t.Errorf("Pop() got %v, want the pushed task", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() did not unblock after Push")
	}
}

func TestFrontier_PopUnblocksOnClose(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	done := make(chan error, 1)
	go func() {
		_, err := f.Pop(5 * time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	f.Close()

	select {
	case err := <-done:
		if !errors.Is(err, utils.ErrQueueClosed) {
			t.Errorf("Pop() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() did not unblock after Close")
	}
}

// --- Capacity Tests ---

func TestFrontier_RejectWhenFull(t *testing.T) {
	f, _ := newTestFrontier(2, FullReject)

	f.Push(task("a", 1))
	f.Push(task("b", 1))

	accepted, err := f.Push(task("c", 1))
	if accepted {
		t.Error("Push() on full frontier accepted = true, want false")
	}
	if !errors.Is(err, utils.ErrQueueRejected) {
		t.Errorf("Push() on full frontier error = %v, want ErrQueueRejected", err)
	}
}

func TestFrontier_RejectedPushReleasesDedupSlot(t *testing.T) {
	f, _ := newTestFrontier(1, FullReject)

	if accepted, err := f.Push(task("a.example", 1)); err != nil || !accepted {
		t.Fatalf("Push(a) = (%v, %v), want (true, nil)", accepted, err)
	}

	// Capacity rejection must not consume b's dedup slot
	accepted, err := f.Push(task("b.example", 1))
	if accepted || !errors.Is(err, utils.ErrQueueRejected) {
		t.Fatalf("Push(b) on full frontier = (%v, %v), want (false, ErrQueueRejected)", accepted, err)
	}

	if _, err := f.Pop(time.Second); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	accepted, err = f.Push(task("b.example", 1))
	if err != nil {
		t.Fatalf("Push(b) after capacity freed error = %v", err)
	}
	if !accepted {
		t.Fatal("Push(b) after capacity freed accepted = false, want true (rejected push must not dedupe the retry)")
	}

	got, err := f.Pop(time.Second)
	if err != nil || got.URL != "b.example" {
		t.Errorf("Pop() = (%v, %v), want b.example", got, err)
	}
}

func TestFrontier_DrainRejectionReleasesDedupSlot(t *testing.T) {
	f, state := newTestFrontier(1, FullBlock)

	if accepted, err := f.Push(task("a.example", 1)); err != nil || !accepted {
		t.Fatalf("Push(a) = (%v, %v)", accepted, err)
	}

	// Block a pusher on capacity, then land a drain before waking it. The
	// state recheck under the lock rejects the push; its dedup slot must
	// come back.
	done := make(chan error, 1)
	go func() {
		_, err := f.Push(task("b.example", 1))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	state.set(models.StateDraining)
	if _, err := f.Pop(time.Second); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, utils.ErrQueueRejected) {
			t.Fatalf("blocked Push(b) error = %v, want ErrQueueRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Push(b) did not return after drain")
	}

	state.set(models.StateRunning)
	accepted, err := f.Push(task("b.example", 1))
	if err != nil || !accepted {
		t.Errorf("Push(b) after drain = (%v, %v), want (true, nil)", accepted, err)
	}
}

func TestFrontier_BlockWhenFullUnblocksOnPop(t *testing.T) {
	f, _ := newTestFrontier(2, FullBlock)

	f.Push(task("a", 1))
	f.Push(task("b", 1))

	done := make(chan error, 1)
	go func() {
		_, err := f.Push(task("c", 1))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Push() on full frontier returned before capacity freed")
	case <-time.After(50 * time.Millisecond):
		// Still blocked, as expected
	}

	if _, err := f.Pop(time.Second); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("blocked Push() error after capacity freed = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push() did not unblock after Pop freed capacity")
	}
}

// --- Requeue Tests ---

func TestFrontier_Requeue(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	tk := task("http://example.edu/flaky", 10)
	if accepted, err := f.Push(tk); err != nil || !accepted {
		t.Fatalf("Push() = (%v, %v)", accepted, err)
	}
	popped, err := f.Pop(time.Second)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	// Dedup would block a Push; Requeue must bypass it
	popped.Attempt = 1
	accepted, err := f.Requeue(popped)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if !accepted {
		t.Error("Requeue() accepted = false, want true")
	}
	if f.Len() != 1 {
		t.Errorf("Len() after Requeue = %d, want 1", f.Len())
	}
}

func TestFrontier_RequeueAttemptCap(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock) // maxAttempts = 3

	tk := task("http://example.edu/dead", 10)
	tk.Attempt = 3

	accepted, err := f.Requeue(tk)
	if accepted {
		t.Error("Requeue() at attempt cap accepted = true, want false")
	}
	if !errors.Is(err, utils.ErrQueueRejected) {
		t.Errorf("Requeue() at attempt cap error = %v, want ErrQueueRejected", err)
	}
}

func TestFrontier_RequeueRejectedWhenDraining(t *testing.T) {
	f, state := newTestFrontier(0, FullBlock)
	state.set(models.StateDraining)

	tk := task("http://example.edu/flaky", 10)
	tk.Attempt = 1
	accepted, err := f.Requeue(tk)
	if accepted {
		t.Error("Requeue() during draining accepted = true, want false")
	}
	if !errors.Is(err, utils.ErrQueueRejected) {
		t.Errorf("Requeue() during draining error = %v, want ErrQueueRejected", err)
	}
}

// --- Close Tests ---

func TestFrontier_CloseDiscardsPending(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)

	for i := range 5 {
		f.Push(task("http://example.edu/p"+string(rune('a'+i)), i))
	}

	discarded := f.Close()
	if discarded != 5 {
		t.Errorf("Close() discarded = %d, want 5", discarded)
	}
	if f.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", f.Len())
	}

	// Idempotent: second close discards nothing
	if again := f.Close(); again != 0 {
		t.Errorf("second Close() discarded = %d, want 0", again)
	}
}

func TestFrontier_PushAfterClose(t *testing.T) {
	f, _ := newTestFrontier(0, FullBlock)
	f.Close()

	accepted, err := f.Push(task("http://example.edu/", 10))
	if accepted {
		t.Error("Push() after Close accepted = true, want false")
	}
	if !errors.Is(err, utils.ErrQueueClosed) {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}
}

// --- Conservation Tests ---

func TestFrontier_NoURLDequeuedTwice(t *testing.T) {
	state := &fakeState{}
	stats := models.NewCrawlStats()
	f := NewFrontier(0, FullBlock, 3, newMemRegistry(), state, stats, testLogger())

	const producers = 8
	const perProducer = 50

	var pushWG sync.WaitGroup
	for p := range producers {
		pushWG.Add(1)
		go func(p int) {
			defer pushWG.Done()
			for i := range perProducer {
				// Half the URLs collide across producers
				url := "http://example.edu/shared" + string(rune('a'+i%26))
				if p%2 == 0 {
					url = "http://example.edu/own" + string(rune('a'+p)) + string(rune('a'+i%26))
				}
				f.Push(&models.CrawlTask{URL: url, NormalizedURL: url, Priority: i % 5})
			}
		}(p)
	}
	pushWG.Wait()

	seenMu := sync.Mutex{}
	seen := make(map[string]int)
	var popWG sync.WaitGroup
	for range 4 {
		popWG.Add(1)
		go func() {
			defer popWG.Done()
			for {
				tk, err := f.Pop(50 * time.Millisecond)
				if err != nil {
					return
				}
				seenMu.Lock()
				seen[tk.NormalizedURL]++
				seenMu.Unlock()
			}
		}()
	}
	popWG.Wait()

	for url, n := range seen {
		if n != 1 {
			t.Errorf("URL %q dequeued %d times, want 1", url, n)
		}
	}
	if int64(len(seen)) != stats.TasksEnqueued() {
		t.Errorf("dequeued %d unique URLs, stats counted %d accepted pushes", len(seen), stats.TasksEnqueued())
	}
}
