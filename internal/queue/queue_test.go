package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// MemoryQueue Tests
// =============================================================================

func TestMemoryQueue_FIFO(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := mq.Push(&Item{JobID: id}); err != nil {
			t.Fatalf("Push(%s) error = %v", id, err)
		}
	}

	for _, want := range []string{"job-a", "job-b", "job-c"} {
		item, err := mq.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if item.JobID != want {
			t.Errorf("Pop() = %s, want %s", item.JobID, want)
		}
	}
}

func TestMemoryQueue_Priority(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	mq.Push(&Item{JobID: "low", Priority: 0})
	mq.Push(&Item{JobID: "high", Priority: 5})
	mq.Push(&Item{JobID: "low-2", Priority: 0})

	var got []string
	for mq.Len() > 0 {
		item, err := mq.TryPop()
		if err != nil {
			t.Fatalf("TryPop() error = %v", err)
		}
		got = append(got, item.JobID)
	}

	want := []string{"high", "low", "low-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMemoryQueue_Dedupe(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	mq.Push(&Item{JobID: "job-1"})
	mq.Push(&Item{JobID: "job-1"})
	if mq.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", mq.Len())
	}

	if _, err := mq.TryPop(); err != nil {
		t.Fatalf("TryPop() error = %v", err)
	}
	if !mq.Contains("job-1") {
		t.Error("in-flight job should still be reported by Contains")
	}
	mq.Push(&Item{JobID: "job-1"})
	if mq.Len() != 0 {
		t.Error("in-flight job should not be queued again")
	}

	mq.Ack("job-1")
	if mq.Contains("job-1") {
		t.Error("acked job should be forgotten")
	}
	mq.Push(&Item{JobID: "job-1"})
	if mq.Len() != 1 {
		t.Error("acked job should be accepted again")
	}
}

func TestMemoryQueue_Capacity(t *testing.T) {
	mq := NewMemoryQueue(1)
	defer mq.Close()

	if err := mq.Push(&Item{JobID: "a"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := mq.Push(&Item{JobID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() over capacity error = %v, want ErrQueueFull", err)
	}
}

func TestMemoryQueue_TryPopEmpty(t *testing.T) {
	mq := NewMemoryQueue(0)
	if _, err := mq.TryPop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("TryPop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestMemoryQueue_EnqueuedAt(t *testing.T) {
	mq := NewMemoryQueue(0)
	item := &Item{JobID: "a"}
	mq.Push(item)
	if item.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt should be stamped on Push")
	}
}

func TestMemoryQueue_PopBlocksUntilPush(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	got := make(chan string, 1)
	go func() {
		item, err := mq.Pop(context.Background())
		if err != nil {
			got <- err.Error()
			return
		}
		got <- item.JobID
	}()

	time.Sleep(20 * time.Millisecond)
	mq.Push(&Item{JobID: "late"})

	select {
	case id := <-got:
		if id != "late" {
			t.Errorf("Pop() = %s, want late", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestMemoryQueue_PopContextCancel(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := mq.Pop(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Pop() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after cancel")
	}
}

func TestMemoryQueue_CloseWakesPop(t *testing.T) {
	mq := NewMemoryQueue(0)

	errc := make(chan error, 1)
	go func() {
		_, err := mq.Pop(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	mq.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Pop() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Close")
	}

	if err := mq.Push(&Item{JobID: "x"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}
}

func TestMemoryQueue_ConcurrentConsumers(t *testing.T) {
	mq := NewMemoryQueue(0)
	defer mq.Close()

	const n = 100
	for i := 0; i < n; i++ {
		mq.Push(&Item{JobID: fmt.Sprintf("job-%d", i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := mq.TryPop()
				if err != nil {
					return
				}
				mu.Lock()
				seen[item.JobID]++
				mu.Unlock()
				mq.Ack(item.JobID)
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("popped %d distinct jobs, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("%s popped %d times", id, count)
		}
	}
}

// =============================================================================
// PersistentQueue Tests
// =============================================================================

func TestPersistentQueue_Basic(t *testing.T) {
	pq, err := NewPersistentQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewPersistentQueue() error = %v", err)
	}
	defer pq.Close()

	pq.Push(&Item{JobID: "a"})
	pq.Push(&Item{JobID: "b"})
	pq.Push(&Item{JobID: "a"})
	if pq.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", pq.Len())
	}

	item, err := pq.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if item.JobID != "a" {
		t.Errorf("Pop() = %s, want a", item.JobID)
	}
	if !pq.Contains("a") {
		t.Error("popped job should be in flight")
	}
	if err := pq.Ack("a"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if pq.Contains("a") {
		t.Error("acked job should be gone")
	}
}

func TestPersistentQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	pq, err := NewPersistentQueue(path)
	if err != nil {
		t.Fatalf("NewPersistentQueue() error = %v", err)
	}
	pq.Push(&Item{JobID: "a"})
	pq.Push(&Item{JobID: "b"})
	pq.Push(&Item{JobID: "c"})

	// a finishes, b is left in flight
	item, _ := pq.Pop(context.Background())
	pq.Ack(item.JobID)
	if _, err := pq.Pop(context.Background()); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	pq.Close()

	reopened, err := NewPersistentQueue(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("Len() after reopen = %d, want 2", reopened.Len())
	}

	first, err := popWithin(reopened)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if first.JobID != "b" {
		t.Errorf("unacknowledged job should come back first, got %s", first.JobID)
	}
	second, _ := popWithin(reopened)
	if second.JobID != "c" {
		t.Errorf("second = %s, want c", second.JobID)
	}
}

func TestPersistentQueue_ClosedPop(t *testing.T) {
	pq, err := NewPersistentQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewPersistentQueue() error = %v", err)
	}
	pq.memory.Close()
	if _, err := pq.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() error = %v, want ErrQueueClosed", err)
	}
	pq.db.Close()
}

// popWithin pops without waiting long so reopen tests fail fast.
func popWithin(q Queue) (*Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return q.Pop(ctx)
}
