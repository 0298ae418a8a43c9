package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue at capacity")
)

// priorityQueue implements heap.Interface for Item.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	// Higher priority value first, then arrival order
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*Item))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[0 : n-1]
	return item
}

// MemoryQueue is a thread-safe in-memory job queue.
type MemoryQueue struct {
	mu       sync.Mutex
	pq       priorityQueue
	queued   map[string]struct{}
	inflight map[string]struct{}
	closed   bool
	cond     *sync.Cond
	capacity int
	seq      uint64
}

// NewMemoryQueue creates a queue. capacity <= 0 means unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	mq := &MemoryQueue{
		pq:       make(priorityQueue, 0),
		queued:   make(map[string]struct{}),
		inflight: make(map[string]struct{}),
		capacity: capacity,
	}
	mq.cond = sync.NewCond(&mq.mu)
	heap.Init(&mq.pq)
	return mq
}

// Push implements Queue.
func (mq *MemoryQueue) Push(item *Item) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.pushLocked(item)
}

func (mq *MemoryQueue) pushLocked(item *Item) error {
	if mq.closed {
		return ErrQueueClosed
	}
	if mq.has(item.JobID) {
		return nil
	}
	if mq.capacity > 0 && len(mq.pq) >= mq.capacity {
		return ErrQueueFull
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	mq.seq++
	item.seq = mq.seq
	mq.queued[item.JobID] = struct{}{}
	heap.Push(&mq.pq, item)
	mq.cond.Signal()
	return nil
}

func (mq *MemoryQueue) has(jobID string) bool {
	_, queued := mq.queued[jobID]
	_, inflight := mq.inflight[jobID]
	return queued || inflight
}

// TryPop returns the next item without blocking.
func (mq *MemoryQueue) TryPop() (*Item, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil, ErrQueueClosed
	}
	if len(mq.pq) == 0 {
		return nil, ErrQueueEmpty
	}
	return mq.popLocked(), nil
}

// Pop implements Queue.
func (mq *MemoryQueue) Pop(ctx context.Context) (*Item, error) {
	stop := context.AfterFunc(ctx, func() {
		mq.mu.Lock()
		mq.cond.Broadcast()
		mq.mu.Unlock()
	})
	defer stop()

	mq.mu.Lock()
	defer mq.mu.Unlock()

	for len(mq.pq) == 0 && !mq.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mq.cond.Wait()
	}

	if mq.closed {
		return nil, ErrQueueClosed
	}
	return mq.popLocked(), nil
}

func (mq *MemoryQueue) popLocked() *Item {
	item := heap.Pop(&mq.pq).(*Item)
	delete(mq.queued, item.JobID)
	mq.inflight[item.JobID] = struct{}{}
	return item
}

// Ack implements Queue.
func (mq *MemoryQueue) Ack(jobID string) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	delete(mq.inflight, jobID)
	return nil
}

// Len implements Queue.
func (mq *MemoryQueue) Len() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return len(mq.pq)
}

// InFlight returns the number of popped but unacknowledged jobs.
func (mq *MemoryQueue) InFlight() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return len(mq.inflight)
}

// Contains implements Queue.
func (mq *MemoryQueue) Contains(jobID string) bool {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.has(jobID)
}

// Close implements Queue.
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	mq.closed = true
	mq.cond.Broadcast()
	return nil
}
