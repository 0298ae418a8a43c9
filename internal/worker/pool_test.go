package worker

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/orchestrator"
	"github.com/PentesterFlow/qadocgen/internal/queue"
	"github.com/PentesterFlow/qadocgen/internal/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRunner struct {
	worker int
	ran    chan string
	block  chan struct{}
	status string
}

func (r *fakeRunner) Run(ctx context.Context, jobID string) *orchestrator.Summary {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.ran <- jobID
	status := r.status
	if status == "" {
		status = orchestrator.StatusCompleted
	}
	return &orchestrator.Summary{Status: status, JobID: jobID, URLCount: 1, SuccessCount: 1}
}

type countingCloser struct{ n *atomic.Int32 }

func (c countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func newJob(t *testing.T, s store.JobStore, id string, status model.JobStatus) {
	t.Helper()
	now := time.Now().UTC()
	job := &model.Job{
		ID:        id,
		URLs:      []string{"https://example.com"},
		RateLimit: 10,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if status != model.JobPending {
		if err := s.UpdateJobStatus(context.Background(), id, status, ""); err != nil {
			t.Fatalf("UpdateJobStatus() error = %v", err)
		}
	}
}

func collect(t *testing.T, ran <-chan string, n int) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case id := <-ran:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("ran %v, want %d jobs", got, n)
		}
	}
	sort.Strings(got)
	return got
}

// =============================================================================
// Pool
// =============================================================================

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	ran := make(chan string, 10)
	var closed atomic.Int32

	factory := func(id int) (Runner, io.Closer, error) {
		return &fakeRunner{worker: id, ran: ran}, countingCloser{&closed}, nil
	}
	m := metrics.New()
	p := New(Config{Workers: 3}, q, store.NewMemoryStore(), factory, m, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := p.Submit(id); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	got := collect(t, ran, 4)
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if closed.Load() != 3 {
		t.Errorf("closed %d sessions, want 3", closed.Load())
	}
	if q.Contains("a") {
		t.Error("finished job should be acknowledged")
	}
	if m.Snapshot().ActiveWorkers != 0 {
		t.Errorf("ActiveWorkers = %d, want 0", m.Snapshot().ActiveWorkers)
	}
}

func TestPool_RequeuesUnfinishedJobs(t *testing.T) {
	s := store.NewMemoryStore()
	newJob(t, s, "pending", model.JobPending)
	newJob(t, s, "interrupted", model.JobProcessing)
	newJob(t, s, "done", model.JobProcessing)
	if err := s.UpdateJobStatus(context.Background(), "done", model.JobCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	ran := make(chan string, 10)
	factory := func(id int) (Runner, io.Closer, error) {
		return &fakeRunner{ran: ran}, nil, nil
	}
	p := New(DefaultConfig(), queue.NewMemoryQueue(0), s, factory, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(context.Background())

	got := collect(t, ran, 2)
	if got[0] != "interrupted" || got[1] != "pending" {
		t.Errorf("ran %v, want interrupted and pending", got)
	}
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := New(DefaultConfig(), queue.NewMemoryQueue(0), store.NewMemoryStore(), nil, nil, nil)
	if err := p.Submit("a"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit() error = %v, want ErrNotRunning", err)
	}
}

func TestPool_FactoryError(t *testing.T) {
	var closed atomic.Int32
	factory := func(id int) (Runner, io.Closer, error) {
		if id == 1 {
			return nil, nil, errors.New("chrome not found")
		}
		return &fakeRunner{}, countingCloser{&closed}, nil
	}

	p := New(Config{Workers: 2}, queue.NewMemoryQueue(0), store.NewMemoryStore(), factory, nil, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when a worker cannot be built")
	}
	if closed.Load() != 1 {
		t.Errorf("closed %d sessions, want 1", closed.Load())
	}
}

func TestPool_StopCancelsRunningJob(t *testing.T) {
	ran := make(chan string, 1)
	block := make(chan struct{})
	factory := func(id int) (Runner, io.Closer, error) {
		return &fakeRunner{ran: ran, block: block}, nil, nil
	}

	p := New(Config{Workers: 1}, queue.NewMemoryQueue(0), store.NewMemoryStore(), factory, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Submit("slow")
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case id := <-ran:
		if id != "slow" {
			t.Errorf("ran %s, want slow", id)
		}
	default:
		t.Error("running job should have returned on cancel")
	}

	if err := p.Submit("late"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestPool_InterruptedJobStaysInFlight(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	ran := make(chan string, 1)
	factory := func(id int) (Runner, io.Closer, error) {
		return &fakeRunner{ran: ran, status: orchestrator.StatusInterrupted}, nil, nil
	}

	p := New(Config{Workers: 1}, q, store.NewMemoryStore(), factory, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Submit("half-done")
	collect(t, ran, 1)
	p.Stop(context.Background())

	if !q.Contains("half-done") || q.InFlight() != 1 {
		t.Error("interrupted job should stay in flight")
	}
}

func TestPool_InterruptedJobResumesAfterReopen(t *testing.T) {
	path := t.TempDir() + "/queue.db"
	jobs := store.NewMemoryStore()
	newJob(t, jobs, "half-done", model.JobProcessing)

	q, err := queue.NewPersistentQueue(path)
	if err != nil {
		t.Fatalf("NewPersistentQueue() error = %v", err)
	}
	first := make(chan string, 1)
	p := New(Config{Workers: 1, RequeueStale: true}, q, jobs, func(int) (Runner, io.Closer, error) {
		return &fakeRunner{ran: first, status: orchestrator.StatusInterrupted}, nil, nil
	}, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	collect(t, first, 1)
	p.Stop(context.Background())
	q.Close()

	q, err = queue.NewPersistentQueue(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer q.Close()
	second := make(chan string, 1)
	p = New(Config{Workers: 1, RequeueStale: true}, q, jobs, func(int) (Runner, io.Closer, error) {
		return &fakeRunner{ran: second}, nil, nil
	}, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := collect(t, second, 1); got[0] != "half-done" {
		t.Errorf("ran %v, want half-done", got)
	}
	p.Stop(context.Background())
}

func TestPool_SessionPerWorker(t *testing.T) {
	var (
		mu    sync.Mutex
		built []int
	)
	factory := func(id int) (Runner, io.Closer, error) {
		mu.Lock()
		built = append(built, id)
		mu.Unlock()
		return &fakeRunner{ran: make(chan string, 1)}, nil, nil
	}

	p := New(Config{Workers: 4}, queue.NewMemoryQueue(0), store.NewMemoryStore(), factory, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Stop(context.Background())

	if len(built) != 4 {
		t.Errorf("factory called %d times, want 4", len(built))
	}
}
