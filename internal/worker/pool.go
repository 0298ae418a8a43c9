// Package worker runs a fixed set of workers that take job ids from the
// dispatch queue and process them one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/orchestrator"
	"github.com/PentesterFlow/qadocgen/internal/queue"
	"github.com/PentesterFlow/qadocgen/internal/store"
)

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("worker pool is not running")

// Runner processes one job to completion.
type Runner interface {
	Run(ctx context.Context, jobID string) *orchestrator.Summary
}

// Factory builds the runner owned by one worker. The returned closer, if
// any, releases the worker's crawl session when the worker exits.
type Factory func(workerID int) (Runner, io.Closer, error)

// Config sizes the pool.
type Config struct {
	Workers int
	// RequeueStale re-enqueues pending and processing jobs found in the
	// store on Start.
	RequeueStale bool
}

// DefaultConfig returns a single worker that resumes unfinished jobs.
func DefaultConfig() Config {
	return Config{Workers: 1, RequeueStale: true}
}

// Pool is a fixed set of workers.
type Pool struct {
	config  Config
	queue   queue.Queue
	jobs    store.JobStore
	factory Factory
	metrics *metrics.Collector
	logger  *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool. It does nothing until Start.
func New(config Config, q queue.Queue, jobs store.JobStore, factory Factory, m *metrics.Collector, log *logger.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Pool{
		config:  config,
		queue:   q,
		jobs:    jobs,
		factory: factory,
		metrics: m,
		logger:  logger.OrNop(log).WithComponent("worker"),
	}
}

// Start builds every worker's runner, requeues unfinished jobs and starts
// the workers. A factory error stops the workers already built.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runners := make([]Runner, 0, p.config.Workers)
	closers := make([]io.Closer, 0, p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		r, c, err := p.factory(i)
		if err != nil {
			closeAll(closers)
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		runners = append(runners, r)
		closers = append(closers, c)
	}

	if p.config.RequeueStale {
		if err := p.requeue(ctx); err != nil {
			closeAll(closers)
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := range runners {
		p.wg.Add(1)
		go p.work(ctx, i, runners[i], closers[i])
	}

	p.logger.Infof("Started %d workers", len(runners))
	return nil
}

func (p *Pool) requeue(ctx context.Context) error {
	n := 0
	for _, status := range []model.JobStatus{model.JobProcessing, model.JobPending} {
		jobs, err := p.jobs.ListJobs(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if p.queue.Contains(job.ID) {
				continue
			}
			if err := p.queue.Push(&queue.Item{JobID: job.ID}); err != nil {
				return fmt.Errorf("requeue job %s: %w", job.ID, err)
			}
			n++
		}
	}
	if n > 0 {
		p.logger.Infof("Requeued %d unfinished jobs", n)
	}
	p.metrics.SetQueueDepth(int64(p.queue.Len()))
	return nil
}

// Submit schedules a job for processing.
func (p *Pool) Submit(jobID string) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if err := p.queue.Push(&queue.Item{JobID: jobID}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	p.metrics.SetQueueDepth(int64(p.queue.Len()))
	return nil
}

func (p *Pool) work(ctx context.Context, id int, runner Runner, closer io.Closer) {
	defer p.wg.Done()
	log := p.logger.WithWorker(id)
	defer func() {
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("Failed to close crawl session")
		}
	}()

	for {
		item, err := p.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				log.WithError(err).Error("Queue pop failed")
			}
			return
		}
		p.metrics.SetQueueDepth(int64(p.queue.Len()))
		p.process(ctx, log, runner, item)
	}
}

func (p *Pool) process(ctx context.Context, log *logger.Logger, runner Runner, item *queue.Item) {
	p.metrics.AddActiveWorkers(1)
	defer p.metrics.AddActiveWorkers(-1)

	jobLog := log.WithJob(item.JobID)
	jobLog.WithField("waited", time.Since(item.EnqueuedAt).String()).Info("Picked up job")

	summary := runner.Run(ctx, item.JobID)

	// An interrupted job stays in flight so the next start resumes it.
	if summary != nil && summary.Status == orchestrator.StatusInterrupted {
		jobLog.Infof("Job interrupted (%d/%d URLs done), left for resume", len(summary.Results), summary.URLCount)
		return
	}

	if err := p.queue.Ack(item.JobID); err != nil {
		jobLog.WithError(err).Warn("Failed to acknowledge job")
	}
	if summary != nil {
		jobLog.Infof("Job finished: %s (%d/%d URLs)", summary.Status, summary.SuccessCount, summary.URLCount)
	}
}

// Stop cancels the workers and waits for them, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	return p.queue.Len()
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if c != nil {
			c.Close()
		}
	}
}
