// Package shutdown runs named cleanup steps in reverse registration order
// when the service is asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/logger"
)

// Step is one named cleanup action.
type Step func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	// Timeout bounds all steps together.
	Timeout time.Duration
	Signals []os.Signal
}

// DefaultConfig returns a 30 second budget on SIGINT and SIGTERM.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type namedStep struct {
	name string
	fn   Step
}

// Handler collects steps and runs them once.
type Handler struct {
	mu    sync.Mutex
	steps []namedStep

	stopping atomic.Bool
	done     chan struct{}
	timeout  time.Duration
	result   Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	signals []os.Signal
	logger  *logger.Logger
}

// New creates a handler. Signal delivery starts with Listen.
func New(cfg Config, log *logger.Logger) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = DefaultConfig().Signals
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		signals: cfg.Signals,
		logger:  logger.OrNop(log).WithComponent("shutdown"),
	}
}

// Register adds a named step. Steps run last-registered first.
func (h *Handler) Register(name string, step Step) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, namedStep{name: name, fn: step})
}

// RegisterCloser registers c.Close as a step.
func (h *Handler) RegisterCloser(name string, c io.Closer) {
	h.Register(name, func(context.Context) error {
		return c.Close()
	})
}

// Context is cancelled as soon as shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown reports whether shutdown has begun.
func (h *Handler) IsShuttingDown() bool {
	return h.stopping.Load()
}

// Done is closed after every step has run.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Listen starts watching for the configured signals and runs Shutdown on
// the first one, or when parent is done.
func (h *Handler) Listen(parent context.Context) {
	signal.Notify(h.sigChan, h.signals...)
	go func() {
		defer signal.Stop(h.sigChan)
		select {
		case sig := <-h.sigChan:
			h.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
			h.Shutdown()
		case <-parent.Done():
			h.Shutdown()
		case <-h.ctx.Done():
		}
	}()
}

// Trigger behaves like a received SIGTERM.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown cancels Context, runs every step and returns the outcome.
// Later calls wait for the first one and return its result.
func (h *Handler) Shutdown() Result {
	if !h.stopping.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}

	start := time.Now()
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	steps := make([]namedStep, len(h.steps))
	copy(steps, h.steps)
	h.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := h.run(ctx, s); err != nil {
			h.logger.WithError(err).WithField("step", s.name).Warn("Shutdown step failed")
			errs = append(errs, err)
			continue
		}
		h.logger.WithField("step", s.name).Debug("Shutdown step finished")
	}

	h.result = Result{Elapsed: time.Since(start), Errors: errs}
	h.logger.WithDuration(h.result.Elapsed).Infof("Shutdown complete, %d failed steps", len(errs))
	close(h.done)
	return h.result
}

func (h *Handler) run(ctx context.Context, s namedStep) error {
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("shutdown step %s panicked: %v", s.name, r)
			}
		}()
		errc <- s.fn(ctx)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		return &TimeoutError{Step: s.name}
	}
}

// TimeoutError is returned for a step still running when the budget ran out.
type TimeoutError struct {
	Step string
}

func (e *TimeoutError) Error() string {
	return "shutdown step timed out: " + e.Step
}

// Result holds the outcome of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors reports whether any step failed.
func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}
