package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/cache"
	"github.com/PentesterFlow/qadocgen/internal/classifier"
	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("session closed")

// Session loads pages one at a time through a lazily launched browser and
// classifies their elements. The browser is reused across calls and
// relaunched if it dies.
type Session struct {
	config     Config
	cache      cache.Cache
	classifier *classifier.Classifier
	logger     *logger.Logger
	launch     func(Config) (engine, error)

	mu     sync.Mutex
	engine engine
	state  State
	closed bool
}

// NewSession creates a session. snapshots may be nil.
func NewSession(config Config, snapshots cache.Cache, c *classifier.Classifier, log *logger.Logger) *Session {
	log = logger.OrNop(log).WithComponent("browser")
	if c == nil {
		c = classifier.New(log)
	}
	return &Session{
		config:     config,
		cache:      snapshots,
		classifier: c,
		logger:     log,
		launch: func(cfg Config) (engine, error) {
			return New(cfg)
		},
	}
}

// State returns the state the most recent Analyze ended in.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) acquire() (engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.engine == nil {
		e, err := s.launch(s.config)
		if err != nil {
			return nil, err
		}
		s.engine = e
		s.logger.Debug("browser launched")
	}
	return s.engine, nil
}

// discard drops e so the next acquire launches a fresh browser.
func (s *Session) discard(e engine) {
	s.mu.Lock()
	if s.engine == e {
		s.engine = nil
	}
	s.mu.Unlock()

	if err := e.Close(); err != nil {
		s.logger.WithError(err).Debug("closing dead browser")
	}
}

// open opens target, relaunching the browser once if it turns out to be
// dead.
func (s *Session) open(ctx context.Context, target string, auth *model.AuthConfig, timeout time.Duration) (Page, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		e, err := s.acquire()
		if err != nil {
			return nil, err
		}
		page, err := e.Open(ctx, target, auth, timeout)
		if err == nil {
			return page, nil
		}
		if !qaerrors.IsType(err, qaerrors.Browser) {
			return nil, err
		}
		s.logger.WithError(err).Warn("browser died, relaunching")
		s.discard(e)
		lastErr = err
	}
	return nil, lastErr
}

// run tracks the state of one Analyze call.
type run struct {
	s     *Session
	state State
	log   *logger.Logger
}

func (r *run) to(next State) {
	if !r.state.CanTransition(next) {
		r.log.Warnf("invalid session transition %s -> %s", r.state, next)
		return
	}
	r.state = next
	r.s.mu.Lock()
	r.s.state = next
	r.s.mu.Unlock()
}

func (r *run) fail(err error, msg string) (*string, []model.UIElement) {
	r.log.WithError(err).Warn(msg)
	r.to(StateFailed)
	return nil, nil
}

// Analyze loads target, waits settle for asynchronous content, and returns
// the page title and classified elements. Every failure is logged and
// reported as a nil title with no elements.
func (s *Session) Analyze(ctx context.Context, target string, auth *model.AuthConfig, timeout, settle time.Duration) (*string, []model.UIElement) {
	r := &run{s: s, state: StateIdle, log: s.logger.WithURL(target)}
	r.to(StateNavigating)

	page, err := s.open(ctx, target, auth, timeout)
	if err != nil {
		return r.fail(err, "navigation failed")
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.log.WithError(err).Debug("closing page")
		}
	}()
	r.to(StateLoaded)

	if settle > 0 {
		timer := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.fail(ctx.Err(), "interrupted while waiting for page to settle")
		case <-timer.C:
		}
	}

	title, err := page.Title(ctx)
	if err != nil {
		return r.fail(err, "failed to read title")
	}
	markup, err := page.HTML(ctx)
	if err != nil {
		return r.fail(err, "failed to read markup")
	}

	r.to(StateExtracting)
	elements := s.classifier.Extract(ctx, page.Document())

	if s.cache != nil {
		if err := s.cache.Put(ctx, target, markup, s.config.CacheTTL); err != nil {
			r.log.WithError(err).Warn("failed to cache snapshot")
		}
	}

	r.to(StateClosed)
	r.log.Infof("found %d elements", len(elements))
	return &title, elements
}

// Close releases the browser. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	e := s.engine
	s.engine = nil
	s.closed = true
	s.mu.Unlock()

	if e == nil {
		return nil
	}
	return e.Close()
}
