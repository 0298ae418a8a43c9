// Package qadoc wires the analysis pipeline into a runnable service:
// stores, rate limiter, crawl sessions, synthesizer, worker pool and the
// REST surface.
package qadoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/qadocgen/internal/api"
	"github.com/PentesterFlow/qadocgen/internal/browser"
	"github.com/PentesterFlow/qadocgen/internal/cache"
	"github.com/PentesterFlow/qadocgen/internal/classifier"
	"github.com/PentesterFlow/qadocgen/internal/classifier/dom"
	"github.com/PentesterFlow/qadocgen/internal/document"
	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/llm/gemini"
	"github.com/PentesterFlow/qadocgen/internal/llm/mock"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/orchestrator"
	"github.com/PentesterFlow/qadocgen/internal/queue"
	"github.com/PentesterFlow/qadocgen/internal/ratelimit"
	"github.com/PentesterFlow/qadocgen/internal/shutdown"
	"github.com/PentesterFlow/qadocgen/internal/store"
	"github.com/PentesterFlow/qadocgen/internal/synth"
	"github.com/PentesterFlow/qadocgen/internal/worker"
)

// ErrNoSnapshot is returned by Analyze with fromCache when nothing fresh is
// cached for the URL.
var ErrNoSnapshot = errors.New("no cached snapshot for url")

// JobRequest is a job submitted through the library.
type JobRequest struct {
	URLs       []string
	AuthConfig *model.AuthConfig
	// RateLimit overrides the configured default when positive.
	RateLimit int
}

// Service is the composition root.
type Service struct {
	config *Config
	logger *logger.Logger

	metrics    *metrics.Collector
	store      store.Store
	ownsStore  bool
	cache      cache.Cache
	ownsCache  bool
	limitStore ratelimit.Store
	limiter    *ratelimit.Limiter
	llm        llm.Client
	classifier *classifier.Classifier
	synth      *synth.Synthesizer
	hub        *events.Hub
	observer   events.Publisher
	queue      queue.Queue
	pool       *worker.Pool
	api        *api.Server

	newAnalyzer AnalyzerFactory
	janitor     context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New validates config and builds every component. Nothing runs until
// Start or Serve.
func New(ctx context.Context, config *Config, opts ...Option) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Service{
		config:    config.Clone(),
		ownsStore: true,
		ownsCache: true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// An injected client stands in for the provider, so its key is not needed.
	if s.llm != nil && s.config.LLM.Provider == ProviderGemini && s.config.LLM.APIKey == "" {
		s.config.LLM.Provider = ProviderMock
	}
	if s.store != nil && s.config.Store.Driver != "memory" {
		s.config.Store.Driver = "memory"
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	if s.logger == nil {
		s.logger = newLogger(s.config.Log)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newLogger(c LogConfig) *logger.Logger {
	level, err := logger.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = logger.InfoLevel
	}
	return logger.New(logger.Config{Level: level, Pretty: c.Pretty})
}

func (s *Service) build(ctx context.Context) error {
	c := s.config
	var err error

	if s.store == nil {
		s.store, err = store.Open(ctx, c.Store.Driver, c.Store.Path, c.Store.DSN)
		if err != nil {
			return qaerrors.NewPersistenceError("open store", err)
		}
	}

	if s.cache == nil {
		if c.Cache.Path != "" {
			if s.cache, err = cache.NewBoltCache(c.Cache.Path, c.Cache.MaxEntries); err != nil {
				return qaerrors.NewPersistenceError("open snapshot cache", err)
			}
		} else {
			s.cache = cache.NewMemoryCache(c.Cache.MaxEntries)
		}
	}

	if c.RateLimit.Path != "" {
		if s.limitStore, err = ratelimit.NewBoltStore(c.RateLimit.Path); err != nil {
			return qaerrors.NewPersistenceError("open rate limit store", err)
		}
	} else {
		s.limitStore = ratelimit.NewMemoryStore()
	}
	s.limiter = ratelimit.NewLimiter(s.limitStore, ratelimit.Config{
		Window:     c.RateLimit.Window,
		Inactivity: c.RateLimit.Inactivity,
	}, s.logger)

	if s.llm == nil {
		if s.llm, err = s.newLLMClient(ctx); err != nil {
			return err
		}
	}

	s.classifier = classifier.New(s.logger)
	s.synth = synth.New(s.llm, synth.Config{
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
	}, s.logger, s.metrics)
	s.hub = events.NewHub(64)

	if c.Worker.QueuePath != "" {
		if s.queue, err = queue.NewPersistentQueue(c.Worker.QueuePath); err != nil {
			return qaerrors.NewPersistenceError("open job queue", err)
		}
	} else {
		s.queue = queue.NewMemoryQueue(0)
	}

	if s.newAnalyzer == nil {
		s.newAnalyzer = s.browserSession
	}
	s.pool = worker.New(worker.Config{Workers: c.Worker.Count, RequeueStale: true},
		s.queue, s.store, s.runnerFactory, s.metrics, s.logger)

	s.api = api.New(api.Config{
		Host:             c.API.Host,
		Port:             c.API.Port,
		DefaultRateLimit: c.RateLimit.RequestsPerMinute,
		SubmitPerMinute:  c.API.SubmitPerMinute,
	}, s.store, s.pool,
		api.WithEvents(s.hub),
		api.WithLimiterStats(s.limiter),
		api.WithMetrics(s.metrics),
		api.WithLogger(s.logger),
	)
	return nil
}

func (s *Service) newLLMClient(ctx context.Context) (llm.Client, error) {
	switch s.config.LLM.Provider {
	case ProviderMock:
		s.logger.Warn("Using the mock LLM provider; generated test cases are placeholders")
		return mock.New(), nil
	default:
		cfg := gemini.DefaultConfig()
		cfg.APIKey = s.config.LLM.APIKey
		cfg.Model = s.config.LLM.Model
		cfg.Timeout = s.config.LLM.Timeout
		cfg.RequestsPerMinute = s.config.LLM.RequestsPerMinute
		return gemini.New(ctx, cfg, s.logger)
	}
}

func (s *Service) browserConfig() browser.Config {
	bc := browser.DefaultConfig()
	bc.Headless = s.config.Crawl.Headless
	bc.IgnoreHTTPSErrors = s.config.Crawl.IgnoreHTTPSErrors
	bc.CacheTTL = s.config.Cache.TTL
	if s.config.Crawl.UserAgent != "" {
		bc.UserAgent = s.config.Crawl.UserAgent
	}
	if s.config.Crawl.ViewportWidth > 0 {
		bc.ViewportWidth = s.config.Crawl.ViewportWidth
	}
	if s.config.Crawl.ViewportHeight > 0 {
		bc.ViewportHeight = s.config.Crawl.ViewportHeight
	}
	return bc
}

func (s *Service) browserSession(workerID int) (orchestrator.Analyzer, io.Closer, error) {
	session := browser.NewSession(s.browserConfig(), s.cache, s.classifier, s.logger.WithWorker(workerID))
	return session, session, nil
}

func (s *Service) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		CrawlTimeout:     s.config.Crawl.Timeout,
		SettleDelay:      s.config.Crawl.SettleDelay,
		BackoffDelay:     s.config.RateLimit.BackoffDelay,
		DefaultRateLimit: s.config.RateLimit.RequestsPerMinute,
		URLConcurrency:   s.config.Worker.URLConcurrency,
	}
}

func (s *Service) newOrchestrator(analyzer orchestrator.Analyzer) *orchestrator.Orchestrator {
	var publisher events.Publisher = s.hub
	if s.observer != nil {
		publisher = events.Tee{s.hub, s.observer}
	}
	return orchestrator.New(s.store, s.store, analyzer, s.synth, s.limiter, s.orchestratorConfig(),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithLogger(s.logger),
	)
}

func (s *Service) runnerFactory(workerID int) (worker.Runner, io.Closer, error) {
	analyzer, closer, err := s.newAnalyzer(workerID)
	if err != nil {
		return nil, nil, err
	}
	return s.newOrchestrator(analyzer), closer, nil
}

// Start launches the worker pool and the rate limiter janitor.
func (s *Service) Start(ctx context.Context) error {
	jctx, cancel := context.WithCancel(ctx)
	s.janitor = cancel
	s.limiter.StartJanitor(jctx, s.config.RateLimit.Window)
	return s.pool.Start(ctx)
}

// Serve starts the workers and the REST server and blocks until a
// shutdown signal arrives or ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	h := shutdown.New(s.shutdownConfig(), s.logger)
	h.Register("service", func(context.Context) error { return s.Close() })
	h.Register("workers", s.pool.Stop)
	h.Register("http", s.api.Shutdown)

	if err := s.Start(h.Context()); err != nil {
		return err
	}
	h.Listen(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.api.ListenAndServe() }()

	select {
	case err := <-errc:
		res := h.Shutdown()
		if err != nil {
			return err
		}
		if res.HasErrors() {
			return errors.Join(res.Errors...)
		}
		return nil
	case <-h.Done():
		if err := <-errc; err != nil {
			return err
		}
		return nil
	}
}

// shutdownConfig gives in-flight URLs time to finish before resources are
// released.
func (s *Service) shutdownConfig() shutdown.Config {
	cfg := shutdown.DefaultConfig()
	budget := s.config.Crawl.Timeout + s.config.Crawl.SettleDelay + s.config.LLM.Timeout + 30*time.Second
	if budget > cfg.Timeout {
		cfg.Timeout = budget
	}
	return cfg
}

// Submit stores a new pending job and hands it to the worker pool.
func (s *Service) Submit(ctx context.Context, req JobRequest) (*model.Job, error) {
	job, err := s.createJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Submit(job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// Run processes a new job synchronously with a dedicated crawl session.
func (s *Service) Run(ctx context.Context, req JobRequest) (*orchestrator.Summary, error) {
	job, err := s.createJob(ctx, req)
	if err != nil {
		return nil, err
	}

	analyzer, closer, err := s.newAnalyzer(0)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}
	return s.newOrchestrator(analyzer).Run(ctx, job.ID), nil
}

func (s *Service) createJob(ctx context.Context, req JobRequest) (*model.Job, error) {
	if err := model.ValidateURLs(req.URLs); err != nil {
		return nil, qaerrors.NewConfigurationError("urls", err.Error())
	}
	if err := req.AuthConfig.Validate(); err != nil {
		return nil, qaerrors.NewConfigurationError("auth_config", err.Error())
	}

	limit := req.RateLimit
	if limit <= 0 {
		limit = s.config.RateLimit.RequestsPerMinute
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:         uuid.NewString(),
		URLs:       req.URLs,
		AuthConfig: req.AuthConfig,
		RateLimit:  limit,
		Status:     model.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, qaerrors.NewPersistenceError("create job", err)
	}
	return job, nil
}

// Job returns a stored job.
func (s *Service) Job(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Results returns a job's documents in the order they were produced.
func (s *Service) Results(ctx context.Context, jobID string) ([]*model.Document, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, jobID)
}

// Export renders a stored document.
func (s *Service) Export(ctx context.Context, docID string, format document.Format) ([]byte, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	return document.Render(format, &doc.Result)
}

// Analyze runs extraction only. With fromCache it classifies the cached
// snapshot of target instead of loading the page; the result then has no
// geometry.
func (s *Service) Analyze(ctx context.Context, target string, auth *model.AuthConfig, fromCache bool) (*string, []model.UIElement, error) {
	if fromCache {
		markup, ok, err := s.cache.Get(ctx, target)
		if err != nil {
			return nil, nil, qaerrors.NewPersistenceError("read snapshot", err)
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoSnapshot, target)
		}
		doc, err := dom.ParseHTML(markup)
		if err != nil {
			return nil, nil, qaerrors.NewExtractionError(target, "", err)
		}
		title := doc.Title()
		return &title, s.classifier.Extract(ctx, doc), nil
	}

	analyzer, closer, err := s.newAnalyzer(0)
	if err != nil {
		return nil, nil, err
	}
	if closer != nil {
		defer closer.Close()
	}
	title, elements := analyzer.Analyze(ctx, target, auth, s.config.Crawl.Timeout, s.config.Crawl.SettleDelay)
	if title == nil {
		return nil, nil, qaerrors.New(qaerrors.Navigation, target, "analyze", "page could not be analyzed", nil)
	}
	return title, elements, nil
}

// Metrics returns the service counters.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Events returns the progress event hub.
func (s *Service) Events() *events.Hub {
	return s.hub
}

// Handler exposes the REST routes, for embedding or tests.
func (s *Service) Handler() http.Handler {
	return s.api.Handler()
}

// Stop stops the workers, waiting at most until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor()
	}
	return s.pool.Stop(ctx)
}

// Close releases every resource the service opened. It is safe to call
// more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.janitor != nil {
			s.janitor()
		}
		var closers []io.Closer
		if s.queue != nil {
			closers = append(closers, s.queue)
		}
		if s.llm != nil {
			closers = append(closers, s.llm)
		}
		if s.limitStore != nil {
			closers = append(closers, s.limitStore)
		}
		if s.ownsCache && s.cache != nil {
			closers = append(closers, s.cache)
		}
		if s.ownsStore && s.store != nil {
			closers = append(closers, s.store)
		}

		var errs []error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
