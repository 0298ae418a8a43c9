// Package orchestrator runs a job's URLs through analysis, synthesis and
// persistence and settles the job's final status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/ratelimit"
	"github.com/PentesterFlow/qadocgen/internal/store"
)

// Analyzer renders a URL and classifies its elements. A nil title means
// the page could not be analyzed.
type Analyzer interface {
	Analyze(ctx context.Context, target string, auth *model.AuthConfig, timeout, settle time.Duration) (*string, []model.UIElement)
}

// Synthesizer produces the test cases of one page.
type Synthesizer interface {
	Synthesize(ctx context.Context, url, title string, elements []model.UIElement) []model.TestCase
}

// Admitter is the per-domain rate limiter.
type Admitter interface {
	Admit(ctx context.Context, domain string, limit int) (bool, error)
}

// Summary statuses.
const (
	StatusCompleted          = "completed"
	StatusPartiallyCompleted = "partially_completed"
	StatusFailed             = "failed"
	// StatusInterrupted means the run stopped between URLs. The job is left
	// processing and resumes on the next Run.
	StatusInterrupted = "interrupted"
)

// Summary is the outcome of one Run.
type Summary struct {
	Status       string             `json:"status"`
	JobID        string             `json:"job_id"`
	URLCount     int                `json:"url_count,omitempty"`
	SuccessCount int                `json:"success_count"`
	Results      []model.URLOutcome `json:"results,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Config holds per-URL timing and fan-out.
type Config struct {
	CrawlTimeout     time.Duration `json:"crawl_timeout" yaml:"crawl_timeout"`
	SettleDelay      time.Duration `json:"settle_delay" yaml:"settle_delay"`
	BackoffDelay     time.Duration `json:"backoff_delay" yaml:"backoff_delay"`
	DefaultRateLimit int           `json:"default_rate_limit" yaml:"default_rate_limit"`
	URLConcurrency   int           `json:"url_concurrency" yaml:"url_concurrency"`
}

// DefaultConfig returns a 30s crawl timeout, a 5s settle delay, a single
// 60s back-off after a rate-limit rejection, 10 requests per minute and
// sequential URLs.
func DefaultConfig() Config {
	return Config{
		CrawlTimeout:     30 * time.Second,
		SettleDelay:      5 * time.Second,
		BackoffDelay:     60 * time.Second,
		DefaultRateLimit: 10,
		URLConcurrency:   1,
	}
}

// Orchestrator processes jobs.
type Orchestrator struct {
	jobs      store.JobStore
	results   store.ResultStore
	analyzer  Analyzer
	synth     Synthesizer
	admitter  Admitter
	config    Config
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newDocID  func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sends progress events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records job and URL counters in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.OrNop(l).WithComponent("orchestrator") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the back-off sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator.
func New(jobs store.JobStore, results store.ResultStore, analyzer Analyzer, synth Synthesizer, admitter Admitter, config Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if config.CrawlTimeout <= 0 {
		config.CrawlTimeout = defaults.CrawlTimeout
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}
	if config.BackoffDelay < 0 {
		config.BackoffDelay = 0
	}
	if config.DefaultRateLimit <= 0 {
		config.DefaultRateLimit = defaults.DefaultRateLimit
	}
	if config.URLConcurrency <= 0 {
		config.URLConcurrency = 1
	}

	o := &Orchestrator{
		jobs:      jobs,
		results:   results,
		analyzer:  analyzer,
		synth:     synth,
		admitter:  admitter,
		config:    config,
		publisher: events.Nop{},
		logger:    logger.Nop(),
		now:       time.Now,
		sleep:     sleepContext,
		newDocID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run processes every URL of jobID and settles the job. It never returns
// an error: faults outside a single URL mark the job failed and are
// reported in the Summary.
//
// Cancelling ctx does not abort the URL in progress. Run lets it finish,
// starts no further URL, and returns a StatusInterrupted summary with the
// job still processing. A later Run of that job skips the URLs that
// already have a document.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (summary *Summary) {
	log := o.logger.WithJob(jobID)
	if ctx.Err() != nil {
		log.Info("not starting job, shutting down")
		return &Summary{Status: StatusInterrupted, JobID: jobID}
	}
	log.Info("processing job")

	// Status writes must land even when ctx is cancelled mid-job.
	work := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			summary = o.fail(work, jobID, fmt.Errorf("panic: %v", r))
		}
	}()

	job, err := o.jobs.GetJob(work, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("job not found: %s", jobID)
		}
		return o.fail(work, jobID, err)
	}
	if job.Status.Terminal() {
		msg := fmt.Sprintf("Error processing job %s: job already %s", jobID, job.Status)
		log.Warn(msg)
		return &Summary{Status: StatusFailed, JobID: jobID, Error: msg}
	}

	resuming := job.Status == model.JobProcessing
	if err := o.jobs.UpdateJobStatus(work, jobID, model.JobProcessing, ""); err != nil {
		return o.fail(work, jobID, qaerrors.NewPersistenceError("update job status", err))
	}
	if !resuming {
		o.metrics.JobStarted()
	}
	o.publish(events.Event{Type: events.JobProcessing, JobID: jobID, Total: len(job.URLs)})

	var saved map[string][]*model.Document
	if resuming {
		if saved, err = o.savedDocuments(work, jobID); err != nil {
			return o.fail(work, jobID, qaerrors.NewPersistenceError("list documents", err))
		}
		log.Infof("resuming job, %d URLs already processed", countDocs(saved))
	}

	outcomes := o.processURLs(ctx, job, saved)

	success := 0
	var done []model.URLOutcome
	for _, out := range outcomes {
		if out.Status != "" {
			done = append(done, out)
		}
		if out.Status == model.OutcomeCompleted {
			success++
		}
	}

	if len(done) < len(job.URLs) {
		log.Infof("job interrupted after %d/%d URLs, left processing", len(done), len(job.URLs))
		o.publish(events.Event{Type: events.JobInterrupted, JobID: jobID, Total: len(job.URLs), Status: string(model.JobProcessing)})
		return &Summary{
			Status:       StatusInterrupted,
			JobID:        jobID,
			URLCount:     len(job.URLs),
			SuccessCount: success,
			Results:      done,
		}
	}

	summary = &Summary{JobID: jobID, URLCount: len(job.URLs), SuccessCount: success, Results: outcomes}
	status, message := model.JobCompleted, ""
	switch {
	case success == len(job.URLs):
		summary.Status = StatusCompleted
	case success > 0:
		summary.Status = StatusPartiallyCompleted
		message = fmt.Sprintf("Partially completed: %d/%d URLs processed", success, len(job.URLs))
	default:
		summary.Status = StatusFailed
		status, message = model.JobFailed, "All URLs failed processing"
	}

	if err := o.jobs.UpdateJobStatus(work, jobID, status, message); err != nil {
		return o.fail(work, jobID, qaerrors.NewPersistenceError("update job status", err))
	}

	o.metrics.JobFinished(status == model.JobCompleted)
	o.publish(events.Event{Type: events.JobFinished, JobID: jobID, Status: string(status), Message: message})
	log.StatsEvent("Job finished", map[string]interface{}{
		"status":        summary.Status,
		"url_count":     summary.URLCount,
		"success_count": summary.SuccessCount,
	})
	return summary
}

// fail marks the job failed with err and returns the failure summary.
func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) *Summary {
	msg := fmt.Sprintf("Error processing job %s: %v", jobID, err)
	log := o.logger.WithJob(jobID)
	log.Error(msg)

	if uerr := o.jobs.UpdateJobStatus(context.WithoutCancel(ctx), jobID, model.JobFailed, msg); uerr != nil {
		log.WithError(uerr).Warn("could not mark job failed")
	}

	o.metrics.JobFinished(false)
	o.publish(events.Event{Type: events.JobFinished, JobID: jobID, Status: string(model.JobFailed), Message: msg})
	return &Summary{Status: StatusFailed, JobID: jobID, Error: msg}
}

// savedDocuments indexes the documents a previous run of jobID persisted,
// by source URL.
func (o *Orchestrator) savedDocuments(ctx context.Context, jobID string) (map[string][]*model.Document, error) {
	docs, err := o.results.ListDocuments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string][]*model.Document)
	for _, doc := range docs {
		byURL[doc.Result.SourceURL] = append(byURL[doc.Result.SourceURL], doc)
	}
	return byURL, nil
}

func countDocs(byURL map[string][]*model.Document) int {
	n := 0
	for _, docs := range byURL {
		n += len(docs)
	}
	return n
}

// processURLs returns one outcome per URL in submission order. Once ctx is
// done no further URL is started; those outcomes keep an empty Status.
// URLs with a document in saved are not processed again.
func (o *Orchestrator) processURLs(ctx context.Context, job *model.Job, saved map[string][]*model.Document) []model.URLOutcome {
	outcomes := make([]model.URLOutcome, len(job.URLs))

	// Each saved document accounts for one occurrence of its URL.
	reused := make([]*model.Document, len(job.URLs))
	for i, url := range job.URLs {
		if docs := saved[url]; len(docs) > 0 {
			reused[i] = docs[0]
			saved[url] = docs[1:]
		}
	}

	if o.config.URLConcurrency == 1 {
		for i, url := range job.URLs {
			if reused[i] != nil {
				outcomes[i] = o.resumed(job, i, reused[i])
				continue
			}
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = o.processURL(ctx, job, i, url)
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(o.config.URLConcurrency)
	for i, url := range job.URLs {
		if reused[i] != nil {
			outcomes[i] = o.resumed(job, i, reused[i])
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = o.processURL(ctx, job, i, url)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// resumed reports a URL finished by an earlier, interrupted run.
func (o *Orchestrator) resumed(job *model.Job, index int, doc *model.Document) model.URLOutcome {
	url := doc.Result.SourceURL
	o.publish(events.Event{Type: events.URLCompleted, JobID: job.ID, URL: url, Index: index + 1, Total: len(job.URLs), Status: model.OutcomeCompleted, Message: "already processed"})
	return model.URLOutcome{
		Status:        model.OutcomeCompleted,
		URL:           url,
		DocID:         doc.ID,
		ElementCount:  len(doc.Result.Elements),
		TestCaseCount: len(doc.Result.TestCases),
	}
}

// processURL runs the pipeline for one URL. Cancelling ctx while the URL
// waits for admission leaves it unstarted; once analysis begins it runs to
// completion.
func (o *Orchestrator) processURL(ctx context.Context, job *model.Job, index int, url string) (outcome model.URLOutcome) {
	start := o.now()
	log := o.logger.WithJob(job.ID).WithURL(url)
	o.publish(events.Event{Type: events.URLStarted, JobID: job.ID, URL: url, Index: index + 1, Total: len(job.URLs)})

	defer func() {
		if r := recover(); r != nil {
			outcome = o.urlFailed(job, index, url, start, qaerrors.New(qaerrors.Unknown, url, "process", fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	if err := o.admit(ctx, url, job.RateLimit, log); err != nil {
		if qaerrors.IsType(err, qaerrors.Cancelled) {
			log.Debug("shutting down before URL started")
			return model.URLOutcome{}
		}
		return o.urlFailed(job, index, url, start, err)
	}

	ctx = context.WithoutCancel(ctx)
	title, elements := o.analyzer.Analyze(ctx, url, job.AuthConfig, o.config.CrawlTimeout, o.config.SettleDelay)
	if len(elements) == 0 {
		return o.urlFailed(job, index, url, start,
			qaerrors.New(qaerrors.Extraction, url, "analyze", fmt.Sprintf("No UI elements found at URL: %s", url), nil))
	}

	pageTitle := "Unknown"
	if title != nil && *title != "" {
		pageTitle = *title
	}
	cases := o.synth.Synthesize(ctx, url, pageTitle, elements)
	if len(cases) == 0 {
		log.Warnf("No test cases generated for URL: %s", url)
	}

	doc := &model.Document{
		ID:    o.newDocID(),
		JobID: job.ID,
		Result: model.AnalysisResult{
			SourceURL: url,
			Timestamp: o.now().UTC(),
			PageTitle: title,
			Elements:  elements,
			TestCases: cases,
		},
	}
	if err := o.results.SaveDocument(ctx, doc); err != nil {
		return o.urlFailed(job, index, url, start, qaerrors.NewPersistenceError("save document", err))
	}

	elapsed := o.now().Sub(start)
	o.metrics.URLCompleted(elapsed, len(elements), len(cases))
	o.publish(events.Event{Type: events.URLCompleted, JobID: job.ID, URL: url, Index: index + 1, Total: len(job.URLs), Status: model.OutcomeCompleted})
	log.WithDuration(elapsed).Infof("Completed processing URL: %s", url)

	return model.URLOutcome{
		Status:        model.OutcomeCompleted,
		URL:           url,
		DocID:         doc.ID,
		ElementCount:  len(elements),
		TestCaseCount: len(cases),
	}
}

// admit asks the rate limiter for a slot. A rejection is followed by one
// back-off sleep, after which the URL proceeds regardless.
func (o *Orchestrator) admit(ctx context.Context, url string, limit int, log *logger.Logger) error {
	if limit <= 0 {
		limit = o.config.DefaultRateLimit
	}
	domain := ratelimit.Domain(url)

	ok, err := o.admitter.Admit(ctx, domain, limit)
	if err != nil {
		if ctx.Err() != nil {
			return qaerrors.NewCancelledError(url, "admit")
		}
		return qaerrors.NewPersistenceError("rate limit", err)
	}
	if ok {
		return nil
	}

	log.WithDomain(domain).Warnf("Rate limit exceeded for domain %s, backing off %s", domain, o.config.BackoffDelay)
	o.metrics.RateLimitBackoff()
	if err := o.sleep(ctx, o.config.BackoffDelay); err != nil {
		return qaerrors.NewCancelledError(url, "rate limit back-off")
	}
	return nil
}

func (o *Orchestrator) urlFailed(job *model.Job, index int, url string, start time.Time, err error) model.URLOutcome {
	o.logger.WithJob(job.ID).ErrorEvent(err, url, "process_url")

	errType := qaerrors.GetErrorType(err)
	o.metrics.URLFailed(o.now().Sub(start), errType.String())

	msg := err.Error()
	var qe *qaerrors.QAError
	if errors.As(err, &qe) && qe.Message != "" && qe.Cause == nil {
		msg = qe.Message
	}
	o.publish(events.Event{Type: events.URLFailed, JobID: job.ID, URL: url, Index: index + 1, Total: len(job.URLs), Status: model.OutcomeFailed, Message: msg})
	return model.URLOutcome{Status: model.OutcomeFailed, URL: url, Error: msg}
}

func (o *Orchestrator) publish(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now().UTC()
	}
	o.publisher.Publish(e)
}
