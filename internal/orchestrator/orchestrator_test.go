package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/llm/mock"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/ratelimit"
	"github.com/PentesterFlow/qadocgen/internal/store"
	"github.com/PentesterFlow/qadocgen/internal/synth"
)

// =============================================================================
// Fakes
// =============================================================================

type page struct {
	title    *string
	elements []model.UIElement
	panics   bool
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	pages   map[string]page
	calls   []string
	auth    []*model.AuthConfig
	ctxErrs []error

	// onAnalyze runs before the page is returned.
	onAnalyze func(target string)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, target string, auth *model.AuthConfig, timeout, settle time.Duration) (*string, []model.UIElement) {
	a.mu.Lock()
	a.calls = append(a.calls, target)
	a.auth = append(a.auth, auth)
	p, ok := a.pages[target]
	hook := a.onAnalyze
	a.mu.Unlock()

	if hook != nil {
		hook(target)
	}
	a.mu.Lock()
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	a.mu.Unlock()

	if p.panics {
		panic("renderer crashed")
	}
	if !ok {
		return nil, nil
	}
	return p.title, p.elements
}

type fakeAdmitter struct {
	mu      sync.Mutex
	allow   bool
	err     error
	domains []string
	limits  []int
}

func (f *fakeAdmitter) Admit(ctx context.Context, domain string, limit int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = append(f.domains, domain)
	f.limits = append(f.limits, limit)
	return f.allow, f.err
}

type garbageClient struct{}

func (garbageClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return "I am not JSON at all", nil
}

func (garbageClient) Close() error { return nil }

// failingResults fails every SaveDocument.
type failingResults struct {
	store.ResultStore
}

func (failingResults) SaveDocument(ctx context.Context, doc *model.Document) error {
	return errors.New("disk full")
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func title(s string) *string { return &s }

func elementsOf(kinds ...model.ElementKind) []model.UIElement {
	out := make([]model.UIElement, len(kinds))
	for i, k := range kinds {
		out[i] = model.UIElement{
			ID:         k.String() + "-id",
			Kind:       k,
			Selector:   k.String(),
			Attributes: map[string]string{},
		}
	}
	return out
}

type harness struct {
	store    *store.MemoryStore
	analyzer *fakeAnalyzer
	llm      *mock.Client
	events   *recorder
	metrics  *metrics.Collector
	orch     *Orchestrator
}

func newHarness(t *testing.T, pages map[string]page, config Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		analyzer: &fakeAnalyzer{pages: pages},
		llm:      mock.New(),
		events:   &recorder{},
		metrics:  metrics.New(),
	}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultConfig(), nil)
	s := synth.New(h.llm, synth.DefaultConfig(), nil, h.metrics)
	opts = append([]Option{WithPublisher(h.events), WithMetrics(h.metrics)}, opts...)
	h.orch = New(h.store, h.store, h.analyzer, s, limiter, config, opts...)
	return h
}

func (h *harness) createJob(t *testing.T, id string, urls ...string) {
	t.Helper()
	job := &model.Job{
		ID:        id,
		URLs:      urls,
		RateLimit: 10,
		Status:    model.JobPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	return job
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestRun_NoElementsFailsJob(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("Example")},
	}, DefaultConfig())
	h.createJob(t, "job-1", "https://example.com")

	summary := h.orch.Run(context.Background(), "job-1")

	if summary.Status != StatusFailed || summary.SuccessCount != 0 || summary.URLCount != 1 {
		t.Errorf("summary = %+v", summary)
	}
	out := summary.Results[0]
	if out.Status != model.OutcomeFailed || out.Error != "No UI elements found at URL: https://example.com" {
		t.Errorf("outcome = %+v", out)
	}

	job := h.job(t, "job-1")
	if job.Status != model.JobFailed || job.Message != "All URLs failed processing" {
		t.Errorf("job = %s %q", job.Status, job.Message)
	}
	if h.llm.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", h.llm.Calls())
	}
}

func TestRun_PartialCompletion(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com/a": {title: title("A"), elements: elementsOf(model.Button, model.Link)},
		"https://example.com/c": {title: title("C"), elements: elementsOf(model.Form)},
	}, DefaultConfig())
	h.createJob(t, "job-2", "https://example.com/a", "https://example.com/b", "https://example.com/c")

	summary := h.orch.Run(context.Background(), "job-2")

	if summary.Status != StatusPartiallyCompleted || summary.SuccessCount != 2 {
		t.Errorf("summary = %+v", summary)
	}
	job := h.job(t, "job-2")
	if job.Status != model.JobCompleted || job.Message != "Partially completed: 2/3 URLs processed" {
		t.Errorf("job = %s %q", job.Status, job.Message)
	}

	wantStatus := []string{model.OutcomeCompleted, model.OutcomeFailed, model.OutcomeCompleted}
	for i, out := range summary.Results {
		if out.Status != wantStatus[i] {
			t.Errorf("result %d status = %s, want %s", i, out.Status, wantStatus[i])
		}
		if out.URL != job.URLs[i] {
			t.Errorf("result %d url = %s, want submission order", i, out.URL)
		}
	}

	first := summary.Results[0]
	if first.ElementCount != 2 || first.TestCaseCount != 3 || first.DocID == "" {
		t.Errorf("first outcome = %+v", first)
	}

	docs, err := h.store.ListDocuments(context.Background(), "job-2")
	if err != nil || len(docs) != 2 {
		t.Fatalf("ListDocuments() = %d, %v", len(docs), err)
	}
	if docs[0].ID != first.DocID || docs[0].Result.SourceURL != "https://example.com/a" {
		t.Errorf("first document = %+v", docs[0])
	}
	if docs[0].Result.PageTitle == nil || *docs[0].Result.PageTitle != "A" {
		t.Error("page title should be stored")
	}
}

func TestRun_UnparseableModelReply(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("Example"), elements: elementsOf(model.Button)},
	}, DefaultConfig())
	s := synth.New(garbageClient{}, synth.DefaultConfig(), nil, nil)
	h.orch.synth = s
	h.createJob(t, "job-3", "https://example.com")

	summary := h.orch.Run(context.Background(), "job-3")

	if summary.Status != StatusCompleted {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Results[0].TestCaseCount != 0 || summary.Results[0].ElementCount != 1 {
		t.Errorf("outcome = %+v", summary.Results[0])
	}
	if job := h.job(t, "job-3"); job.Status != model.JobCompleted || job.Message != "" {
		t.Errorf("job = %s %q", job.Status, job.Message)
	}
}

// =============================================================================
// Job lifecycle
// =============================================================================

func TestRun_AllSucceed(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com/a": {title: title("A"), elements: elementsOf(model.Button)},
		"https://example.com/b": {title: title("B"), elements: elementsOf(model.InputText)},
	}, DefaultConfig())
	h.createJob(t, "job-4", "https://example.com/a", "https://example.com/b")

	summary := h.orch.Run(context.Background(), "job-4")

	if summary.Status != StatusCompleted || summary.SuccessCount != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if job := h.job(t, "job-4"); job.Status != model.JobCompleted || job.Message != "" {
		t.Errorf("job = %s %q", job.Status, job.Message)
	}

	want := []string{
		events.JobProcessing,
		events.URLStarted, events.URLCompleted,
		events.URLStarted, events.URLCompleted,
		events.JobFinished,
	}
	if got := h.events.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}

	snap := h.metrics.Snapshot()
	if snap.JobsStarted != 1 || snap.JobsCompleted != 1 || snap.URLsCompleted != 2 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t, nil, DefaultConfig())

	summary := h.orch.Run(context.Background(), "nope")

	if summary.Status != StatusFailed || !strings.HasPrefix(summary.Error, "Error processing job nope: ") {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRun_TerminalJobUntouched(t *testing.T) {
	h := newHarness(t, nil, DefaultConfig())
	h.createJob(t, "job-5", "https://example.com")
	ctx := context.Background()
	h.store.UpdateJobStatus(ctx, "job-5", model.JobProcessing, "")
	h.store.UpdateJobStatus(ctx, "job-5", model.JobCompleted, "done")

	summary := h.orch.Run(ctx, "job-5")

	if summary.Status != StatusFailed {
		t.Errorf("summary = %+v", summary)
	}
	if job := h.job(t, "job-5"); job.Status != model.JobCompleted || job.Message != "done" {
		t.Errorf("terminal job changed: %s %q", job.Status, job.Message)
	}
	if len(h.analyzer.calls) != 0 {
		t.Error("no URL should be analyzed")
	}
}

func TestRun_PanicFailsOnlyThatURL(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com/boom": {panics: true},
		"https://example.com/ok":   {title: title("OK"), elements: elementsOf(model.Button)},
	}, DefaultConfig())
	h.createJob(t, "job-6", "https://example.com/boom", "https://example.com/ok")

	summary := h.orch.Run(context.Background(), "job-6")

	if summary.Status != StatusPartiallyCompleted {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(summary.Results[0].Error, "renderer crashed") {
		t.Errorf("error = %q", summary.Results[0].Error)
	}
}

func TestRun_PersistenceFailureFailsURL(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("Example"), elements: elementsOf(model.Button)},
	}, DefaultConfig())
	h.orch.results = failingResults{h.store}
	h.createJob(t, "job-7", "https://example.com")

	summary := h.orch.Run(context.Background(), "job-7")

	if summary.Status != StatusFailed || !strings.Contains(summary.Results[0].Error, "disk full") {
		t.Errorf("summary = %+v", summary)
	}
	if job := h.job(t, "job-7"); job.Status != model.JobFailed {
		t.Errorf("job status = %s", job.Status)
	}
}

func TestRun_PassesAuthAndTitleFallback(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title(""), elements: elementsOf(model.Button)},
	}, DefaultConfig())

	job := &model.Job{
		ID:         "job-8",
		URLs:       []string{"https://example.com"},
		AuthConfig: &model.AuthConfig{AuthType: model.AuthSessionToken, TokenType: model.TokenBearer, TokenName: "Authorization", TokenValue: "t"},
		Status:     model.JobPending,
	}
	h.store.CreateJob(context.Background(), job)

	h.orch.Run(context.Background(), "job-8")

	if got := h.analyzer.auth[0]; got == nil || got.TokenValue != "t" {
		t.Errorf("auth = %+v", got)
	}
	if prompt := h.llm.Requests()[0].Prompt; !strings.Contains(prompt, "Page Title: Unknown") {
		t.Error("empty title should be sent as Unknown")
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRun_RateLimitBackoff(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://Example.com:8443/a": {title: title("A"), elements: elementsOf(model.Button)},
	}, DefaultConfig())

	admitter := &fakeAdmitter{allow: false}
	h.orch.admitter = admitter
	var slept []time.Duration
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	job := &model.Job{ID: "job-9", URLs: []string{"https://Example.com:8443/a"}, Status: model.JobPending}
	h.store.CreateJob(context.Background(), job)

	summary := h.orch.Run(context.Background(), "job-9")

	if summary.Status != StatusCompleted {
		t.Errorf("rejected admission should still proceed, summary = %+v", summary)
	}
	if len(slept) != 1 || slept[0] != 60*time.Second {
		t.Errorf("slept = %v, want one 60s back-off", slept)
	}
	if admitter.domains[0] != "example.com" || admitter.limits[0] != 10 {
		t.Errorf("admit(%s, %d), want example.com with the default limit", admitter.domains[0], admitter.limits[0])
	}
	if h.metrics.Snapshot().RateLimitBackoffs != 1 {
		t.Error("back-off should be counted")
	}
}

func TestRun_RateLimitStoreError(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("A"), elements: elementsOf(model.Button)},
	}, DefaultConfig())
	h.orch.admitter = &fakeAdmitter{err: errors.New("store down")}
	h.createJob(t, "job-10", "https://example.com")

	summary := h.orch.Run(context.Background(), "job-10")

	if summary.Results[0].Status != model.OutcomeFailed {
		t.Errorf("outcome = %+v", summary.Results[0])
	}
	if len(h.analyzer.calls) != 0 {
		t.Error("URL should not be analyzed after a limiter failure")
	}
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("A"), elements: elementsOf(model.Button)},
	}, Config{BackoffDelay: time.Hour})
	h.orch.admitter = &fakeAdmitter{allow: false}
	h.createJob(t, "job-11", "https://example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary := h.orch.Run(ctx, "job-11")

	if summary.Status != StatusInterrupted || len(summary.Results) != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if job := h.job(t, "job-11"); job.Status != model.JobProcessing || job.Message != "" {
		t.Errorf("job = %s %q, want processing with no message", job.Status, job.Message)
	}
	if len(h.analyzer.calls) != 0 {
		t.Error("URL waiting for admission should not be analyzed")
	}
}

// =============================================================================
// Shutdown and resume
// =============================================================================

func TestRun_CancelFinishesCurrentURLThenResumes(t *testing.T) {
	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}
	pages := map[string]page{}
	for _, u := range urls {
		pages[u] = page{title: title(u), elements: elementsOf(model.Button)}
	}
	h := newHarness(t, pages, DefaultConfig())
	h.orch.sleep = func(context.Context, time.Duration) error { return nil }
	h.createJob(t, "job-20", urls...)

	ctx, cancel := context.WithCancel(context.Background())
	h.analyzer.onAnalyze = func(target string) {
		if target == urls[0] {
			cancel()
		}
	}

	summary := h.orch.Run(ctx, "job-20")

	if summary.Status != StatusInterrupted {
		t.Fatalf("summary = %+v, want interrupted", summary)
	}
	if len(summary.Results) != 1 || summary.Results[0].Status != model.OutcomeCompleted || summary.Results[0].URL != urls[0] {
		t.Errorf("results = %+v, want only the first URL completed", summary.Results)
	}
	if len(h.analyzer.calls) != 1 {
		t.Errorf("analyzed %v, want only the first URL", h.analyzer.calls)
	}
	if h.analyzer.ctxErrs[0] != nil {
		t.Errorf("URL in progress saw ctx error %v", h.analyzer.ctxErrs[0])
	}
	if job := h.job(t, "job-20"); job.Status != model.JobProcessing || job.Message != "" {
		t.Errorf("job = %s %q, want processing with no message", job.Status, job.Message)
	}
	docs, _ := h.store.ListDocuments(context.Background(), "job-20")
	if len(docs) != 1 {
		t.Fatalf("saved %d documents, want 1", len(docs))
	}
	for _, e := range h.events.types() {
		if e == events.JobFinished || e == events.URLFailed {
			t.Errorf("unexpected %s event on interrupt", e)
		}
	}

	h.analyzer.onAnalyze = nil
	summary = h.orch.Run(context.Background(), "job-20")

	if summary.Status != StatusCompleted || summary.SuccessCount != 3 {
		t.Fatalf("resumed summary = %+v", summary)
	}
	if summary.Results[0].DocID != docs[0].ID {
		t.Errorf("first URL should reuse document %s, got %s", docs[0].ID, summary.Results[0].DocID)
	}
	want := []string{urls[0], urls[1], urls[2]}
	if strings.Join(h.analyzer.calls, ",") != strings.Join(want, ",") {
		t.Errorf("analyzed %v, want %v", h.analyzer.calls, want)
	}
	if job := h.job(t, "job-20"); job.Status != model.JobCompleted || job.Message != "" {
		t.Errorf("job = %s %q", job.Status, job.Message)
	}
	if docs, _ := h.store.ListDocuments(context.Background(), "job-20"); len(docs) != 3 {
		t.Errorf("saved %d documents, want 3", len(docs))
	}
	if m := h.metrics.Snapshot(); m.JobsStarted != 1 || m.JobsCompleted != 1 {
		t.Errorf("jobs started/completed = %d/%d, want 1/1", m.JobsStarted, m.JobsCompleted)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, map[string]page{
		"https://example.com": {title: title("A"), elements: elementsOf(model.Button)},
	}, DefaultConfig())
	h.createJob(t, "job-21", "https://example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := h.orch.Run(ctx, "job-21")

	if summary.Status != StatusInterrupted {
		t.Errorf("summary = %+v", summary)
	}
	if job := h.job(t, "job-21"); job.Status != model.JobPending {
		t.Errorf("job status = %s, want pending", job.Status)
	}
}

func TestRun_ConcurrentCancelStopsNewURLs(t *testing.T) {
	var urls []string
	pages := map[string]page{}
	for _, p := range []string{"a", "b", "c", "d"} {
		u := "https://example.com/" + p
		urls = append(urls, u)
		pages[u] = page{title: title(p), elements: elementsOf(model.Button)}
	}
	h := newHarness(t, pages, Config{URLConcurrency: 2})
	h.createJob(t, "job-22", urls...)

	ctx, cancel := context.WithCancel(context.Background())
	h.analyzer.onAnalyze = func(string) { cancel() }

	summary := h.orch.Run(ctx, "job-22")

	if summary.Status != StatusInterrupted {
		t.Fatalf("summary = %+v", summary)
	}
	if n := len(h.analyzer.calls); n == 0 || n > 2 {
		t.Errorf("analyzed %d URLs, want at most the two in flight", n)
	}
	for _, out := range summary.Results {
		if out.Status != model.OutcomeCompleted {
			t.Errorf("in-flight URL outcome = %+v", out)
		}
	}
}

// =============================================================================
// Fan-out
// =============================================================================

func TestRun_ConcurrentURLsKeepOrder(t *testing.T) {
	pages := map[string]page{}
	var urls []string
	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		u := "https://example.com/" + p
		urls = append(urls, u)
		if p != "c" {
			pages[u] = page{title: title(p), elements: elementsOf(model.Button)}
		}
	}

	h := newHarness(t, pages, Config{URLConcurrency: 3})
	h.createJob(t, "job-12", urls...)

	summary := h.orch.Run(context.Background(), "job-12")

	if summary.SuccessCount != 5 || summary.Status != StatusPartiallyCompleted {
		t.Errorf("summary = %+v", summary)
	}
	for i, out := range summary.Results {
		if out.URL != urls[i] {
			t.Errorf("result %d = %s, want %s", i, out.URL, urls[i])
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, Config{})

	want := DefaultConfig()
	if o.config.CrawlTimeout != want.CrawlTimeout {
		t.Errorf("CrawlTimeout = %v, want %v", o.config.CrawlTimeout, want.CrawlTimeout)
	}
	if o.config.DefaultRateLimit != want.DefaultRateLimit || o.config.URLConcurrency != 1 {
		t.Errorf("config = %+v", o.config)
	}
	if o.config.SettleDelay != 0 {
		t.Error("a zero settle delay is kept")
	}
}
