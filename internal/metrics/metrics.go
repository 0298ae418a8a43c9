// Package metrics collects pipeline counters for the health endpoint and
// job logs. A nil *Collector is valid and records nothing.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// durationBounds are the upper bounds of the URL duration histogram.
var durationBounds = [...]time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

const histogramSize = len(durationBounds) + 1

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	jobsStarted        atomic.Int64
	jobsCompleted      atomic.Int64
	jobsFailed         atomic.Int64
	urlsCompleted      atomic.Int64
	urlsFailed         atomic.Int64
	elementsFound      atomic.Int64
	testCasesGenerated atomic.Int64
	modelCalls         atomic.Int64
	modelFailures      atomic.Int64
	rateLimitBackoffs  atomic.Int64

	// URL processing time
	urlTimeSum     atomic.Int64 // milliseconds
	urlTimeNum     atomic.Int64
	urlTimeBuckets [histogramSize]atomic.Int64

	// Gauges
	queueDepth    atomic.Int64
	activeWorkers atomic.Int64

	// Error breakdown
	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		errorCounts: make(map[string]*atomic.Int64),
		startTime:   time.Now(),
	}
}

// JobStarted records a job entering processing.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Add(1)
}

// JobFinished records a job reaching a terminal status.
func (c *Collector) JobFinished(succeeded bool) {
	if c == nil {
		return
	}
	if succeeded {
		c.jobsCompleted.Add(1)
	} else {
		c.jobsFailed.Add(1)
	}
}

// URLCompleted records a successfully processed URL.
func (c *Collector) URLCompleted(d time.Duration, elements, testCases int) {
	if c == nil {
		return
	}
	c.urlsCompleted.Add(1)
	c.elementsFound.Add(int64(elements))
	c.testCasesGenerated.Add(int64(testCases))
	c.recordURLTime(d)
}

// URLFailed records a failed URL under errorType.
func (c *Collector) URLFailed(d time.Duration, errorType string) {
	if c == nil {
		return
	}
	c.urlsFailed.Add(1)
	c.RecordError(errorType)
	c.recordURLTime(d)
}

func (c *Collector) recordURLTime(d time.Duration) {
	c.urlTimeSum.Add(d.Milliseconds())
	c.urlTimeNum.Add(1)
	c.urlTimeBuckets[bucket(d)].Add(1)
}

func bucket(d time.Duration) int {
	for i, bound := range durationBounds {
		if d < bound {
			return i
		}
	}
	return len(durationBounds)
}

// ModelCall records one generative-service call and whether it failed.
func (c *Collector) ModelCall(err error) {
	if c == nil {
		return
	}
	c.modelCalls.Add(1)
	if err != nil {
		c.modelFailures.Add(1)
	}
}

// RateLimitBackoff records a back-off sleep after a rejected admission.
func (c *Collector) RateLimitBackoff() {
	if c == nil {
		return
	}
	c.rateLimitBackoffs.Add(1)
}

// RecordError records an error by category.
func (c *Collector) RecordError(errorType string) {
	if c == nil {
		return
	}
	c.errorMu.Lock()
	if c.errorCounts[errorType] == nil {
		c.errorCounts[errorType] = &atomic.Int64{}
	}
	c.errorCounts[errorType].Add(1)
	c.errorMu.Unlock()
}

// SetQueueDepth sets the number of jobs waiting for a worker.
func (c *Collector) SetQueueDepth(depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.Store(depth)
}

// AddActiveWorkers adjusts the number of busy workers by delta.
func (c *Collector) AddActiveWorkers(delta int64) {
	if c == nil {
		return
	}
	c.activeWorkers.Add(delta)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	if c == nil {
		return &Snapshot{ErrorCounts: map[string]int64{}, URLTimeHist: make([]int64, histogramSize)}
	}

	s := &Snapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(c.startTime),
		JobsStarted:        c.jobsStarted.Load(),
		JobsCompleted:      c.jobsCompleted.Load(),
		JobsFailed:         c.jobsFailed.Load(),
		URLsCompleted:      c.urlsCompleted.Load(),
		URLsFailed:         c.urlsFailed.Load(),
		ElementsFound:      c.elementsFound.Load(),
		TestCasesGenerated: c.testCasesGenerated.Load(),
		ModelCalls:         c.modelCalls.Load(),
		ModelFailures:      c.modelFailures.Load(),
		RateLimitBackoffs:  c.rateLimitBackoffs.Load(),
		QueueDepth:         c.queueDepth.Load(),
		ActiveWorkers:      c.activeWorkers.Load(),
		ErrorCounts:        make(map[string]int64),
		URLTimeHist:        make([]int64, histogramSize),
	}

	if n := c.urlTimeNum.Load(); n > 0 {
		s.AverageURLTime = time.Duration(c.urlTimeSum.Load()/n) * time.Millisecond
	}

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v.Load()
	}
	c.errorMu.RUnlock()

	for i := range c.urlTimeBuckets {
		s.URLTimeHist[i] = c.urlTimeBuckets[i].Load()
	}

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	Uptime             time.Duration    `json:"uptime"`
	JobsStarted        int64            `json:"jobs_started"`
	JobsCompleted      int64            `json:"jobs_completed"`
	JobsFailed         int64            `json:"jobs_failed"`
	URLsCompleted      int64            `json:"urls_completed"`
	URLsFailed         int64            `json:"urls_failed"`
	ElementsFound      int64            `json:"elements_found"`
	TestCasesGenerated int64            `json:"test_cases_generated"`
	ModelCalls         int64            `json:"model_calls"`
	ModelFailures      int64            `json:"model_failures"`
	RateLimitBackoffs  int64            `json:"rate_limit_backoffs"`
	QueueDepth         int64            `json:"queue_depth"`
	ActiveWorkers      int64            `json:"active_workers"`
	AverageURLTime     time.Duration    `json:"average_url_time"`
	ErrorCounts        map[string]int64 `json:"error_counts"`
	URLTimeHist        []int64          `json:"url_time_histogram"`
}

// URLFailureRate returns failed URLs over all processed URLs.
func (s *Snapshot) URLFailureRate() float64 {
	total := s.URLsCompleted + s.URLsFailed
	if total == 0 {
		return 0
	}
	return float64(s.URLsFailed) / float64(total)
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"jobs_completed":       s.JobsCompleted,
		"jobs_failed":          s.JobsFailed,
		"urls_completed":       s.URLsCompleted,
		"urls_failed":          s.URLsFailed,
		"url_failure_rate":     s.URLFailureRate(),
		"test_cases_generated": s.TestCasesGenerated,
		"model_failures":       s.ModelFailures,
		"queue_depth":          s.QueueDepth,
		"active_workers":       s.ActiveWorkers,
		"avg_url_time_ms":      s.AverageURLTime.Milliseconds(),
	}
}
