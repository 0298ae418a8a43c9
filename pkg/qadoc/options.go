package qadoc

import (
	"io"

	"github.com/PentesterFlow/qadocgen/internal/cache"
	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/orchestrator"
	"github.com/PentesterFlow/qadocgen/internal/store"
)

// Option is a functional option for configuring the Service.
type Option func(*Service) error

// AnalyzerFactory builds the crawl session owned by one worker. The closer
// may be nil.
type AnalyzerFactory func(workerID int) (orchestrator.Analyzer, io.Closer, error)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) error {
		s.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithStore uses st instead of opening the configured store. The service
// does not close it.
func WithStore(st store.Store) Option {
	return func(s *Service) error {
		s.store = st
		s.ownsStore = false
		return nil
	}
}

// WithCache uses c as the snapshot cache. The service does not close it.
func WithCache(c cache.Cache) Option {
	return func(s *Service) error {
		s.cache = c
		s.ownsCache = false
		return nil
	}
}

// WithLLMClient uses client instead of the configured provider.
func WithLLMClient(client llm.Client) Option {
	return func(s *Service) error {
		s.llm = client
		return nil
	}
}

// WithAnalyzerFactory replaces the browser-backed crawl sessions.
func WithAnalyzerFactory(f AnalyzerFactory) Option {
	return func(s *Service) error {
		s.newAnalyzer = f
		return nil
	}
}

// WithObserver receives every job event in addition to the service's hub.
func WithObserver(p events.Publisher) Option {
	return func(s *Service) error {
		s.observer = p
		return nil
	}
}
