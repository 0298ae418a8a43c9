// Package synth asks a generative model for QA test cases and validates
// what comes back.
package synth

import (
	"context"

	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Config holds sampling parameters.
type Config struct {
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultConfig returns temperature 0.7 and a 2000 token budget.
func DefaultConfig() Config {
	return Config{Temperature: 0.7, MaxTokens: 2000}
}

// Synthesizer generates test cases for pages and their elements.
type Synthesizer struct {
	client  llm.Client
	config  Config
	logger  *logger.Logger
	metrics *metrics.Collector
}

// New creates a synthesizer. m may be nil.
func New(client llm.Client, config Config, log *logger.Logger, m *metrics.Collector) *Synthesizer {
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Synthesizer{
		client:  client,
		config:  config,
		logger:  logger.OrNop(log).WithComponent("synth"),
		metrics: m,
	}
}

// SynthesizePage generates page-level test cases.
func (s *Synthesizer) SynthesizePage(ctx context.Context, url, title string, summary Summary) []model.TestCase {
	cases := s.generate(ctx, BuildPagePrompt(url, title, summary), nil, s.logger.WithURL(url))
	s.logger.WithURL(url).Infof("generated %d page-level test cases", len(cases))
	return cases
}

// SynthesizeElement generates test cases for el. Informational kinds are
// skipped without calling the model.
func (s *Synthesizer) SynthesizeElement(ctx context.Context, url, title string, el model.UIElement, all []model.UIElement) []model.TestCase {
	if el.Kind.Informational() {
		return []model.TestCase{}
	}

	log := s.logger.WithURL(url).WithField("element_id", el.ID)
	prompt := BuildElementPrompt(url, title, el, RelatedElements(el, all))
	id := el.ID
	cases := s.generate(ctx, prompt, &id, log)
	log.Debugf("generated %d test cases for %s", len(cases), el.Kind)
	return cases
}

// Synthesize generates the page-level cases followed by each element's
// cases in element order. Ids are made unique and dangling element
// references are cleared.
func (s *Synthesizer) Synthesize(ctx context.Context, url, title string, elements []model.UIElement) []model.TestCase {
	cases := s.SynthesizePage(ctx, url, title, Summarize(elements))

	for _, el := range elements {
		if ctx.Err() != nil {
			s.logger.WithURL(url).WithError(ctx.Err()).Warn("synthesis interrupted")
			break
		}
		cases = append(cases, s.SynthesizeElement(ctx, url, title, el, elements)...)
	}

	cases = EnsureUniqueIDs(cases)
	cases = ValidateReferences(cases, elements, s.logger.WithURL(url))
	s.logger.WithURL(url).Infof("generated %d test cases", len(cases))
	return cases
}

func (s *Synthesizer) generate(ctx context.Context, prompt string, relatedID *string, log *logger.Logger) []model.TestCase {
	reply, err := s.client.Generate(ctx, llm.Request{
		System:      SystemPrompt(),
		Prompt:      prompt,
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	})
	s.metrics.ModelCall(err)
	if err != nil {
		log.WithError(err).Error("model call failed")
		return []model.TestCase{}
	}

	cases, err := ParseTestCases(reply, relatedID)
	if err != nil {
		log.WithError(err).Error("error parsing test cases from model reply")
		log.WithField("reply", reply).Debug("raw model reply")
		return []model.TestCase{}
	}
	return cases
}

// EnsureUniqueIDs replaces every repeated test-case id with a fresh one.
func EnsureUniqueIDs(cases []model.TestCase) []model.TestCase {
	seen := make(map[string]bool, len(cases))
	for i := range cases {
		for seen[cases[i].ID] {
			cases[i].ID = NewTestCaseID()
		}
		seen[cases[i].ID] = true
	}
	return cases
}

// ValidateReferences clears related_element_id on cases that point at no
// element in elements. The cases are kept as page-level cases.
func ValidateReferences(cases []model.TestCase, elements []model.UIElement, log *logger.Logger) []model.TestCase {
	log = logger.OrNop(log)

	ids := make(map[string]bool, len(elements))
	for _, el := range elements {
		ids[el.ID] = true
	}

	for i := range cases {
		ref := cases[i].RelatedElementID
		if ref == nil || ids[*ref] {
			continue
		}
		log.WithField("test_case_id", cases[i].ID).Warnf("dropping dangling element reference %q", *ref)
		cases[i].RelatedElementID = nil
	}
	return cases
}
