package model

import "time"

// AnalysisResult is everything produced for one URL.
type AnalysisResult struct {
	SourceURL string      `json:"source_url" yaml:"source_url"`
	Timestamp time.Time   `json:"analysis_timestamp" yaml:"analysis_timestamp"`
	PageTitle *string     `json:"page_title" yaml:"page_title"`
	Elements  []UIElement `json:"identified_elements" yaml:"identified_elements"`
	TestCases []TestCase  `json:"generated_test_cases" yaml:"generated_test_cases"`
}

// Element returns the element with the given id.
func (r *AnalysisResult) Element(id string) (*UIElement, bool) {
	for i := range r.Elements {
		if r.Elements[i].ID == id {
			return &r.Elements[i], true
		}
	}
	return nil, false
}

// Document is a persisted AnalysisResult together with its ownership.
type Document struct {
	ID     string         `json:"doc_id" yaml:"doc_id"`
	JobID  string         `json:"job_id" yaml:"job_id"`
	Result AnalysisResult `json:"result" yaml:"result"`
}

// URL outcome statuses.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// URLOutcome is the per-URL entry of a job summary.
type URLOutcome struct {
	Status        string `json:"status"`
	URL           string `json:"url"`
	DocID         string `json:"doc_id,omitempty"`
	ElementCount  int    `json:"element_count,omitempty"`
	TestCaseCount int    `json:"test_case_count,omitempty"`
	Error         string `json:"error,omitempty"`
}
