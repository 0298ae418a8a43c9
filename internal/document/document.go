// Package document renders analysis results as JSON, Markdown and YAML.
package document

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Format is an output representation of an analysis result.
type Format string

const (
	JSON     Format = "json"
	Markdown Format = "markdown"
	YAML     Format = "yaml"
)

// Formats returns every supported format.
func Formats() []Format {
	return []Format{JSON, Markdown, YAML}
}

// ParseFormat accepts a format name; "md" and "yml" are aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "markdown", "md":
		return Markdown, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return "", fmt.Errorf("unknown document format %q", s)
}

// ContentType returns the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case Markdown:
		return "text/markdown; charset=utf-8"
	case YAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// Extension returns the file extension, without the dot.
func (f Format) Extension() string {
	if f == Markdown {
		return "md"
	}
	return string(f)
}

// Render encodes result in format f.
func Render(f Format, result *model.AnalysisResult) ([]byte, error) {
	switch f {
	case JSON:
		return Encode(result)
	case Markdown:
		return RenderMarkdown(result)
	case YAML:
		return RenderYAML(result)
	}
	return nil, fmt.Errorf("unknown document format %q", f)
}

// exchange is the JSON exchange form. Timestamps are RFC 3339 in UTC.
type exchange struct {
	SourceURL string            `json:"source_url" yaml:"source_url"`
	Timestamp string            `json:"analysis_timestamp" yaml:"analysis_timestamp"`
	PageTitle *string           `json:"page_title" yaml:"page_title"`
	Elements  []model.UIElement `json:"identified_elements" yaml:"identified_elements"`
	TestCases []model.TestCase  `json:"generated_test_cases" yaml:"generated_test_cases"`
}

func toExchange(result *model.AnalysisResult) exchange {
	ex := exchange{
		SourceURL: CanonicalURL(result.SourceURL),
		Timestamp: CanonicalTime(result.Timestamp),
		PageTitle: result.PageTitle,
		Elements:  result.Elements,
		TestCases: result.TestCases,
	}
	if ex.Elements == nil {
		ex.Elements = []model.UIElement{}
	}
	if ex.TestCases == nil {
		ex.TestCases = []model.TestCase{}
	}
	return ex
}

// Encode writes result in the indented JSON exchange form.
func Encode(result *model.AnalysisResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("nil analysis result")
	}
	data, err := json.MarshalIndent(toExchange(result), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return data, nil
}

// Decode parses the JSON exchange form.
func Decode(data []byte) (*model.AnalysisResult, error) {
	var ex exchange
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, ex.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid analysis_timestamp: %w", err)
	}

	result := &model.AnalysisResult{
		SourceURL: CanonicalURL(ex.SourceURL),
		Timestamp: ts.UTC(),
		PageTitle: ex.PageTitle,
		Elements:  ex.Elements,
		TestCases: ex.TestCases,
	}
	if result.Elements == nil {
		result.Elements = []model.UIElement{}
	}
	if result.TestCases == nil {
		result.TestCases = []model.TestCase{}
	}
	return result, nil
}

// CanonicalURL returns the parsed and re-serialized form of raw. Input
// that does not parse is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// CanonicalTime formats t as RFC 3339 in UTC.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
