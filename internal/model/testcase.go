package model

import (
	"fmt"
	"strings"
)

// TestCaseType is the category of a generated test case.
type TestCaseType int

const (
	Functional TestCaseType = iota
	Usability
	EdgeCase
	AccessibilityCheck
)

var testCaseTypeNames = map[TestCaseType]string{
	Functional:         "functional",
	Usability:          "usability",
	EdgeCase:           "edge_case",
	AccessibilityCheck: "accessibility_check",
}

// TestCaseTypes returns the types in report order.
func TestCaseTypes() []TestCaseType {
	return []TestCaseType{Functional, Usability, EdgeCase, AccessibilityCheck}
}

func (t TestCaseType) String() string {
	if name, ok := testCaseTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TestCaseType(%d)", int(t))
}

// ParseTestCaseType accepts the wire name case-insensitively; hyphens and
// spaces are treated as underscores ("edge-case" parses as edge_case).
func ParseTestCaseType(s string) (TestCaseType, error) {
	norm := normalizeEnum(s)
	for t, name := range testCaseTypeNames {
		if name == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown test case type %q", s)
}

func (t TestCaseType) MarshalText() ([]byte, error) {
	name, ok := testCaseTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("invalid test case type %d", int(t))
	}
	return []byte(name), nil
}

func (t *TestCaseType) UnmarshalText(text []byte) error {
	parsed, err := ParseTestCaseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Priority ranks a test case. Lower values sort first.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

var priorityNames = map[Priority]string{
	High:   "high",
	Medium: "medium",
	Low:    "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts high, medium or low in any case.
func ParsePriority(s string) (Priority, error) {
	norm := normalizeEnum(s)
	for p, name := range priorityNames {
		if name == norm {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(name), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// TestStep is one ordered action of a test case.
type TestStep struct {
	StepNumber     int    `json:"step_number" yaml:"step_number"`
	Action         string `json:"action" yaml:"action"`
	ExpectedResult string `json:"expected_result" yaml:"expected_result"`
}

// TestCase is a validated, model-generated test case.
type TestCase struct {
	ID               string       `json:"test_case_id" yaml:"test_case_id"`
	Title            string       `json:"test_case_title" yaml:"test_case_title"`
	Type             TestCaseType `json:"type" yaml:"type"`
	Priority         Priority     `json:"priority" yaml:"priority"`
	Description      string       `json:"description" yaml:"description"`
	Preconditions    []string     `json:"preconditions" yaml:"preconditions"`
	Steps            []TestStep   `json:"steps" yaml:"steps"`
	RelatedElementID *string      `json:"related_element_id" yaml:"related_element_id"`
}

// PageLevel reports whether the case is not tied to a single element.
func (tc *TestCase) PageLevel() bool {
	return tc.RelatedElementID == nil || *tc.RelatedElementID == ""
}
