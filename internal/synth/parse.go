package synth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Defaults substituted for fields the model left out.
const (
	DefaultTitle          = "No title provided"
	DefaultDescription    = "No description provided"
	DefaultAction         = "No action provided"
	DefaultExpectedResult = "No expected result provided"
)

// NewTestCaseID returns a fresh id of the form TC_XXXXXXXX.
func NewTestCaseID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TC_" + strings.ToUpper(hex[:8])
}

// extractArray isolates the text between the first '[' and the last ']'.
// Without both, the whole reply is returned.
func extractArray(reply string) string {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start == -1 || end == -1 || end < start {
		return reply
	}
	return reply[start : end+1]
}

// ParseTestCases turns a model reply into test cases. Missing fields get
// defaults; anything that cannot be coerced fails the whole batch. Every
// returned case has relatedID as its related element.
func ParseTestCases(reply string, relatedID *string) ([]model.TestCase, error) {
	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(extractArray(reply)), &records); err != nil {
		return nil, qaerrors.NewSynthesisError("parse", "reply is not a JSON array of objects", err)
	}

	cases := make([]model.TestCase, 0, len(records))
	for i, rec := range records {
		if rec == nil {
			return nil, qaerrors.NewSynthesisError("parse", fmt.Sprintf("record %d is null", i), nil)
		}
		tc, err := parseRecord(rec, relatedID)
		if err != nil {
			return nil, qaerrors.NewSynthesisError("parse", fmt.Sprintf("record %d", i), err)
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

func parseRecord(rec map[string]interface{}, relatedID *string) (model.TestCase, error) {
	var tc model.TestCase
	var err error

	if tc.ID, err = stringField(rec, "", "test_case_id", "id"); err != nil {
		return tc, err
	}
	if tc.ID == "" {
		tc.ID = NewTestCaseID()
	}
	if tc.Title, err = stringField(rec, DefaultTitle, "test_case_title", "title"); err != nil {
		return tc, err
	}
	if tc.Description, err = stringField(rec, DefaultDescription, "description"); err != nil {
		return tc, err
	}

	typ, err := stringField(rec, model.Functional.String(), "type")
	if err != nil {
		return tc, err
	}
	if tc.Type, err = model.ParseTestCaseType(typ); err != nil {
		return tc, err
	}

	priority, err := stringField(rec, model.Medium.String(), "priority")
	if err != nil {
		return tc, err
	}
	if tc.Priority, err = model.ParsePriority(priority); err != nil {
		return tc, err
	}

	if tc.Preconditions, err = stringList(rec["preconditions"]); err != nil {
		return tc, fmt.Errorf("preconditions: %w", err)
	}
	if tc.Steps, err = parseSteps(rec["steps"]); err != nil {
		return tc, fmt.Errorf("steps: %w", err)
	}

	if relatedID != nil {
		id := *relatedID
		tc.RelatedElementID = &id
	}
	return tc, nil
}

// stringField returns the first non-empty string under keys, or def.
func stringField(rec map[string]interface{}, def string, keys ...string) (string, error) {
	for _, key := range keys {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s: expected string, got %T", key, v)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
	}
	return def, nil
}

func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		if strings.TrimSpace(list) == "" {
			return []string{}, nil
		}
		return []string{list}, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}

func parseSteps(v interface{}) ([]model.TestStep, error) {
	var raw []interface{}
	switch list := v.(type) {
	case nil:
	case []interface{}:
		raw = list
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}

	steps := make([]model.TestStep, 0, len(raw))
	for i, item := range raw {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d: expected object, got %T", i, item)
		}

		step := model.TestStep{StepNumber: 1}
		if n, ok := rec["step_number"]; ok && n != nil {
			f, ok := n.(float64)
			if !ok {
				return nil, fmt.Errorf("step %d: step_number must be a number", i)
			}
			step.StepNumber = int(f)
		}

		var err error
		if step.Action, err = stringField(rec, DefaultAction, "action"); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if step.ExpectedResult, err = stringField(rec, DefaultExpectedResult, "expected_result"); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return []model.TestStep{{StepNumber: 1, Action: DefaultAction, ExpectedResult: DefaultExpectedResult}}, nil
	}
	renumber(steps)
	return steps, nil
}

// renumber rewrites step numbers to 1..n unless they already are.
func renumber(steps []model.TestStep) {
	for i, s := range steps {
		if s.StepNumber != i+1 {
			for j := range steps {
				steps[j].StepNumber = j + 1
			}
			return
		}
	}
}
