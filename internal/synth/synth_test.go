package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/llm/mock"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// scriptedClient replies with fixed text, or err when set.
type scriptedClient struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.reply, c.err
}

func (c *scriptedClient) Close() error { return nil }

func element(id string, kind model.ElementKind, text string, attrs map[string]string) model.UIElement {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return model.UIElement{
		ID:          id,
		Kind:        kind,
		Selector:    "#" + id,
		Attributes:  attrs,
		VisibleText: model.StringPtr(text),
	}
}

// ============================================================================
// Synthesizer
// ============================================================================

func TestSynthesizeElement_SkipsInformationalKinds(t *testing.T) {
	client := &scriptedClient{reply: "[]"}
	s := New(client, DefaultConfig(), nil, nil)

	for _, kind := range []model.ElementKind{model.Paragraph, model.Heading, model.Image, model.Video, model.GeneralContainer} {
		t.Run(kind.String(), func(t *testing.T) {
			cases := s.SynthesizeElement(context.Background(), "https://example.com", "T", element("e1", kind, "x", nil), nil)
			if cases == nil || len(cases) != 0 {
				t.Errorf("SynthesizeElement(%s) = %v, want empty non-nil slice", kind, cases)
			}
		})
	}
	if len(client.requests) != 0 {
		t.Errorf("model called %d times, want 0", len(client.requests))
	}
}

func TestSynthesizeElement_SetsRelatedElement(t *testing.T) {
	client := &scriptedClient{reply: `[{"test_case_id":"TC_FUNC_001","test_case_title":"Click","steps":[{"step_number":1,"action":"Click","expected_result":"Submits"}]}]`}
	s := New(client, DefaultConfig(), nil, nil)

	cases := s.SynthesizeElement(context.Background(), "https://example.com", "T", element("btn-1", model.Button, "Go", nil), nil)
	if len(cases) != 1 {
		t.Fatalf("got %d cases, want 1", len(cases))
	}
	if cases[0].RelatedElementID == nil || *cases[0].RelatedElementID != "btn-1" {
		t.Errorf("RelatedElementID = %v, want btn-1", cases[0].RelatedElementID)
	}

	req := client.requests[0]
	if req.System != SystemPrompt() {
		t.Errorf("System = %q", req.System)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 2000 {
		t.Errorf("sampling = %v/%d, want 0.7/2000", req.Temperature, req.MaxTokens)
	}
}

func TestSynthesize_ModelFailureYieldsEmptyList(t *testing.T) {
	m := metrics.New()
	client := &scriptedClient{err: errors.New("quota exceeded")}
	s := New(client, DefaultConfig(), nil, m)

	cases := s.SynthesizePage(context.Background(), "https://example.com", "T", Summary{})
	if cases == nil || len(cases) != 0 {
		t.Errorf("cases = %v, want empty", cases)
	}
	if snap := m.Snapshot(); snap.ModelCalls != 1 || snap.ModelFailures != 1 {
		t.Errorf("model metrics = %d/%d, want 1/1", snap.ModelCalls, snap.ModelFailures)
	}
}

func TestSynthesize_UnparseableReplyYieldsEmptyList(t *testing.T) {
	client := &scriptedClient{reply: "Sorry, I cannot help with that."}
	s := New(client, DefaultConfig(), nil, nil)

	cases := s.SynthesizePage(context.Background(), "https://example.com", "T", Summary{})
	if len(cases) != 0 {
		t.Errorf("got %d cases, want 0", len(cases))
	}
}

func TestSynthesize_WithMockClient(t *testing.T) {
	client := mock.New()
	s := New(client, DefaultConfig(), nil, nil)

	elements := []model.UIElement{
		element("f1", model.Form, "", nil),
		element("b1", model.Button, "Send", nil),
		element("p1", model.Paragraph, "hello", nil),
		element("l1", model.Link, "Home", map[string]string{"href": "/"}),
	}

	cases := s.Synthesize(context.Background(), "https://example.com/contact", "Contact", elements)

	// one page call plus form, button and link
	if client.Calls() != 4 {
		t.Errorf("model calls = %d, want 4", client.Calls())
	}
	if len(cases) != 4 {
		t.Fatalf("got %d cases, want 4", len(cases))
	}
	if !cases[0].PageLevel() {
		t.Error("first case should be page level")
	}
	if got := cases[0].Steps[0].Action; got != "Navigate to https://example.com/contact" {
		t.Errorf("page step = %q", got)
	}

	wantRefs := []string{"f1", "b1", "l1"}
	for i, want := range wantRefs {
		ref := cases[i+1].RelatedElementID
		if ref == nil || *ref != want {
			t.Errorf("case %d ref = %v, want %s", i+1, ref, want)
		}
	}
}

func TestSynthesize_CancelledContextStops(t *testing.T) {
	client := mock.New()
	s := New(client, DefaultConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cases := s.Synthesize(ctx, "https://example.com", "T", []model.UIElement{element("b1", model.Button, "Go", nil)})
	if len(cases) != 0 {
		t.Errorf("got %d cases, want 0", len(cases))
	}
}

func TestEnsureUniqueIDs(t *testing.T) {
	cases := []model.TestCase{{ID: "TC_1"}, {ID: "TC_2"}, {ID: "TC_1"}, {ID: "TC_1"}}

	cases = EnsureUniqueIDs(cases)

	seen := map[string]bool{}
	for _, tc := range cases {
		if seen[tc.ID] {
			t.Errorf("duplicate id %s", tc.ID)
		}
		seen[tc.ID] = true
	}
	if cases[0].ID != "TC_1" || cases[1].ID != "TC_2" {
		t.Error("first occurrences should keep their ids")
	}
}

func TestValidateReferences(t *testing.T) {
	known := "b1"
	dangling := "gone"
	cases := []model.TestCase{
		{ID: "A", RelatedElementID: &known},
		{ID: "B", RelatedElementID: &dangling},
		{ID: "C"},
	}

	cases = ValidateReferences(cases, []model.UIElement{element("b1", model.Button, "", nil)}, nil)

	if cases[0].RelatedElementID == nil || *cases[0].RelatedElementID != "b1" {
		t.Error("valid reference should be kept")
	}
	if cases[1].RelatedElementID != nil {
		t.Error("dangling reference should be cleared")
	}
	if len(cases) != 3 {
		t.Errorf("got %d cases, want 3", len(cases))
	}
}

// ============================================================================
// Parsing
// ============================================================================

func TestParseTestCases_Defaults(t *testing.T) {
	cases, err := ParseTestCases(`[{}]`, nil)
	if err != nil {
		t.Fatalf("ParseTestCases() error = %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("got %d cases, want 1", len(cases))
	}

	tc := cases[0]
	if !strings.HasPrefix(tc.ID, "TC_") || len(tc.ID) != 11 {
		t.Errorf("ID = %q, want TC_XXXXXXXX", tc.ID)
	}
	if tc.Title != DefaultTitle || tc.Description != DefaultDescription {
		t.Errorf("title/description = %q/%q", tc.Title, tc.Description)
	}
	if tc.Type != model.Functional || tc.Priority != model.Medium {
		t.Errorf("type/priority = %s/%s", tc.Type, tc.Priority)
	}
	if tc.Preconditions == nil || len(tc.Preconditions) != 0 {
		t.Errorf("Preconditions = %v, want empty", tc.Preconditions)
	}
	want := model.TestStep{StepNumber: 1, Action: DefaultAction, ExpectedResult: DefaultExpectedResult}
	if len(tc.Steps) != 1 || tc.Steps[0] != want {
		t.Errorf("Steps = %+v, want placeholder", tc.Steps)
	}
	if tc.RelatedElementID != nil {
		t.Error("RelatedElementID should be nil")
	}
}

func TestParseTestCases_FencedReply(t *testing.T) {
	reply := "Here you go:\n```json\n[{\"id\":\"TC_X\",\"title\":\"Alias\",\"type\":\"Edge-Case\",\"priority\":\"HIGH\"}]\n```\nThanks"

	cases, err := ParseTestCases(reply, nil)
	if err != nil {
		t.Fatalf("ParseTestCases() error = %v", err)
	}
	tc := cases[0]
	if tc.ID != "TC_X" || tc.Title != "Alias" {
		t.Errorf("id/title = %q/%q", tc.ID, tc.Title)
	}
	if tc.Type != model.EdgeCase || tc.Priority != model.High {
		t.Errorf("type/priority = %s/%s", tc.Type, tc.Priority)
	}
}

func TestParseTestCases_Renumbering(t *testing.T) {
	tests := []struct {
		name  string
		steps string
		want  []int
	}{
		{"already sequential", `[{"step_number":1},{"step_number":2}]`, []int{1, 2}},
		{"gaps", `[{"step_number":2},{"step_number":5},{"step_number":9}]`, []int{1, 2, 3}},
		{"missing numbers", `[{"action":"a"},{"action":"b"}]`, []int{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cases, err := ParseTestCases(`[{"steps":`+tt.steps+`}]`, nil)
			if err != nil {
				t.Fatalf("ParseTestCases() error = %v", err)
			}
			steps := cases[0].Steps
			if len(steps) != len(tt.want) {
				t.Fatalf("got %d steps, want %d", len(steps), len(tt.want))
			}
			for i, n := range tt.want {
				if steps[i].StepNumber != n {
					t.Errorf("step %d number = %d, want %d", i, steps[i].StepNumber, n)
				}
			}
		})
	}
}

func TestParseTestCases_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"list", `["a","b"]`, 2},
		{"string", `"logged in"`, 1},
		{"blank string", `"  "`, 0},
		{"null", `null`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cases, err := ParseTestCases(`[{"preconditions":`+tt.in+`}]`, nil)
			if err != nil {
				t.Fatalf("ParseTestCases() error = %v", err)
			}
			if got := len(cases[0].Preconditions); got != tt.want {
				t.Errorf("len(Preconditions) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseTestCases_RejectsBatch(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "no cases here"},
		{"object not array", `{"test_case_id":"X"}`},
		{"unknown type", `[{"type":"smoke"}]`},
		{"unknown priority", `[{"priority":"urgent"}]`},
		{"numeric title", `[{"test_case_title":42}]`},
		{"step number string", `[{"steps":[{"step_number":"one"}]}]`},
		{"steps not list", `[{"steps":"click"}]`},
		{"one bad record", `[{"test_case_id":"OK"},{"priority":"urgent"}]`},
		{"null record", `[null]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cases, err := ParseTestCases(tt.reply, nil)
			if err == nil {
				t.Errorf("ParseTestCases() = %v, want error", cases)
			}
		})
	}
}

func TestParseTestCases_RelatedIDCopied(t *testing.T) {
	id := "el-7"
	cases, err := ParseTestCases(`[{},{}]`, &id)
	if err != nil {
		t.Fatalf("ParseTestCases() error = %v", err)
	}
	for _, tc := range cases {
		if tc.RelatedElementID == nil || *tc.RelatedElementID != "el-7" {
			t.Errorf("RelatedElementID = %v", tc.RelatedElementID)
		}
	}
	if cases[0].RelatedElementID == cases[1].RelatedElementID {
		t.Error("each case should own its reference")
	}
}

// ============================================================================
// Prompts
// ============================================================================

func TestSummarize(t *testing.T) {
	elements := []model.UIElement{
		{Kind: model.Form},
		{Kind: model.Button},
		{Kind: model.Button},
		{Kind: model.Link},
		{Kind: model.InputEmail},
		{Kind: model.InputCheckbox},
		{Kind: model.Textarea},
		{Kind: model.Heading},
	}

	got := Summarize(elements)
	want := Summary{Forms: 1, Buttons: 2, Links: 1, Inputs: 2, TotalElements: 8}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}

func TestBuildPagePrompt(t *testing.T) {
	prompt := BuildPagePrompt("https://example.com/login", "Login", Summary{Forms: 1, TotalElements: 3})

	for _, want := range []string{
		"URL: https://example.com/login",
		"Page Title: Login",
		`"forms": 1`,
		`"total_elements": 3`,
		"TC_PAGE_",
		"Navigate to https://example.com/login",
		"The page title is 'Login'",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildElementPrompt(t *testing.T) {
	input := element("email-1", model.InputEmail, "", map[string]string{"id": "email"})
	label := element("label-1", model.Label, "Email address", map[string]string{"for": "email"})

	t.Run("with related label", func(t *testing.T) {
		prompt := BuildElementPrompt("https://example.com", "T", input, RelatedElements(input, []model.UIElement{input, label}))
		for _, want := range []string{`"element_type": "input_email"`, "Email address", "Missing @ symbol"} {
			if !strings.Contains(prompt, want) {
				t.Errorf("prompt missing %q", want)
			}
		}
	})

	t.Run("without related elements", func(t *testing.T) {
		prompt := BuildElementPrompt("https://example.com", "T", input, nil)
		if !strings.Contains(prompt, "Related Elements: None") {
			t.Error("prompt should say Related Elements: None")
		}
	})
}

func TestRelatedElements(t *testing.T) {
	input := element("i1", model.InputText, "", map[string]string{"id": "name"})
	match := element("l1", model.Label, "Name", map[string]string{"for": "name"})
	other := element("l2", model.Label, "Other", map[string]string{"for": "other"})
	all := []model.UIElement{input, match, other}

	if got := RelatedElements(input, all); len(got) != 1 || got[0].ID != "l1" {
		t.Errorf("RelatedElements(input) = %v", got)
	}

	button := element("b1", model.Button, "Go", map[string]string{"id": "name"})
	if got := RelatedElements(button, all); len(got) != 0 {
		t.Errorf("non-input should have no related elements, got %v", got)
	}

	noID := element("i2", model.InputText, "", nil)
	if got := RelatedElements(noID, all); len(got) != 0 {
		t.Errorf("input without id should have no related elements, got %v", got)
	}
}

func TestGuidance(t *testing.T) {
	tests := []struct {
		name string
		el   model.UIElement
		want string
	}{
		{"button text", element("b", model.Button, "Submit", nil), `button element with text "Submit"`},
		{"button value", element("b", model.Button, "", map[string]string{"value": "Send"}), `with text "Send"`},
		{"button default", element("b", model.Button, "", nil), `with text "Button"`},
		{"link defaults", element("a", model.Link, "", nil), `link element with text "Link" and href "#"`},
		{"link href", element("a", model.Link, "Docs", map[string]string{"href": "/docs"}), `href "/docs"`},
		{"number", element("n", model.InputNumber, "", nil), "increment/decrement"},
		{"radio", element("r", model.InputRadio, "", nil), "checkbox/radio"},
		{"dropdown", element("s", model.SelectDropdown, "", nil), "selecting different options"},
		{"form", element("f", model.Form, "", nil), "form submission with valid data"},
		{"fallback", element("t", model.Table, "", nil), "Generate 2-3 test cases"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Guidance(tt.el); !strings.Contains(got, tt.want) {
				t.Errorf("Guidance() = %q, want substring %q", got, tt.want)
			}
		})
	}
}
