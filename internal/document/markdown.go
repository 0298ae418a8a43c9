package document

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/net/html"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

//go:embed templates/qa_doc.md.tmpl
var markdownTemplate string

var qaDoc = template.Must(template.New("qa_doc").Parse(markdownTemplate))

var sectionHeadings = map[model.TestCaseType]string{
	model.Functional:         "Functional Tests",
	model.Usability:          "Usability Tests",
	model.EdgeCase:           "Edge Case Tests",
	model.AccessibilityCheck: "Accessibility Checks",
}

type markdownView struct {
	Title         string
	SourceURL     string
	Timestamp     string
	ElementCount  int
	TestCaseCount int
	Sections      []sectionView
}

type sectionView struct {
	Heading string
	Cases   []caseView
}

type caseView struct {
	ID            string
	Title         string
	Priority      string
	Description   string
	Element       *elementView
	Preconditions []string
	Steps         []stepView
}

type elementView struct {
	Kind     string
	Selector string
	Text     string
}

type stepView struct {
	Number         int
	Action         string
	ExpectedResult string
}

// inline makes s safe inside a single Markdown line or table cell.
func inline(s string) string {
	s = html.EscapeString(s)
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// RenderMarkdown renders result as Markdown: one section per test-case
// type, cases sorted by priority, each element-level case annotated with
// its element.
func RenderMarkdown(result *model.AnalysisResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("nil analysis result")
	}

	view := markdownView{
		Title:         "Unknown",
		SourceURL:     CanonicalURL(result.SourceURL),
		Timestamp:     result.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		ElementCount:  len(result.Elements),
		TestCaseCount: len(result.TestCases),
	}
	if result.PageTitle != nil && *result.PageTitle != "" {
		view.Title = inline(*result.PageTitle)
	}

	elements := make(map[string]*model.UIElement, len(result.Elements))
	for i := range result.Elements {
		elements[result.Elements[i].ID] = &result.Elements[i]
	}

	grouped := make(map[model.TestCaseType][]model.TestCase)
	for _, tc := range result.TestCases {
		grouped[tc.Type] = append(grouped[tc.Type], tc)
	}

	for _, typ := range model.TestCaseTypes() {
		cases := grouped[typ]
		sort.SliceStable(cases, func(i, j int) bool { return cases[i].Priority < cases[j].Priority })

		section := sectionView{Heading: sectionHeadings[typ]}
		for _, tc := range cases {
			section.Cases = append(section.Cases, newCaseView(tc, elements))
		}
		view.Sections = append(view.Sections, section)
	}

	var buf bytes.Buffer
	if err := qaDoc.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func newCaseView(tc model.TestCase, elements map[string]*model.UIElement) caseView {
	cv := caseView{
		ID:          inline(tc.ID),
		Title:       inline(tc.Title),
		Priority:    tc.Priority.String(),
		Description: html.EscapeString(tc.Description),
	}
	if tc.RelatedElementID != nil {
		if el, ok := elements[*tc.RelatedElementID]; ok {
			cv.Element = &elementView{
				Kind:     el.Kind.String(),
				Selector: strings.ReplaceAll(el.Selector, "`", "'"),
				Text:     inline(el.Text()),
			}
		}
	}
	for _, p := range tc.Preconditions {
		cv.Preconditions = append(cv.Preconditions, inline(p))
	}
	for _, s := range tc.Steps {
		cv.Steps = append(cv.Steps, stepView{
			Number:         s.StepNumber,
			Action:         inline(s.Action),
			ExpectedResult: inline(s.ExpectedResult),
		})
	}
	return cv
}
