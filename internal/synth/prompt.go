package synth

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

//go:embed templates/system.md
var systemPrompt string

// SystemPrompt is the instruction sent with every request.
func SystemPrompt() string {
	return strings.TrimSpace(systemPrompt)
}

// Summary counts the element kinds a page-level prompt describes.
type Summary struct {
	Forms         int `json:"forms"`
	Buttons       int `json:"buttons"`
	Links         int `json:"links"`
	Inputs        int `json:"inputs"`
	TotalElements int `json:"total_elements"`
}

// Summarize counts elements by kind.
func Summarize(elements []model.UIElement) Summary {
	s := Summary{TotalElements: len(elements)}
	for _, el := range elements {
		switch {
		case el.Kind == model.Form:
			s.Forms++
		case el.Kind == model.Button:
			s.Buttons++
		case el.Kind == model.Link:
			s.Links++
		case el.Kind.IsInput():
			s.Inputs++
		}
	}
	return s
}

const caseFields = `Each test case should have:
- A unique test case ID (%s)
- A descriptive title
- Type (one of: %s)
- Priority (one of: high, medium, low)
- Description
- Preconditions (if %s)
- Steps (including action and expected result for each step)
`

// BuildPagePrompt builds the prompt for page-level test cases.
func BuildPagePrompt(url, title string, summary Summary) string {
	var sb strings.Builder

	summaryJSON, _ := json.MarshalIndent(summary, "", "  ")

	sb.WriteString("You are an expert QA engineer. Generate comprehensive test cases for the following web page:\n\n")
	fmt.Fprintf(&sb, "URL: %s\n", url)
	fmt.Fprintf(&sb, "Page Title: %s\n", title)
	fmt.Fprintf(&sb, "Element Summary: %s\n\n", summaryJSON)

	sb.WriteString("Please generate 3-5 test cases for this page that cover the following:\n")
	sb.WriteString("1. Basic page functionality (e.g., page load, title verification)\n")
	sb.WriteString("2. Core user flows or journeys that can be identified from the page structure\n")
	sb.WriteString("3. High-level usability aspects of the page\n\n")

	fmt.Fprintf(&sb, caseFields, "starting with TC_PAGE_", "functional, usability, edge_case, accessibility_check", "any")
	sb.WriteString("\nFormat your response as a valid JSON array of test cases. Example format:\n")
	sb.WriteString(exampleArray("TC_PAGE_001",
		"Verify page loads successfully with correct title",
		"This test verifies that the page loads correctly and displays the expected title.",
		"User has internet connectivity",
		[2][2]string{
			{"Navigate to " + url, "The page loads successfully without errors"},
			{"Observe the page title", fmt.Sprintf("The page title is '%s'", title)},
		}))
	sb.WriteString("\n\nEnsure all the generated test cases are realistic, detailed and would be valuable for testing this page.")

	return sb.String()
}

// BuildElementPrompt builds the prompt for one element. related lists
// elements that describe it, such as its labels.
func BuildElementPrompt(url, title string, el model.UIElement, related []model.UIElement) string {
	var sb strings.Builder

	elementJSON, _ := json.MarshalIndent(el, "", "  ")

	sb.WriteString("You are an expert QA engineer. Generate comprehensive test cases for the following web element:\n\n")
	fmt.Fprintf(&sb, "URL: %s\n", url)
	fmt.Fprintf(&sb, "Page Title: %s\n", title)
	fmt.Fprintf(&sb, "Element: %s\n", elementJSON)
	if len(related) == 0 {
		sb.WriteString("Related Elements: None\n\n")
	} else {
		relatedJSON, _ := json.MarshalIndent(related, "", "  ")
		fmt.Fprintf(&sb, "Related Elements: %s\n\n", relatedJSON)
	}

	sb.WriteString(Guidance(el))
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, caseFields, "starting with TC_FUNC_, TC_USA_, or TC_EDGE_ depending on type", "functional, usability, edge_case", "applicable")
	sb.WriteString("\nFormat your response as a valid JSON array of test cases. Example format:\n")
	sb.WriteString(exampleArray("TC_FUNC_001",
		"Verify input accepts valid data",
		"This test verifies that the input field accepts valid data.",
		"User is on the page",
		[2][2]string{
			{"Enter 'Test Data' into the element", "The data is entered successfully"},
			{"Click outside the input field", "The input field maintains the entered value"},
		}))
	sb.WriteString("\n\nEnsure all the generated test cases are realistic, detailed, and focused on this specific element.")

	return sb.String()
}

func exampleArray(id, title, description, precondition string, steps [2][2]string) string {
	example := []map[string]interface{}{{
		"test_case_id":    id,
		"test_case_title": title,
		"type":            "functional",
		"priority":        "high",
		"description":     description,
		"preconditions":   []string{precondition},
		"steps": []map[string]interface{}{
			{"step_number": 1, "action": steps[0][0], "expected_result": steps[0][1]},
			{"step_number": 2, "action": steps[1][0], "expected_result": steps[1][1]},
		},
	}}
	out, _ := json.MarshalIndent(example, "", "  ")
	return string(out)
}

// RelatedElements returns the labels whose for attribute names el's id.
// Only input kinds have related elements.
func RelatedElements(el model.UIElement, all []model.UIElement) []model.UIElement {
	if !el.Kind.IsInput() {
		return nil
	}
	id, ok := el.Attributes["id"]
	if !ok {
		return nil
	}

	var related []model.UIElement
	for _, other := range all {
		if other.Kind != model.Label {
			continue
		}
		if target, ok := other.Attributes["for"]; ok && target == id {
			related = append(related, other)
		}
	}
	return related
}
