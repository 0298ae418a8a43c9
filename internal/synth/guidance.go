package synth

import (
	"fmt"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

const textInputGuidance = `Based on this input element, generate the following types of test cases:
1. Functional tests for valid input
2. Functional tests for clearing input
3. Edge case tests for empty input (if required)
4. Edge case tests for min/max length (if determinable from attributes)
5. Edge case tests for invalid formats (especially for email/password)

For an input_email, consider test cases for:
- Valid email format
- Missing @ symbol
- Missing domain
- Special characters
- Very long email addresses`

const numberGuidance = `Based on this number input element, generate the following types of test cases:
1. Functional tests for valid numeric input
2. Edge cases for non-numeric input
3. Edge cases for out-of-range values (if min/max attributes exist)
4. Edge cases for decimal values (if relevant)
5. Test case for input field increment/decrement controls (if present)`

const choiceGuidance = `Based on this checkbox/radio element, generate the following types of test cases:
1. Functional tests for selecting the element
2. Functional tests for de-selecting (if checkbox)
3. Usability tests for verifying visible label association
4. Test case for default state verification`

const buttonGuidance = `Based on this button element with text "%s", generate the following types of test cases:
1. Functional test for clicking the button and verifying an expected outcome
2. Usability test for button visibility and accessibility
3. If this appears to be a submit button in a form, include a test case for form submission`

const linkGuidance = `Based on this link element with text "%s" and href "%s", generate the following types of test cases:
1. Functional test for navigation: clicking the link and verifying navigation to the target
2. Usability test for link appearance and recognition
3. Edge case for broken link verification (if applicable)`

const dropdownGuidance = `Based on this dropdown element, generate the following types of test cases:
1. Functional tests for selecting different options
2. Functional test for default selected option
3. Edge case for deselection (if applicable)
4. Usability test for dropdown appearance and option visibility`

const formGuidance = `Based on this form element, generate the following types of test cases:
1. End-to-end functional test for form submission with valid data
2. Functional tests for submitting with mandatory fields empty
3. Edge cases for form reset functionality (if applicable)
4. Usability test for form layout and field organization`

const fallbackGuidance = `Generate 2-3 test cases for this element covering:
1. Functional testing of primary actions possible with this element
2. Usability aspects of the element
3. Edge cases or error conditions if relevant`

// guidance maps each kind to a builder for its instruction block. Kinds
// not listed get fallbackGuidance.
var guidance = map[model.ElementKind]func(model.UIElement) string{
	model.InputText:      constant(textInputGuidance),
	model.InputEmail:     constant(textInputGuidance),
	model.InputPassword:  constant(textInputGuidance),
	model.Textarea:       constant(textInputGuidance),
	model.InputNumber:    constant(numberGuidance),
	model.InputCheckbox:  constant(choiceGuidance),
	model.InputRadio:     constant(choiceGuidance),
	model.SelectDropdown: constant(dropdownGuidance),
	model.Form:           constant(formGuidance),
	model.Button: func(el model.UIElement) string {
		text := el.Text()
		if text == "" {
			text = el.Attributes["value"]
		}
		if text == "" {
			text = "Button"
		}
		return fmt.Sprintf(buttonGuidance, text)
	},
	model.Link: func(el model.UIElement) string {
		text := el.Text()
		if text == "" {
			text = "Link"
		}
		href, ok := el.Attributes["href"]
		if !ok {
			href = "#"
		}
		return fmt.Sprintf(linkGuidance, text, href)
	},
}

func constant(s string) func(model.UIElement) string {
	return func(model.UIElement) string { return s }
}

// Guidance returns the kind-specific instruction block for el.
func Guidance(el model.UIElement) string {
	if build, ok := guidance[el.Kind]; ok {
		return build(el)
	}
	return fallbackGuidance
}
