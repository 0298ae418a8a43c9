package classifier

import "github.com/PentesterFlow/qadocgen/internal/model"

// Rule maps an element kind to the selector that finds it.
type Rule struct {
	Kind     model.ElementKind
	Selector string
}

// Specific rules run in this order; elements come out grouped by rule, not
// in document order.
var rules = []Rule{
	{model.Button, "button, input[type='button'], input[type='submit'], input[type='reset']"},
	{model.InputText, "input[type='text'], input:not([type])"},
	{model.InputPassword, "input[type='password']"},
	{model.InputEmail, "input[type='email']"},
	{model.InputNumber, "input[type='number']"},
	{model.InputCheckbox, "input[type='checkbox']"},
	{model.InputRadio, "input[type='radio']"},
	{model.SelectDropdown, "select"},
	{model.Textarea, "textarea"},
	{model.Link, "a[href]"},
	{model.Form, "form"},
	{model.Image, "img"},
	{model.Heading, "h1, h2, h3, h4, h5, h6"},
	{model.Paragraph, "p"},
	{model.List, "ul, ol"},
	{model.Table, "table"},
	{model.Label, "label"},
	{model.IFrame, "iframe"},
	{model.Video, "video"},
}

// containerRule runs after every specific rule.
var containerRule = Rule{
	Kind:     model.GeneralContainer,
	Selector: "div[role], span[role], div.container, div.section, div.content",
}

// Rules returns the full rule table in evaluation order.
func Rules() []Rule {
	all := make([]Rule, 0, len(rules)+1)
	all = append(all, rules...)
	return append(all, containerRule)
}
