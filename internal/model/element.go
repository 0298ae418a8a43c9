// Package model defines the data types shared by the analysis pipeline.
package model

import (
	"fmt"
	"strings"
)

// ElementKind classifies a UI node. The set is closed; nodes that match no
// specific rule are GeneralContainer.
type ElementKind int

const (
	Button ElementKind = iota
	InputText
	InputPassword
	InputEmail
	InputNumber
	InputCheckbox
	InputRadio
	SelectDropdown
	Textarea
	Link
	Form
	Image
	Heading
	Paragraph
	List
	Table
	Label
	IFrame
	Video
	GeneralContainer

	kindCount
)

var kindNames = [kindCount]string{
	Button:           "button",
	InputText:        "input_text",
	InputPassword:    "input_password",
	InputEmail:       "input_email",
	InputNumber:      "input_number",
	InputCheckbox:    "input_checkbox",
	InputRadio:       "input_radio",
	SelectDropdown:   "select_dropdown",
	Textarea:         "textarea",
	Link:             "link",
	Form:             "form",
	Image:            "image",
	Heading:          "heading",
	Paragraph:        "paragraph",
	List:             "list",
	Table:            "table",
	Label:            "label",
	IFrame:           "iframe",
	Video:            "video",
	GeneralContainer: "general_container",
}

// AllKinds returns every element kind in declaration order.
func AllKinds() []ElementKind {
	kinds := make([]ElementKind, 0, kindCount)
	for k := ElementKind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the wire name of the kind.
func (k ElementKind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("ElementKind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k ElementKind) Valid() bool {
	return k >= 0 && k < kindCount
}

// IsInput reports whether k is one of the <input> variants.
func (k ElementKind) IsInput() bool {
	switch k {
	case InputText, InputPassword, InputEmail, InputNumber, InputCheckbox, InputRadio:
		return true
	default:
		return false
	}
}

// Informational reports whether the kind carries content only. No
// element-level test cases are synthesized for these.
func (k ElementKind) Informational() bool {
	switch k {
	case Paragraph, Heading, Image, Video, GeneralContainer:
		return true
	default:
		return false
	}
}

// ParseElementKind converts a wire name into an ElementKind.
func ParseElementKind(s string) (ElementKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return ElementKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown element kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ElementKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid element kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ElementKind) UnmarshalText(text []byte) error {
	parsed, err := ParseElementKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Geometry is the rendered bounding box of a node in CSS pixels.
type Geometry struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// NewGeometry builds a Geometry from fractional coordinates, truncating
// toward zero and clamping negatives to zero.
func NewGeometry(x, y, width, height float64) *Geometry {
	clamp := func(v float64) int {
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return &Geometry{X: clamp(x), Y: clamp(y), Width: clamp(width), Height: clamp(height)}
}

// UIElement is one classified node from a rendered page.
type UIElement struct {
	ID          string            `json:"element_id" yaml:"element_id"`
	Kind        ElementKind       `json:"element_type" yaml:"element_type"`
	Selector    string            `json:"selector" yaml:"selector"`
	Attributes  map[string]string `json:"attributes" yaml:"attributes"`
	VisibleText *string           `json:"visible_text" yaml:"visible_text"`
	Geometry    *Geometry         `json:"position" yaml:"position"`
}

// Attr returns the named attribute or "".
func (e *UIElement) Attr(name string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}

// HasAttr reports whether the element carries the named attribute.
func (e *UIElement) HasAttr(name string) bool {
	_, ok := e.Attributes[name]
	return ok
}

// Text returns the visible text or "".
func (e *UIElement) Text() string {
	if e.VisibleText == nil {
		return ""
	}
	return *e.VisibleText
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
