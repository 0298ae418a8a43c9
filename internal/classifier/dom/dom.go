// Package dom is the read-only view of a rendered page that the classifier
// works against. The live browser and parsed markup both implement it.
package dom

import (
	"context"
	"strings"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Attribute is a single name/value pair in document order.
type Attribute struct {
	Name  string
	Value string
}

// Description is everything the classifier reads from one element.
type Description struct {
	Tag        string
	Attributes []Attribute
	// Text is the element's text content, untrimmed.
	Text string
	// Box is nil when the element has no layout.
	Box *model.Geometry
}

// Attr returns the value of the named attribute.
func (d Description) Attr(name string) (string, bool) {
	for _, a := range d.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// AttributeMap copies the attributes into a map. Later duplicates win.
func (d Description) AttributeMap() map[string]string {
	m := make(map[string]string, len(d.Attributes))
	for _, a := range d.Attributes {
		m[a.Name] = a.Value
	}
	return m
}

// Node is one element matched by a query.
type Node interface {
	Describe(ctx context.Context) (Description, error)
}

// Document answers CSS selector queries in document order.
type Document interface {
	QueryAll(ctx context.Context, selector string) ([]Node, error)
}
