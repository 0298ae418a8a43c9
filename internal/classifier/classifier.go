// Package classifier turns a rendered page into a typed inventory of UI
// elements.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/PentesterFlow/qadocgen/internal/classifier/dom"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Classifier applies the rule table to a dom.Document.
type Classifier struct {
	logger *logger.Logger
	newID  func() string
}

// New creates a classifier.
func New(log *logger.Logger) *Classifier {
	return &Classifier{
		logger: logger.OrNop(log).WithComponent("classifier"),
		newID:  uuid.NewString,
	}
}

// Extract runs every rule against doc and returns the matched elements.
// A failing query or node is logged and skipped.
func (c *Classifier) Extract(ctx context.Context, doc dom.Document) []model.UIElement {
	var elements []model.UIElement

	for _, rule := range Rules() {
		if ctx.Err() != nil {
			c.logger.WithError(ctx.Err()).Warn("extraction interrupted")
			break
		}

		nodes, err := doc.QueryAll(ctx, rule.Selector)
		if err != nil {
			c.logger.WithError(err).Warnf("error querying %s elements", rule.Kind)
			continue
		}

		for _, node := range nodes {
			el, err := c.element(ctx, node, rule.Kind)
			if err != nil {
				c.logger.WithError(err).Debugf("skipping %s element", rule.Kind)
				continue
			}
			elements = append(elements, el)
		}
	}

	c.logger.Debugf("extracted %d elements", len(elements))
	return elements
}

func (c *Classifier) element(ctx context.Context, node dom.Node, kind model.ElementKind) (el model.UIElement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("describe panicked: %v", r)
		}
	}()

	d, err := node.Describe(ctx)
	if err != nil {
		return model.UIElement{}, err
	}

	return model.UIElement{
		ID:          c.newID(),
		Kind:        kind,
		Selector:    Selector(d),
		Attributes:  d.AttributeMap(),
		VisibleText: model.StringPtr(strings.TrimSpace(d.Text)),
		Geometry:    d.Box,
	}, nil
}

// Selector derives a locator for an element, preferring its id, then its
// name, then its data-testid, then tag plus classes. Only the id form is
// expected to be unique.
func Selector(d dom.Description) string {
	tag := strings.ToLower(d.Tag)

	if id, ok := d.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := d.Attr("name"); ok {
		return fmt.Sprintf("%s[name='%s']", tag, name)
	}
	if testID, ok := d.Attr("data-testid"); ok {
		return fmt.Sprintf("%s[data-testid='%s']", tag, testID)
	}

	selector := tag
	if class, ok := d.Attr("class"); ok {
		for _, c := range strings.Fields(class) {
			selector += "." + c
		}
	}
	return selector
}
