package dom

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// StaticDocument is a Document over markup parsed without a browser. Nodes
// carry no geometry.
type StaticDocument struct {
	doc *goquery.Document
}

// ParseHTML parses markup into a StaticDocument.
func ParseHTML(markup string) (*StaticDocument, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &StaticDocument{doc: goquery.NewDocumentFromNode(root)}, nil
}

// Title returns the trimmed contents of the first <title>, or "".
func (d *StaticDocument) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// QueryAll implements Document. A selector goquery cannot compile matches
// nothing.
func (d *StaticDocument) QueryAll(ctx context.Context, selector string) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var nodes []Node
	d.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, staticNode{s: s})
	})
	return nodes, nil
}

type staticNode struct {
	s *goquery.Selection
}

func (n staticNode) Describe(ctx context.Context) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}

	node := n.s.Get(0)
	if node == nil || node.Type != html.ElementNode {
		return Description{}, fmt.Errorf("not an element")
	}

	attrs := make([]Attribute, 0, len(node.Attr))
	for _, a := range node.Attr {
		name := a.Key
		if a.Namespace != "" {
			name = a.Namespace + ":" + a.Key
		}
		attrs = append(attrs, Attribute{Name: name, Value: a.Val})
	}

	return Description{
		Tag:        strings.ToLower(node.Data),
		Attributes: attrs,
		Text:       n.s.Text(),
	}, nil
}
