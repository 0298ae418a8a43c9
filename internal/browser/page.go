package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/PentesterFlow/qadocgen/internal/classifier/dom"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

type rodPage struct {
	raw    *rod.Page // not bound to the caller's context, so Close always reaches Chrome
	page   *rod.Page
	cancel context.CancelFunc
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Document() dom.Document {
	return liveDocument{page: p.page}
}

func (p *rodPage) Close() error {
	p.cancel()
	return p.raw.Close()
}

// liveDocument is a dom.Document backed by a rendered page.
type liveDocument struct {
	page *rod.Page
}

func (d liveDocument) QueryAll(ctx context.Context, selector string) ([]dom.Node, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	nodes := make([]dom.Node, len(els))
	for i, el := range els {
		nodes[i] = liveNode{el: el}
	}
	return nodes, nil
}

type liveNode struct {
	el *rod.Element
}

// describeJS reads everything the classifier needs in one round trip. The
// box is null for nodes without layout.
const describeJS = `() => {
	const attrs = [];
	for (const a of this.attributes) attrs.push([a.name, a.value]);
	const r = this.getBoundingClientRect();
	const box = (r.width > 0 || r.height > 0)
		? {x: r.x, y: r.y, width: r.width, height: r.height}
		: null;
	return {tag: this.tagName.toLowerCase(), attrs, text: this.textContent || "", box};
}`

func (n liveNode) Describe(ctx context.Context) (dom.Description, error) {
	res, err := n.el.Context(ctx).Eval(describeJS)
	if err != nil {
		return dom.Description{}, err
	}

	v := res.Value
	tag := v.Get("tag").Str()
	if tag == "" {
		return dom.Description{}, fmt.Errorf("node has no tag")
	}

	d := dom.Description{
		Tag:  tag,
		Text: v.Get("text").Str(),
	}
	for _, pair := range v.Get("attrs").Arr() {
		kv := pair.Arr()
		if len(kv) != 2 {
			continue
		}
		d.Attributes = append(d.Attributes, dom.Attribute{Name: kv[0].Str(), Value: kv[1].Str()})
	}

	if box := v.Get("box"); !box.Nil() {
		d.Box = model.NewGeometry(
			box.Get("x").Num(),
			box.Get("y").Num(),
			box.Get("width").Num(),
			box.Get("height").Num(),
		)
	}
	return d, nil
}
