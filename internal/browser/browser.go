// Package browser drives headless Chrome through Rod to load pages and
// inventory their UI elements.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/PentesterFlow/qadocgen/internal/classifier/dom"
	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/model"
)

// Config defines browser configuration.
type Config struct {
	Headless          bool          `json:"headless" yaml:"headless"`
	UserAgent         string        `json:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height" yaml:"viewport_height"`
	IgnoreHTTPSErrors bool          `json:"ignore_https_errors" yaml:"ignore_https_errors"`
	CacheTTL          time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		UserAgent:         "qadocgen/1.0",
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		IgnoreHTTPSErrors: true,
		CacheTTL:          300 * time.Second,
	}
}

// Page is a loaded page. It must be closed.
type Page interface {
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Document() dom.Document
	Close() error
}

// responseGrace bounds how long Open waits, after the load event, for the
// main-document response event to be dispatched.
var responseGrace = 2 * time.Second

// engine opens pages. Browser is the only production implementation.
type engine interface {
	Open(ctx context.Context, target string, auth *model.AuthConfig, timeout time.Duration) (Page, error)
	Close() error
}

// Browser wraps a Rod browser instance.
type Browser struct {
	browser   *rod.Browser
	config    Config
	mu        sync.Mutex
	pageCount int
}

// New launches and connects to a new browser.
func New(config Config) (*Browser, error) {
	l := launcher.New()

	if config.Headless {
		l = l.Headless(true)
	}

	if config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors", "true")
	}

	url, err := l.Launch()
	if err != nil {
		return nil, qaerrors.NewBrowserError("", "launch", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, qaerrors.NewBrowserError("", "connect", err)
	}

	return &Browser{
		browser: browser,
		config:  config,
	}, nil
}

// Open creates a page, applies auth, and navigates to target within
// timeout. A missing main-document response or an HTTP error status is a
// navigation error. Failures to create the page are browser errors, which
// mean the browser should be discarded.
func (b *Browser) Open(ctx context.Context, target string, auth *model.AuthConfig, timeout time.Duration) (Page, error) {
	b.mu.Lock()
	b.pageCount++
	b.mu.Unlock()

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, qaerrors.NewBrowserError(target, "create page", err)
	}

	pageCtx, cancel := context.WithCancel(ctx)
	p := &rodPage{raw: page, page: page.Context(pageCtx), cancel: cancel}

	if err := b.prepare(p.page, target, auth); err != nil {
		p.Close()
		return nil, qaerrors.NewNavigationError(target, fmt.Errorf("failed to apply authentication: %w", err))
	}

	// Registered before navigation so the document response is not missed.
	// The handler stops at the first document, so it sends at most once.
	statuses := make(chan int, 1)
	wait := p.page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		statuses <- e.Response.Status
		return true
	})
	go wait()

	navCtx, navCancel := context.WithTimeout(pageCtx, timeout)
	defer navCancel()
	nav := p.page.Context(navCtx)

	if err := nav.Navigate(target); err != nil {
		p.Close()
		return nil, qaerrors.Categorize(err, target)
	}
	if err := nav.WaitLoad(); err != nil {
		p.Close()
		return nil, qaerrors.Categorize(err, target)
	}

	code, err := awaitStatus(navCtx, statuses, responseGrace)
	if err != nil {
		p.Close()
		return nil, qaerrors.Categorize(err, target)
	}
	if code == 0 {
		p.Close()
		return nil, qaerrors.NewNavigationError(target, fmt.Errorf("no response received"))
	}
	if err := qaerrors.CategorizeHTTPStatus(code, target); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// awaitStatus waits for the main-document status reported by the response
// handler. It returns 0 when nothing arrives within grace.
func awaitStatus(ctx context.Context, statuses <-chan int, grace time.Duration) (int, error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case code := <-statuses:
		return code, nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Browser) prepare(page *rod.Page, target string, auth *model.AuthConfig) error {
	// Viewport and user agent are not critical.
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  b.config.ViewportWidth,
		Height: b.config.ViewportHeight,
	})
	if b.config.UserAgent != "" {
		_ = proto.NetworkSetUserAgentOverride{UserAgent: b.config.UserAgent}.Call(page)
	}

	if headers := authHeaders(auth); len(headers) > 0 {
		if err := (proto.NetworkEnable{}).Call(page); err != nil {
			return err
		}
		networkHeaders := make(proto.NetworkHeaders)
		for k, v := range headers {
			networkHeaders[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: networkHeaders}).Call(page); err != nil {
			return err
		}
	}

	if cookies := authCookies(auth, target); len(cookies) > 0 {
		if err := page.SetCookies(cookies); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the browser.
func (b *Browser) Close() error {
	return b.browser.Close()
}

// PageCount returns the number of pages opened.
func (b *Browser) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageCount
}

// GetConfig returns the browser configuration.
func (b *Browser) GetConfig() Config {
	return b.config
}
