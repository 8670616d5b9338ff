package fetcher

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"pagesift/internal/urlutil"
)

const (
	defaultRenderCap = 30 * time.Second
	defaultIdleWait  = 500 * time.Millisecond
)

// RodRenderer renders JS-heavy pages in a real browser via rod.
type RodRenderer struct {
	BrowserURL string
	RenderCap  time.Duration
	IdleWait   time.Duration
	Resolver   urlutil.Resolver
}

func NewRodRenderer(browserURL string, renderCap, idleWait time.Duration) *RodRenderer {
	if renderCap <= 0 {
		renderCap = defaultRenderCap
	}
	if idleWait <= 0 {
		idleWait = defaultIdleWait
	}
	return &RodRenderer{BrowserURL: browserURL, RenderCap: renderCap, IdleWait: idleWait}
}

// Render loads the URL in a headless browser, waits for load plus a
// short network-idle window, and captures the DOM HTML. A hard cap
// bounds the whole render regardless of page behavior.
func (r *RodRenderer) Render(ctx context.Context, rawURL string) (string, string, error) {
	// The browser does its own navigation, so the SSRF guard runs
	// before handing the URL over.
	if err := urlutil.CheckURL(ctx, r.Resolver, rawURL); err != nil {
		return "", "", err
	}

	browser := rod.New().Context(ctx).Timeout(r.RenderCap)
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}

	if err := browser.Connect(); err != nil {
		return "", "", err
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return "", "", err
	}
	defer page.MustClose()

	if err := page.WaitLoad(); err != nil {
		return "", "", err
	}
	// Best effort; slow pages still render what loaded so far.
	_ = page.WaitIdle(10 * time.Second)
	time.Sleep(r.IdleWait)

	// Navigation may have redirected; re-check where we ended up.
	finalURL := rawURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
		if err := urlutil.CheckURL(ctx, r.Resolver, finalURL); err != nil {
			return "", "", err
		}
	}

	html, err := page.HTML()
	if err != nil {
		return "", "", err
	}
	return html, finalURL, nil
}
