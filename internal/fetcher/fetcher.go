package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sethvargo/go-retry"

	"pagesift/internal/apperr"
	"pagesift/internal/model"
	"pagesift/internal/urlutil"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxRedirects = 5
	defaultMaxBodyBytes = 10 << 20
	defaultRetryBase    = 2 * time.Second
	defaultMaxAttempts  = 3

	// Render trigger thresholds for auto policy.
	minStaticBodyBytes = 500
	minStrippedChars   = 200
)

// Result is the fetch outcome handed to the extractor.
type Result struct {
	Status   int
	FinalURL string
	Headers  http.Header
	Body     []byte
	Renderer model.Renderer
	Duration time.Duration
}

// Renderer turns a URL into rendered DOM HTML via a headless browser.
// Implemented by rod in this build; nil disables headless fallback.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (html string, finalURL string, err error)
}

// Options configures a Fetcher.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	RetryBase    time.Duration
	MaxAttempts  int
	Resolver     urlutil.Resolver
	Renderer     Renderer
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher performs static fetches with bounded retries and redirect
// discipline, falling back to headless rendering per the render policy.
type Fetcher struct {
	opts   Options
	client *http.Client
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	f := &Fetcher{opts: opts}
	f.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: opts.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return apperr.Newf(apperr.CodeFetchError, "stopped after %d redirects", opts.MaxRedirects)
			}
			// Every hop gets the same SSRF discipline as the first request.
			if err := urlutil.CheckHost(req.Context(), opts.Resolver, req.URL.Hostname()); err != nil {
				return err
			}
			return nil
		},
	}
	return f
}

// Fetch retrieves a canonical URL under the given render policy.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, policy model.RenderPolicy) (*Result, error) {
	start := time.Now()

	if policy == model.RenderAlways {
		return f.render(ctx, rawURL, start)
	}

	res, err := f.fetchStatic(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	if policy == model.RenderNever {
		return res, nil
	}

	if f.opts.Renderer != nil && shouldRender(res.Body) {
		rendered, rerr := f.render(ctx, res.FinalURL, start)
		if rerr != nil {
			return nil, rerr
		}
		return rendered, nil
	}
	return res, nil
}

// fetchStatic performs the static HTTP GET with retries on connection
// errors and retriable statuses (5xx, 408, 429). Backoff is exponential
// from RetryBase: 2s, 4s, 8s at the defaults.
func (f *Fetcher) fetchStatic(ctx context.Context, rawURL string) (*Result, error) {
	var out *Result

	backoff := retry.WithMaxRetries(uint64(f.opts.MaxAttempts-1), retry.NewExponential(f.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := f.doStatic(ctx, rawURL)
		if err != nil {
			if apperr.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, normalizeFetchErr(ctx, err)
	}
	return out, nil
}

func (f *Fetcher) doStatic(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidURL, "build request", err)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Redirect-hop SSRF rejections come back wrapped in url.Error.
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeFetchTimeout, "fetch "+rawURL, err)
		}
		return nil, apperr.Wrap(apperr.CodeFetchError, "fetch "+rawURL, err).WithRetryable()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.Newf(apperr.CodeUpstreamHTTP, "upstream returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode}).WithRetryable()
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Newf(apperr.CodeUpstreamHTTP, "upstream returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeFetchTimeout, "read body", err)
		}
		return nil, apperr.Wrap(apperr.CodeFetchError, "read body", err).WithRetryable()
	}

	return &Result{
		Status:   resp.StatusCode,
		FinalURL: resp.Request.URL.String(),
		Headers:  resp.Header,
		Body:     body,
		Renderer: model.RendererStatic,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, rawURL string, start time.Time) (*Result, error) {
	if f.opts.Renderer == nil {
		return nil, apperr.New(apperr.CodeRenderError, "headless rendering is not configured")
	}

	html, finalURL, err := f.opts.Renderer.Render(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeFetchTimeout, "render "+rawURL, err)
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, apperr.Wrap(apperr.CodeRenderError, "render "+rawURL, err)
	}
	if finalURL == "" {
		finalURL = rawURL
	}

	return &Result{
		Status:   http.StatusOK,
		FinalURL: finalURL,
		Headers:  http.Header{},
		Body:     []byte(html),
		Renderer: model.RendererHeadless,
		Duration: time.Since(start),
	}, nil
}

// normalizeFetchErr maps retry/context errors onto the typed set.
func normalizeFetchErr(ctx context.Context, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		// Retries are exhausted; the bit no longer matters upstream.
		ae.Retryable = false
		return ae
	}
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.CodeFetchTimeout, "fetch", err)
	}
	return apperr.Wrap(apperr.CodeFetchError, "fetch", err)
}

// shouldRender applies the auto-policy render trigger heuristic to a
// static body: near-empty responses, bare SPA shells, meta refresh, or
// too little effective text all fall back to headless.
func shouldRender(body []byte) bool {
	if len(body) < minStaticBodyBytes {
		return true
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return false
	}

	// SPA shell: a marker div with no server-rendered content inside.
	for _, id := range []string{"app", "root", "__next"} {
		sel := doc.Find("#" + id)
		if sel.Length() > 0 && len(strings.TrimSpace(sel.Text())) == 0 {
			return true
		}
	}
	if strings.Contains(string(body), "window.__NEXT_DATA__") {
		return true
	}

	// Meta refresh pointing elsewhere.
	refresh := doc.Find(`meta[http-equiv="refresh"], meta[http-equiv="Refresh"]`).AttrOr("content", "")
	if refresh != "" && strings.Contains(strings.ToLower(refresh), "url=") {
		return true
	}

	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	return len(text) < minStrippedChars
}
