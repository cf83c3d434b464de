package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/pkg/types"
)

// RenderOptions configures the headless browser capture.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	InitialWait        time.Duration
	ScrollWait         time.Duration
	FinalWait          time.Duration
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
}

// ChromedpRenderer drives headless Chrome sessions. One browser process
// is shared across pages via the allocator context; every page gets a
// fresh browser context so cookies and routing state never leak between
// pages.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger

	allocOnce   sync.Once
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions, logger *slog.Logger) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if opts.InitialWait <= 0 {
		opts.InitialWait = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    logger,
	}
}

func (r *ChromedpRenderer) allocator() context.Context {
	r.allocOnce.Do(func() {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", !r.opts.DisableHeadless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("no-sandbox", true),
		)
		if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
			execOpts = append(execOpts, chromedp.UserAgent(ua))
		}
		r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), execOpts...)
	})
	return r.allocCtx
}

// Close tears down the shared browser process.
func (r *ChromedpRenderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}

// collectStyleURLs runs inside the page and pulls URLs out of computed
// background-image values, which never appear as element attributes.
const collectStyleURLs = `(() => {
	const urls = new Set();
	const re = /url\(["']?([^"')]+)["']?\)/g;
	for (const el of document.querySelectorAll('*')) {
		const bg = getComputedStyle(el).backgroundImage;
		if (!bg || bg === 'none') continue;
		let m;
		while ((m = re.exec(bg)) !== null) {
			try { urls.add(new URL(m[1], document.baseURI).href); } catch (e) {}
		}
	}
	return Array.from(urls);
})()`

// Render navigates to the page, waits for hydration and lazy-loaded
// content, and returns the final DOM plus every resource URL the browser
// was observed requesting (network events) or computing (backgrounds).
func (r *ChromedpRenderer) Render(parentCtx context.Context, req types.CrawlRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("render request URL is nil")
	}

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	chromeCtx, chromeCancel := chromedp.NewContext(r.allocator())
	defer chromeCancel()

	// Bound the whole navigate-wait-capture sequence.
	chromeCtx, deadlineCancel := context.WithTimeout(chromeCtx, r.opts.Timeout)
	defer deadlineCancel()

	// Abort the in-flight render if the crawl is cancelled.
	stop := context.AfterFunc(parentCtx, deadlineCancel)
	defer stop()

	pageURL := req.URL.String()
	observed := make(map[string]struct{})
	var mu sync.Mutex
	chromedp.ListenTarget(chromeCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventRequestWillBeSent); ok {
			u := e.Request.URL
			if u != "" && u != pageURL {
				mu.Lock()
				observed[u] = struct{}{}
				mu.Unlock()
			}
		}
	})

	var html string
	var finalURL string
	var styleURLs []string

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.opts.InitialWait),
	}
	if sel := strings.TrimSpace(r.opts.WaitForSelector); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	}
	if r.opts.ScrollWait > 0 {
		// Scroll to the bottom and back to trigger lazy-loaded images.
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo({top: document.body.scrollHeight, behavior: 'smooth'})`, nil),
			chromedp.Sleep(r.opts.ScrollWait),
			chromedp.Evaluate(`window.scrollTo({top: 0, behavior: 'smooth'})`, nil),
		)
	}
	if r.opts.FinalWait > 0 {
		actions = append(actions, chromedp.Sleep(r.opts.FinalWait))
	}
	actions = append(actions,
		chromedp.Evaluate(collectStyleURLs, &styleURLs),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	start := time.Now()
	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}

	parsedFinal := req.URL
	if finalURL != "" {
		if u, err := url.Parse(finalURL); err == nil {
			parsedFinal = u
		}
	}

	mu.Lock()
	resources := make([]string, 0, len(observed)+len(styleURLs))
	for u := range observed {
		resources = append(resources, u)
	}
	mu.Unlock()
	resources = append(resources, styleURLs...)

	latency := time.Since(start)
	r.logger.Debug("render complete",
		"url", pageURL,
		"final_url", parsedFinal.String(),
		"latency_ms", latency.Milliseconds(),
		"html_bytes", len(html),
		"observed_resources", len(resources),
	)

	return &types.Page{
		URL:             req.URL,
		FinalURL:        parsedFinal,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
		Resources:       resources,
	}, nil
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req types.CrawlRequest) (*types.Page, error)
}

// Composite prefers the renderer and optionally falls back to plain HTTP
// when rendering fails, so a flaky browser session degrades a capture
// instead of failing the page outright.
type Composite struct {
	httpFetcher Fetcher
	renderer    Renderer
	fallback    bool
	logger      *slog.Logger
}

// NewComposite builds a composite fetcher from HTTP and optional renderer.
func NewComposite(httpFetcher Fetcher, renderer Renderer, fallback bool, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{httpFetcher: httpFetcher, renderer: renderer, fallback: fallback, logger: logger}
}

// Fetch delegates to the renderer when available, else (or on failure,
// when fallback is enabled) to the HTTP fetcher.
func (c *Composite) Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error) {
	if c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		if !c.fallback || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("renderer failed, falling back to HTTP fetch", "url", req.URL.String(), "error", err)
	}
	return c.httpFetcher.Fetch(ctx, req)
}
