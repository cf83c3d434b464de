// Package crawler runs the capture phase: it drains a frontier of page
// URLs through a worker pool, renders each page, downloads the assets
// the page uses, and persists everything plus a manifest that the build
// phase consumes.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/assets"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/config"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/fetcher"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/manifest"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/robots"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/scope"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/storage"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/pkg/types"
)

// Engine coordinates one crawl run.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	fetcher    fetcher.Fetcher
	renderer   *fetcher.ChromedpRenderer
	downloader *assets.Downloader
	robots     *robots.Agent
	limiter    *DomainLimiter
	frontier   *Frontier
	filter     *scope.Filter
	store      *storage.FileStore
	archive    storage.PageArchive

	mu        sync.Mutex
	manifest  *manifest.Manifest
	scheduled int

	wg sync.WaitGroup
}

// NewEngine wires the capture pipeline from configuration. The optional
// archive may be nil.
func NewEngine(cfg *config.Config, archive storage.PageArchive, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:     cfg.Crawl.UserAgent,
		Headers:       cfg.Crawl.Headers,
		Timeout:       cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes:  cfg.Crawl.MaxBodyBytes,
		MaxAssetBytes: cfg.Download.MaxSizeBytes,
		ProxyURL:      cfg.Crawl.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("build http fetcher: %w", err)
	}

	var renderer *fetcher.ChromedpRenderer
	var pageFetcher fetcher.Fetcher = httpFetcher
	if cfg.Rendering.Enabled {
		renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			WaitForSelector:    cfg.Rendering.WaitForSelector,
			InitialWait:        cfg.Rendering.InitialWait.Duration,
			ScrollWait:         cfg.Rendering.ScrollWait.Duration,
			FinalWait:          cfg.Rendering.FinalWait.Duration,
			UserAgent:          cfg.Crawl.UserAgent,
			MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		}, logger)
		pageFetcher = fetcher.NewComposite(httpFetcher, renderer, cfg.Rendering.FallbackHTTP, logger)
	}

	filter := scope.NewFilter(cfg.Crawl.AllowedDomains)
	store, err := storage.NewFileStore(cfg.Storage.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("open crawl store: %w", err)
	}

	downloader := assets.NewDownloader(httpFetcher, store, filter, assets.DownloadOptions{
		MaxAttempts:    cfg.Download.MaxAttempts,
		BackoffBase:    cfg.Download.BackoffBase.Duration,
		PoliteDelayMin: cfg.Download.PoliteDelayMin.Duration,
		PoliteDelayMax: cfg.Download.PoliteDelayMax.Duration,
	}, logger)

	var limiterRate RateLimiterSettings
	if cfg.Crawl.RateLimitPerDomain.Enabled() {
		limiterRate = RateLimiterSettings{
			Requests: cfg.Crawl.RateLimitPerDomain.Requests,
			Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
		}
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		fetcher:    pageFetcher,
		renderer:   renderer,
		downloader: downloader,
		robots:     robots.NewAgent(cfg.Robots, httpFetcher.Client()),
		limiter:    NewDomainLimiter(cfg.Crawl.PerDomainDelay.Duration, limiterRate),
		frontier:   NewFrontier(),
		filter:     filter,
		store:      store,
		archive:    archive,
		manifest:   manifest.New(),
	}, nil
}

// Close releases the browser process and the archive connection.
func (e *Engine) Close() error {
	if e.renderer != nil {
		e.renderer.Close()
	}
	if e.archive != nil {
		return e.archive.Close()
	}
	return nil
}

// Run executes the crawl until the frontier drains or ctx is cancelled,
// then writes the manifest. The manifest is saved even on cancellation so
// a partial crawl remains buildable.
func (e *Engine) Run(ctx context.Context) (*manifest.Manifest, error) {
	pool, err := NewWorkerPool(ctx, e.cfg.Worker.Concurrency, e.cfg.Worker.QueueSize)
	if err != nil {
		return nil, err
	}

	seeds, err := e.seeds()
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, seed := range seeds {
		e.enqueue(ctx, pool, seed, 0, nil)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-done:
	case <-ctx.Done():
		runErr = ctx.Err()
		e.logger.Warn("crawl cancelled, draining in-flight pages")
		<-done
	}
	pool.Close()

	e.finalise()
	if err := e.manifest.Save(e.cfg.Storage.ManifestPath); err != nil {
		if runErr == nil {
			runErr = err
		}
		e.logger.Error("manifest save failed", "path", e.cfg.Storage.ManifestPath, "error", err)
	}

	for _, pageURL := range e.frontier.Failed() {
		e.logger.Warn("page failed", "url", pageURL)
	}
	summary := e.manifest.Summarise()
	e.logger.Info("crawl finished",
		"pages_visited", e.frontier.VisitedCount(),
		"pages_persisted", summary.PagesPersisted,
		"pages_failed", summary.PagesFailed,
		"assets", summary.Assets,
		"asset_failures", len(summary.Failures),
		"manifest", e.cfg.Storage.ManifestPath,
	)
	return e.manifest, runErr
}

func (e *Engine) seeds() ([]*url.URL, error) {
	var raw []string
	switch e.cfg.Crawl.Mode {
	case config.ModeFixed:
		raw = e.cfg.Crawl.Pages
	default:
		raw = []string{e.cfg.Crawl.StartURL}
	}
	seeds := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parse seed url %q: %w", r, err)
		}
		seeds = append(seeds, u)
	}
	return seeds, nil
}

// enqueue claims the URL before any asynchronous work begins, which keeps
// cycles and concurrent rediscovery from scheduling a page twice.
func (e *Engine) enqueue(ctx context.Context, pool *WorkerPool, pageURL *url.URL, depth int, parent *url.URL) {
	norm := normalizePageURL(pageURL)
	if norm == nil {
		return
	}
	if depth > e.cfg.Crawl.MaxDepth {
		return
	}
	if !e.filter.Allowed(norm.String()) {
		return
	}

	key := norm.String()
	e.mu.Lock()
	if e.scheduled >= e.cfg.Crawl.MaxPages {
		e.mu.Unlock()
		return
	}
	if !e.frontier.Claim(key) {
		e.mu.Unlock()
		return
	}
	e.scheduled++
	e.mu.Unlock()

	req := types.CrawlRequest{URL: norm, Depth: depth, Parent: parent, EnqueuedAt: time.Now()}
	e.wg.Add(1)
	err := pool.Submit(ctx, func(taskCtx context.Context) {
		defer e.wg.Done()
		e.handlePage(taskCtx, pool, req)
	})
	if err != nil {
		e.wg.Done()
		e.recordFailure(key, fmt.Sprintf("enqueue: %v", err))
	}
}

// handlePage is the per-page state machine: politeness, fetch, asset
// resolution, persistence, and (in follow mode) link discovery.
func (e *Engine) handlePage(ctx context.Context, pool *WorkerPool, req types.CrawlRequest) {
	key := req.URL.String()
	logger := e.logger.With("url", key, "depth", req.Depth)

	if err := ctx.Err(); err != nil {
		e.recordFailure(key, fmt.Sprintf("crawl cancelled: %v", err))
		return
	}
	if !e.robots.Allowed(ctx, req.URL) {
		e.recordFailure(key, "blocked by robots.txt")
		logger.Info("page skipped by robots.txt")
		return
	}
	if err := e.limiter.Wait(ctx, req.URL.Hostname()); err != nil {
		e.recordFailure(key, fmt.Sprintf("rate limit wait: %v", err))
		return
	}

	page, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.recordFailure(key, err.Error())
		logger.Warn("page fetch failed", "error", err)
		return
	}
	if page.StatusCode >= 400 {
		e.recordFailure(key, fmt.Sprintf("page returned status %d", page.StatusCode))
		logger.Warn("page fetch failed", "status", page.StatusCode)
		return
	}

	base := page.FinalURL
	if base == nil {
		base = req.URL
	}

	refs := e.resolveAssets(ctx, page, base, logger)

	htmlPath := pagePath(key)
	if err := e.store.WriteFile(htmlPath, page.Body); err != nil {
		e.recordFailure(key, fmt.Sprintf("persist html: %v", err))
		logger.Error("page persist failed", "error", err)
		return
	}

	rec := manifest.PageRecord{
		URL:      key,
		HTMLPath: htmlPath,
		Assets:   refs,
		Status:   manifest.StatusPersisted,
		Rendered: page.Rendered,
	}
	e.mu.Lock()
	e.manifest.Pages[key] = rec
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.SavePage(ctx, rec, page.FetchedAt); err != nil {
			logger.Warn("page archive write failed", "error", err)
		}
	}

	logger.Info("page persisted",
		"html_path", htmlPath,
		"assets", len(refs),
		"rendered", page.Rendered,
		"latency_ms", page.ResponseLatency.Milliseconds(),
	)

	if e.cfg.Crawl.Mode == config.ModeFollow {
		for _, link := range extractLinks(page.Body, base) {
			e.enqueue(ctx, pool, link, req.Depth+1, req.URL)
		}
	}
}

// resolveAssets unions the browser-observed resources with references
// extracted from the final DOM, filters them to scope, and downloads
// them with bounded per-page concurrency. Failed assets are dropped from
// the page record; the downloader keeps them in its failure set.
func (e *Engine) resolveAssets(ctx context.Context, page *types.Page, base *url.URL, logger *slog.Logger) []manifest.AssetRef {
	urls := assets.Extract(page.Body, base)
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	for _, u := range page.Resources {
		resolved, err := url.Parse(u)
		if err != nil || !resolved.IsAbs() {
			continue
		}
		resolved.Fragment = ""
		s := resolved.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		urls = append(urls, s)
	}

	inScope := urls[:0]
	for _, u := range urls {
		if u == page.URL.String() || (page.FinalURL != nil && u == page.FinalURL.String()) {
			continue
		}
		if !e.filter.Allowed(u) {
			continue
		}
		inScope = append(inScope, u)
	}

	refs := make([]manifest.AssetRef, len(inScope))
	ok := make([]bool, len(inScope))
	sem := make(chan struct{}, e.cfg.Download.Concurrency)
	var wg sync.WaitGroup
	for i, u := range inScope {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			ref, err := e.downloader.Fetch(ctx, u)
			if err != nil {
				return
			}
			refs[i] = ref
			ok[i] = true
		}(i, u)
	}
	wg.Wait()

	resolved := make([]manifest.AssetRef, 0, len(inScope))
	for i := range refs {
		if ok[i] {
			resolved = append(resolved, refs[i])
		}
	}
	if len(resolved) < len(inScope) {
		logger.Debug("page assets partially resolved", "requested", len(inScope), "resolved", len(resolved))
	}
	return resolved
}

func (e *Engine) recordFailure(pageURL, reason string) {
	e.frontier.MarkFailed(pageURL, reason)
	e.mu.Lock()
	e.manifest.Pages[pageURL] = manifest.PageRecord{
		URL:    pageURL,
		Status: manifest.StatusFailed,
		Error:  reason,
	}
	e.mu.Unlock()
}

// finalise merges the downloader's dedup table into the manifest and
// stamps the end time.
func (e *Engine) finalise() {
	refs, failures := e.downloader.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	for u, ref := range refs {
		e.manifest.Assets[u] = ref
	}
	for u, reason := range failures {
		e.manifest.Failures[u] = reason
	}
	e.manifest.EndTime = time.Now().UTC()
}

// pagePath derives the stored HTML location from the page URL, mirroring
// the asset path scheme.
func pagePath(pageURL string) string {
	return fmt.Sprintf("pages/%016x.html", xxhash.Sum64String(pageURL))
}

// normalizePageURL canonicalizes a discovered link for frontier identity:
// lowercase host, no fragment, http(s) only.
func normalizePageURL(u *url.URL) *url.URL {
	if u == nil || !u.IsAbs() {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil
	}
	clone := *u
	clone.Scheme = scheme
	clone.Host = strings.ToLower(u.Host)
	clone.Fragment = ""
	if clone.Path == "" {
		clone.Path = "/"
	}
	return &clone
}

// extractLinks pulls candidate page URLs out of anchor tags in the
// rendered DOM.
func extractLinks(body []byte, base *url.URL) []*url.URL {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []*url.URL
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := normalizePageURL(base.ResolveReference(ref))
		if resolved == nil {
			return
		}
		key := resolved.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		links = append(links, resolved)
	})
	return links
}
