package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/pkg/types"
)

// Fetcher retrieves a page for the crawl coordinator.
type Fetcher interface {
	Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error)
}

// Options controls HTTP fetching behaviour. MaxBodyBytes caps page
// bodies; MaxAssetBytes caps asset GET bodies and falls back to
// MaxBodyBytes when unset (assets like video or fonts are often larger
// than any page).
type Options struct {
	UserAgent     string
	Headers       map[string]string
	Timeout       time.Duration
	MaxBodyBytes  int64
	MaxAssetBytes int64
	ProxyURL      string
}

// HTTPFetcher implements plain HTTP retrieval via the Go http.Client.
// It serves as the asset download transport and as the fallback page
// fetcher when rendering is disabled or fails.
type HTTPFetcher struct {
	client        *http.Client
	userAgent     string
	extraHeaders  map[string]string
	maxBodyBytes  int64
	maxAssetBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.MaxAssetBytes <= 0 {
		opts.MaxAssetBytes = opts.MaxBodyBytes
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:        client,
		userAgent:     opts.UserAgent,
		extraHeaders:  headers,
		maxBodyBytes:  opts.MaxBodyBytes,
		maxAssetBytes: opts.MaxAssetBytes,
	}, nil
}

// Fetch downloads a single page over HTTP without rendering.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	start := time.Now()
	body, status, header, finalURL, err := f.do(ctx, req.URL.String(), "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", f.maxBodyBytes)
	if err != nil {
		return nil, err
	}

	final := req.URL
	if finalURL != nil {
		final = finalURL
	}

	return &types.Page{
		URL:             req.URL,
		FinalURL:        final,
		Body:            body,
		ContentType:     header.Get("Content-Type"),
		StatusCode:      status,
		FetchedAt:       time.Now(),
		Rendered:        false,
		ResponseLatency: time.Since(start),
	}, nil
}

// Get issues a raw GET for an asset URL and returns the decoded body and
// status code. Non-2xx statuses are returned as errors so the caller's
// retry policy can treat them as transient failures.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, int, error) {
	body, status, _, _, err := f.do(ctx, rawURL, "*/*", f.maxAssetBytes)
	if err != nil {
		return nil, status, err
	}
	if status < 200 || status > 299 {
		return nil, status, fmt.Errorf("unexpected status %d", status)
	}
	return body, status, nil
}

func (f *HTTPFetcher) do(ctx context.Context, rawURL, accept string, limit int64) ([]byte, int, http.Header, *url.URL, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp, limit)
	if err != nil {
		return nil, resp.StatusCode, nil, nil, err
	}

	var finalURL *url.URL
	if resp.Request != nil {
		finalURL = resp.Request.URL
	}
	return body, resp.StatusCode, resp.Header, finalURL, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", limit)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
