package types

import (
	"net/url"
	"time"
)

// CrawlRequest models a page submitted to the crawl frontier.
type CrawlRequest struct {
	URL        *url.URL
	Depth      int
	Parent     *url.URL
	EnqueuedAt time.Time
}

// Page represents a captured page: the post-render DOM plus the resource
// URLs the browser was observed requesting while rendering it.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration

	// Resources holds absolute URLs observed during rendering (network
	// requests and computed background images). Empty for plain HTTP
	// fetches; the DOM extractor supplies candidates in that case.
	Resources []string
}
