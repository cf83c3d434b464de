package fetcher

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/pkg/types"
)

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	return f
}

func pageRequest(t *testing.T, raw string) types.CrawlRequest {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return types.CrawlRequest{URL: u, EnqueuedAt: time.Now()}
}

func TestFetchSetsHeaders(t *testing.T) {
	var gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Mirror-Run")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{
		UserAgent: "mirror-test/1.0",
		Headers:   map[string]string{"X-Mirror-Run": "yes"},
	})
	page, err := f.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "mirror-test/1.0", gotUA)
	assert.Equal(t, "yes", gotCustom)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.False(t, page.Rendered)
	assert.Equal(t, "<html></html>", string(page.Body))
}

func TestFetchDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>compressed</html>"))
		gz.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	page, err := f.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "<html>compressed</html>", string(page.Body))
}

func TestFetchDecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		br := brotli.NewWriter(w)
		br.Write([]byte("<html>brotli</html>"))
		br.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	page, err := f.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "<html>brotli</html>", string(page.Body))
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>moved</html>"))
	})

	f := newTestFetcher(t, Options{})
	page, err := f.Fetch(context.Background(), pageRequest(t, srv.URL+"/old"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", page.FinalURL.String())
	assert.Equal(t, srv.URL+"/old", page.URL.String())
}

func TestAssetLimitIsSeparateFromPageLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 1024, MaxAssetBytes: 4096})

	// The 2 KiB body exceeds the page cap but fits the asset cap.
	_, err := f.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.Error(t, err)

	body, _, err := f.Get(context.Background(), srv.URL+"/big.bin")
	require.NoError(t, err)
	assert.Len(t, body, 2048)
}

func TestGetEnforcesAssetLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 8192, MaxAssetBytes: 512})
	_, _, err := f.Get(context.Background(), srv.URL+"/big.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestGetRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, status, err := f.Get(context.Background(), srv.URL+"/missing.png")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetReturnsAssetBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	body, status, err := f.Get(context.Background(), srv.URL+"/logo.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, body)
}

func TestNewHTTPFetcherRejectsBadProxy(t *testing.T) {
	_, err := NewHTTPFetcher(Options{ProxyURL: "://bad"})
	assert.Error(t, err)
}

func TestCompositeFallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>plain</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	c := NewComposite(f, failingRenderer{}, true, nil)
	page, err := c.Fetch(context.Background(), pageRequest(t, srv.URL))
	require.NoError(t, err)
	assert.False(t, page.Rendered)
	assert.Equal(t, "<html>plain</html>", string(page.Body))

	strict := NewComposite(f, failingRenderer{}, false, nil)
	_, err = strict.Fetch(context.Background(), pageRequest(t, srv.URL))
	assert.Error(t, err)
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, types.CrawlRequest) (*types.Page, error) {
	return nil, assert.AnError
}
