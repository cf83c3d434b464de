package assets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/scope"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/storage"
)

// scriptedGetter fails a configured number of times per URL before
// succeeding, and counts every call.
type scriptedGetter struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	bodies   map[string][]byte
}

func newScriptedGetter() *scriptedGetter {
	return &scriptedGetter{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		bodies:   make(map[string][]byte),
	}
}

func (g *scriptedGetter) Get(_ context.Context, rawURL string) ([]byte, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[rawURL]++
	if g.failures[rawURL] >= g.calls[rawURL] {
		return nil, 503, errors.New("service unavailable")
	}
	body, ok := g.bodies[rawURL]
	if !ok {
		body = []byte("payload")
	}
	return body, 200, nil
}

func (g *scriptedGetter) callCount(rawURL string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[rawURL]
}

func newTestDownloader(t *testing.T, getter Getter) *Downloader {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDownloader(getter, store, nil, DownloadOptions{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, logger)
}

func TestDownloaderIdempotence(t *testing.T) {
	getter := newScriptedGetter()
	d := newTestDownloader(t, getter)
	ctx := context.Background()
	const u = "https://cdn.example.com/img/logo.png"

	first, err := d.Fetch(ctx, u)
	require.NoError(t, err)
	second, err := d.Fetch(ctx, u)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, getter.callCount(u))
}

func TestDownloaderConcurrentFetchesCollapse(t *testing.T) {
	getter := newScriptedGetter()
	d := newTestDownloader(t, getter)
	ctx := context.Background()
	const u = "https://cdn.example.com/img/logo.png"

	var wg sync.WaitGroup
	refs := make([]string, 16)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := d.Fetch(ctx, u)
			if err == nil {
				refs[i] = ref.LocalPath
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, getter.callCount(u))
	for _, p := range refs {
		assert.Equal(t, refs[0], p)
	}
}

func TestDownloaderRetriesThenSucceeds(t *testing.T) {
	getter := newScriptedGetter()
	const u = "https://cdn.example.com/flaky.css"
	getter.failures[u] = 2
	getter.bodies[u] = []byte("body { margin: 0 }")
	d := newTestDownloader(t, getter)

	ref, err := d.Fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, 3, getter.callCount(u))
	assert.Equal(t, u, ref.OriginalURL)
	assert.True(t, d.store.Exists(ref.LocalPath))
}

func TestDownloaderExhaustedAttempts(t *testing.T) {
	getter := newScriptedGetter()
	const u = "https://cdn.example.com/gone.png"
	getter.failures[u] = 100
	d := newTestDownloader(t, getter)
	ctx := context.Background()

	_, err := d.Fetch(ctx, u)
	require.Error(t, err)
	assert.Equal(t, 3, getter.callCount(u))

	// The failure is terminal for the run: no further network calls.
	_, err = d.Fetch(ctx, u)
	require.Error(t, err)
	assert.Equal(t, 3, getter.callCount(u))

	refs, failures := d.Snapshot()
	assert.Empty(t, refs)
	assert.Contains(t, failures, u)
}

func TestDownloaderFetchesNestedStylesheetRefs(t *testing.T) {
	getter := newScriptedGetter()
	const cssURL = "https://cdn.example.com/css/site.css"
	const fontURL = "https://cdn.example.com/fonts/main.woff2"
	getter.bodies[cssURL] = []byte(`@font-face { src: url("../fonts/main.woff2"); }`)
	d := newTestDownloader(t, getter)

	_, err := d.Fetch(context.Background(), cssURL)
	require.NoError(t, err)

	assert.Equal(t, 1, getter.callCount(fontURL))
	refs, _ := d.Snapshot()
	assert.Contains(t, refs, fontURL)
}

func TestDownloaderNestedRefsRespectScope(t *testing.T) {
	getter := newScriptedGetter()
	const cssURL = "https://cdn.example.com/css/site.css"
	const external = "https://thirdparty.net/tracker.gif"
	getter.bodies[cssURL] = []byte(`.x { background: url("https://thirdparty.net/tracker.gif"); }`)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	filter := scope.NewFilter([]string{"cdn.example.com"})
	d := NewDownloader(getter, store, filter, DownloadOptions{MaxAttempts: 1, BackoffBase: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = d.Fetch(context.Background(), cssURL)
	require.NoError(t, err)
	assert.Equal(t, 0, getter.callCount(external))
}

func TestDeriveRefDeterminism(t *testing.T) {
	const u = "https://cdn.example.com/img/logo.png?v=2"

	a := DeriveRef(u)
	b := DeriveRef(u)
	assert.Equal(t, a, b)
	assert.Equal(t, ".png", a.Extension)
	assert.True(t, strings.HasPrefix(a.LocalPath, "assets/"))
	assert.True(t, strings.HasSuffix(a.LocalPath, ".png"))

	// Distinct URLs, including query variants, get distinct paths.
	other := DeriveRef("https://cdn.example.com/img/logo.png?v=3")
	assert.NotEqual(t, a.LocalPath, other.LocalPath)
}

func TestDeriveRefExtensions(t *testing.T) {
	cases := []struct {
		url string
		ext string
	}{
		{"https://a.com/style.CSS", ".css"},
		{"https://a.com/font.woff2", ".woff2"},
		{"https://a.com/api/resource", ""},
		{"https://a.com/archive.tar.verylongext", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ext, DeriveRef(tc.url).Extension, "url %s", tc.url)
	}
}
