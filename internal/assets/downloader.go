package assets

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kennygrant/sanitize"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/manifest"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/scope"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/storage"
)

// Getter issues a single GET for a resource URL.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, int, error)
}

// DownloadOptions tunes retry and politeness behaviour.
type DownloadOptions struct {
	// MaxAttempts bounds fetch attempts per URL (default 3).
	MaxAttempts int
	// BackoffBase scales the randomized delay between attempts: after
	// attempt n the downloader sleeps for a duration drawn uniformly
	// from [n*base, 2*n*base).
	BackoffBase time.Duration
	// PoliteDelayMin/Max bound an optional randomized pause before each
	// network fetch. Zero max disables the pause. Dedup hits never pause.
	PoliteDelayMin time.Duration
	PoliteDelayMax time.Duration
}

// Downloader fetches asset URLs at most once each, retries transient
// failures, and persists bytes under deterministic URL-derived paths in
// the crawl store. Its internal table is the manifest's dedup authority:
// lookup-then-insert is atomic per URL, so concurrent requests for the
// same asset collapse into one network fetch.
type Downloader struct {
	getter Getter
	store  *storage.FileStore
	filter *scope.Filter
	logger *slog.Logger
	opts   DownloadOptions

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	done chan struct{}
	ref  manifest.AssetRef
	err  error
}

// NewDownloader constructs a downloader writing into store.
func NewDownloader(getter Getter, store *storage.FileStore, filter *scope.Filter, opts DownloadOptions, logger *slog.Logger) *Downloader {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		getter:  getter,
		store:   store,
		filter:  filter,
		logger:  logger,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// DeriveRef maps a URL to its asset reference. It is a pure function of
// the URL: the same URL yields the same local path on every run, which is
// what makes re-crawls idempotent and cross-page dedup possible.
func DeriveRef(rawURL string) manifest.AssetRef {
	hash := fmt.Sprintf("%016x", xxhash.Sum64String(rawURL))
	ext := extensionOf(rawURL)
	return manifest.AssetRef{
		OriginalURL: rawURL,
		LocalPath:   path.Join("assets", hash+ext),
		ContentHash: hash,
		Extension:   ext,
	}
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 8 {
		return ""
	}
	clean := strings.ToLower(sanitize.BaseName(strings.TrimPrefix(ext, ".")))
	if clean == "" {
		return ""
	}
	return "." + clean
}

// Fetch returns the asset reference for rawURL, downloading it if this is
// the first request in the run. A URL whose attempts were already
// exhausted returns its recorded error without retrying.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (manifest.AssetRef, error) {
	e, owner := d.reserve(rawURL)
	if !owner {
		select {
		case <-e.done:
			return e.ref, e.err
		case <-ctx.Done():
			return manifest.AssetRef{}, ctx.Err()
		}
	}
	defer close(e.done)

	ref, err := d.download(ctx, rawURL)
	if err != nil {
		e.err = err
		d.logger.Warn("asset download failed", "url", rawURL, "error", err)
		return manifest.AssetRef{}, err
	}
	e.ref = ref
	return ref, nil
}

// reserve performs the atomic lookup-then-insert on the asset table.
func (d *Downloader) reserve(rawURL string) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[rawURL]; ok {
		return e, false
	}
	e := &entry{done: make(chan struct{})}
	d.entries[rawURL] = e
	return e, true
}

func (d *Downloader) download(ctx context.Context, rawURL string) (manifest.AssetRef, error) {
	if err := d.politePause(ctx); err != nil {
		return manifest.AssetRef{}, err
	}

	var body []byte
	var lastErr error
	fetched := false
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		var status int
		var err error
		body, status, err = d.getter.Get(ctx, rawURL)
		if err == nil {
			fetched = true
			break
		}
		lastErr = fmt.Errorf("attempt %d (status %d): %w", attempt, status, err)
		if ctx.Err() != nil {
			return manifest.AssetRef{}, lastErr
		}
		if attempt < d.opts.MaxAttempts {
			if err := sleepCtx(ctx, d.backoff(attempt)); err != nil {
				return manifest.AssetRef{}, lastErr
			}
		}
	}
	if !fetched {
		return manifest.AssetRef{}, lastErr
	}

	ref := DeriveRef(rawURL)
	if err := d.store.WriteFile(ref.LocalPath, body); err != nil {
		return manifest.AssetRef{}, err
	}
	d.logger.Debug("asset stored", "url", rawURL, "path", ref.LocalPath, "bytes", len(body))

	if ref.Extension == ".css" {
		d.fetchNested(ctx, rawURL, body)
	}
	return ref, nil
}

// fetchNested pulls fonts and background images referenced from a
// downloaded stylesheet. Nested failures are recorded like any other
// asset failure and never propagate to the stylesheet itself; the dedup
// table terminates @import cycles.
func (d *Downloader) fetchNested(ctx context.Context, cssURL string, body []byte) {
	base, err := url.Parse(cssURL)
	if err != nil {
		return
	}
	for _, nested := range ExtractCSS(body, base) {
		if d.filter != nil && !d.filter.Allowed(nested) {
			continue
		}
		if _, err := d.Fetch(ctx, nested); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// backoff widens the randomized delay range with each attempt to avoid
// synchronized retry storms.
func (d *Downloader) backoff(attempt int) time.Duration {
	base := d.opts.BackoffBase * time.Duration(attempt)
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (d *Downloader) politePause(ctx context.Context) error {
	if d.opts.PoliteDelayMax <= 0 {
		return nil
	}
	delay := d.opts.PoliteDelayMin
	if span := d.opts.PoliteDelayMax - d.opts.PoliteDelayMin; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	return sleepCtx(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot copies the completed asset table and the failure set for the
// manifest. In-flight entries are skipped; callers snapshot only after
// the crawl has quiesced or during a cancellation drain.
func (d *Downloader) Snapshot() (map[string]manifest.AssetRef, map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make(map[string]manifest.AssetRef, len(d.entries))
	failures := make(map[string]string)
	for u, e := range d.entries {
		select {
		case <-e.done:
		default:
			continue
		}
		if e.err != nil {
			failures[u] = e.err.Error()
			continue
		}
		refs[u] = e.ref
	}
	return refs, failures
}
