// Package builder runs the assembly phase: it reads the manifest a crawl
// produced, copies every downloaded asset into the output tree, and
// rewrites each page's HTML so asset references point at local files
// relative to the page's own location. The output is a relocatable
// static copy; it never touches the network.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/manifest"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/storage"
)

// Builder assembles the static site from a manifest and the crawl store.
type Builder struct {
	man    *manifest.Manifest
	src    *storage.FileStore
	dst    *storage.FileStore
	logger *slog.Logger
}

// Summary reports what the build produced and what it had to skip.
type Summary struct {
	PagesWritten  int
	PagesSkipped  int
	AssetsCopied  int
	AssetsMissing int
}

// New constructs a builder reading from src (the crawl workdir) and
// writing into dst (the output root).
func New(man *manifest.Manifest, src, dst *storage.FileStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{man: man, src: src, dst: dst, logger: logger}
}

// Build copies assets and writes rewritten pages. Per-item failures are
// logged and skipped; only a cancelled context stops the build.
func (b *Builder) Build(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := b.copyAssets(ctx, &sum); err != nil {
		return sum, err
	}

	pageURLs := make([]string, 0, len(b.man.Pages))
	for u := range b.man.Pages {
		pageURLs = append(pageURLs, u)
	}
	sort.Strings(pageURLs)

	for _, pageURL := range pageURLs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rec := b.man.Pages[pageURL]
		if rec.Status != manifest.StatusPersisted || rec.HTMLPath == "" {
			sum.PagesSkipped++
			continue
		}
		if err := b.buildPage(rec); err != nil {
			sum.PagesSkipped++
			b.logger.Warn("page build failed", "url", pageURL, "error", err)
			continue
		}
		sum.PagesWritten++
	}

	b.logger.Info("build finished",
		"pages_written", sum.PagesWritten,
		"pages_skipped", sum.PagesSkipped,
		"assets_copied", sum.AssetsCopied,
		"assets_missing", sum.AssetsMissing,
		"output", b.dst.Root(),
	)
	return sum, nil
}

// copyAssets moves every downloaded asset into the output tree at its
// manifest path. Stylesheets are rewritten on the way through so their
// nested references resolve against the flat assets directory.
func (b *Builder) copyAssets(ctx context.Context, sum *Summary) error {
	urls := make([]string, 0, len(b.man.Assets))
	for u := range b.man.Assets {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := b.man.Assets[u]
		if ref.LocalPath == "" {
			continue
		}
		var err error
		if ref.Extension == ".css" {
			err = b.copyStylesheet(ref)
		} else {
			err = b.src.Copy(ref.LocalPath, b.dst, ref.LocalPath)
		}
		if err != nil {
			sum.AssetsMissing++
			b.logger.Warn("asset copy failed", "url", u, "path", ref.LocalPath, "error", err)
			continue
		}
		sum.AssetsCopied++
	}
	return nil
}

func (b *Builder) copyStylesheet(ref manifest.AssetRef) error {
	data, err := b.src.ReadFile(ref.LocalPath)
	if err != nil {
		return err
	}
	rewritten := b.rewrite(string(data), b.man.Assets, func(nested manifest.AssetRef) string {
		// Stylesheets live beside the assets they reference, so the
		// basename is the correct relative path.
		return path.Base(nested.LocalPath)
	})
	return b.dst.WriteFile(ref.LocalPath, []byte(rewritten))
}

func (b *Builder) buildPage(rec manifest.PageRecord) error {
	raw, err := b.src.ReadFile(rec.HTMLPath)
	if err != nil {
		return fmt.Errorf("read crawled html: %w", err)
	}

	outPath, err := PagePath(rec.URL)
	if err != nil {
		return err
	}
	prefix := strings.Repeat("../", pageDepth(outPath))

	refs := make(map[string]manifest.AssetRef, len(rec.Assets))
	for _, ref := range rec.Assets {
		refs[ref.OriginalURL] = ref
	}
	html := b.rewrite(string(raw), refs, func(ref manifest.AssetRef) string {
		return prefix + ref.LocalPath
	})

	if err := b.dst.WriteFile(outPath, []byte(html)); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	b.logger.Debug("page written", "url", rec.URL, "path", outPath, "assets", len(rec.Assets))
	return nil
}

// rewrite replaces every literal occurrence of each asset's original URL.
// It is a plain string substitution, not a structural parse: asset URLs
// are opaque tokens, and URLs that share a prefix are handled by matching
// the longest candidate first. Assets absent from refs (failed downloads)
// keep their original URLs.
func (b *Builder) rewrite(text string, refs map[string]manifest.AssetRef, replacement func(manifest.AssetRef) string) string {
	if len(refs) == 0 {
		return text
	}
	originals := make([]string, 0, len(refs))
	for u := range refs {
		originals = append(originals, u)
	}
	sort.Slice(originals, func(i, j int) bool {
		if len(originals[i]) != len(originals[j]) {
			return len(originals[i]) > len(originals[j])
		}
		return originals[i] < originals[j]
	})

	pairs := make([]string, 0, len(originals)*2)
	for _, u := range originals {
		pairs = append(pairs, u, replacement(refs[u]))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// PagePath maps a page URL to its location in the output tree. The
// domain root and any path ending in "/" become index.html in that
// directory; other paths are used verbatim, with ".html" appended when
// the last segment has no extension. A query string folds a hash into
// the filename so pages distinct only by query get distinct files.
func PagePath(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	var suffix string
	if u.RawQuery != "" {
		suffix = fmt.Sprintf("-%016x", xxhash.Sum64String(u.RawQuery))
	}
	p := u.Path
	if p == "" || p == "/" {
		return "index" + suffix + ".html", nil
	}
	if strings.HasSuffix(p, "/") {
		return strings.TrimPrefix(p, "/") + "index" + suffix + ".html", nil
	}
	p = strings.TrimPrefix(p, "/")
	if ext := path.Ext(p); ext != "" {
		return strings.TrimSuffix(p, ext) + suffix + ext, nil
	}
	return p + suffix + ".html", nil
}

// pageDepth counts the directory segments above a page's output file,
// which is how many "../" hops reach the output root.
func pageDepth(outPath string) int {
	dir := path.Dir(outPath)
	if dir == "." || dir == "/" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}
