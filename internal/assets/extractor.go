// Package assets extracts resource references from rendered pages and
// downloads them into the content-addressed crawl store.
package assets

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// preloadAssetKinds are the `as` values of link[rel=preload] that point
// at downloadable resources rather than documents.
var preloadAssetKinds = map[string]struct{}{
	"style":  {},
	"script": {},
	"font":   {},
	"image":  {},
}

// Extract returns the set of candidate resource URLs referenced by the
// rendered document, resolved against base. Extraction is best-effort:
// malformed elements or unresolvable references are skipped, never fatal.
// Duplicates across extraction sources collapse into one entry; order is
// not significant.
func Extract(body []byte, base *url.URL) []string {
	if len(body) == 0 || base == nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	set := newURLSet(base)

	doc.Find("img, source, video, audio, embed, track").Each(func(_ int, s *goquery.Selection) {
		set.addAttr(s, "src")
		set.addAttr(s, "data-src")
		set.addSrcset(s)
	})
	doc.Find("[poster]").Each(func(_ int, s *goquery.Selection) {
		set.addAttr(s, "poster")
	})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		set.addAttr(s, "src")
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(strings.TrimSpace(s.AttrOr("rel", "")))
		switch {
		case strings.Contains(rel, "stylesheet"),
			strings.Contains(rel, "icon"),
			rel == "manifest":
			set.addAttr(s, "href")
		case rel == "preload", rel == "prefetch":
			as := strings.ToLower(strings.TrimSpace(s.AttrOr("as", "")))
			if _, ok := preloadAssetKinds[as]; ok {
				set.addAttr(s, "href")
			}
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		set.addCSSText(s.AttrOr("style", ""))
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		set.addCSSText(s.Text())
	})

	return set.values()
}

// ExtractCSS returns resource URLs referenced from a stylesheet body,
// resolved against the stylesheet's own URL (fonts and background images
// referenced via url(...)).
func ExtractCSS(css []byte, base *url.URL) []string {
	if len(css) == 0 || base == nil {
		return nil
	}
	set := newURLSet(base)
	set.addCSSText(string(css))
	return set.values()
}

// urlSet accumulates resolved, deduplicated resource URLs.
type urlSet struct {
	base *url.URL
	seen map[string]struct{}
	out  []string
}

func newURLSet(base *url.URL) *urlSet {
	return &urlSet{base: base, seen: make(map[string]struct{})}
}

func (s *urlSet) add(ref string) {
	ref = strings.TrimSpace(ref)
	if skipReference(ref) {
		return
	}
	u, err := s.base.Parse(ref)
	if err != nil {
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return
	}
	u.Fragment = ""
	key := u.String()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.out = append(s.out, key)
}

func (s *urlSet) addAttr(sel *goquery.Selection, attr string) {
	if v, ok := sel.Attr(attr); ok {
		s.add(v)
	}
}

// addSrcset handles responsive image descriptor lists: comma-separated
// "url [descriptor]" entries.
func (s *urlSet) addSrcset(sel *goquery.Selection) {
	raw, ok := sel.Attr("srcset")
	if !ok {
		raw, ok = sel.Attr("data-srcset")
		if !ok {
			return
		}
	}
	for _, candidate := range strings.Split(raw, ",") {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		s.add(fields[0])
	}
}

func (s *urlSet) addCSSText(css string) {
	for _, match := range cssURLPattern.FindAllStringSubmatch(css, -1) {
		if len(match) > 1 {
			s.add(match[1])
		}
	}
}

func (s *urlSet) values() []string {
	return s.out
}

func skipReference(ref string) bool {
	if ref == "" {
		return true
	}
	lower := strings.ToLower(ref)
	for _, prefix := range []string{"data:", "javascript:", "mailto:", "tel:", "about:", "blob:", "#"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
