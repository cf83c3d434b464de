// Package scope decides which URLs belong to the mirror: the allow-list
// of source and CDN hosts gates both link-following and asset downloads.
package scope

import (
	"net/url"
	"strings"
)

// Filter is a pure predicate over URL hosts. The zero value allows nothing.
type Filter struct {
	hosts []string
}

// NewFilter builds a filter from an allow-list of hostnames. Entries are
// lowercased; empty entries are dropped.
func NewFilter(allowed []string) *Filter {
	hosts := make([]string, 0, len(allowed))
	for _, h := range allowed {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.TrimSuffix(h, ".")
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Filter{hosts: hosts}
}

// Allowed reports whether rawURL points at an allow-listed host. It never
// panics: unparseable, scheme-relative, and non-http(s) URLs are rejected.
// A host matches when it equals an allow-list entry or is a subdomain of
// one.
func (f *Filter) Allowed(rawURL string) bool {
	if f == nil || len(f.hosts) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	return f.AllowedHost(host)
}

// AllowedHost applies the host match to an already-extracted hostname.
func (f *Filter) AllowedHost(host string) bool {
	if f == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range f.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Hosts returns the normalised allow-list, mainly for logging.
func (f *Filter) Hosts() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.hosts))
	copy(out, f.hosts)
	return out
}
