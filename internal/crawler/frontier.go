package crawler

import (
	"sort"
	"sync"
)

// Frontier tracks which page URLs have been claimed and which failed.
// Visited is marked before any asynchronous work begins, so a URL
// discovered twice concurrently is only ever processed once; failed URLs
// are recorded but never retried within a run. Visited and failed only
// grow: a mirror run never forgets a URL.
type Frontier struct {
	mu      sync.Mutex
	visited map[string]struct{}
	failed  map[string]string
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		visited: make(map[string]struct{}),
		failed:  make(map[string]string),
	}
}

// Claim marks the URL visited and reports whether this caller claimed it.
// The second claim of the same URL returns false.
func (f *Frontier) Claim(pageURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[pageURL]; ok {
		return false
	}
	f.visited[pageURL] = struct{}{}
	return true
}

// MarkFailed records a terminal failure for a claimed URL.
func (f *Frontier) MarkFailed(pageURL, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[pageURL] = reason
}

// VisitedCount returns how many URLs were claimed.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Failed returns the failed URLs in sorted order.
func (f *Frontier) Failed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.failed))
	for u := range f.failed {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
