// Package manifest defines the durable record that links the crawl phase
// to the build phase: which pages were captured, which assets they use,
// and where everything landed on disk. The manifest file is the only
// interface between the two phases.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PageStatus is the terminal state of a page within a crawl run.
type PageStatus string

const (
	StatusPersisted PageStatus = "persisted"
	StatusFailed    PageStatus = "failed"
)

// AssetRef binds a remote resource's original URL to its deterministic
// local storage path. ContentHash is derived from the URL, not the bytes,
// so the same logical asset maps to the same path across runs and pages.
type AssetRef struct {
	OriginalURL string `json:"original_url"`
	LocalPath   string `json:"local_path"`
	ContentHash string `json:"content_hash"`
	Extension   string `json:"extension,omitempty"`
}

// PageRecord captures one page's crawl outcome. Assets keeps the order
// in which references were resolved on the page. Rendered is false when
// the capture fell back to a plain HTTP fetch (degraded mode).
type PageRecord struct {
	URL      string     `json:"url"`
	HTMLPath string     `json:"html_path,omitempty"`
	Assets   []AssetRef `json:"assets,omitempty"`
	Status   PageStatus `json:"status"`
	Rendered bool       `json:"rendered,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Manifest is the single source of truth handed from crawl to build.
// Assets is the global dedup authority: one entry per original URL
// regardless of how many pages reference it. Failures records URLs whose
// download exhausted all attempts, keyed by URL with the last error text.
type Manifest struct {
	StartTime time.Time             `json:"start_time"`
	EndTime   time.Time             `json:"end_time"`
	Pages     map[string]PageRecord `json:"pages"`
	Assets    map[string]AssetRef   `json:"assets"`
	Failures  map[string]string     `json:"failures,omitempty"`
}

// New returns an empty manifest stamped with the current start time.
func New() *Manifest {
	return &Manifest{
		StartTime: time.Now().UTC(),
		Pages:     make(map[string]PageRecord),
		Assets:    make(map[string]AssetRef),
		Failures:  make(map[string]string),
	}
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Pages == nil {
		m.Pages = make(map[string]PageRecord)
	}
	if m.Assets == nil {
		m.Assets = make(map[string]AssetRef)
	}
	if m.Failures == nil {
		m.Failures = make(map[string]string)
	}
	return &m, nil
}

// Save writes the manifest atomically: the JSON is written to a temp file
// in the target directory and renamed into place, so a crash or
// cancellation never leaves a corrupt manifest behind. The output is
// indented (and map keys sorted by encoding/json) to stay human-diffable.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Summary aggregates run totals for the end-of-phase report.
type Summary struct {
	PagesPersisted int
	PagesFailed    int
	Assets         int
	Failures       []string
}

// Summarise computes run totals across pages, assets, and failures.
func (m *Manifest) Summarise() Summary {
	s := Summary{Assets: len(m.Assets)}
	for _, page := range m.Pages {
		if page.Status == StatusFailed {
			s.PagesFailed++
		} else {
			s.PagesPersisted++
		}
	}
	for u := range m.Failures {
		s.Failures = append(s.Failures, u)
	}
	return s
}
