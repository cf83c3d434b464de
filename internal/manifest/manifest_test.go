package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New()
	m.Pages["https://a.com/"] = PageRecord{
		URL:      "https://a.com/",
		HTMLPath: "pages/0011223344556677.html",
		Status:   StatusPersisted,
		Rendered: true,
		Assets: []AssetRef{
			{
				OriginalURL: "https://cdn.a.com/logo.png?v=2",
				LocalPath:   "assets/8899aabbccddeeff.png",
				ContentHash: "8899aabbccddeeff",
				Extension:   ".png",
			},
		},
	}
	m.Pages["https://a.com/broken"] = PageRecord{
		URL:    "https://a.com/broken",
		Status: StatusFailed,
		Error:  "render timeout",
	}
	m.Assets["https://cdn.a.com/logo.png?v=2"] = m.Pages["https://a.com/"].Assets[0]
	m.Failures["https://cdn.a.com/gone.woff2"] = "attempt 3 (status 404): unexpected status 404"
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := sampleManifest()
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, m.Pages, loaded.Pages)
	assert.Equal(t, m.Assets, loaded.Assets)
	assert.Equal(t, m.Failures, loaded.Failures)
	assert.True(t, m.StartTime.Equal(loaded.StartTime))
}

func TestManifestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "manifest.json")

	m := sampleManifest()
	require.NoError(t, m.Save(path))
	require.NoError(t, m.Save(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manifest.json", entries[0].Name())
}

func TestManifestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestManifestLoadInitialisesEmptyMaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"start_time":"2025-01-01T00:00:00Z","end_time":"2025-01-01T00:05:00Z"}`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, m.Pages)
	assert.NotNil(t, m.Assets)
	assert.NotNil(t, m.Failures)
}

func TestManifestSummarise(t *testing.T) {
	m := sampleManifest()
	s := m.Summarise()
	assert.Equal(t, 1, s.PagesPersisted)
	assert.Equal(t, 1, s.PagesFailed)
	assert.Equal(t, 1, s.Assets)
	assert.Equal(t, []string{"https://cdn.a.com/gone.woff2"}, s.Failures)
}
