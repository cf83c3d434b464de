package crawler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrontierClaimOnce(t *testing.T) {
	f := NewFrontier()

	assert.True(t, f.Claim("https://a.com/"))
	assert.False(t, f.Claim("https://a.com/"))
	assert.Equal(t, 1, f.VisitedCount())
}

func TestFrontierConcurrentClaims(t *testing.T) {
	f := NewFrontier()
	const workers = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Claim("https://a.com/contested") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, f.VisitedCount())
}

func TestFrontierFailedSorted(t *testing.T) {
	f := NewFrontier()
	f.MarkFailed("https://a.com/z", "timeout")
	f.MarkFailed("https://a.com/a", "dns")

	assert.Equal(t, []string{"https://a.com/a", "https://a.com/z"}, f.Failed())
}
