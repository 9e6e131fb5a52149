package pagecache

import (
	"context"
	"strings"
	"sync"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

// MemoryCache is an in-process Cache for tests and local runs.
// TTL expiry is not simulated; DeleteJob is the only eviction.
type MemoryCache struct {
	mu    sync.RWMutex
	pages map[string][]byte
}

// NewMemoryCache creates an empty in-memory page cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{pages: make(map[string][]byte)}
}

// Get returns the cached page, or ErrMiss.
func (c *MemoryCache) Get(_ context.Context, jobID string, diff int, kind domain.ScoreKind) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	page, ok := c.pages[Key(jobID, diff, kind)]
	if !ok {
		return nil, ErrMiss
	}
	cp := make([]byte, len(page))
	copy(cp, page)
	return cp, nil
}

// Put stores the page under the key.
func (c *MemoryCache) Put(_ context.Context, jobID string, diff int, kind domain.ScoreKind, page []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]byte, len(page))
	copy(cp, page)
	c.pages[Key(jobID, diff, kind)] = cp
	return nil
}

// DeleteJob removes every cached page belonging to the job.
func (c *MemoryCache) DeleteJob(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := "scorehub:page:" + jobID + ":"
	for key := range c.pages {
		if strings.HasPrefix(key, prefix) {
			delete(c.pages, key)
		}
	}
	return nil
}
