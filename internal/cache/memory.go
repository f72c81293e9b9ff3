package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/terra-clan/research-engine/internal/models"
)

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu       sync.RWMutex
	sessions map[string]map[models.TrialKey]models.TrialResult
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]map[models.TrialKey]models.TrialResult)}
}

func (c *MemoryCache) Put(_ context.Context, sessionID string, results ...models.TrialResult) error {
	if len(results) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.sessions[sessionID]
	if entries == nil {
		entries = make(map[models.TrialKey]models.TrialResult)
		c.sessions[sessionID] = entries
	}
	for _, r := range results {
		entries[r.Key()] = r.Clone()
	}
	return nil
}

func (c *MemoryCache) Load(_ context.Context, sessionID string) ([]models.TrialResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.TrialResult, 0, len(c.sessions[sessionID]))
	for _, r := range c.sessions[sessionID] {
		out = append(out, r.Clone())
	}
	SortResults(out)
	return out, nil
}

func (c *MemoryCache) Remove(_ context.Context, sessionID string, keys ...models.TrialKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.sessions[sessionID]
	for _, k := range keys {
		delete(entries, k)
	}
	if len(entries) == 0 {
		delete(c.sessions, sessionID)
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

func (c *MemoryCache) Sessions(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
