// Package permcache caches the provider's permission-error (code 99991672)
// responses so the same grant-URL message is not re-synthesized to the
// agent on every retry within the cooldown window (§7). Scoped per
// Coordinator instance, not a package-level singleton — the resolution
// chosen for the open question on cache scope (§9).
package permcache

import (
	"sync"
	"time"
)

const cooldown = 5 * time.Minute

// Entry is one cached permission-denial observation.
type Entry struct {
	GrantURL  string
	CachedAt  time.Time
}

// Cache is keyed by appId (or "default" when the provider has none, §9).
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry), now: time.Now}
}

// key normalizes appId per §9: appId ?? "default".
func key(appID string) string {
	if appID == "" {
		return "default"
	}
	return appID
}

// ShouldSynthesize reports whether a new permission-error system message
// should be synthesized for the agent: true the first time appId is seen,
// or once the cooldown has elapsed.
func (c *Cache) ShouldSynthesize(appID, grantURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(appID)
	entry, ok := c.entries[k]
	now := c.now()
	if ok && now.Sub(entry.CachedAt) < cooldown {
		return false
	}
	c.entries[k] = Entry{GrantURL: grantURL, CachedAt: now}
	return true
}
