package store

import (
	"sync"

	"reelforge/internal/session"
)

// cache is the fast read tier in front of SQLite. Entries are cloned on the
// way in and out so callers never share mutable state with the cache.
type cache struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func newCache() *cache {
	return &cache{sessions: make(map[string]*session.Session)}
}

func (c *cache) get(id string) *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id].Clone()
}

func (c *cache) put(sess *session.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sess.ID] = sess.Clone()
}

func (c *cache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}
