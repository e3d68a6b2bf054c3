// Package cache implements component C4: a node-status cache warmed from
// storage at startup and kept current by a rate-limited, coalesced change
// stream, so HTTP clients polling /target/{id} are served from memory for
// cached nodes (a cache miss falls back to the store).
package cache

import (
	"context"
	"sync"

	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/store"
)

// Cache is a concurrency-safe, in-memory mirror of every active/passive
// node in the store.
type Cache struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// Warm populates a Cache from store.AllActiveAndPassive, the snapshot spec
// §4.4 says the cache must seed from at startup.
func Warm(ctx context.Context, st store.Store) (*Cache, error) {
	nodes, err := st.AllActiveAndPassive(ctx)
	if err != nil {
		return nil, err
	}
	c := &Cache{nodes: make(map[string]*node.Node, len(nodes))}
	for _, n := range nodes {
		c.nodes[n.ID] = n
	}
	return c, nil
}

// Get returns the cached node for id, if present.
func (c *Cache) Get(id string) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Put inserts or overwrites the cached entry for n.
func (c *Cache) Put(n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.ID] = n
}

// Remove drops id from the cache, e.g. once a node has left the
// active-or-passive set (finished and not otherwise referenced).
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

// Len reports how many nodes are currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Snapshot returns a point-in-time copy of every cached node.
func (c *Cache) Snapshot() []*node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}
