// Package discovery tracks hubs seen announcing on the mesh. The catalog is
// a plain in-memory table persisted as JSON; the backend owns all access and
// provides the locking.
package discovery

import (
	"sort"
	"time"
)

// Hub is one discovered hub. Hash is the destination hash in lowercase hex,
// LastSeen is Unix seconds of the latest announce.
type Hub struct {
	Hash     string `json:"hash"`
	Name     string `json:"name"`
	Aspect   string `json:"aspect"`
	LastSeen int64  `json:"last_seen"`
}

// Catalog is the set of known hubs keyed by destination hash. It is not
// safe for concurrent use; the owner serializes access.
type Catalog struct {
	hubs map[string]Hub
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{hubs: make(map[string]Hub)}
}

// Upsert records hub, replacing any previous entry with the same hash.
func (c *Catalog) Upsert(hub Hub) {
	c.hubs[hub.Hash] = hub
}

// Get returns the entry for hash.
func (c *Catalog) Get(hash string) (Hub, bool) {
	hub, ok := c.hubs[hash]
	return hub, ok
}

// Len returns the number of known hubs.
func (c *Catalog) Len() int {
	return len(c.hubs)
}

// Snapshot returns all hubs, most recently seen first. Ties break on hash
// so the order is stable.
func (c *Catalog) Snapshot() []Hub {
	out := make([]Hub, 0, len(c.hubs))
	for _, hub := range c.hubs {
		out = append(out, hub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// CleanupStale drops hubs not seen within maxAge of now and reports how
// many were removed.
func (c *Catalog) CleanupStale(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge).Unix()
	removed := 0
	for hash, hub := range c.hubs {
		if hub.LastSeen < cutoff {
			delete(c.hubs, hash)
			removed++
		}
	}
	return removed
}

// Clone returns an independent copy, so the owner can persist a snapshot
// outside its lock.
func (c *Catalog) Clone() *Catalog {
	out := NewCatalog()
	for hash, hub := range c.hubs {
		out.hubs[hash] = hub
	}
	return out
}
