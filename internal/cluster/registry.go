package cluster

import (
	"errors"
	"sync/atomic"

	"github.com/Kineviz/pdf-km-server/internal/config"
)

// ErrNoServers is returned when a registry is constructed with an empty
// server list.
var ErrNoServers = errors.New("cluster: no servers configured")

// Registry holds the fixed set of configured inference servers. The entry
// slice never changes after construction, so reads need no lock; each entry
// guards its own mutable state. Round-robin selection uses a shared atomic
// cursor evaluated against the active set at selection time.
type Registry struct {
	entries []*Entry
	cursor  atomic.Uint64
}

// NewRegistry builds a registry from static configuration. Order is
// preserved: ListActive and round-robin selection walk servers in
// configuration order.
func NewRegistry(servers []config.ServerConfig, maxErrors int) (*Registry, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	entries := make([]*Entry, 0, len(servers))
	for _, sc := range servers {
		entries = append(entries, newEntry(sc, maxErrors))
	}
	return &Registry{entries: entries}, nil
}

// Entries returns all configured servers in configuration order.
func (r *Registry) Entries() []*Entry {
	return r.entries
}

// ListActive returns the currently active servers in configuration order.
func (r *Registry) ListActive() []*Entry {
	active := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Active() {
			active = append(active, e)
		}
	}
	return active
}

// ActiveCount returns the number of currently active servers.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, e := range r.entries {
		if e.Active() {
			n++
		}
	}
	return n
}

// NextActive picks the next active server by round robin, skipping servers
// named in exclude. Returns nil when no eligible server exists. The active
// set is recomputed on every call since membership changes concurrently.
func (r *Registry) NextActive(exclude map[string]bool) *Entry {
	active := r.ListActive()
	if len(exclude) > 0 {
		eligible := active[:0:0]
		for _, e := range active {
			if !exclude[e.Name] {
				eligible = append(eligible, e)
			}
		}
		active = eligible
	}
	if len(active) == 0 {
		return nil
	}
	idx := r.cursor.Add(1) - 1
	return active[idx%uint64(len(active))]
}

// Lookup returns the entry with the given name, or nil.
func (r *Registry) Lookup(name string) *Entry {
	for _, e := range r.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Snapshot returns a consistent per-entry status report.
func (r *Registry) Snapshot() []EntryStatus {
	statuses := make([]EntryStatus, 0, len(r.entries))
	for _, e := range r.entries {
		statuses = append(statuses, e.Status())
	}
	return statuses
}
