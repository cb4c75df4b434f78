// Package routetable holds the proxy's host -> backend target mapping.
package routetable

import (
	"strings"
	"sync"
)

// Target identifies where a routed request is forwarded.
type Target struct {
	Scheme string
	Address string
	Port    int
}

type entry struct {
	target    Target
	backendID string
}

// Table is a reader-writer-locked host -> target map. Reads happen on the
// hot proxy path; writes only on backend start/stop.
type Table struct {
	mu     sync.RWMutex
	routes map[string]entry
}

// New creates an empty route table.
func New() *Table {
	return &Table{routes: make(map[string]entry)}
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Insert overwrites any existing route for host.
func (t *Table) Insert(host string, target Target, backendID string) {
	host = normalizeHost(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[host] = entry{target: target, backendID: backendID}
}

// RemoveByBackend deletes every route owned by backendID.
func (t *Table) RemoveByBackend(backendID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for host, e := range t.routes {
		if e.backendID == backendID {
			delete(t.routes, host)
		}
	}
}

// Lookup returns the target for host, stripping port and lower-casing
// first, and whether it was found.
func (t *Table) Lookup(host string) (Target, bool) {
	host = normalizeHost(host)
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.routes[host]
	return e.target, ok
}

// Len returns the number of active routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Hosts returns a snapshot of currently routed hostnames.
func (t *Table) Hosts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hosts := make([]string, 0, len(t.routes))
	for h := range t.routes {
		hosts = append(hosts, h)
	}
	return hosts
}
