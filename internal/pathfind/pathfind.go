// Package pathfind implements the external path-discovery contract of
// spec.md §6: request_paths(peer)/stop(peer) with a Path{peers[],
// length} callback, plus path_equivalent(a,b).
//
// CADET itself never walks the DHT; it only consumes whatever paths the
// surrounding peer-discovery layer reports. This package models that
// boundary and memoises path_equivalent comparisons in a short-lived
// go-cache (no other package in this module calls it yet), the same
// library the teacher uses for its per-IP rate-limit bookkeeping in
// controller/server.go.
package pathfind

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gnunet-go/cadet/internal/identity"
)

// Path is a candidate route to a peer: an ordered list of intermediate
// peer-ids, nearest-hop first, terminating at the destination.
type Path struct {
	Peers []identity.PeerID
}

// Length reports the path's hop count.
func (p Path) Length() int { return len(p.Peers) }

func (p Path) key() string {
	var b strings.Builder
	for _, id := range p.Peers {
		b.WriteString(hex.EncodeToString(id[:]))
		b.WriteByte('/')
	}
	return b.String()
}

// Equivalence reports whether two paths are interchangeable for
// connection-pool purposes: same peer sequence. Results are memoised
// per unordered pair of paths.
type Equivalence struct {
	cache *cache.Cache
}

// NewEquivalence builds a memoising equivalence checker. ttl bounds how
// long a comparison result is trusted before being recomputed, in case
// the underlying path-discovery layer's notion of equivalence changes.
func NewEquivalence(ttl time.Duration) *Equivalence {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Equivalence{cache: cache.New(ttl, ttl*2)}
}

// PathEquivalent implements spec.md §6's path_equivalent(a, b).
func (e *Equivalence) PathEquivalent(a, b Path) bool {
	ka, kb := a.key(), b.key()
	if ka > kb {
		ka, kb = kb, ka
	}
	key := ka + "|" + kb
	if v, ok := e.cache.Get(key); ok {
		return v.(bool)
	}
	equal := ka == kb
	e.cache.SetDefault(key, equal)
	return equal
}

// Discoverer is implemented by whatever DHT/path-discovery component the
// embedding process provides; CADET only ever consumes it through this
// interface.
type Discoverer interface {
	// RequestPaths asks for candidate paths to peer; each discovered
	// path is delivered to onPath until Stop is called for this peer.
	RequestPaths(peer identity.PeerID, onPath func(Path))
	Stop(peer identity.PeerID)
}

// staticDiscoverer is a minimal Discoverer used in tests and standalone
// tools: it replays a fixed set of paths once, synchronously.
type staticDiscoverer struct {
	mu      sync.Mutex
	paths   map[identity.PeerID][]Path
	stopped map[identity.PeerID]bool
}

// NewStaticDiscoverer builds a Discoverer that replays a pre-seeded
// table of paths instead of querying a real DHT.
func NewStaticDiscoverer(paths map[identity.PeerID][]Path) Discoverer {
	return &staticDiscoverer{paths: paths, stopped: make(map[identity.PeerID]bool)}
}

func (d *staticDiscoverer) RequestPaths(peer identity.PeerID, onPath func(Path)) {
	d.mu.Lock()
	paths := append([]Path(nil), d.paths[peer]...)
	d.mu.Unlock()
	for _, p := range paths {
		d.mu.Lock()
		stopped := d.stopped[peer]
		d.mu.Unlock()
		if stopped {
			return
		}
		onPath(p)
	}
}

func (d *staticDiscoverer) Stop(peer identity.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped[peer] = true
}
