package network

import (
	"github.com/busybox42/floodnet/pkg/protocol"
	mapset "github.com/deckarep/golang-set/v2"
)

// Neighbor is anything the router can flood a message to. *Link is the
// production implementation.
type Neighbor interface {
	Enqueue(msg *protocol.Message) error
}

// Registry is the set of a node's live neighbors, keyed by identity: two
// links to the same remote node are two entries. It is not safe for
// concurrent use; a node only touches it from its loop.
type Registry struct {
	neighbors mapset.Set[Neighbor]
}

func NewRegistry() *Registry {
	return &Registry{neighbors: mapset.NewThreadUnsafeSet[Neighbor]()}
}

// Add is a no-op if n is already registered.
func (r *Registry) Add(n Neighbor) {
	r.neighbors.Add(n)
}

// Remove is a no-op if n is absent.
func (r *Registry) Remove(n Neighbor) {
	r.neighbors.Remove(n)
}

func (r *Registry) Contains(n Neighbor) bool {
	return r.neighbors.Contains(n)
}

func (r *Registry) Len() int {
	return r.neighbors.Cardinality()
}

// ForEach visits every registered neighbor once, in no particular order.
// fn may add or remove entries: removed entries that have not been
// visited yet are skipped and entries added during the walk are not
// visited.
func (r *Registry) ForEach(fn func(Neighbor)) {
	for _, n := range r.neighbors.ToSlice() {
		if r.neighbors.Contains(n) {
			fn(n)
		}
	}
}
