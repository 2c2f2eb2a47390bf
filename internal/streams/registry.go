// Package streams tracks the participant streams the transport reports as
// open.
package streams

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

type key struct {
	threadID string
	round    int
	index    int
}

// Registry is an in-memory ports.StreamRegistry. An entry the transport
// never closes expires after the registry's TTL.
type Registry struct {
	mu      sync.Mutex
	active  map[key]time.Time
	ttl     time.Duration
	nowFunc func() time.Time
}

var _ ports.StreamRegistry = (*Registry)(nil)

// NewRegistry creates a registry. A non-positive ttl keeps entries until
// they are reported closed.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		active:  make(map[key]time.Time),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Report records whether the stream of a participant is open.
func (r *Registry) Report(threadID string, round, participantIndex int, active bool) {
	k := key{threadID, round, participantIndex}

	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.active[k] = r.nowFunc()
	} else {
		delete(r.active, k)
	}
}

// IsStreamActive implements ports.StreamRegistry.
func (r *Registry) IsStreamActive(_ context.Context, threadID string, round, participantIndex int) bool {
	k := key{threadID, round, participantIndex}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.active[k]
	if !ok {
		return false
	}
	if r.ttl > 0 && r.nowFunc().Sub(seen) >= r.ttl {
		delete(r.active, k)
		return false
	}
	return true
}

// Forget drops every entry of a thread.
func (r *Registry) Forget(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.active {
		if k.threadID == threadID {
			delete(r.active, k)
		}
	}
}

// Len returns the number of open streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
