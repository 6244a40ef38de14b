package hub

import "sync"

// Registry maps identities to their live connection IDs.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[string]map[string]struct{})}
}

// Register adds connID to identity's set. Registering twice is a no-op.
func (r *Registry) Register(identity, connID string) {
	if identity == "" || connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.identities[identity]
	if !ok {
		set = make(map[string]struct{})
		r.identities[identity] = set
	}
	set[connID] = struct{}{}
}

// Unregister removes connID from identity's set and drops the identity once
// its set is empty. Unknown pairs are ignored.
func (r *Registry) Unregister(identity, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.identities[identity]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.identities, identity)
	}
}

// ConnectionsFor returns a snapshot of identity's connection IDs. Unknown
// identities yield an empty slice.
func (r *Registry) ConnectionsFor(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.identities[identity]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IdentityCount returns the number of identities with a live connection.
func (r *Registry) IdentityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}
