package stream

import "sync"

type guardKey struct {
	identity       string
	conversationID string
}

// Guard allows one active stream per identity and conversation.
type Guard struct {
	mu     sync.Mutex
	active map[guardKey]string
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[guardKey]string)}
}

// Acquire claims the slot for streamID. It fails if another stream holds it.
func (g *Guard) Acquire(identity, conversationID, streamID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := guardKey{identity, conversationID}
	if _, busy := g.active[k]; busy {
		return false
	}
	g.active[k] = streamID
	return true
}

// Release frees the slot if streamID still holds it.
func (g *Guard) Release(identity, conversationID, streamID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := guardKey{identity, conversationID}
	if g.active[k] == streamID {
		delete(g.active, k)
	}
}

// Active returns the stream holding the slot, if any.
func (g *Guard) Active(identity, conversationID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.active[guardKey{identity, conversationID}]
	return id, ok
}
