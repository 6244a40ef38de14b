package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("alice", "c1")
	r.Register("alice", "c2")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ConnectionsFor("alice"))
	assert.Equal(t, 1, r.IdentityCount())
}

func TestRegistryUnregisterDropsEmptyIdentity(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("alice", "c2")

	r.Unregister("alice", "c1")
	assert.Equal(t, []string{"c2"}, r.ConnectionsFor("alice"))

	r.Unregister("alice", "c2")
	assert.Equal(t, 0, r.IdentityCount())

	r.Unregister("alice", "c2")
	r.Unregister("nobody", "c9")
}

func TestRegistryUnknownIdentityIsEmpty(t *testing.T) {
	r := NewRegistry()
	ids := r.ConnectionsFor("ghost")
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			r.Register("alice", id)
			_ = r.ConnectionsFor("alice")
			r.Unregister("alice", id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.IdentityCount())
}
