package groupindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackModK(t *testing.T) {
	r := New(3, nil)
	assert.Equal(t, 0, r.Group(0))
	assert.Equal(t, 1, r.Group(1))
	assert.Equal(t, 2, r.Group(2))
	assert.Equal(t, 0, r.Group(3))
}

type mapProvider map[uint32]int

func (m mapProvider) Group(id uint32) (int, bool) {
	g, ok := m[id]
	return g, ok
}

func TestDominantGroupRouting(t *testing.T) {
	// K=3, tokens mapped token%3; multiset {0:5,1:1,2:2} routes to group 0.
	r := New(3, nil)
	ids := []uint32{}
	for i := 0; i < 5; i++ {
		ids = append(ids, 0)
	}
	ids = append(ids, 1)
	ids = append(ids, 2, 2)
	assert.Equal(t, 0, r.DominantGroup(ids))
}

func TestProviderOverridesFallback(t *testing.T) {
	r := New(4, mapProvider{10: 3})
	assert.Equal(t, 3, r.Group(10))
	assert.Equal(t, 1, r.Group(1))
}
