// Package groupindex resolves a token id to its symmetry group, an
// integer in [0, K) used for routing decisions. It is a scheduling hint
// only — correctness never depends on it.
//
// Lookups are cached in a bounded LRU using
// github.com/hashicorp/golang-lru/v2/expirable, the same shape a
// bounded short-code cache would use for short-code -> URL lookups;
// here the cache holds token_id -> group instead (bounded, no TTL
// needed since the mapping is immutable once loaded).
package groupindex

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Provider is the vocabulary's token_id -> group mapping, an external
// collaborator (vocabulary construction is out of scope for this repo).
// When Provider is nil, Resolver falls back to token_id mod K.
type Provider interface {
	Group(tokenID uint32) (group int, ok bool)
}

// Resolver answers Group queries for a fixed symmetry order K, caching
// results from an optional Provider.
type Resolver struct {
	k        int
	provider Provider
	cache    *expirable.LRU[uint32, int]
}

const cacheCapacity = 65536

// New builds a Resolver for symmetry order k. provider may be nil, in
// which case every lookup falls back to tokenID % k.
func New(k int, provider Provider) *Resolver {
	return &Resolver{
		k:        k,
		provider: provider,
		cache:    expirable.NewLRU[uint32, int](cacheCapacity, nil, 0*time.Second),
	}
}

// Group resolves tokenID to its symmetry group in [0, k).
func (r *Resolver) Group(tokenID uint32) int {
	if g, ok := r.cache.Get(tokenID); ok {
		return g
	}

	g := int(tokenID) % r.k
	if r.provider != nil {
		if pg, ok := r.provider.Group(tokenID); ok {
			g = pg
		}
	}
	r.cache.Add(tokenID, g)
	return g
}

// DominantGroup counts tokens per group across ids (typically one
// batch's valid input ids) and returns the group with the highest
// count. Ties resolve to the lowest-numbered group encountered first
// during the scan.
func (r *Resolver) DominantGroup(ids []uint32) int {
	counts := make([]int, r.k)
	for _, id := range ids {
		counts[r.Group(id)]++
	}
	best := 0
	for g := 1; g < r.k; g++ {
		if counts[g] > counts[best] {
			best = g
		}
	}
	return best
}
