package store

import (
	"context"
	"sync"
)

// ChainNonceSource is the collaborator used to read an address's on-chain
// pending nonce.
type ChainNonceSource interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// NonceManager is the per-sender serialized nonce allocator of spec.md §4.8.
// It caches in the memory of a single process; per spec.md §9 "Nonce cache",
// scaling to multiple processes requires replacing this with a per-wallet
// advisory database lock instead.
type NonceManager struct {
	chain ChainNonceSource

	mu    sync.Mutex
	cache map[string]uint64
}

// NewNonceManager constructs a NonceManager reading from chain.
func NewNonceManager(chain ChainNonceSource) *NonceManager {
	return &NonceManager{chain: chain, cache: make(map[string]uint64)}
}

// NextNonce reads the on-chain pending nonce, compares it to the cached
// value, returns the maximum, and advances the cache to returned+1.
func (n *NonceManager) NextNonce(ctx context.Context, address string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	onChain, err := n.chain.PendingNonce(ctx, address)
	if err != nil {
		return 0, err
	}
	cached, ok := n.cache[address]
	next := onChain
	if ok && cached > next {
		next = cached
	}
	n.cache[address] = next + 1
	return next, nil
}

// Reset discards the cached nonce for address, used after a permanent
// broadcast failure per spec.md §4.8.
func (n *NonceManager) Reset(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cache, address)
}
