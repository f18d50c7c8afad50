package store

import (
	"context"
	"testing"
)

type fakeChain struct {
	pending map[string]uint64
}

func (f *fakeChain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return f.pending[address], nil
}

func TestNextNonceUsesOnChainValueWhenCacheIsEmpty(t *testing.T) {
	chain := &fakeChain{pending: map[string]uint64{"0xabc": 5}}
	mgr := NewNonceManager(chain)

	got, err := mgr.NextNonce(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected nonce 5, got %d", got)
	}
}

func TestNextNonceAdvancesPastOnChainValue(t *testing.T) {
	chain := &fakeChain{pending: map[string]uint64{"0xabc": 5}}
	mgr := NewNonceManager(chain)

	first, _ := mgr.NextNonce(context.Background(), "0xabc")
	second, _ := mgr.NextNonce(context.Background(), "0xabc")
	if first != 5 || second != 6 {
		t.Fatalf("expected sequential nonces 5,6; got %d,%d", first, second)
	}
}

func TestNextNonceRecoversIfChainCatchesUp(t *testing.T) {
	chain := &fakeChain{pending: map[string]uint64{"0xabc": 5}}
	mgr := NewNonceManager(chain)
	_, _ = mgr.NextNonce(context.Background(), "0xabc")

	chain.pending["0xabc"] = 10
	got, err := mgr.NextNonce(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected cache to defer to a higher on-chain nonce, got %d", got)
	}
}

func TestResetClearsCachedNonce(t *testing.T) {
	chain := &fakeChain{pending: map[string]uint64{"0xabc": 5}}
	mgr := NewNonceManager(chain)
	_, _ = mgr.NextNonce(context.Background(), "0xabc")

	mgr.Reset("0xabc")

	got, err := mgr.NextNonce(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected reset to forget the cached nonce, got %d", got)
	}
}
