package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, "test.not_found", "request not found")
	if !Is(err, NotFound) {
		t.Fatalf("expected Is to match NotFound")
	}
	if Is(err, Conflict) {
		t.Fatalf("expected Is to reject mismatched kind")
	}
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	base := Wrap(TransientRemote, "test.rpc_timeout", "rpc timed out", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("calling chain: %w", base)
	if !Is(wrapped, TransientRemote) {
		t.Fatalf("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestKindOfReturnsEmptyForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("boring error")); got != "" {
		t.Fatalf("expected empty Kind for a plain error, got %q", got)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(PermanentRemote, "test.revert", "transaction reverted", cause)
	got := err.Error()
	if got == "" {
		t.Fatalf("expected non-empty error string")
	}
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
}
