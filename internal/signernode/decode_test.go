package signernode

import (
	"testing"

	"github.com/amijkko/custody-core/internal/mpc"
)

func TestDecodeRoundMessageEmpty(t *testing.T) {
	messages, err := DecodeRoundMessage("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if messages != nil {
		t.Fatalf("expected no messages, got %v", messages)
	}
}

func TestDecodeRoundMessageModernEnvelope(t *testing.T) {
	raw := `[{"ToPartyIndex":1,"IsBroadcast":true,"Payload":"deadbeef"}]`
	messages, err := DecodeRoundMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if string(messages[0]) != raw {
		t.Fatalf("expected envelope passed through verbatim, got %q", messages[0])
	}
}

func TestDecodeRoundMessageLegacyHexArray(t *testing.T) {
	messages, err := DecodeRoundMessage(`["deadbeef", "cafe"]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	want := []mpc.RoundMessage{{0xde, 0xad, 0xbe, 0xef}, {0xca, 0xfe}}
	for i, m := range messages {
		if string(m) != string(want[i]) {
			t.Fatalf("message %d = %x, want %x", i, m, want[i])
		}
	}
}

func TestDecodeRoundMessageLegacyHexArraySkipsEmptyElements(t *testing.T) {
	messages, err := DecodeRoundMessage(`["deadbeef", ""]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
}

func TestDecodeRoundMessageSingleHexString(t *testing.T) {
	messages, err := DecodeRoundMessage("deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if string(messages[0]) != string([]byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("unexpected decoded message: %x", messages[0])
	}
}

func TestDecodeRoundMessageBadHexRejected(t *testing.T) {
	if _, err := DecodeRoundMessage("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex string")
	}
}

func TestDecodeRoundMessageBadLegacyArrayRejected(t *testing.T) {
	if _, err := DecodeRoundMessage(`["zz"]`); err == nil {
		t.Fatal("expected error for invalid hex element in legacy array")
	}
}
