package signernode

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/mpc"
)

// DecodeRoundMessage normalizes an externally-submitted round message into
// the one or more opaque RoundMessages the coordinator hands to a Session,
// sniffing the same three wire forms the original browser relay accepted
// (mpc_websocket.py's handle_dkg_round/handle_sign_round):
//
//   - a JSON array of per-party envelopes, e.g. `[{"ToPartyIndex":1,
//     "IsBroadcast":true,"Payload":"..."}, ...]` — detected by a "[{" prefix
//     and passed through verbatim as a single message, since the signer node
//     parses the envelope itself;
//   - a legacy JSON array of hex strings, e.g. `["a1b2", "c3d4"]` — detected
//     by a "[" prefix that isn't "[{", decoded into one message per element;
//   - a single hex string with no surrounding brackets, decoded into one
//     message.
//
// An empty raw string yields no messages.
func DecodeRoundMessage(raw string) ([]mpc.RoundMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(raw, "[{"):
		return []mpc.RoundMessage{mpc.RoundMessage(raw)}, nil

	case strings.HasPrefix(raw, "["):
		var hexStrings []string
		if err := json.Unmarshal([]byte(raw), &hexStrings); err != nil {
			return nil, errs.Wrap(errs.ProtocolViolation, "signernode.bad_round_message",
				"legacy round message is not a JSON array of hex strings", err)
		}
		messages := make([]mpc.RoundMessage, 0, len(hexStrings))
		for _, h := range hexStrings {
			if h == "" {
				continue
			}
			decoded, err := hex.DecodeString(h)
			if err != nil {
				return nil, errs.Wrap(errs.ProtocolViolation, "signernode.bad_round_message",
					"legacy round message element is not valid hex", err)
			}
			messages = append(messages, mpc.RoundMessage(decoded))
		}
		return messages, nil

	default:
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return nil, errs.Wrap(errs.ProtocolViolation, "signernode.bad_round_message",
				"round message is not valid hex", err)
		}
		return []mpc.RoundMessage{mpc.RoundMessage(decoded)}, nil
	}
}
