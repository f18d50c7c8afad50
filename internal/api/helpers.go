package api

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ethtx"
)

// handleOrchestratorError maps a typed *errs.Error to an HTTP status,
// mirroring otc-gateway/server.handleTransitionError's kind-to-status switch.
func handleOrchestratorError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errs.IllegalTransition, errs.Conflict, errs.PermitInvalid:
		http.Error(w, err.Error(), http.StatusConflict)
	case errs.TransientRemote:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errs.PermanentRemote, errs.ProtocolViolation, errs.ConfigurationError:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func parseRecovery(r, s string, v uint8) (ethtx.Recovery, error) {
	rInt, ok := new(big.Int).SetString(strings.TrimPrefix(r, "0x"), 16)
	if !ok {
		return ethtx.Recovery{}, fmt.Errorf("r is not valid hex")
	}
	sInt, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return ethtx.Recovery{}, fmt.Errorf("s is not valid hex")
	}
	return ethtx.Recovery{R: rInt, S: sInt, V: v}, nil
}
