package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amijkko/custody-core/internal/mpc"
	"github.com/amijkko/custody-core/internal/signernode"
)

// MPCCoordinator is the subset of mpc.Coordinator the relay endpoints drive.
type MPCCoordinator interface {
	Begin(ctx context.Context, typ mpc.SessionType, participants []string, parameters mpc.RoundMessage) (string, mpc.RoundMessage, error)
	Deliver(ctx context.Context, sessionID string, roundN int, msg mpc.RoundMessage) error
	Status(sessionID string) (mpc.Snapshot, error)
	Revoke(sessionID string) error
}

// mountMPCRoutes wires the MPC round-message relay used to drive DKG and
// threshold-signing sessions for MPC_TECDSA wallets, admin-only since it is
// an internal signer-node coordination surface rather than a maker/approver
// operation.
func (s *Server) mountMPCRoutes(r chi.Router, coordinator MPCCoordinator) {
	if coordinator == nil {
		return
	}
	r.Route("/mpc/sessions", func(mr chi.Router) {
		mr.Use(RequireRole(RoleAdmin))
		mr.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Type         mpc.SessionType `json:"type"`
				Participants []string        `json:"participants"`
				Parameters   string           `json:"parameters_b64,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			params, err := decodeBase64(body.Parameters)
			if err != nil {
				http.Error(w, "parameters_b64 is not valid base64", http.StatusBadRequest)
				return
			}
			sessionID, out, err := coordinator.Begin(r.Context(), body.Type, body.Participants, params)
			if err != nil {
				s.handleOrchestratorError(w, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, map[string]string{
				"session_id": sessionID,
				"out_b64":    base64.StdEncoding.EncodeToString(out),
			})
		})
		mr.Post("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "id")
			var body struct {
				RoundN  int    `json:"round"`
				Payload string `json:"payload"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			messages, err := signernode.DecodeRoundMessage(body.Payload)
			if err != nil {
				http.Error(w, "payload is neither a hex string, a legacy hex-array, nor a party-envelope array", http.StatusBadRequest)
				return
			}
			for _, msg := range messages {
				if err := coordinator.Deliver(r.Context(), sessionID, body.RoundN, msg); err != nil {
					s.handleOrchestratorError(w, err)
					return
				}
			}
			w.WriteHeader(http.StatusNoContent)
		})
		mr.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "id")
			snap, err := coordinator.Status(sessionID)
			if err != nil {
				s.handleOrchestratorError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, snap)
		})
		mr.Post("/{id}/revoke", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "id")
			if err := coordinator.Revoke(sessionID); err != nil {
				s.handleOrchestratorError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
