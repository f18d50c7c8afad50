package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/ethtx"
	"github.com/amijkko/custody-core/internal/orchestrator"
)

// Orchestrator is the subset of orchestrator.Orchestrator the API surface
// drives. Declared here so the handlers can be exercised against a fake in
// tests without constructing a full *orchestrator.Orchestrator.
type Orchestrator interface {
	Create(ctx context.Context, in orchestrator.CreateInput) (*domain.TxRequest, error)
	Approve(ctx context.Context, reqID, userID uuid.UUID, decision domain.ApprovalDecision, comment *string, correlationID string) (*domain.TxRequest, *domain.Approval, error)
	ResolveKYT(ctx context.Context, kytCaseID, resolvedBy uuid.UUID, resolution domain.KYTCaseStatus, comment *string, correlationID string) (*domain.TxRequest, error)
	MPCFinalize(ctx context.Context, reqID uuid.UUID, sig ethtx.Recovery, correlationID string) error
	CheckConfirmation(ctx context.Context, reqID uuid.UUID, correlationID string) error
	RetryBroadcast(ctx context.Context, reqID uuid.UUID, correlationID string) error
}

// Config captures the dependencies required to construct the Server.
type Config struct {
	DB             *gorm.DB
	Orchestrator   Orchestrator
	MPCCoordinator MPCCoordinator
	Auth           *Authenticator
	MetricsRoute   bool
}

// Server encapsulates the Core's HTTP API, mirroring the layout of
// otc-gateway/server.Server: a thin struct around its collaborators plus a
// pre-built chi router.
type Server struct {
	db           *gorm.DB
	orchestrator Orchestrator
	auth         *Authenticator

	router http.Handler
}

// New constructs a configured HTTP router with authentication and role
// enforcement, following otc-gateway/server.New.
func New(cfg Config) *Server {
	srv := &Server{
		db:           cfg.DB,
		orchestrator: cfg.Orchestrator,
		auth:         cfg.Auth,
	}
	srv.router = srv.buildRouter(cfg.MetricsRoute, cfg.MPCCoordinator)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(metricsRoute bool, mpcCoordinator MPCCoordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.Healthz)
	if metricsRoute {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)

		api.With(RequireRole(RoleMaker, RoleApprover, RoleAdmin)).Post("/tx-requests", s.CreateTxRequest)
		api.With(RequireRole(RoleApprover, RoleAdmin)).Post("/tx-requests/{id}/approvals", s.ApproveTxRequest)
		api.With(RequireRole(RoleMaker, RoleApprover, RoleAuditor, RoleAdmin)).Get("/tx-requests/{id}", s.GetTxRequest)
		api.With(RequireRole(RoleAdmin)).Post("/tx-requests/{id}/retry-broadcast", s.RetryBroadcast)
		api.With(RequireRole(RoleAdmin)).Post("/tx-requests/{id}/confirmation-check", s.CheckConfirmation)
		api.With(RequireRole(RoleCompliance, RoleAdmin)).Post("/kyt-cases/{id}/resolution", s.ResolveKYTCase)
		api.With(RequireRole(RoleAdmin)).Post("/tx-requests/{id}/mpc-signature", s.MPCFinalize)

		s.mountMPCRoutes(api, mpcCoordinator)
	})

	return r
}

// Healthz reports process liveness without requiring authentication.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type createTxRequestBody struct {
	WalletID       uuid.UUID `json:"wallet_id"`
	ToAddress      string    `json:"to_address"`
	Asset          string    `json:"asset"`
	AmountWei      string    `json:"amount_wei"`
	Data           string    `json:"data_hex,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// CreateTxRequest submits a new outbound transfer.
func (s *Server) CreateTxRequest(w http.ResponseWriter, r *http.Request) {
	claims, err := ClaimsFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	actorID, err := claims.UserID()
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}

	var body createTxRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if body.WalletID == uuid.Nil || body.ToAddress == "" || body.AmountWei == "" || body.IdempotencyKey == "" {
		http.Error(w, "wallet_id, to_address, amount_wei, and idempotency_key are required", http.StatusBadRequest)
		return
	}

	var data []byte
	if body.Data != "" {
		decoded, err := decodeHex(body.Data)
		if err != nil {
			http.Error(w, "data_hex is not valid hex", http.StatusBadRequest)
			return
		}
		data = decoded
	}

	req, err := s.orchestrator.Create(r.Context(), orchestrator.CreateInput{
		WalletID:       body.WalletID,
		ToAddress:      body.ToAddress,
		Asset:          body.Asset,
		AmountWei:      body.AmountWei,
		Data:           data,
		CreatedBy:      actorID,
		CorrelationID:  correlationID(r, body.CorrelationID),
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

// GetTxRequest returns the current state of a transfer.
func (s *Server) GetTxRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tx request id", http.StatusBadRequest)
		return
	}
	var req domain.TxRequest
	if err := s.db.WithContext(r.Context()).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "tx request not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load tx request", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

type approveTxRequestBody struct {
	Decision      domain.ApprovalDecision `json:"decision"`
	Comment       *string                 `json:"comment,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

// ApproveTxRequest records a maker-checker vote on a transfer awaiting approval.
func (s *Server) ApproveTxRequest(w http.ResponseWriter, r *http.Request) {
	claims, err := ClaimsFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	approverID, err := claims.UserID()
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	reqID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tx request id", http.StatusBadRequest)
		return
	}

	var body approveTxRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if body.Decision != domain.ApprovalApproved && body.Decision != domain.ApprovalRejected {
		http.Error(w, "decision must be APPROVED or REJECTED", http.StatusBadRequest)
		return
	}

	req, approval, err := s.orchestrator.Approve(r.Context(), reqID, approverID, body.Decision, body.Comment, correlationID(r, body.CorrelationID))
	if err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tx_request": req, "approval": approval})
}

// RetryBroadcast re-attempts broadcast for a transfer in FAILED_BROADCAST.
func (s *Server) RetryBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tx request id", http.StatusBadRequest)
		return
	}
	if err := s.orchestrator.RetryBroadcast(r.Context(), reqID, correlationID(r, "")); err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckConfirmation forces an out-of-band confirmation poll for a transfer.
func (s *Server) CheckConfirmation(w http.ResponseWriter, r *http.Request) {
	reqID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tx request id", http.StatusBadRequest)
		return
	}
	if err := s.orchestrator.CheckConfirmation(r.Context(), reqID, correlationID(r, "")); err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveKYTCaseBody struct {
	Resolution    domain.KYTCaseStatus `json:"resolution"`
	Comment       *string              `json:"comment,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

// ResolveKYTCase records a compliance officer's disposition of a screening case.
func (s *Server) ResolveKYTCase(w http.ResponseWriter, r *http.Request) {
	claims, err := ClaimsFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	resolverID, err := claims.UserID()
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	caseID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid kyt case id", http.StatusBadRequest)
		return
	}

	var body resolveKYTCaseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if body.Resolution != domain.KYTCaseResolvedAllow && body.Resolution != domain.KYTCaseResolvedBlock {
		http.Error(w, "resolution must be RESOLVED_ALLOW or RESOLVED_BLOCK", http.StatusBadRequest)
		return
	}

	req, err := s.orchestrator.ResolveKYT(r.Context(), caseID, resolverID, body.Resolution, body.Comment, correlationID(r, body.CorrelationID))
	if err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tx_request": req})
}

type mpcFinalizeBody struct {
	R             string `json:"r"`
	S             string `json:"s"`
	V             uint8  `json:"v"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MPCFinalize submits the aggregated MPC signature completing a SIGN_PENDING request.
func (s *Server) MPCFinalize(w http.ResponseWriter, r *http.Request) {
	reqID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tx request id", http.StatusBadRequest)
		return
	}
	var body mpcFinalizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	sig, err := parseRecovery(body.R, body.S, body.V)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orchestrator.MPCFinalize(r.Context(), reqID, sig, correlationID(r, body.CorrelationID)); err != nil {
		s.handleOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrchestratorError(w http.ResponseWriter, err error) {
	handleOrchestratorError(w, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func correlationID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return "api"
}
