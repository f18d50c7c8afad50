// Package orchestrator drives the outbound-transfer state machine of
// spec.md §4.1: a single guarded-transition primitive (row lock, successor
// validation, business write, audit append, one database transaction) is
// reused by the Create/Approve/ResolveKYT/MPCFinalize/CheckConfirmation
// external-interface operations, directly modeled on otc-gateway/server.go's
// transitionInvoice generalized from the five-state InvoiceState to the
// nineteen-state TxStatus table.
package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amijkko/custody-core/internal/audit"
	"github.com/amijkko/custody-core/internal/chainlistener"
	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ethrpc"
	"github.com/amijkko/custody-core/internal/ethtx"
	"github.com/amijkko/custody-core/internal/metrics"
	"github.com/amijkko/custody-core/internal/money"
	"github.com/amijkko/custody-core/internal/permit"
	"github.com/amijkko/custody-core/internal/policy"
	"github.com/amijkko/custody-core/internal/screener"
	"github.com/amijkko/custody-core/internal/store"
)

// ChainClient is the subset of internal/ethrpc.Client the orchestrator needs
// for gas estimation, broadcast, and receipt lookup.
type ChainClient interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to string, value *big.Int, data []byte) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (ethrpc.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LocalSigner produces an ECDSA signature for a LOCAL_KEY custodied wallet.
// Production wiring supplies the internal/hsmsigner mTLS client; tests
// supply a deterministic fake.
type LocalSigner interface {
	Sign(ctx context.Context, digest [32]byte, walletID uuid.UUID) (ethtx.Recovery, error)
}

// Nonces is the subset of internal/store.NonceManager the orchestrator uses.
type Nonces interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
	Reset(address string)
}

// Config configures a new Orchestrator.
type Config struct {
	DB                  *gorm.DB
	Audit               *audit.Log
	Screener            *screener.Screener
	Permits             *permit.Issuer
	Nonces              Nonces
	Chain               ChainClient
	LocalSigner         LocalSigner
	Metrics             *metrics.Core
	ChainID             int64
	ConfirmationBlocks  uint64
	MaxBroadcastRetries int
}

// Orchestrator implements every operation of spec.md §6's Submit interface.
type Orchestrator struct {
	db          *gorm.DB
	audit       *audit.Log
	screener    *screener.Screener
	permits     *permit.Issuer
	nonces      Nonces
	chain       ChainClient
	localSigner LocalSigner
	metrics     *metrics.Core
	chainID     int64
	confBlocks  uint64
	maxRetries  int
}

// New constructs an Orchestrator from cfg, applying spec.md §6 defaults.
func New(cfg Config) *Orchestrator {
	confBlocks := cfg.ConfirmationBlocks
	if confBlocks == 0 {
		confBlocks = 3
	}
	maxRetries := cfg.MaxBroadcastRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Orchestrator{
		db:          cfg.DB,
		audit:       cfg.Audit,
		screener:    cfg.Screener,
		permits:     cfg.Permits,
		nonces:      cfg.Nonces,
		chain:       cfg.Chain,
		localSigner: cfg.LocalSigner,
		metrics:     m,
		chainID:     cfg.ChainID,
		confBlocks:  confBlocks,
		maxRetries:  maxRetries,
	}
}

// ApprovalSnapshot is the {count, required, approvers} shape bound into a
// SigningPermit's content per spec.md §4.4.
type ApprovalSnapshot struct {
	Count     int         `json:"count"`
	Required  int         `json:"required"`
	Approvers []uuid.UUID `json:"approvers"`
}

// CreateInput carries the fields of a submit request, per spec.md §6 create.
type CreateInput struct {
	WalletID       uuid.UUID
	ToAddress      string
	Asset          string
	AmountWei      string
	Data           []byte
	CreatedBy      uuid.UUID
	CorrelationID  string
	IdempotencyKey string
}

// Create runs the creation pipeline of spec.md §4.1: idempotency check,
// wallet/custody validation, SUBMITTED persistence, and a synchronous step
// into policy evaluation (and beyond, as far as the pipeline can go without
// external input).
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*domain.TxRequest, error) {
	var created *domain.TxRequest
	isNew := false

	err := o.db.Transaction(func(tx *gorm.DB) error {
		existing, err := store.LookupIdempotencyKey(tx, in.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			created = existing
			return nil
		}

		var wallet domain.Wallet
		if err := tx.Where("id = ?", in.WalletID).First(&wallet).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.wallet_not_found", "wallet not found", err)
		}
		if wallet.Status != domain.WalletActive {
			return errs.New(errs.Conflict, "orchestrator.wallet_inactive", "wallet is not ACTIVE")
		}
		amount, err := money.FromString(in.AmountWei)
		if err != nil {
			return errs.Wrap(errs.ConfigurationError, "orchestrator.bad_amount", "malformed amount_wei", err)
		}
		if wallet.CustodyBackend == domain.CustodyMPCTECDSA {
			credited, err := store.SumCreditedDeposits(tx, wallet.ID, in.Asset)
			if err != nil {
				return err
			}
			if amount.Cmp(credited) > 0 {
				return errs.New(errs.Conflict, "orchestrator.insufficient_deposits",
					"requested amount exceeds sum of credited deposits")
			}
		}

		var data *string
		if len(in.Data) > 0 {
			encoded := hex.EncodeToString(in.Data)
			data = &encoded
		}
		req := &domain.TxRequest{
			ID:        uuid.New(),
			WalletID:  wallet.ID,
			ToAddress: in.ToAddress,
			Asset:     in.Asset,
			AmountWei: in.AmountWei,
			Data:      data,
			Status:    domain.StatusSubmitted,
			CreatedBy: in.CreatedBy,
		}
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			req.IdempotencyKey = &key
		}
		if err := tx.Create(req).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.create_request", "persist tx request", err)
		}

		entityType := "tx_request"
		actor := in.CreatedBy
		if _, err := o.audit.Append(ctx, tx, audit.Entry{
			EventType:     "TX_REQUEST_CREATED",
			CorrelationID: in.CorrelationID,
			ActorID:       &actor,
			ActorType:     "user",
			EntityType:    &entityType,
			EntityID:      &req.ID,
			Payload: map[string]any{
				"wallet_id": wallet.ID.String(),
				"to_address": in.ToAddress,
				"asset":      in.Asset,
				"amount_wei": in.AmountWei,
			},
		}); err != nil {
			return err
		}
		if err := store.RecordIdempotencyKey(tx, in.IdempotencyKey, req.ID); err != nil {
			return err
		}

		created = req
		isNew = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !isNew {
		return created, nil
	}

	var result *domain.TxRequest
	err = o.db.Transaction(func(tx *gorm.DB) error {
		return o.advance(ctx, tx, created.ID, in.CorrelationID)
	})
	if err != nil {
		return nil, err
	}
	if err := o.db.Where("id = ?", created.ID).First(&result).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "orchestrator.reload_request", "reload tx request", err)
	}
	return result, nil
}

// transition is the single guarded-transition primitive of spec.md §4.1:
// lock the row, validate the successor, run the caller's business mutation,
// write the new status, and append the TX_STATUS_CHANGED audit event, all
// inside tx.
func (o *Orchestrator) transition(
	ctx context.Context,
	tx *gorm.DB,
	reqID uuid.UUID,
	next domain.TxStatus,
	correlationID string,
	actorID *uuid.UUID,
	actorType string,
	extra map[string]any,
	mutate func(tx *gorm.DB, req *domain.TxRequest) error,
) (*domain.TxRequest, error) {
	var req domain.TxRequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", reqID).First(&req).Error; err != nil {
		return nil, errs.Wrap(errs.NotFound, "orchestrator.request_not_found", "tx request not found", err)
	}
	old := req.Status
	if err := ValidateTransition(old, next); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(tx, &req); err != nil {
			return nil, err
		}
	}
	req.Status = next
	if err := tx.Save(&req).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "orchestrator.save_request", "save tx request", err)
	}
	o.metrics.RecordTransition(string(old), string(next))

	payload := map[string]any{"old": string(old), "new": string(next)}
	for k, v := range extra {
		payload[k] = v
	}
	entityType := "tx_request"
	if _, err := o.audit.Append(ctx, tx, audit.Entry{
		EventType:     "TX_STATUS_CHANGED",
		CorrelationID: correlationID,
		ActorID:       actorID,
		ActorType:     actorType,
		EntityType:    &entityType,
		EntityID:      &req.ID,
		Payload:       payload,
	}); err != nil {
		return nil, err
	}
	return &req, nil
}

// advance drives req through as many synchronous pipeline steps as it can
// without external input (an approval, a KYT resolution, or an MPC
// finalize), halting at the first state that must wait.
func (o *Orchestrator) advance(ctx context.Context, tx *gorm.DB, reqID uuid.UUID, correlationID string) error {
	for {
		var req domain.TxRequest
		if err := tx.Where("id = ?", reqID).First(&req).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.request_not_found", "tx request not found", err)
		}
		halted, err := o.step(ctx, tx, &req, correlationID)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
}

// step performs exactly one forward transition from req.Status, returning
// whether the pipeline must halt there.
func (o *Orchestrator) step(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string) (bool, error) {
	switch req.Status {
	case domain.StatusSubmitted:
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusPolicyEvalPending, correlationID, nil, "system", nil, nil)
		if err != nil {
			return false, err
		}
		*req = *updated
		return false, nil

	case domain.StatusPolicyEvalPending:
		return o.policyStep(ctx, tx, req, correlationID)

	case domain.StatusKYTPending:
		return o.kytStep(ctx, tx, req, correlationID)

	case domain.StatusKYTSkipped:
		next := o.approvalGateTarget(req)
		updated, err := o.transition(ctx, tx, req.ID, next, correlationID, nil, "system", nil, nil)
		if err != nil {
			return false, err
		}
		*req = *updated
		return next == domain.StatusApprovalPending, nil

	case domain.StatusApprovalSkipped:
		return o.beginSigningStep(ctx, tx, req, correlationID, ApprovalSnapshot{Required: req.RequiredApprovals})

	case domain.StatusSignPending:
		return o.completeLocalSigningStep(ctx, tx, req, correlationID)

	case domain.StatusSigned:
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusBroadcastPending, correlationID, nil, "system", nil, nil)
		if err != nil {
			return false, err
		}
		*req = *updated
		return false, nil

	case domain.StatusBroadcastPending:
		return o.broadcastStep(ctx, tx, req, correlationID)

	case domain.StatusBroadcasted:
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusConfirming, correlationID, nil, "system", nil, nil)
		if err != nil {
			return false, err
		}
		*req = *updated
		return true, nil

	default:
		return true, nil
	}
}

func (o *Orchestrator) approvalGateTarget(req *domain.TxRequest) domain.TxStatus {
	if req.RequiredApprovals <= 0 {
		return domain.StatusApprovalSkipped
	}
	return domain.StatusApprovalPending
}

func (o *Orchestrator) policyStep(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string) (bool, error) {
	var wallet domain.Wallet
	if err := tx.Where("id = ?", req.WalletID).First(&wallet).Error; err != nil {
		return false, errs.Wrap(errs.NotFound, "orchestrator.wallet_not_found", "wallet not found for policy evaluation", err)
	}
	engine := policy.New(tx)
	result, err := engine.Evaluate(policy.Input{
		UserID:    req.CreatedBy,
		ToAddress: req.ToAddress,
		AmountWei: req.AmountWei,
		Asset:     req.Asset,
		Wallet:    wallet,
	})
	if err != nil {
		return false, err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, errs.Wrap(errs.ProtocolViolation, "orchestrator.policy_marshal", "marshal policy result", err)
	}
	o.metrics.RecordPolicyDecision(string(result.Decision))

	var next domain.TxStatus
	switch {
	case result.Decision == policy.ResultBlock:
		next = domain.StatusPolicyBlocked
	case result.KYTRequired:
		next = domain.StatusKYTPending
	default:
		next = domain.StatusKYTSkipped
	}

	updated, err := o.transition(ctx, tx, req.ID, next, correlationID, nil, "system",
		map[string]any{"decision": string(result.Decision), "reasons": result.Reasons},
		func(tx *gorm.DB, r *domain.TxRequest) error {
			pr := string(resultJSON)
			r.PolicyResult = &pr
			r.RequiresApproval = result.ApprovalRequired
			r.RequiredApprovals = result.ApprovalCount
			entityType := "tx_request"
			_, err := o.audit.Append(ctx, tx, audit.Entry{
				EventType:     "TX_POLICY_EVALUATED",
				CorrelationID: correlationID,
				ActorType:     "system",
				EntityType:    &entityType,
				EntityID:      &r.ID,
				Payload: map[string]any{
					"decision":          string(result.Decision),
					"matched_rules":     result.MatchedRules,
					"reasons":           result.Reasons,
					"kyt_required":      result.KYTRequired,
					"approval_required": result.ApprovalRequired,
					"approval_count":    result.ApprovalCount,
					"policy_version":    result.PolicyVersion,
					"address_status":    string(result.AddressStatus),
				},
			})
			return err
		})
	if err != nil {
		return false, err
	}
	*req = *updated
	return next == domain.StatusPolicyBlocked, nil
}

func (o *Orchestrator) kytStep(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string) (bool, error) {
	verdict, err := o.screener.EvaluateOutbound(ctx, req.ToAddress)
	if err != nil {
		return false, err
	}
	o.metrics.RecordKYTVerdict(string(domain.KYTOutbound), string(verdict))

	switch verdict {
	case screener.VerdictBlock:
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusKYTBlocked, correlationID, nil, "system",
			map[string]any{"kyt_result": string(verdict)},
			func(tx *gorm.DB, r *domain.TxRequest) error {
				kr := string(verdict)
				r.KYTResult = &kr
				return nil
			})
		if err != nil {
			return false, err
		}
		*req = *updated
		return true, nil

	case screener.VerdictReview:
		kytCase := &domain.KYTCase{
			ID:        uuid.New(),
			Address:   req.ToAddress,
			Direction: domain.KYTOutbound,
			Reason:    "outbound screening flagged the recipient for review",
			Status:    domain.KYTCasePending,
		}
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusKYTReview, correlationID, nil, "system",
			map[string]any{"kyt_result": string(verdict), "kyt_case_id": kytCase.ID.String()},
			func(tx *gorm.DB, r *domain.TxRequest) error {
				if err := tx.Create(kytCase).Error; err != nil {
					return errs.Wrap(errs.Conflict, "orchestrator.kyt_case_create", "create KYT case", err)
				}
				kr := string(verdict)
				r.KYTResult = &kr
				r.KYTCaseID = &kytCase.ID
				return nil
			})
		if err != nil {
			return false, err
		}
		*req = *updated
		return true, nil

	default: // ALLOW or UNCHECKED (treated ALLOW, recorded prominently per spec.md §4.6)
		next := o.approvalGateTarget(req)
		updated, err := o.transition(ctx, tx, req.ID, next, correlationID, nil, "system",
			map[string]any{"kyt_result": string(verdict)},
			func(tx *gorm.DB, r *domain.TxRequest) error {
				kr := string(verdict)
				r.KYTResult = &kr
				return nil
			})
		if err != nil {
			return false, err
		}
		*req = *updated
		return next == domain.StatusApprovalPending, nil
	}
}

func (o *Orchestrator) beginSigningStep(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string, snapshot ApprovalSnapshot) (bool, error) {
	var wallet domain.Wallet
	if err := tx.Where("id = ?", req.WalletID).First(&wallet).Error; err != nil {
		return false, errs.Wrap(errs.NotFound, "orchestrator.wallet_not_found", "wallet not found for signing", err)
	}
	updated, err := o.transition(ctx, tx, req.ID, domain.StatusSignPending, correlationID, nil, "system", nil,
		func(tx *gorm.DB, r *domain.TxRequest) error {
			return o.beginSigning(ctx, tx, r, wallet, snapshot, correlationID)
		})
	if err != nil {
		return true, err
	}
	*req = *updated
	return wallet.CustodyBackend == domain.CustodyMPCTECDSA, nil
}

func (o *Orchestrator) completeLocalSigningStep(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string) (bool, error) {
	var wallet domain.Wallet
	if err := tx.Where("id = ?", req.WalletID).First(&wallet).Error; err != nil {
		return false, errs.Wrap(errs.NotFound, "orchestrator.wallet_not_found", "wallet not found for signing", err)
	}
	if wallet.CustodyBackend != domain.CustodyLocalKey {
		// Reached only via an explicit mpc_finalize call; nothing to do here.
		return true, nil
	}
	updated, err := o.transition(ctx, tx, req.ID, domain.StatusSigned, correlationID, nil, "system", nil,
		func(tx *gorm.DB, r *domain.TxRequest) error {
			return o.completeLocalSigning(ctx, tx, r, wallet, correlationID)
		})
	if err != nil {
		if _, ferr := o.transition(ctx, tx, req.ID, domain.StatusFailedSign, correlationID, nil, "system",
			map[string]any{"error": err.Error()}, nil); ferr != nil {
			return true, ferr
		}
		return true, err
	}
	*req = *updated
	return false, nil
}

// beginSigning allocates a nonce, prices gas, computes the unsigned signing
// digest, and issues the SigningPermit bound to it, per spec.md §4.1
// "Signing step" and §4.4 "Issuance". Must run inside the SIGN_PENDING
// transition's mutate hook.
func (o *Orchestrator) beginSigning(ctx context.Context, tx *gorm.DB, r *domain.TxRequest, wallet domain.Wallet, snapshot ApprovalSnapshot, correlationID string) error {
	var address string
	if wallet.Address != nil {
		address = *wallet.Address
	}
	nonce, err := o.nonces.NextNonce(ctx, address)
	if err != nil {
		return errs.Wrap(errs.TransientRemote, "orchestrator.nonce", "allocate nonce", err)
	}
	gasPrice, err := o.chain.GasPrice(ctx)
	if err != nil {
		return err
	}
	amount, err := money.FromString(r.AmountWei)
	if err != nil {
		return errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_amount", "malformed amount_wei", err)
	}
	var data []byte
	if r.Data != nil {
		data, err = hex.DecodeString(*r.Data)
		if err != nil {
			return errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_data", "malformed data payload", err)
		}
	}
	gasLimit, err := o.chain.EstimateGas(ctx, address, r.ToAddress, amount.Big(), data)
	if err != nil {
		return err
	}
	legacy := ethtx.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       common.HexToAddress(r.ToAddress),
		Value:    amount.Big(),
		Data:     data,
		ChainID:  o.chainID,
	}
	digest, err := ethtx.SigningHash(legacy)
	if err != nil {
		return err
	}
	digestHex := hex.EncodeToString(digest[:])

	anchor, err := o.lastAuditHash(tx)
	if err != nil {
		return err
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return errs.Wrap(errs.ProtocolViolation, "orchestrator.snapshot_marshal", "marshal approval snapshot", err)
	}

	var decision, kytResult, keysetID string
	if r.PolicyResult != nil {
		var pr struct {
			Decision string `json:"decision"`
		}
		_ = json.Unmarshal([]byte(*r.PolicyResult), &pr)
		decision = pr.Decision
	}
	if r.KYTResult != nil {
		kytResult = *r.KYTResult
	}
	if wallet.MPCKeysetRef != nil {
		keysetID = *wallet.MPCKeysetRef
	}

	content := permit.Content{
		TxRequestID:      r.ID,
		WalletID:         wallet.ID,
		KeysetID:         keysetID,
		TxHash:           digestHex,
		KYTResult:        kytResult,
		PolicyResult:     decision,
		ApprovalSnapshot: string(snapshotJSON),
		AuditAnchorHash:  anchor,
	}
	permitRec, err := o.permits.Issue(tx, content)
	if err != nil {
		return err
	}
	o.metrics.RecordPermitIssued()

	permitEntityType := "signing_permit"
	if _, err := o.audit.Append(ctx, tx, audit.Entry{
		EventType:     "SIGN_PERMIT_ISSUED",
		CorrelationID: correlationID,
		ActorType:     "system",
		EntityType:    &permitEntityType,
		EntityID:      &permitRec.ID,
		Payload: map[string]any{
			"tx_request_id": r.ID.String(),
			"wallet_id":     wallet.ID.String(),
			"tx_hash":       digestHex,
			"expires_at":    permitRec.ExpiresAt.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return err
	}

	gasPriceStr := gasPrice.String()
	r.Nonce = &nonce
	r.GasLimit = &gasLimit
	r.GasPrice = &gasPriceStr
	return nil
}

// rejectionReason renders a permit validation failure as the short,
// human-readable reason string spec.md §7's testable scenarios name (e.g.
// "tx_hash mismatch"), falling back to the error's Kind when the code is
// unrecognized.
func rejectionReason(err error) string {
	switch errs.CodeOf(err) {
	case "permit.tx_hash_mismatch":
		return "tx_hash mismatch"
	case "permit.used_or_revoked":
		return "used_or_revoked"
	case "permit.expired":
		return "expired"
	case "permit.bad_signature":
		return "bad_signature"
	case "permit.race_used":
		return "race_used"
	case "permit.not_found":
		return "not_found"
	default:
		return string(errs.KindOf(err))
	}
}

// appendPermitRejected records a SIGN_PERMIT_REJECTED audit event for a
// failed permit validation, per spec.md §4.4 "Validation".
func (o *Orchestrator) appendPermitRejected(ctx context.Context, tx *gorm.DB, reqID uuid.UUID, permitID *uuid.UUID, correlationID string, validateErr error) error {
	entityType := "signing_permit"
	var entityID *uuid.UUID
	if permitID != nil {
		entityID = permitID
	}
	_, err := o.audit.Append(ctx, tx, audit.Entry{
		EventType:     "SIGN_PERMIT_REJECTED",
		CorrelationID: correlationID,
		ActorType:     "system",
		EntityType:    &entityType,
		EntityID:      entityID,
		Payload: map[string]any{
			"tx_request_id": reqID.String(),
			"reason":        rejectionReason(validateErr),
		},
	})
	return err
}

// completeLocalSigning reconstructs the unsigned transaction from the
// parameters beginSigning persisted, signs it, RLP-encodes the signed tuple,
// and atomically consumes the pending permit.
func (o *Orchestrator) completeLocalSigning(ctx context.Context, tx *gorm.DB, r *domain.TxRequest, wallet domain.Wallet, correlationID string) error {
	legacy, digest, err := o.reconstructLegacyTx(r)
	if err != nil {
		return err
	}
	sig, err := o.localSigner.Sign(ctx, digest, wallet.ID)
	if err != nil {
		o.metrics.RecordSigningError(string(domain.CustodyLocalKey), "signer_unavailable")
		return errs.Wrap(errs.PermanentRemote, "orchestrator.local_sign_failed", "local signer failed to produce a signature", err)
	}
	raw, txHash, err := ethtx.Encode(legacy, sig)
	if err != nil {
		o.metrics.RecordSigningError(string(domain.CustodyLocalKey), "encode_failed")
		return err
	}

	var permitRec domain.SigningPermit
	if err := tx.Where("tx_request_id = ? AND is_used = ? AND is_revoked = ?", r.ID, false, false).
		Order("issued_at desc").First(&permitRec).Error; err != nil {
		o.metrics.RecordPermitRejected("not_found")
		missingErr := errs.Wrap(errs.NotFound, "orchestrator.permit_missing", "no pending signing permit for request", err)
		if aerr := o.appendPermitRejected(ctx, tx, r.ID, nil, correlationID, missingErr); aerr != nil {
			return aerr
		}
		return missingErr
	}
	if _, err := o.permits.Validate(tx, permitRec.ID, hex.EncodeToString(digest[:])); err != nil {
		o.metrics.RecordPermitRejected(string(errs.KindOf(err)))
		if aerr := o.appendPermitRejected(ctx, tx, r.ID, &permitRec.ID, correlationID, err); aerr != nil {
			return aerr
		}
		return err
	}

	rawHex := hex.EncodeToString(raw)
	txHashHex := hex.EncodeToString(txHash[:])
	r.SignedTx = &rawHex
	r.TxHash = &txHashHex
	return nil
}

func (o *Orchestrator) reconstructLegacyTx(r *domain.TxRequest) (ethtx.LegacyTx, [32]byte, error) {
	if r.Nonce == nil || r.GasPrice == nil || r.GasLimit == nil {
		return ethtx.LegacyTx{}, [32]byte{}, errs.New(errs.ProtocolViolation, "orchestrator.missing_tx_params",
			"tx request is missing nonce/gas parameters assigned at signing time")
	}
	amount, err := money.FromString(r.AmountWei)
	if err != nil {
		return ethtx.LegacyTx{}, [32]byte{}, errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_amount", "malformed amount_wei", err)
	}
	gasPrice, ok := new(big.Int).SetString(*r.GasPrice, 10)
	if !ok {
		return ethtx.LegacyTx{}, [32]byte{}, errs.New(errs.ProtocolViolation, "orchestrator.bad_gas_price", "malformed stored gas_price")
	}
	var data []byte
	if r.Data != nil {
		data, err = hex.DecodeString(*r.Data)
		if err != nil {
			return ethtx.LegacyTx{}, [32]byte{}, errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_data", "malformed data payload", err)
		}
	}
	legacy := ethtx.LegacyTx{
		Nonce:    *r.Nonce,
		GasPrice: gasPrice,
		Gas:      *r.GasLimit,
		To:       common.HexToAddress(r.ToAddress),
		Value:    amount.Big(),
		Data:     data,
		ChainID:  o.chainID,
	}
	digest, err := ethtx.SigningHash(legacy)
	return legacy, digest, err
}

func (o *Orchestrator) lastAuditHash(tx *gorm.DB) (string, error) {
	var last domain.AuditEvent
	if err := tx.Order("sequence_number DESC").Limit(1).Find(&last).Error; err != nil {
		return "", errs.Wrap(errs.Conflict, "orchestrator.audit_anchor", "load last audit event", err)
	}
	return last.Hash, nil
}

// broadcastStep submits the signed transaction with bounded exponential
// backoff on transient failures, per spec.md §4.1 "Broadcast step".
func (o *Orchestrator) broadcastStep(ctx context.Context, tx *gorm.DB, req *domain.TxRequest, correlationID string) (bool, error) {
	if req.SignedTx == nil {
		return true, errs.New(errs.ProtocolViolation, "orchestrator.no_signed_tx", "no signed transaction to broadcast")
	}
	raw, err := hex.DecodeString(*req.SignedTx)
	if err != nil {
		return true, errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_signed_tx", "malformed stored signed tx", err)
	}

	var lastErr error
	var txHash string
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		txHash, lastErr = o.chain.SendRawTransaction(ctx, raw)
		if lastErr == nil {
			break
		}
		if !errs.Is(lastErr, errs.TransientRemote) {
			break
		}
		o.metrics.RecordBroadcastRetry("transient")
		if attempt < o.maxRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	if lastErr != nil {
		o.metrics.RecordBroadcastRetry("exhausted")
		var wallet domain.Wallet
		if !errs.Is(lastErr, errs.TransientRemote) && tx.Where("id = ?", req.WalletID).First(&wallet).Error == nil && wallet.Address != nil {
			o.nonces.Reset(*wallet.Address)
		}
		updated, terr := o.transition(ctx, tx, req.ID, domain.StatusFailedBroadcast, correlationID, nil, "system",
			map[string]any{"error": lastErr.Error()}, nil)
		if terr != nil {
			return true, terr
		}
		*req = *updated
		return true, lastErr
	}

	updated, err := o.transition(ctx, tx, req.ID, domain.StatusBroadcasted, correlationID, nil, "system",
		map[string]any{"tx_hash": txHash},
		func(tx *gorm.DB, r *domain.TxRequest) error {
			r.TxHash = &txHash
			return nil
		})
	if err != nil {
		return true, err
	}
	*req = *updated
	return false, nil
}

// Approve records one user's vote on a request awaiting approval, enforcing
// separation of duties and single-vote-per-user, and issues the signing
// permit once the approval threshold is reached, per spec.md §4.1
// "Approval gate".
func (o *Orchestrator) Approve(ctx context.Context, reqID, userID uuid.UUID, decision domain.ApprovalDecision, comment *string, correlationID string) (*domain.TxRequest, *domain.Approval, error) {
	var resultApproval *domain.Approval

	err := o.db.Transaction(func(tx *gorm.DB) error {
		var req domain.TxRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", reqID).First(&req).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.request_not_found", "tx request not found", err)
		}
		if req.Status != domain.StatusApprovalPending {
			return errs.New(errs.Conflict, "orchestrator.not_awaiting_approval", "request is not awaiting approval")
		}
		if req.CreatedBy == userID {
			return errs.New(errs.Conflict, "orchestrator.sod_violation", "creator may not approve their own request")
		}

		var existing domain.Approval
		err := tx.Where("tx_request_id = ? AND user_id = ?", reqID, userID).First(&existing).Error
		if err == nil {
			return errs.New(errs.Conflict, "orchestrator.double_vote", "user has already voted on this request")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.Wrap(errs.Conflict, "orchestrator.load_approval", "look up existing vote", err)
		}

		approval := &domain.Approval{TxRequestID: reqID, UserID: userID, Decision: decision, Comment: comment}
		if err := tx.Create(approval).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.approval_create", "record approval vote", err)
		}
		resultApproval = approval

		entityType := "tx_request"
		if _, err := o.audit.Append(ctx, tx, audit.Entry{
			EventType:     "TX_APPROVAL_RECORDED",
			CorrelationID: correlationID,
			ActorID:       &userID,
			ActorType:     "user",
			EntityType:    &entityType,
			EntityID:      &req.ID,
			Payload:       map[string]any{"decision": string(decision)},
		}); err != nil {
			return err
		}

		if decision == domain.ApprovalRejected {
			_, err := o.transition(ctx, tx, reqID, domain.StatusRejected, correlationID, &userID, "user",
				map[string]any{"reason": "rejected by approver"}, nil)
			return err
		}

		var approvedCount int64
		if err := tx.Model(&domain.Approval{}).
			Where("tx_request_id = ? AND decision = ?", reqID, domain.ApprovalApproved).
			Count(&approvedCount).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.count_approvals", "count approved votes", err)
		}
		if int(approvedCount) < req.RequiredApprovals {
			return nil
		}

		var approvers []domain.Approval
		if err := tx.Where("tx_request_id = ? AND decision = ?", reqID, domain.ApprovalApproved).
			Find(&approvers).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.load_approvers", "load approver set", err)
		}
		approverIDs := make([]uuid.UUID, 0, len(approvers))
		for _, a := range approvers {
			approverIDs = append(approverIDs, a.UserID)
		}
		snapshot := ApprovalSnapshot{Count: len(approverIDs), Required: req.RequiredApprovals, Approvers: approverIDs}

		var wallet domain.Wallet
		if err := tx.Where("id = ?", req.WalletID).First(&wallet).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.wallet_not_found", "wallet not found for approval latency", err)
		}
		o.metrics.ObserveApprovalLatency(string(wallet.Type), time.Since(req.UpdatedAt))

		halted, err := o.beginSigningStep(ctx, tx, &req, correlationID, snapshot)
		if err != nil {
			return err
		}
		if !halted {
			return o.advance(ctx, tx, reqID, correlationID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var final domain.TxRequest
	if err := o.db.Where("id = ?", reqID).First(&final).Error; err != nil {
		return nil, resultApproval, errs.Wrap(errs.Conflict, "orchestrator.reload_request", "reload tx request", err)
	}
	return &final, resultApproval, nil
}

// ResolveKYT closes an open KYTCase and, for an outbound case tied to a
// TxRequest, re-enters the pipeline at the approval gate per spec.md §4.1
// "KYT step" and §11's supplemented KYT_CASE_RESOLVED event detail.
func (o *Orchestrator) ResolveKYT(ctx context.Context, kytCaseID, resolvedBy uuid.UUID, resolution domain.KYTCaseStatus, comment *string, correlationID string) (*domain.TxRequest, error) {
	var affectedReqID *uuid.UUID

	err := o.db.Transaction(func(tx *gorm.DB) error {
		var kytCase domain.KYTCase
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", kytCaseID).First(&kytCase).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.kyt_case_not_found", "KYT case not found", err)
		}
		if kytCase.Status != domain.KYTCasePending {
			return errs.New(errs.Conflict, "orchestrator.case_already_resolved", "KYT case has already been resolved")
		}
		now := time.Now().UTC()
		kytCase.Status = resolution
		kytCase.ResolvedBy = &resolvedBy
		kytCase.ResolvedAt = &now
		kytCase.ResolutionComment = comment
		if err := tx.Save(&kytCase).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.kyt_case_save", "save resolved KYT case", err)
		}

		entityType := "kyt_case"
		if _, err := o.audit.Append(ctx, tx, audit.Entry{
			EventType:     "KYT_CASE_RESOLVED",
			CorrelationID: correlationID,
			ActorID:       &resolvedBy,
			ActorType:     "user",
			EntityType:    &entityType,
			EntityID:      &kytCase.ID,
			Payload:       map[string]any{"resolution": string(resolution)},
		}); err != nil {
			return err
		}

		var req domain.TxRequest
		err := tx.Where("kyt_case_id = ?", kytCase.ID).First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Inbound-deposit-only case: nothing in the transfer pipeline to resume.
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.load_tx_for_case", "load tx request for KYT case", err)
		}
		affectedReqID = &req.ID

		if resolution == domain.KYTCaseResolvedBlock {
			_, err := o.transition(ctx, tx, req.ID, domain.StatusKYTBlocked, correlationID, &resolvedBy, "user",
				map[string]any{"kyt_case_id": kytCase.ID.String()}, nil)
			return err
		}

		next := o.approvalGateTarget(&req)
		updated, err := o.transition(ctx, tx, req.ID, next, correlationID, &resolvedBy, "user", nil, nil)
		if err != nil {
			return err
		}
		req = *updated
		if next == domain.StatusApprovalSkipped {
			return o.advance(ctx, tx, req.ID, correlationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if affectedReqID == nil {
		return nil, nil
	}
	var final domain.TxRequest
	if err := o.db.Where("id = ?", *affectedReqID).First(&final).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "orchestrator.reload_request", "reload tx request", err)
	}
	return &final, nil
}

// MPCFinalize assembles the signed transaction from the (r,s,v) triple an
// MPC signing session produced, consumes the pending permit, and proceeds
// to broadcast, per spec.md §4.1 "Signing step" (MPC branch) and §4.5
// "Signing completion".
func (o *Orchestrator) MPCFinalize(ctx context.Context, reqID uuid.UUID, sig ethtx.Recovery, correlationID string) error {
	var failure error
	txErr := o.db.Transaction(func(tx *gorm.DB) error {
		var req domain.TxRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", reqID).First(&req).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.request_not_found", "tx request not found", err)
		}
		if req.Status != domain.StatusSignPending {
			return errs.New(errs.Conflict, "orchestrator.not_awaiting_signature", "request is not awaiting a signature")
		}

		legacy, digest, err := o.reconstructLegacyTx(&req)
		if err != nil {
			return err
		}
		raw, txHash, err := ethtx.Encode(legacy, sig)
		if err != nil {
			if _, ferr := o.transition(ctx, tx, req.ID, domain.StatusFailedSign, correlationID, nil, "system",
				map[string]any{"error": err.Error()}, nil); ferr != nil {
				return ferr
			}
			failure = err
			return nil
		}

		var permitRec domain.SigningPermit
		if err := tx.Where("tx_request_id = ? AND is_used = ? AND is_revoked = ?", req.ID, false, false).
			Order("issued_at desc").First(&permitRec).Error; err != nil {
			o.metrics.RecordPermitRejected("not_found")
			missingErr := errs.Wrap(errs.NotFound, "orchestrator.permit_missing", "no pending signing permit for request", err)
			if aerr := o.appendPermitRejected(ctx, tx, req.ID, nil, correlationID, missingErr); aerr != nil {
				return aerr
			}
			failure = missingErr
			return nil
		}
		if _, err := o.permits.Validate(tx, permitRec.ID, hex.EncodeToString(digest[:])); err != nil {
			o.metrics.RecordPermitRejected(string(errs.KindOf(err)))
			if aerr := o.appendPermitRejected(ctx, tx, req.ID, &permitRec.ID, correlationID, err); aerr != nil {
				return aerr
			}
			if _, ferr := o.transition(ctx, tx, req.ID, domain.StatusFailedSign, correlationID, nil, "system",
				map[string]any{"error": err.Error()}, nil); ferr != nil {
				return ferr
			}
			failure = err
			return nil
		}

		rawHex := hex.EncodeToString(raw)
		txHashHex := hex.EncodeToString(txHash[:])
		updated, err := o.transition(ctx, tx, req.ID, domain.StatusSigned, correlationID, nil, "system", nil,
			func(tx *gorm.DB, r *domain.TxRequest) error {
				r.SignedTx = &rawHex
				r.TxHash = &txHashHex
				return nil
			})
		if err != nil {
			return err
		}
		req = *updated
		return o.advance(ctx, tx, req.ID, correlationID)
	})
	if txErr != nil {
		return txErr
	}
	return failure
}

// CheckConfirmation polls the chain receipt for a CONFIRMING request and
// advances confirmations, reversion, or finalization, per spec.md §4.1
// "Confirmation step". It is both a manual entry point and the method the
// chain listener drives on every tick.
func (o *Orchestrator) CheckConfirmation(ctx context.Context, reqID uuid.UUID, correlationID string) error {
	return o.db.Transaction(func(tx *gorm.DB) error {
		var req domain.TxRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", reqID).First(&req).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.request_not_found", "tx request not found", err)
		}
		if req.Status != domain.StatusConfirming {
			return nil
		}
		confirmingSince := req.UpdatedAt
		if req.TxHash == nil {
			return errs.New(errs.ProtocolViolation, "orchestrator.no_tx_hash", "confirming request has no tx hash")
		}
		receipt, err := o.chain.GetTransactionReceipt(ctx, *req.TxHash)
		if err != nil {
			return err
		}
		if !receipt.Found {
			return nil
		}
		if receipt.Status == 0 {
			_, err := o.transition(ctx, tx, req.ID, domain.StatusFailedBroadcast, correlationID, nil, "system",
				map[string]any{"reason": "reverted on-chain"}, nil)
			return err
		}

		head, err := o.chain.BlockNumber(ctx)
		if err != nil {
			return err
		}
		var confirmations uint64
		if head >= receipt.BlockNumber {
			confirmations = head - receipt.BlockNumber + 1
		}
		blockNumber := receipt.BlockNumber

		if confirmations < o.confBlocks {
			return tx.Model(&domain.TxRequest{}).Where("id = ?", req.ID).
				Updates(map[string]any{"block_number": blockNumber, "confirmations": confirmations}).Error
		}

		confirmed, err := o.transition(ctx, tx, req.ID, domain.StatusConfirmed, correlationID, nil, "system",
			map[string]any{"confirmations": confirmations},
			func(tx *gorm.DB, r *domain.TxRequest) error {
				r.BlockNumber = &blockNumber
				r.Confirmations = confirmations
				return nil
			})
		if err != nil {
			return err
		}

		amount, err := money.FromString(confirmed.AmountWei)
		if err != nil {
			return errs.Wrap(errs.ProtocolViolation, "orchestrator.bad_amount", "malformed amount_wei", err)
		}
		_, err = o.transition(ctx, tx, req.ID, domain.StatusFinalized, correlationID, nil, "system", nil,
			func(tx *gorm.DB, r *domain.TxRequest) error {
				return store.IncrementDailyVolume(tx, r.WalletID, r.Asset, amount, time.Now())
			})
		if err != nil {
			return err
		}
		o.metrics.ObserveConfirmationLatency(time.Since(confirmingSince))
		return nil
	})
}

// RetryBroadcast moves a FAILED_BROADCAST request back to BROADCAST_PENDING
// and re-attempts submission, the only non-terminal cycle in the legal
// successor table.
func (o *Orchestrator) RetryBroadcast(ctx context.Context, reqID uuid.UUID, correlationID string) error {
	return o.db.Transaction(func(tx *gorm.DB) error {
		updated, err := o.transition(ctx, tx, reqID, domain.StatusBroadcastPending, correlationID, nil, "system", nil, nil)
		if err != nil {
			return err
		}
		return o.advance(ctx, tx, updated.ID, correlationID)
	})
}

// --- chainlistener.Orchestrator collaborator methods (spec.md §4.7) ---

// ListConfirming returns every request awaiting confirmation.
func (o *Orchestrator) ListConfirming(ctx context.Context) ([]chainlistener.ConfirmingRequest, error) {
	var reqs []domain.TxRequest
	if err := o.db.WithContext(ctx).Where("status = ?", domain.StatusConfirming).Find(&reqs).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "orchestrator.list_confirming", "list confirming requests", err)
	}
	out := make([]chainlistener.ConfirmingRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.TxHash == nil {
			continue
		}
		var blockNumber uint64
		if r.BlockNumber != nil {
			blockNumber = *r.BlockNumber
		}
		out = append(out, chainlistener.ConfirmingRequest{ID: r.ID, TxHash: *r.TxHash, BlockNumber: blockNumber})
	}
	return out, nil
}

// RecordDeposit creates a PENDING_ADMIN Deposit for an inbound transfer to a
// monitored wallet address, running the inbound screener and opening a
// KYTCase on REVIEW, per spec.md §4.7.
func (o *Orchestrator) RecordDeposit(ctx context.Context, walletAddress, fromAddress, txHash, amountWei string, blockNumber uint64) error {
	return o.db.Transaction(func(tx *gorm.DB) error {
		var existing domain.Deposit
		err := tx.Where("tx_hash = ?", txHash).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.Wrap(errs.Conflict, "orchestrator.deposit_lookup", "look up existing deposit", err)
		}

		var wallet domain.Wallet
		if err := tx.Where("address = ?", walletAddress).First(&wallet).Error; err != nil {
			return errs.Wrap(errs.NotFound, "orchestrator.deposit_wallet_not_found", "deposit target wallet not found", err)
		}

		verdict, err := o.screener.EvaluateInbound(ctx, fromAddress)
		if err != nil {
			return err
		}
		o.metrics.RecordKYTVerdict(string(domain.KYTInbound), string(verdict))
		o.metrics.RecordDepositDetected(string(verdict))

		kr := string(verdict)
		deposit := &domain.Deposit{
			ID:          uuid.New(),
			WalletID:    wallet.ID,
			TxHash:      txHash,
			FromAddress: fromAddress,
			Asset:       "ETH",
			AmountWei:   amountWei,
			BlockNumber: blockNumber,
			KYTResult:   &kr,
			Status:      domain.DepositPendingAdmin,
		}
		if verdict == screener.VerdictReview {
			kytCase := &domain.KYTCase{
				ID:        uuid.New(),
				Address:   fromAddress,
				Direction: domain.KYTInbound,
				Reason:    "inbound deposit screening flagged the sender for review",
				Status:    domain.KYTCasePending,
			}
			if err := tx.Create(kytCase).Error; err != nil {
				return errs.Wrap(errs.Conflict, "orchestrator.deposit_kyt_case", "create KYT case for deposit", err)
			}
			deposit.KYTCaseID = &kytCase.ID
		}
		if err := tx.Create(deposit).Error; err != nil {
			return errs.Wrap(errs.Conflict, "orchestrator.deposit_create", "create deposit", err)
		}

		entityType := "deposit"
		_, err = o.audit.Append(ctx, tx, audit.Entry{
			EventType:     "DEPOSIT_DETECTED",
			CorrelationID: "chain-listener",
			ActorType:     "system",
			EntityType:    &entityType,
			EntityID:      &deposit.ID,
			Payload: map[string]any{
				"wallet_id":    wallet.ID.String(),
				"from_address": fromAddress,
				"tx_hash":      txHash,
				"amount_wei":   amountWei,
				"kyt_result":   string(verdict),
			},
		})
		return err
	})
}

// MonitoredAddresses returns every ACTIVE wallet's address keyed to its ID.
func (o *Orchestrator) MonitoredAddresses(ctx context.Context) (map[string]uuid.UUID, error) {
	var wallets []domain.Wallet
	if err := o.db.WithContext(ctx).Where("status = ? AND address IS NOT NULL", domain.WalletActive).Find(&wallets).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "orchestrator.list_wallets", "list active wallets", err)
	}
	out := make(map[string]uuid.UUID, len(wallets))
	for _, w := range wallets {
		if w.Address != nil {
			out[*w.Address] = w.ID
		}
	}
	return out, nil
}

const chainCursorID = "default"

// LastProcessedBlock returns the chain listener's persisted scan cursor.
func (o *Orchestrator) LastProcessedBlock(ctx context.Context) (uint64, error) {
	var cursor domain.ChainCursor
	err := o.db.WithContext(ctx).Where("id = ?", chainCursorID).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.Conflict, "orchestrator.load_cursor", "load chain cursor", err)
	}
	return cursor.LastProcessedBlock, nil
}

// AdvanceProcessedBlock persists the chain listener's scan cursor.
func (o *Orchestrator) AdvanceProcessedBlock(ctx context.Context, block uint64) error {
	cursor := domain.ChainCursor{ID: chainCursorID, LastProcessedBlock: block}
	err := o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_block"}),
	}).Create(&cursor).Error
	if err != nil {
		return errs.Wrap(errs.Conflict, "orchestrator.save_cursor", "save chain cursor", err)
	}
	if head, herr := o.chain.BlockNumber(ctx); herr == nil && head >= block {
		o.metrics.SetChainListenerLag(float64(head - block))
	}
	return nil
}
