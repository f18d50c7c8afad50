// Package permit issues and validates SigningPermits, the time-bounded,
// HMAC-bound authorization tokens of spec.md §4.4 that gate every signing
// operation. Constant-time comparison mirrors the teacher's hsm client's
// treatment of signing material as boundary-critical.
package permit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ids"
)

// DefaultTTL is the permit lifetime applied when the caller does not override it.
const DefaultTTL = 60 * time.Second

// Content is the set of fields a permit's hash and signature bind, per
// spec.md §4.4. Any consumer recomputing the hash must use exactly this shape.
type Content struct {
	TxRequestID      uuid.UUID `json:"tx_request_id"`
	WalletID         uuid.UUID `json:"wallet_id"`
	KeysetID         string    `json:"keyset_id,omitempty"`
	TxHash           string    `json:"tx_hash"`
	KYTResult        string    `json:"kyt_result,omitempty"`
	PolicyResult     string    `json:"policy_result"`
	ApprovalSnapshot string    `json:"approval_snapshot"`
	AuditAnchorHash  string    `json:"audit_anchor_hash"`
}

// Issuer mints and validates permits against a configured HMAC key.
type Issuer struct {
	db  *gorm.DB
	key []byte
	ttl time.Duration
}

// NewIssuer constructs an Issuer. ttl of zero uses DefaultTTL.
func NewIssuer(db *gorm.DB, signingKey string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{db: db, key: []byte(signingKey), ttl: ttl}
}

func canonicalHash(c Content) (string, error) {
	raw, err := ids.Canonical(map[string]any{
		"tx_request_id":     c.TxRequestID.String(),
		"wallet_id":         c.WalletID.String(),
		"keyset_id":         c.KeysetID,
		"tx_hash":           c.TxHash,
		"kyt_result":        c.KYTResult,
		"policy_result":     c.PolicyResult,
		"approval_snapshot": c.ApprovalSnapshot,
		"audit_anchor_hash": c.AuditAnchorHash,
	})
	if err != nil {
		return "", errs.Wrap(errs.ProtocolViolation, "permit.canonicalize", "canonicalize permit content", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Issue computes permit_hash, signs it with the configured key, and persists
// the permit. Callers are expected to run this inside the same database
// transaction as the SIGN_PERMIT_ISSUED audit append.
func (iss *Issuer) Issue(tx *gorm.DB, c Content) (*domain.SigningPermit, error) {
	hash, err := canonicalHash(c)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, iss.key)
	mac.Write([]byte(hash))
	signature := hex.EncodeToString(mac.Sum(nil))

	now := time.Now().UTC()
	var keysetID, kytResult *string
	if c.KeysetID != "" {
		keysetID = &c.KeysetID
	}
	if c.KYTResult != "" {
		kytResult = &c.KYTResult
	}

	record := &domain.SigningPermit{
		ID:               uuid.New(),
		TxRequestID:      c.TxRequestID,
		WalletID:         c.WalletID,
		KeysetID:         keysetID,
		TxHash:           c.TxHash,
		KYTResult:        kytResult,
		PolicyResult:     c.PolicyResult,
		ApprovalSnapshot: c.ApprovalSnapshot,
		AuditAnchorHash:  c.AuditAnchorHash,
		PermitHash:       hash,
		Signature:        signature,
		IssuedAt:         now,
		ExpiresAt:        now.Add(iss.ttl),
	}
	if err := tx.Create(record).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "permit.create", "persist signing permit", err)
	}
	return record, nil
}

// Validate checks a presented permit against all four rules of spec.md §4.4
// and, on success, atomically marks it used. txHash is the hash the signing
// consumer is about to act on; it must match the permit byte-for-byte.
func (iss *Issuer) Validate(tx *gorm.DB, permitID uuid.UUID, txHash string) (*domain.SigningPermit, error) {
	var p domain.SigningPermit
	if err := tx.Where("id = ?", permitID).First(&p).Error; err != nil {
		return nil, errs.Wrap(errs.NotFound, "permit.not_found", "signing permit not found", err)
	}

	if p.IsUsed || p.IsRevoked {
		return nil, errs.New(errs.PermitInvalid, "permit.used_or_revoked", "permit already used or revoked")
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		return nil, errs.New(errs.PermitInvalid, "permit.expired", "permit has expired")
	}
	if subtle.ConstantTimeCompare([]byte(txHash), []byte(p.TxHash)) != 1 {
		return nil, errs.New(errs.PermitInvalid, "permit.tx_hash_mismatch", "presented tx_hash does not match permit")
	}
	mac := hmac.New(sha256.New, iss.key)
	mac.Write([]byte(p.PermitHash))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expectedSig), []byte(p.Signature)) != 1 {
		return nil, errs.New(errs.PermitInvalid, "permit.bad_signature", "permit signature verification failed")
	}

	now := time.Now().UTC()
	result := tx.Model(&domain.SigningPermit{}).
		Where("id = ? AND is_used = ?", permitID, false).
		Updates(map[string]any{"is_used": true, "used_at": now})
	if result.Error != nil {
		return nil, errs.Wrap(errs.Conflict, "permit.mark_used", "mark permit used", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, errs.New(errs.ProtocolViolation, "permit.race_used", "permit was consumed concurrently")
	}
	p.IsUsed = true
	p.UsedAt = &now
	return &p, nil
}
