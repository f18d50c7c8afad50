// Package domain holds the gorm-tagged persistence models for the
// Transaction Security Core, laid out the way the teacher's otc-gateway
// models package lays out Branch/User/Invoice: plain structs, uuid.UUID
// primary keys, decimal-string money columns, one AutoMigrate entrypoint.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WalletType enumerates the operational role of a custodied wallet.
type WalletType string

const (
	WalletRetail     WalletType = "RETAIL"
	WalletTreasury   WalletType = "TREASURY"
	WalletOps        WalletType = "OPS"
	WalletSettlement WalletType = "SETTLEMENT"
)

// CustodyBackend enumerates how a wallet's private key material is held.
type CustodyBackend string

const (
	CustodyLocalKey    CustodyBackend = "LOCAL_KEY"
	CustodyMPCTECDSA   CustodyBackend = "MPC_TECDSA"
)

// WalletStatus enumerates a wallet's lifecycle stage.
type WalletStatus string

const (
	WalletPendingKeygen WalletStatus = "PENDING_KEYGEN"
	WalletActive        WalletStatus = "ACTIVE"
	WalletSuspended     WalletStatus = "SUSPENDED"
	WalletArchived      WalletStatus = "ARCHIVED"
)

// Wallet is a custodied address plus its custody backend metadata.
type Wallet struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Address        *string        `gorm:"size:64;uniqueIndex"`
	Type           WalletType     `gorm:"size:32;index"`
	CustodyBackend CustodyBackend `gorm:"size:32"`
	Status         WalletStatus   `gorm:"size:32;index"`
	MPCKeysetRef   *string        `gorm:"size:128"`
	MPCThresholdT  *int
	MPCTotalN      *int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TxStatus enumerates every state a TxRequest may occupy, per spec.md §4.1.
type TxStatus string

const (
	StatusSubmitted         TxStatus = "SUBMITTED"
	StatusPolicyEvalPending TxStatus = "POLICY_EVAL_PENDING"
	StatusPolicyBlocked     TxStatus = "POLICY_BLOCKED"
	StatusKYTPending        TxStatus = "KYT_PENDING"
	StatusKYTSkipped        TxStatus = "KYT_SKIPPED"
	StatusKYTReview         TxStatus = "KYT_REVIEW"
	StatusKYTBlocked        TxStatus = "KYT_BLOCKED"
	StatusApprovalPending   TxStatus = "APPROVAL_PENDING"
	StatusApprovalSkipped   TxStatus = "APPROVAL_SKIPPED"
	StatusRejected          TxStatus = "REJECTED"
	StatusSignPending       TxStatus = "SIGN_PENDING"
	StatusSigned            TxStatus = "SIGNED"
	StatusFailedSign        TxStatus = "FAILED_SIGN"
	StatusBroadcastPending  TxStatus = "BROADCAST_PENDING"
	StatusBroadcasted       TxStatus = "BROADCASTED"
	StatusFailedBroadcast   TxStatus = "FAILED_BROADCAST"
	StatusConfirming        TxStatus = "CONFIRMING"
	StatusConfirmed         TxStatus = "CONFIRMED"
	StatusFinalized         TxStatus = "FINALIZED"
)

// TxRequest is an outbound transfer in flight through the orchestrator.
// Every status mutation must go through orchestrator's guarded transition
// primitive; no other package may write Status directly.
type TxRequest struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletID          uuid.UUID `gorm:"type:uuid;index"`
	ToAddress         string    `gorm:"size:64"`
	Asset             string    `gorm:"size:32"`
	AmountWei         string    `gorm:"size:96"`
	Data              *string   `gorm:"type:text"`
	Status            TxStatus  `gorm:"size:32;index"`
	PolicyResult      *string   `gorm:"type:text"`
	KYTResult         *string   `gorm:"size:32"`
	KYTCaseID         *uuid.UUID `gorm:"type:uuid"`
	RequiresApproval  bool
	RequiredApprovals int
	SignedTx          *string `gorm:"type:text"`
	TxHash            *string `gorm:"size:80;index"`
	Nonce             *uint64
	GasLimit          *uint64
	GasPrice          *string `gorm:"size:96"`
	BlockNumber       *uint64
	Confirmations     uint64
	CreatedBy         uuid.UUID  `gorm:"type:uuid;index"`
	IdempotencyKey    *string    `gorm:"size:128;uniqueIndex"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RuleDecision enumerates a policy rule's terminal or continuation verdict.
type RuleDecision string

const (
	DecisionAllow    RuleDecision = "ALLOW"
	DecisionBlock    RuleDecision = "BLOCK"
	DecisionContinue RuleDecision = "CONTINUE"
)

// PolicySet is a named, versioned, ordered collection of PolicyRules.
type PolicySet struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"size:128;index:idx_policyset_name_version,unique,priority:1"`
	Version      int       `gorm:"index:idx_policyset_name_version,unique,priority:2"`
	IsActive     bool      `gorm:"index"`
	SnapshotHash string    `gorm:"size:64"`
	Rules        []PolicyRule `gorm:"foreignKey:PolicySetID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PolicyRule is one tiered predicate within a PolicySet.
type PolicyRule struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey"`
	PolicySetID      uuid.UUID    `gorm:"type:uuid;index"`
	RuleID           string       `gorm:"size:32"`
	Priority         int          `gorm:"index"`
	Conditions       string       `gorm:"type:text"`
	Decision         RuleDecision `gorm:"size:16"`
	KYTRequired      bool
	ApprovalRequired bool
	ApprovalCount    int
}

// Group owns an AddressBook and is assigned to exactly one PolicySet.
type Group struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"size:128;uniqueIndex"`
	IsDefault   bool      `gorm:"index"`
	PolicySetID uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GroupMember binds a user to a group.
type GroupMember struct {
	GroupID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID  uuid.UUID `gorm:"type:uuid;primaryKey"`
}

// AddressBookKind enumerates an AddressBook entry's polarity.
type AddressBookKind string

const (
	AddressAllow AddressBookKind = "ALLOW"
	AddressDeny  AddressBookKind = "DENY"
)

// AddressBookEntry is one allow/deny-listed address owned by a Group.
type AddressBookEntry struct {
	ID      uuid.UUID       `gorm:"type:uuid;primaryKey"`
	GroupID uuid.UUID       `gorm:"type:uuid;index"`
	Address string          `gorm:"size:64;index"`
	Kind    AddressBookKind `gorm:"size:8"`
	Label   *string         `gorm:"size:255"`
}

// ApprovalDecision enumerates an approver's vote.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "APPROVED"
	ApprovalRejected ApprovalDecision = "REJECTED"
)

// Approval is one user's vote on a TxRequest, unique per (tx_request_id, user_id).
type Approval struct {
	TxRequestID uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Decision    ApprovalDecision `gorm:"size:16"`
	Comment     *string          `gorm:"type:text"`
	CreatedAt   time.Time
}

// KYTDirection enumerates whether a case concerns an inbound or outbound flow.
type KYTDirection string

const (
	KYTInbound  KYTDirection = "INBOUND"
	KYTOutbound KYTDirection = "OUTBOUND"
)

// KYTCaseStatus enumerates a screening case's resolution state.
type KYTCaseStatus string

const (
	KYTCasePending       KYTCaseStatus = "PENDING"
	KYTCaseResolvedAllow KYTCaseStatus = "RESOLVED_ALLOW"
	KYTCaseResolvedBlock KYTCaseStatus = "RESOLVED_BLOCK"
)

// KYTCase is opened by the screener on a REVIEW verdict and closed by a human.
type KYTCase struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Address           string        `gorm:"size:64;index"`
	Direction         KYTDirection  `gorm:"size:16"`
	Reason            string        `gorm:"type:text"`
	Status            KYTCaseStatus `gorm:"size:32;index"`
	ResolvedBy        *uuid.UUID    `gorm:"type:uuid"`
	ResolvedAt        *time.Time
	ResolutionComment *string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SigningPermit is the time-bounded, HMAC-bound authorization token that
// gates every signing operation. See internal/permit for issuance/validation.
type SigningPermit struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxRequestID      uuid.UUID `gorm:"type:uuid;index"`
	WalletID         uuid.UUID `gorm:"type:uuid;index"`
	KeysetID         *string   `gorm:"size:128"`
	TxHash           string    `gorm:"size:80"`
	KYTResult        *string   `gorm:"size:32"`
	KYTSnapshot      *string   `gorm:"type:text"`
	PolicyResult     string    `gorm:"size:32"`
	PolicySnapshot   string    `gorm:"type:text"`
	ApprovalSnapshot string    `gorm:"type:text"`
	AuditAnchorHash  string    `gorm:"size:64"`
	PermitHash       string    `gorm:"size:64"`
	Signature        string    `gorm:"size:128"`
	IssuedAt         time.Time
	ExpiresAt        time.Time
	UsedAt           *time.Time
	IsUsed           bool `gorm:"index"`
	IsRevoked        bool `gorm:"index"`
}

// AuditEvent is one immutable, hash-chained entry in the audit log.
type AuditEvent struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SequenceNumber uint64    `gorm:"uniqueIndex"`
	Timestamp      time.Time
	EventType      string     `gorm:"size:64;index"`
	ActorID        *uuid.UUID `gorm:"type:uuid"`
	ActorType      string     `gorm:"size:32"`
	EntityType     *string    `gorm:"size:32"`
	EntityID       *uuid.UUID `gorm:"type:uuid;index"`
	Payload        string     `gorm:"type:text"`
	CorrelationID  string     `gorm:"size:64;index"`
	PrevHash       *string    `gorm:"size:64"`
	Hash           string     `gorm:"size:64;uniqueIndex"`
}

// DepositStatus enumerates an inbound deposit's credit workflow state.
type DepositStatus string

const (
	DepositPendingAdmin DepositStatus = "PENDING_ADMIN"
	DepositCredited     DepositStatus = "CREDITED"
	DepositRejected     DepositStatus = "REJECTED"
)

// Deposit is an inbound on-chain transfer observed by the chain listener.
type Deposit struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	WalletID         uuid.UUID     `gorm:"type:uuid;index"`
	TxHash           string        `gorm:"size:80;uniqueIndex"`
	FromAddress      string        `gorm:"size:64"`
	Asset            string        `gorm:"size:32"`
	AmountWei        string        `gorm:"size:96"`
	BlockNumber      uint64
	KYTResult        *string       `gorm:"size:32"`
	KYTCaseID        *uuid.UUID    `gorm:"type:uuid"`
	Status           DepositStatus `gorm:"size:32;index"`
	ApprovedBy       *uuid.UUID    `gorm:"type:uuid"`
	ApprovedAt       *time.Time
	RejectedBy       *uuid.UUID `gorm:"type:uuid"`
	RejectedAt       *time.Time
	RejectionReason  *string `gorm:"type:text"`
}

// DailyVolume accumulates outbound wei moved per wallet/asset/day, incremented
// once per FINALIZED transfer.
type DailyVolume struct {
	WalletID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Date        string    `gorm:"primaryKey;size:10"`
	Asset       string    `gorm:"primaryKey;size:32"`
	TotalAmount string    `gorm:"size:96"`
	TxCount     uint64
}

// IdempotencyRecord caches the outcome of a create-request call keyed by
// caller-supplied idempotency key, adapted from the teacher's
// middleware/idempotency.go HTTP-response cache into a domain-level guard
// internal/store applies directly inside orchestrator.Create.
type IdempotencyRecord struct {
	Key         string    `gorm:"primaryKey;size:128"`
	TxRequestID uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt   time.Time
}

// ChainCursor persists the chain listener's last fully-scanned block number
// so a restart resumes the deposit scan window rather than re-scanning from
// genesis or, worse, silently skipping blocks.
type ChainCursor struct {
	ID                 string `gorm:"primaryKey;size:32"`
	LastProcessedBlock uint64
}

// AutoMigrate performs all schema migrations for the Core.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Wallet{},
		&TxRequest{},
		&PolicySet{},
		&PolicyRule{},
		&Group{},
		&GroupMember{},
		&AddressBookEntry{},
		&Approval{},
		&KYTCase{},
		&SigningPermit{},
		&AuditEvent{},
		&Deposit{},
		&DailyVolume{},
		&IdempotencyRecord{},
		&ChainCursor{},
	)
}
