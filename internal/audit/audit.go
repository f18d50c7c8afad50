// Package audit implements the append-only, hash-chained event log described
// in spec.md §4.3. It is the Core's ledger of record: every state change,
// policy evaluation, approval, and signing event flows through Append inside
// the same database transaction as the business write that caused it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ids"
)

// Log appends events to the hash chain and verifies it, guarded by a
// row-locked sequence counter the way otc-gateway guards its invoice
// transitions with clause.Locking.
type Log struct {
	logger *log.Logger
}

// New constructs a Log. logger may be nil, in which case events are not
// separately logged beyond the structured slog call sites in callers.
func New(logger *log.Logger) *Log {
	return &Log{logger: logger}
}

// Entry describes one event to append. EntityID/EntityType/ActorID/CorrelationID
// are optional per spec.md §3's AuditEvent definition.
type Entry struct {
	EventType     string
	CorrelationID string
	ActorID       *uuid.UUID
	ActorType     string
	EntityType    *string
	EntityID      *uuid.UUID
	Payload       map[string]any
}

// Append assigns the next sequence number, chains the new hash to the
// previous event's hash, and writes the event inside tx. Callers are
// expected to be inside a gorm.DB.Transaction alongside the business write
// that triggered this event.
func (l *Log) Append(ctx context.Context, tx *gorm.DB, e Entry) (*domain.AuditEvent, error) {
	var last domain.AuditEvent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("sequence_number DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, errs.Wrap(errs.Conflict, "audit.lock_last", "lock previous audit event", err)
	}

	var prevHash *string
	nextSeq := uint64(1)
	if last.SequenceNumber > 0 {
		h := last.Hash
		prevHash = &h
		nextSeq = last.SequenceNumber + 1
	}

	now := time.Now().UTC()
	id := uuid.New()

	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	payloadBytes, err := ids.Canonical(e.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolViolation, "audit.marshal_payload", "marshal audit payload", err)
	}

	hashInput := map[string]any{
		"event_id":    id.String(),
		"timestamp":   now.Format(time.RFC3339Nano),
		"event_type":  e.EventType,
		"actor_id":    nullableUUID(e.ActorID),
		"entity_type": nullableString(e.EntityType),
		"entity_id":   nullableUUID(e.EntityID),
		"payload":     e.Payload,
		"prev_hash":   nullableString(prevHash),
	}
	canon, err := ids.Canonical(hashInput)
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolViolation, "audit.canonicalize", "canonicalize audit event", err)
	}
	sum := sha256.Sum256(canon)
	hash := hex.EncodeToString(sum[:])

	event := &domain.AuditEvent{
		ID:             id,
		SequenceNumber: nextSeq,
		Timestamp:      now,
		EventType:      e.EventType,
		ActorID:        e.ActorID,
		ActorType:      e.ActorType,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Payload:        string(payloadBytes),
		CorrelationID:  e.CorrelationID,
		PrevHash:       prevHash,
		Hash:           hash,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "audit.create", "persist audit event", err)
	}
	if l.logger != nil {
		l.logger.Printf("audit event appended seq=%d type=%s entity=%v", nextSeq, e.EventType, event.EntityID)
	}
	return event, nil
}

// Mismatch describes a single tamper finding surfaced by Verify.
type Mismatch struct {
	SequenceNumber uint64
	EventID        uuid.UUID
	Reason         string
}

// Verify walks events in sequence order within [from, to] (1-indexed,
// inclusive; to=0 means "through the latest") checking hash-chain
// continuity and recomputing each event's hash. It is read-only.
func Verify(db *gorm.DB, from, to uint64) ([]Mismatch, error) {
	if from == 0 {
		from = 1
	}
	q := db.Order("sequence_number ASC").Where("sequence_number >= ?", from)
	if to > 0 {
		q = q.Where("sequence_number <= ?", to)
	}
	var events []domain.AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "audit.verify_scan", "scan audit events", err)
	}

	var mismatches []Mismatch
	var prevHash *string
	if from > 1 {
		var priorEvent domain.AuditEvent
		if err := db.Where("sequence_number = ?", from-1).First(&priorEvent).Error; err != nil {
			return nil, errs.Wrap(errs.NotFound, "audit.verify_prior", "load prior chain anchor", err)
		}
		h := priorEvent.Hash
		prevHash = &h
	}

	for _, ev := range events {
		if !equalNullableString(ev.PrevHash, prevHash) {
			mismatches = append(mismatches, Mismatch{
				SequenceNumber: ev.SequenceNumber,
				EventID:        ev.ID,
				Reason:         "prev_hash does not match preceding event's hash",
			})
		}
		recomputed := recomputeHash(ev)
		if recomputed != ev.Hash {
			mismatches = append(mismatches, Mismatch{
				SequenceNumber: ev.SequenceNumber,
				EventID:        ev.ID,
				Reason:         "stored hash does not match recomputed hash",
			})
		}
		h := ev.Hash
		prevHash = &h
	}
	return mismatches, nil
}

func recomputeHash(ev domain.AuditEvent) string {
	payload := map[string]any{}
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	hashInput := map[string]any{
		"event_id":    ev.ID.String(),
		"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
		"event_type":  ev.EventType,
		"actor_id":    nullableUUID(ev.ActorID),
		"entity_type": nullableString(ev.EntityType),
		"entity_id":   nullableUUID(ev.EntityID),
		"payload":     payload,
		"prev_hash":   nullableString(ev.PrevHash),
	}
	canon, err := ids.Canonical(hashInput)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// Package assembles a full report for a given entity: every audit event
// referencing it, plus a package-level hash committing to the canonical
// serialization of the stream, per spec.md §4.3 "Audit package".
type Package struct {
	EntityType  string              `json:"entity_type"`
	EntityID    uuid.UUID           `json:"entity_id"`
	Events      []domain.AuditEvent `json:"events"`
	PackageHash string              `json:"package_hash"`
}

// BuildPackage assembles the Package for entityID.
func BuildPackage(db *gorm.DB, entityType string, entityID uuid.UUID) (*Package, error) {
	var events []domain.AuditEvent
	err := db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("sequence_number ASC").
		Find(&events).Error
	if err != nil {
		return nil, errs.Wrap(errs.Conflict, "audit.package_scan", "scan entity audit events", err)
	}

	summaries := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		summaries = append(summaries, map[string]any{
			"sequence_number": ev.SequenceNumber,
			"event_type":      ev.EventType,
			"hash":            ev.Hash,
		})
	}
	canon, err := ids.Canonical(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID.String(),
		"events":      summaries,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolViolation, "audit.package_canonicalize", "canonicalize audit package", err)
	}
	sum := sha256.Sum256(canon)

	return &Package{
		EntityType:  entityType,
		EntityID:    entityID,
		Events:      events,
		PackageHash: hex.EncodeToString(sum[:]),
	}, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func equalNullableString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
