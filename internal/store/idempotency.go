// Package store provides the persistence-adjacent primitives the
// orchestrator composes directly: the idempotency-key guard (adapted from
// the teacher's middleware/idempotency.go HTTP-response cache into a
// TxRequest-returning guard), the in-memory nonce manager, and daily-volume
// accounting.
package store

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
)

// LookupIdempotencyKey returns the TxRequest previously created under key, if
// any. A nil, nil result means the key is unused and the caller should
// proceed to create a new request and call RecordIdempotencyKey.
func LookupIdempotencyKey(tx *gorm.DB, key string) (*domain.TxRequest, error) {
	if key == "" {
		return nil, nil
	}
	var record domain.IdempotencyRecord
	err := tx.Where("key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Conflict, "store.idempotency_lookup", "look up idempotency key", err)
	}
	var req domain.TxRequest
	if err := tx.Where("id = ?", record.TxRequestID).First(&req).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "store.idempotency_dangling", "idempotency key references missing request", err)
	}
	return &req, nil
}

// RecordIdempotencyKey binds key to txRequestID. Must be called inside the
// same transaction that created the TxRequest; a unique-constraint violation
// surfaces as Conflict per spec.md §7 "idempotency key reuse".
func RecordIdempotencyKey(tx *gorm.DB, key string, txRequestID uuid.UUID) error {
	if key == "" {
		return nil
	}
	record := domain.IdempotencyRecord{
		Key:         key,
		TxRequestID: txRequestID,
	}
	if err := tx.Create(&record).Error; err != nil {
		return errs.Wrap(errs.Conflict, "store.idempotency_record", "record idempotency key", err)
	}
	return nil
}
