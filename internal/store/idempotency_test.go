package store_test

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := domain.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLookupIdempotencyKeyUnusedReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	req, err := store.LookupIdempotencyKey(db, "unused-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatalf("expected nil for an unused key")
	}
}

func TestLookupIdempotencyKeyEmptyStringIsNoop(t *testing.T) {
	db := setupTestDB(t)
	req, err := store.LookupIdempotencyKey(db, "")
	if err != nil || req != nil {
		t.Fatalf("expected nil, nil for empty key, got %v, %v", req, err)
	}
}

func TestRecordThenLookupReturnsTheRequest(t *testing.T) {
	db := setupTestDB(t)
	txReq := domain.TxRequest{ID: uuid.New(), WalletID: uuid.New(), ToAddress: "0xabc", Asset: "ETH", AmountWei: "1", CreatedBy: uuid.New()}
	if err := db.Create(&txReq).Error; err != nil {
		t.Fatalf("seed tx request: %v", err)
	}

	if err := store.RecordIdempotencyKey(db, "key-1", txReq.ID); err != nil {
		t.Fatalf("record key: %v", err)
	}

	got, err := store.LookupIdempotencyKey(db, "key-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.ID != txReq.ID {
		t.Fatalf("expected lookup to return the bound tx request, got %v", got)
	}
}

func TestRecordRejectsDuplicateKey(t *testing.T) {
	db := setupTestDB(t)
	first := domain.TxRequest{ID: uuid.New(), WalletID: uuid.New(), ToAddress: "0xabc", Asset: "ETH", AmountWei: "1", CreatedBy: uuid.New()}
	second := domain.TxRequest{ID: uuid.New(), WalletID: uuid.New(), ToAddress: "0xabc", Asset: "ETH", AmountWei: "2", CreatedBy: uuid.New()}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("seed first: %v", err)
	}
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("seed second: %v", err)
	}

	if err := store.RecordIdempotencyKey(db, "shared-key", first.ID); err != nil {
		t.Fatalf("record first: %v", err)
	}
	err := store.RecordIdempotencyKey(db, "shared-key", second.ID)
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected Conflict for duplicate idempotency key, got %v", err)
	}
}
