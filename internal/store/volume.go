package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/money"
)

// IncrementDailyVolume adds amount to walletID's counter for asset on the
// UTC calendar day of now, creating the row if needed. Must be called
// inside the same transaction as the FINALIZED transition per spec.md §4.1.
func IncrementDailyVolume(tx *gorm.DB, walletID uuid.UUID, asset string, amount money.Wei, now time.Time) error {
	date := now.UTC().Format("2006-01-02")

	var row domain.DailyVolume
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND date = ? AND asset = ?", walletID, date, asset).
		First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = domain.DailyVolume{
			WalletID:    walletID,
			Date:        date,
			Asset:       asset,
			TotalAmount: amount.String(),
			TxCount:     1,
		}
		if err := tx.Create(&row).Error; err != nil {
			return errs.Wrap(errs.Conflict, "store.daily_volume_create", "create daily volume row", err)
		}
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Conflict, "store.daily_volume_lock", "lock daily volume row", err)
	}

	existing, err := money.FromString(row.TotalAmount)
	if err != nil {
		return errs.Wrap(errs.ProtocolViolation, "store.daily_volume_parse", "parse existing daily volume total", err)
	}
	updated := existing.Add(amount)

	result := tx.Model(&domain.DailyVolume{}).
		Where("wallet_id = ? AND date = ? AND asset = ?", walletID, date, asset).
		Updates(map[string]any{
			"total_amount": updated.String(),
			"tx_count":     row.TxCount + 1,
		})
	if result.Error != nil {
		return errs.Wrap(errs.Conflict, "store.daily_volume_update", "update daily volume row", result.Error)
	}
	return nil
}

// SumCreditedDeposits sums all CREDITED deposits for walletID in asset,
// used by the orchestrator's MPC-custody creation check (spec.md §4.1
// "Creation pipeline": requested amount must not exceed credited deposits).
func SumCreditedDeposits(db *gorm.DB, walletID uuid.UUID, asset string) (money.Wei, error) {
	var deposits []domain.Deposit
	err := db.Where("wallet_id = ? AND asset = ? AND status = ?", walletID, asset, domain.DepositCredited).
		Find(&deposits).Error
	if err != nil {
		return money.Zero(), errs.Wrap(errs.Conflict, "store.sum_deposits", "sum credited deposits", err)
	}
	total := money.Zero()
	for _, d := range deposits {
		amount, err := money.FromString(d.AmountWei)
		if err != nil {
			return money.Zero(), errs.Wrap(errs.ProtocolViolation, "store.bad_deposit_amount", "parse deposit amount", err)
		}
		total = total.Add(amount)
	}
	return total, nil
}
