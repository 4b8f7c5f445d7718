package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sodiumcore/native/lifecycle"
)

var (
	ErrTransferNotFound = errors.New("journal: transfer not found")
	ErrTransferFinal    = errors.New("journal: transfer already finalised")
)

// Outbox stores settlement instructions for an external relayer. It
// implements lifecycle.Settlement: a transfer is accepted once it is durably
// queued.
type Outbox struct {
	db *gorm.DB
}

func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

// Transfer queues t. Re-queuing the same instruction id is a no-op.
func (o *Outbox) Transfer(ctx context.Context, t lifecycle.Transfer) error {
	if t.Amount == nil || t.Amount.IsZero() {
		return fmt.Errorf("journal: transfer %s has no amount", t.ID)
	}
	row := TransferRecord{
		ID:       t.ID,
		LoanID:   t.LoanID.Hex(),
		Purpose:  string(t.Purpose),
		Currency: t.Currency.Hex(),
		From:     t.From.Hex(),
		To:       t.To.Hex(),
		Amount:   t.Amount.Dec(),
		Status:   TransferPending,
	}
	err := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("journal: queue transfer: %w", err)
	}
	return nil
}

// Pending returns up to limit queued transfers, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]TransferRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []TransferRecord
	err := o.db.WithContext(ctx).
		Where("status = ?", TransferPending).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list pending transfers: %w", err)
	}
	return rows, nil
}

// ByLoan lists every transfer instructed for a loan.
func (o *Outbox) ByLoan(ctx context.Context, loanID string) ([]TransferRecord, error) {
	var rows []TransferRecord
	if err := o.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list transfers: %w", err)
	}
	return rows, nil
}

// Settle marks a pending transfer as executed by txHash.
func (o *Outbox) Settle(ctx context.Context, id uuid.UUID, txHash string) (*TransferRecord, error) {
	return o.finalise(ctx, id, func(row *TransferRecord) {
		row.Status = TransferSettled
		row.TxHash = strings.TrimSpace(txHash)
		row.LastError = ""
	})
}

// Fail records a relay attempt that did not go through. The transfer stays
// pending until cancelled.
func (o *Outbox) Fail(ctx context.Context, id uuid.UUID, reason string) (*TransferRecord, error) {
	return o.finalise(ctx, id, func(row *TransferRecord) {
		row.Attempts++
		row.LastError = strings.TrimSpace(reason)
	})
}

// Cancel withdraws a pending transfer.
func (o *Outbox) Cancel(ctx context.Context, id uuid.UUID, reason string) (*TransferRecord, error) {
	return o.finalise(ctx, id, func(row *TransferRecord) {
		row.Status = TransferCancelled
		row.LastError = strings.TrimSpace(reason)
	})
}

func (o *Outbox) finalise(ctx context.Context, id uuid.UUID, apply func(*TransferRecord)) (*TransferRecord, error) {
	var row TransferRecord
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransferNotFound
			}
			return err
		}
		if row.Status != TransferPending {
			return fmt.Errorf("%w: %s is %s", ErrTransferFinal, id, row.Status)
		}
		apply(&row)
		if row.Status == TransferPending && row.LastError != "" && row.Attempts >= maxAttempts {
			row.Status = TransferFailed
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// maxAttempts is the number of failed relays after which a transfer is parked
// as FAILED for manual review.
const maxAttempts = 5
