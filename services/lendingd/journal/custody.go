package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sodiumcore/native/loans"
)

var (
	ErrCollateralHeld    = errors.New("journal: collateral already in custody")
	ErrCollateralMissing = errors.New("journal: collateral not in custody")
)

// Custody is the service's collateral registry. A token is confirmed when
// its intake is recorded and leaves custody on release or seizure.
type Custody struct {
	db *gorm.DB
}

func NewCustody(db *gorm.DB) *Custody {
	return &Custody{db: db}
}

func (c *Custody) Confirm(ctx context.Context, col loans.Collateral, owner common.Address) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := findCustody(tx, col)
		if err != nil {
			return err
		}
		if found && row.Status == CustodyHeld {
			return fmt.Errorf("%w: %s #%s", ErrCollateralHeld, col.Contract.Hex(), col.TokenID.Dec())
		}
		row.Key = col.Key().Hex()
		row.Kind = kindLabel(col.Kind)
		row.Contract = col.Contract.Hex()
		row.TokenID = col.TokenID.Dec()
		row.Owner = owner.Hex()
		row.Status = CustodyHeld
		row.Recipients = nil
		return tx.Save(&row).Error
	})
}

func (c *Custody) Release(ctx context.Context, col loans.Collateral, to common.Address) error {
	return c.move(ctx, col, CustodyReleased, []common.Address{to})
}

func (c *Custody) Seize(ctx context.Context, col loans.Collateral, lenders []common.Address) error {
	return c.move(ctx, col, CustodySeized, lenders)
}

// Record returns the custody row for col.
func (c *Custody) Record(ctx context.Context, col loans.Collateral) (*CustodyRecord, error) {
	row, found, err := findCustody(c.db.WithContext(ctx), col)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrCollateralMissing
	}
	return &row, nil
}

func (c *Custody) move(ctx context.Context, col loans.Collateral, status CustodyStatus, to []common.Address) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := findCustody(tx, col)
		if err != nil {
			return err
		}
		if !found || row.Status != CustodyHeld {
			return fmt.Errorf("%w: %s #%s", ErrCollateralMissing, col.Contract.Hex(), col.TokenID.Dec())
		}
		row.Status = status
		row.Recipients = make([]string, len(to))
		for i, addr := range to {
			row.Recipients[i] = addr.Hex()
		}
		return tx.Save(&row).Error
	})
}

// findCustody looks up the row for col. A missing row is not an error.
func findCustody(tx *gorm.DB, col loans.Collateral) (CustodyRecord, bool, error) {
	var row CustodyRecord
	res := tx.Where("collateral_key = ?", col.Key().Hex()).Limit(1).Find(&row)
	if res.Error != nil {
		return CustodyRecord{}, false, res.Error
	}
	return row, res.RowsAffected > 0, nil
}

func kindLabel(kind loans.CollateralKind) string {
	if kind == loans.CollateralERC1155 {
		return "erc1155"
	}
	return "erc721"
}

// Grants is the smart-account permission registry. It implements
// lifecycle.Permissions.
type Grants struct {
	db *gorm.DB
}

func NewGrants(db *gorm.DB) *Grants {
	return &Grants{db: db}
}

// Allow records that account may call selector on target.
func (g *Grants) Allow(ctx context.Context, account, target common.Address, selector [4]byte) error {
	row := Grant{
		ID:       uuid.New(),
		Account:  account.Hex(),
		Target:   target.Hex(),
		Selector: hexutil.Encode(selector[:]),
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Revoke removes a grant. Revoking an absent grant is not an error.
func (g *Grants) Revoke(ctx context.Context, account, target common.Address, selector [4]byte) error {
	return g.db.WithContext(ctx).
		Where("account = ? AND target = ? AND selector = ?", account.Hex(), target.Hex(), hexutil.Encode(selector[:])).
		Delete(&Grant{}).Error
}

func (g *Grants) Authorized(ctx context.Context, account, target common.Address, selector [4]byte) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Grant{}).
		Where("account = ? AND target = ? AND selector = ?", account.Hex(), target.Hex(), hexutil.Encode(selector[:])).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("journal: grant lookup: %w", err)
	}
	return count > 0, nil
}
