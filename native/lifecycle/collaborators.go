package lifecycle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"sodiumcore/native/loans"
)

// Purpose labels why a transfer was instructed.
type Purpose string

const (
	PurposeFunding   Purpose = "funding"
	PurposeRepayment Purpose = "repayment"
	PurposeFee       Purpose = "fee"
	PurposePayout    Purpose = "payout"
	PurposeSurplus   Purpose = "surplus"
)

// Transfer is one currency movement the settlement layer must perform.
type Transfer struct {
	ID       uuid.UUID
	LoanID   loans.ID
	Purpose  Purpose
	Currency common.Address
	From     common.Address
	To       common.Address
	Amount   *uint256.Int
}

// Settlement moves currency between accounts. Implementations must be
// idempotent on Transfer.ID.
type Settlement interface {
	Transfer(ctx context.Context, t Transfer) error
}

// Permissions answers whether a smart account authorises calls to target's
// selector. The engine only reads it.
type Permissions interface {
	Authorized(ctx context.Context, account, target common.Address, selector [4]byte) (bool, error)
}

// Custody holds collateral on behalf of the protocol.
type Custody interface {
	// Confirm succeeds once the collateral is in custody for owner.
	Confirm(ctx context.Context, c loans.Collateral, owner common.Address) error
	// Release hands the collateral to a single recipient.
	Release(ctx context.Context, c loans.Collateral, to common.Address) error
	// Seize transfers the collateral to the lenders of a defaulted loan.
	Seize(ctx context.Context, c loans.Collateral, lenders []common.Address) error
}

var (
	// TransferFromSelector is the ERC20 transferFrom(address,address,uint256) selector.
	TransferFromSelector = selector("transferFrom(address,address,uint256)")
	// SettleSelector authorises native-asset settlement calls.
	SettleSelector = selector("settle(bytes32,uint256)")
)

func selector(signature string) [4]byte {
	var out [4]byte
	copy(out[:], ethcrypto.Keccak256([]byte(signature))[:4])
	return out
}
