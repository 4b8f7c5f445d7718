package lifecycle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"sodiumcore/native/loans"
)

// RequestParams are the borrower terms carried with a collateral transfer.
type RequestParams struct {
	Principal *uint256.Int
	APR       uint64
	Duration  uint64
	Currency  common.Address
}

var requestArgs = mustRequestArgs()

func mustRequestArgs() abi.Arguments {
	u256, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	addr, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: u256}, {Type: u256}, {Type: u256}, {Type: addr}}
}

// EncodeRequestParams returns abi.encode((uint256 amount, uint256 aprBps,
// uint256 durationSeconds, address currency)).
func EncodeRequestParams(p RequestParams) ([]byte, error) {
	principal := new(big.Int)
	if p.Principal != nil {
		principal = p.Principal.ToBig()
	}
	return requestArgs.Pack(principal, new(big.Int).SetUint64(p.APR), new(big.Int).SetUint64(p.Duration), p.Currency)
}

// DecodeRequestParams is the inverse of EncodeRequestParams. APR and duration
// must fit in 64 bits.
func DecodeRequestParams(data []byte) (RequestParams, error) {
	values, err := requestArgs.Unpack(data)
	if err != nil {
		return RequestParams{}, fmt.Errorf("%w: decode request params: %v", loans.ErrInvalidRequest, err)
	}
	if len(values) != 4 {
		return RequestParams{}, fmt.Errorf("%w: expected 4 request params, got %d", loans.ErrInvalidRequest, len(values))
	}
	amount, _ := values[0].(*big.Int)
	apr, _ := values[1].(*big.Int)
	duration, _ := values[2].(*big.Int)
	currency, _ := values[3].(common.Address)
	if amount == nil || apr == nil || duration == nil {
		return RequestParams{}, fmt.Errorf("%w: malformed request params", loans.ErrInvalidRequest)
	}
	principal, overflow := uint256.FromBig(amount)
	if overflow {
		return RequestParams{}, fmt.Errorf("%w: principal overflows", loans.ErrInvalidRequest)
	}
	if !apr.IsUint64() || !duration.IsUint64() {
		return RequestParams{}, fmt.Errorf("%w: apr or duration out of range", loans.ErrInvalidRequest)
	}
	return RequestParams{
		Principal: principal,
		APR:       apr.Uint64(),
		Duration:  duration.Uint64(),
		Currency:  currency,
	}, nil
}

// DeriveLoanID returns keccak256(abi.encode(tokenID, contract, salt)).
func DeriveLoanID(tokenID *uint256.Int, contract common.Address, salt *uint256.Int) loans.ID {
	return loans.DeriveID(tokenID, contract, salt)
}

// Intake is a custodied collateral reference plus the borrower's encoded
// terms. Nonce salts ERC1155 loan ids; ERC721 ids are salted with the intake
// time.
type Intake struct {
	Borrower   common.Address
	Collateral loans.Collateral
	Data       []byte
	Nonce      *uint256.Int
}

func (in Intake) salt(now uint64) (*uint256.Int, error) {
	switch in.Collateral.Kind {
	case loans.CollateralERC721:
		return uint256.NewInt(now), nil
	case loans.CollateralERC1155:
		if in.Nonce == nil {
			return nil, fmt.Errorf("%w: erc1155 intake requires a nonce", loans.ErrInvalidRequest)
		}
		return new(uint256.Int).Set(in.Nonce), nil
	default:
		return nil, fmt.Errorf("%w: unknown collateral kind %d", loans.ErrInvalidRequest, in.Collateral.Kind)
	}
}
