package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// TypeLoanRequested is emitted once custody is confirmed and the request
	// is recorded.
	TypeLoanRequested = "loans.requested"
	// TypeLoanFunded is emitted for every committed aggregation.
	TypeLoanFunded = "loans.funded"
	// TypeLoanRepayment is emitted for every committed repayment.
	TypeLoanRepayment = "loans.repayment"
	// TypeLoanRepaid is emitted when outstanding principal reaches zero.
	TypeLoanRepaid = "loans.repaid"
	// TypeLoanDefaulted is emitted when an expired loan enters auction.
	TypeLoanDefaulted = "loans.defaulted"
	// TypeLoanClosed is emitted once the auction outcome is applied.
	TypeLoanClosed = "loans.closed"
	// TypeSettlementFailed is emitted when a committed transition could not be
	// settled and needs operator attention.
	TypeSettlementFailed = "loans.settlement_failed"
)

type LoanRequested struct {
	LoanID     common.Hash
	Borrower   common.Address
	Principal  *uint256.Int
	Collateral common.Address
	TokenID    *uint256.Int
	CreatedAt  uint64
}

// EventType satisfies the events.Event interface.
func (LoanRequested) EventType() string { return TypeLoanRequested }

func (e LoanRequested) Record() *Record {
	return &Record{Type: TypeLoanRequested, Attributes: map[string]string{
		"loanId":     e.LoanID.Hex(),
		"borrower":   e.Borrower.Hex(),
		"principal":  amount(e.Principal),
		"collateral": e.Collateral.Hex(),
		"tokenId":    amount(e.TokenID),
		"createdAt":  unix(e.CreatedAt),
	}}
}

// LoanFunded reports the contributions accepted by one aggregation.
type LoanFunded struct {
	LoanID    common.Hash
	Lenders   []common.Address
	Amounts   []*uint256.Int
	Funded    *uint256.Int
	Activated bool
	At        uint64
}

// EventType satisfies the events.Event interface.
func (LoanFunded) EventType() string { return TypeLoanFunded }

func (e LoanFunded) Record() *Record {
	attrs := map[string]string{
		"loanId":    e.LoanID.Hex(),
		"funded":    amount(e.Funded),
		"activated": strconv.FormatBool(e.Activated),
		"shares":    strconv.Itoa(len(e.Lenders)),
		"at":        unix(e.At),
	}
	for i, lender := range e.Lenders {
		prefix := "share." + strconv.Itoa(i) + "."
		attrs[prefix+"lender"] = lender.Hex()
		if i < len(e.Amounts) {
			attrs[prefix+"amount"] = amount(e.Amounts[i])
		}
	}
	return &Record{Type: TypeLoanFunded, Attributes: attrs}
}

// LoanRepayment reports how one payment was applied.
type LoanRepayment struct {
	LoanID    common.Hash
	Payer     common.Address
	Principal *uint256.Int
	Interest  *uint256.Int
	Fee       *uint256.Int
	Change    *uint256.Int
	Partial   bool
	At        uint64
}

// EventType satisfies the events.Event interface.
func (LoanRepayment) EventType() string { return TypeLoanRepayment }

func (e LoanRepayment) Record() *Record {
	return &Record{Type: TypeLoanRepayment, Attributes: map[string]string{
		"loanId":    e.LoanID.Hex(),
		"payer":     e.Payer.Hex(),
		"principal": amount(e.Principal),
		"interest":  amount(e.Interest),
		"fee":       amount(e.Fee),
		"change":    amount(e.Change),
		"partial":   strconv.FormatBool(e.Partial),
		"at":        unix(e.At),
	}}
}

type LoanRepaid struct {
	LoanID common.Hash
	At     uint64
}

// EventType satisfies the events.Event interface.
func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Record() *Record {
	return &Record{Type: TypeLoanRepaid, Attributes: map[string]string{
		"loanId": e.LoanID.Hex(),
		"at":     unix(e.At),
	}}
}

type LoanDefaulted struct {
	LoanID        common.Hash
	Principal     *uint256.Int
	OwedFee       *uint256.Int
	DefaultedAt   uint64
	AuctionEndsAt uint64
}

// EventType satisfies the events.Event interface.
func (LoanDefaulted) EventType() string { return TypeLoanDefaulted }

func (e LoanDefaulted) Record() *Record {
	return &Record{Type: TypeLoanDefaulted, Attributes: map[string]string{
		"loanId":        e.LoanID.Hex(),
		"principal":     amount(e.Principal),
		"owedFee":       amount(e.OwedFee),
		"defaultedAt":   unix(e.DefaultedAt),
		"auctionEndsAt": unix(e.AuctionEndsAt),
	}}
}

type LoanClosed struct {
	LoanID   common.Hash
	Outcome  string
	Winner   common.Address
	Proceeds *uint256.Int
	Surplus  *uint256.Int
	At       uint64
}

// EventType satisfies the events.Event interface.
func (LoanClosed) EventType() string { return TypeLoanClosed }

func (e LoanClosed) Record() *Record {
	attrs := map[string]string{
		"loanId":   e.LoanID.Hex(),
		"outcome":  e.Outcome,
		"proceeds": amount(e.Proceeds),
		"surplus":  amount(e.Surplus),
		"at":       unix(e.At),
	}
	if e.Winner != (common.Address{}) {
		attrs["winner"] = e.Winner.Hex()
	}
	return &Record{Type: TypeLoanClosed, Attributes: attrs}
}

// SettlementFailed flags a transition whose transfers did not complete.
type SettlementFailed struct {
	LoanID common.Hash
	Stage  string
	Reason string
}

// EventType satisfies the events.Event interface.
func (SettlementFailed) EventType() string { return TypeSettlementFailed }

func (e SettlementFailed) Record() *Record {
	return &Record{Type: TypeSettlementFailed, Attributes: map[string]string{
		"loanId": e.LoanID.Hex(),
		"stage":  e.Stage,
		"reason": e.Reason,
	}}
}
