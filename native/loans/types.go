package loans

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ID uniquely identifies a loan. It is derived from the collateral reference
// and a salt, see DeriveID.
type ID = common.Hash

// State enumerates the loan lifecycle. Transitions only move forward:
// Requested → Active → Repaid, or Active → Defaulted → Closed.
type State uint8

const (
	StateRequested State = iota + 1
	StateActive
	StateRepaid
	StateDefaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	case StateRepaid:
		return "repaid"
	case StateDefaulted:
		return "defaulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateRequested; st <= StateClosed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// AcceptsContributions reports whether new principal may be aggregated.
func (s State) AcceptsContributions() bool {
	return s == StateRequested || s == StateActive
}

// Terminal reports whether the loan can no longer change.
func (s State) Terminal() bool {
	return s == StateRepaid || s == StateClosed
}

// CollateralKind distinguishes the two collateral token standards.
type CollateralKind uint8

const (
	CollateralERC721 CollateralKind = iota + 1
	CollateralERC1155
)

func (k CollateralKind) String() string {
	switch k {
	case CollateralERC721:
		return "erc721"
	case CollateralERC1155:
		return "erc1155"
	default:
		return "unknown"
	}
}

// Collateral references a custodied token.
type Collateral struct {
	Kind     CollateralKind
	Contract common.Address
	TokenID  *uint256.Int
}

// Key identifies the token regardless of which loan it secures.
func (c Collateral) Key() common.Hash {
	id := orZero(c.TokenID).Bytes32()
	return ethcrypto.Keccak256Hash(c.Contract.Bytes(), id[:])
}

// DeriveID returns keccak256(abi.encode(uint256 tokenID, address contract,
// uint256 salt)). The salt is the request timestamp for ERC721 collateral and
// a caller-chosen nonce for ERC1155 collateral.
func DeriveID(tokenID *uint256.Int, contract common.Address, salt *uint256.Int) ID {
	token := orZero(tokenID).Bytes32()
	s := orZero(salt).Bytes32()
	return ethcrypto.Keccak256Hash(token[:], common.LeftPadBytes(contract.Bytes(), 32), s[:])
}

// NativeCurrency marks loans settled in the chain's native asset.
var NativeCurrency = common.Address{}

// Request holds the immutable borrower terms.
type Request struct {
	ID         ID
	Borrower   common.Address
	Principal  *uint256.Int
	APR        uint64
	Duration   uint64
	Currency   common.Address
	Collateral Collateral
	Salt       *uint256.Int
	CreatedAt  uint64
}

// NativeSettlement reports whether the loan settles in the native asset.
func (r Request) NativeSettlement() bool {
	return r.Currency == NativeCurrency
}

// Share is one lender's accepted contribution.
type Share struct {
	Lender      common.Address
	Contributed *uint256.Int
	Principal   *uint256.Int
	APR         uint64
	Since       uint64
}

// OutcomeKind describes how a defaulted loan's auction ended.
type OutcomeKind uint8

const (
	OutcomeNone OutcomeKind = iota
	// OutcomeTakeover means a bidder paid proceeds for the collateral.
	OutcomeTakeover
	// OutcomeSeizure means no bid cleared and lenders take the collateral.
	OutcomeSeizure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeTakeover:
		return "takeover"
	case OutcomeSeizure:
		return "seizure"
	default:
		return "none"
	}
}

// Outcome records the auction resolution of a defaulted loan.
type Outcome struct {
	Kind       OutcomeKind
	Winner     common.Address
	Proceeds   *uint256.Int
	Payouts    []*uint256.Int
	FeePaid    *uint256.Int
	Surplus    *uint256.Int
	ResolvedAt uint64
}

// Loan is the mutable aggregate owned by the ledger.
type Loan struct {
	Request     Request
	State       State
	Shares      []Share
	ActivatedAt uint64
	// Funded is the sum of all accepted contributions. It never decreases and
	// never exceeds Request.Principal.
	Funded *uint256.Int
	// Principal is the outstanding principal across shares.
	Principal *uint256.Int
	// Interest and Fee are accrued but unpaid as of UpdatedAt.
	Interest      *uint256.Int
	Fee           *uint256.Int
	PaidPrincipal *uint256.Int
	PaidInterest  *uint256.Int
	PaidFee       *uint256.Int
	DefaultedAt   uint64
	AuctionEndsAt uint64
	// Owed is the per-share principal plus net interest frozen at default.
	Owed    []*uint256.Int
	OwedFee *uint256.Int
	Outcome Outcome
	Version uint64
	// UpdatedAt is the unix time of the last committed transition.
	UpdatedAt uint64
}

// Deadline returns the unix time at which the loan term ends.
func (l *Loan) Deadline() uint64 {
	return l.ActivatedAt + l.Request.Duration
}

// Remaining returns the principal still open for aggregation.
func (l *Loan) Remaining() *uint256.Int {
	if l.Funded.Gt(l.Request.Principal) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(l.Request.Principal, l.Funded)
}

// Clone returns a deep copy suitable for speculative mutation.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	out := *l
	out.Request.Principal = clone(l.Request.Principal)
	out.Request.Salt = clone(l.Request.Salt)
	out.Request.Collateral.TokenID = clone(l.Request.Collateral.TokenID)
	out.Shares = make([]Share, len(l.Shares))
	for i, s := range l.Shares {
		out.Shares[i] = Share{
			Lender:      s.Lender,
			Contributed: clone(s.Contributed),
			Principal:   clone(s.Principal),
			APR:         s.APR,
			Since:       s.Since,
		}
	}
	out.Funded = clone(l.Funded)
	out.Principal = clone(l.Principal)
	out.Interest = clone(l.Interest)
	out.Fee = clone(l.Fee)
	out.PaidPrincipal = clone(l.PaidPrincipal)
	out.PaidInterest = clone(l.PaidInterest)
	out.PaidFee = clone(l.PaidFee)
	out.Owed = cloneAll(l.Owed)
	out.OwedFee = clone(l.OwedFee)
	out.Outcome.Proceeds = clone(l.Outcome.Proceeds)
	out.Outcome.Payouts = cloneAll(l.Outcome.Payouts)
	out.Outcome.FeePaid = clone(l.Outcome.FeePaid)
	out.Outcome.Surplus = clone(l.Outcome.Surplus)
	return &out
}

// normalize replaces nil amounts with zero so arithmetic never dereferences
// nil after a decode.
func (l *Loan) normalize() {
	l.Request.Principal = orZero(l.Request.Principal)
	l.Request.Salt = orZero(l.Request.Salt)
	l.Request.Collateral.TokenID = orZero(l.Request.Collateral.TokenID)
	for i := range l.Shares {
		l.Shares[i].Contributed = orZero(l.Shares[i].Contributed)
		l.Shares[i].Principal = orZero(l.Shares[i].Principal)
	}
	l.Funded = orZero(l.Funded)
	l.Principal = orZero(l.Principal)
	l.Interest = orZero(l.Interest)
	l.Fee = orZero(l.Fee)
	l.PaidPrincipal = orZero(l.PaidPrincipal)
	l.PaidInterest = orZero(l.PaidInterest)
	l.PaidFee = orZero(l.PaidFee)
	for i := range l.Owed {
		l.Owed[i] = orZero(l.Owed[i])
	}
	l.OwedFee = orZero(l.OwedFee)
	l.Outcome.Proceeds = orZero(l.Outcome.Proceeds)
	l.Outcome.FeePaid = orZero(l.Outcome.FeePaid)
	l.Outcome.Surplus = orZero(l.Outcome.Surplus)
	for i := range l.Outcome.Payouts {
		l.Outcome.Payouts[i] = orZero(l.Outcome.Payouts[i])
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func cloneAll(vs []*uint256.Int) []*uint256.Int {
	if vs == nil {
		return nil
	}
	out := make([]*uint256.Int, len(vs))
	for i, v := range vs {
		out[i] = clone(v)
	}
	return out
}
