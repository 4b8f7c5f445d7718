package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
)

// Params are the protocol constants the ledger settles under.
type Params struct {
	Validator     common.Address
	FeeRate       finance.FeeRate
	AuctionLength uint64
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.Validator == (common.Address{}) {
		return fmt.Errorf("%w: validator address required", ErrInvalidRequest)
	}
	if err := p.FeeRate.Validate(); err != nil {
		return err
	}
	if p.AuctionLength == 0 {
		return fmt.Errorf("%w: auction length must be positive", ErrInvalidRequest)
	}
	return nil
}

// Acceptance reports how much of one contribution was taken.
type Acceptance struct {
	Index     int
	Lender    common.Address
	Requested *uint256.Int
	Accepted  *uint256.Int
	APR       uint64
	Nonce     uint64
}

// AggregateResult describes a committed aggregation.
type AggregateResult struct {
	Loan      *Loan
	Accepted  []Acceptance
	Activated bool
}

// Allocation is the portion of a repayment routed to one share.
type Allocation struct {
	Share     int
	Lender    common.Address
	Principal *uint256.Int
	Interest  *uint256.Int
	Fee       *uint256.Int
	Retired   bool
}

// RepayResult describes a committed repayment.
type RepayResult struct {
	Loan        *Loan
	Allocations []Allocation
	Applied     finance.Quote
	Change      *uint256.Int
}

// Resolution is the auction outcome reported for a defaulted loan.
type Resolution struct {
	Kind     OutcomeKind
	Winner   common.Address
	Proceeds *uint256.Int
}

// Ledger owns every loan and serialises transitions per loan id.
type Ledger struct {
	store  *Store
	locker Locker
	codec  *contribution.Codec
	params Params
}

// NewLedger validates params and returns a ledger using an in-process
// keyed mutex. SetLocker swaps in a distributed lock.
func NewLedger(store *Store, codec *contribution.Codec, params Params) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidRequest)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: nil codec", ErrInvalidRequest)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{store: store, locker: NewKeyedMutex(), codec: codec, params: params}, nil
}

// SetLocker replaces the per-loan locker.
func (l *Ledger) SetLocker(locker Locker) {
	if locker != nil {
		l.locker = locker
	}
}

func (l *Ledger) Params() Params { return l.params }

func (l *Ledger) Codec() *contribution.Codec { return l.codec }

// Get returns a snapshot of the loan.
func (l *Ledger) Get(ctx context.Context, id ID) (*Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.Loan(id)
}

// Nonce returns the nonce the lender must sign next for the loan.
func (l *Ledger) Nonce(ctx context.Context, id ID, lender common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.store.Nonce(id, lender)
}

// ByCollateral returns the live loan secured by c.
func (l *Ledger) ByCollateral(ctx context.Context, c Collateral) (*Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok, err := l.store.CollateralHolder(c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no live loan for collateral", ErrNotFound)
	}
	return l.store.Loan(id)
}

// List returns loans matching filter.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]*Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.List(filter)
}

// Admit reports whether CreateRequest would currently accept req. It
// changes nothing, so callers can reject a request before touching
// collaborators; CreateRequest repeats the checks under the loan locks.
func (l *Ledger) Admit(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := deriveRequestID(req)
	if err != nil {
		return err
	}
	if holder, ok, err := l.store.CollateralHolder(req.Collateral); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: held by %s", ErrCollateralInUse, holder.Hex())
	}
	switch _, err := l.store.Loan(id); {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrLoanExists, id.Hex())
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return nil
}

// CreateRequest records a new loan request in state Requested. The id is
// always derived from the collateral reference and salt; any id set on req
// must match.
func (l *Ledger) CreateRequest(ctx context.Context, req Request, now time.Time) (*Loan, error) {
	id, err := deriveRequestID(req)
	if err != nil {
		return nil, err
	}
	req.ID = id
	ts, err := unix(now)
	if err != nil {
		return nil, err
	}

	unlockCollateral, err := l.locker.Lock(ctx, req.Collateral.Key())
	if err != nil {
		return nil, err
	}
	defer unlockCollateral()
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if holder, ok, err := l.store.CollateralHolder(req.Collateral); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: held by %s", ErrCollateralInUse, holder.Hex())
	}

	req.CreatedAt = ts
	req.Principal = clone(req.Principal)
	req.Salt = clone(req.Salt)
	req.Collateral.TokenID = clone(req.Collateral.TokenID)
	loan := &Loan{Request: req, State: StateRequested, UpdatedAt: ts}
	loan.normalize()
	if err := l.store.Commit(Change{Loan: loan, Collateral: CollateralHold}); err != nil {
		return nil, err
	}
	return loan, nil
}

// Aggregate verifies an attested contribution set and accepts up to
// amounts[i] from each contribution. Either every contribution is accepted
// or nothing changes.
func (l *Ledger) Aggregate(ctx context.Context, id ID, set []contribution.MetaContribution, amounts []*uint256.Int, att contribution.Attestation, now time.Time) (*AggregateResult, error) {
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty contribution set", ErrInvalidRequest)
	}
	if len(amounts) != len(set) {
		return nil, fmt.Errorf("%w: %d amounts for %d contributions", ErrInvalidRequest, len(amounts), len(set))
	}
	ts, err := unix(now)
	if err != nil {
		return nil, err
	}

	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.Loan(id)
	if err != nil {
		return nil, err
	}
	if !current.State.AcceptsContributions() {
		return nil, fmt.Errorf("%w: loan is %s", ErrInvalidStateTransition, current.State)
	}
	if current.State == StateActive && ts >= current.Deadline() {
		return nil, fmt.Errorf("%w: loan term ended at %d", ErrInvalidStateTransition, current.Deadline())
	}
	if err := contribution.VerifyAttestation(l.params.Validator, att, set, now); err != nil {
		return nil, err
	}

	loan := current.Clone()
	nonces := make(map[common.Address]uint64)
	accepted := make([]Acceptance, 0, len(set))
	for i, mc := range set {
		if mc.LoanID != id {
			return nil, fmt.Errorf("%w: contribution %d signed for loan %s", ErrInvalidSignature, i, mc.LoanID.Hex())
		}
		if err := l.codec.VerifyClaimed(mc); err != nil {
			return nil, fmt.Errorf("contribution %d: %w", i, err)
		}
		lender := mc.Lender
		expected, ok := nonces[lender]
		if !ok {
			stored, err := l.store.Nonce(id, lender)
			if err != nil {
				return nil, err
			}
			expected = stored
		}
		if mc.Nonce != expected {
			return nil, fmt.Errorf("%w: contribution %d from %s carries nonce %d, expected %d", ErrNonceReplay, i, lender.Hex(), mc.Nonce, expected)
		}

		amount := amounts[i]
		if amount == nil || amount.IsZero() {
			return nil, fmt.Errorf("%w: contribution %d amount must be positive", ErrInvalidRequest, i)
		}
		if amount.Gt(orZero(mc.Available)) {
			return nil, fmt.Errorf("%w: contribution %d amount %s exceeds available %s", ErrOverCommitment, i, amount, orZero(mc.Available))
		}
		remaining := loan.Remaining()
		if remaining.IsZero() {
			return nil, fmt.Errorf("%w: loan already fully funded", ErrOverCommitment)
		}
		limit := orZero(mc.LiquidityLimit)
		if !limit.Gt(loan.Funded) {
			return nil, fmt.Errorf("%w: contribution %d liquidity limit %s already reached at %s", ErrOverCommitment, i, limit, loan.Funded)
		}
		// Accept no more than the unfilled principal or the lender's headroom.
		headroom := new(uint256.Int).Sub(limit, loan.Funded)
		take := new(uint256.Int).Set(amount)
		if take.Gt(remaining) {
			take.Set(remaining)
		}
		if take.Gt(headroom) {
			take.Set(headroom)
		}

		loan.Funded = new(uint256.Int).Add(loan.Funded, take)
		loan.Principal = new(uint256.Int).Add(loan.Principal, take)
		loan.Shares = append(loan.Shares, Share{
			Lender:      lender,
			Contributed: new(uint256.Int).Set(take),
			Principal:   new(uint256.Int).Set(take),
			APR:         mc.APR,
			Since:       ts,
		})
		nonces[lender] = expected + 1
		accepted = append(accepted, Acceptance{
			Index:     i,
			Lender:    lender,
			Requested: new(uint256.Int).Set(amount),
			Accepted:  take,
			APR:       mc.APR,
			Nonce:     mc.Nonce,
		})
	}

	activated := loan.State == StateRequested
	if activated {
		loan.State = StateActive
		loan.ActivatedAt = ts
	}
	if err := l.refreshAccrual(loan, ts); err != nil {
		return nil, err
	}
	loan.UpdatedAt = ts
	if err := l.store.Commit(Change{Loan: loan, Expected: current.Version, Nonces: nonces}); err != nil {
		return nil, err
	}
	return &AggregateResult{Loan: loan, Accepted: accepted, Activated: activated}, nil
}

// Quote prices full repayment of every open share at now.
func (l *Ledger) Quote(ctx context.Context, id ID, now time.Time) (finance.Quote, []finance.Quote, error) {
	if err := ctx.Err(); err != nil {
		return finance.Quote{}, nil, err
	}
	ts, err := unix(now)
	if err != nil {
		return finance.Quote{}, nil, err
	}
	loan, err := l.store.Loan(id)
	if err != nil {
		return finance.Quote{}, nil, err
	}
	if loan.State != StateActive {
		return finance.Quote{}, nil, fmt.Errorf("%w: loan is %s", ErrInvalidStateTransition, loan.State)
	}
	return l.quoteShares(loan, ts)
}

// Repay applies amount to the loan's shares in acceptance order. Without
// partial the payment must cover everything owed. With partial the first
// share the payment cannot retire is amortised and later shares are left
// untouched. Unused funds are returned as Change.
func (l *Ledger) Repay(ctx context.Context, id ID, amount *uint256.Int, partial bool, now time.Time) (*RepayResult, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: payment must be positive", ErrInvalidRequest)
	}
	ts, err := unix(now)
	if err != nil {
		return nil, err
	}

	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.Loan(id)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, fmt.Errorf("%w: loan is %s", ErrInvalidStateTransition, current.State)
	}
	if ts >= current.Deadline() {
		return nil, fmt.Errorf("%w: loan term ended at %d", ErrInvalidStateTransition, current.Deadline())
	}

	total, quotes, err := l.quoteShares(current, ts)
	if err != nil {
		return nil, err
	}
	if !partial && amount.Lt(total.Total()) {
		return nil, fmt.Errorf("%w: paid %s, owed %s", ErrInsufficientPayment, amount, total.Total())
	}

	loan := current.Clone()
	remaining := new(uint256.Int).Set(amount)
	applied := finance.ZeroQuote()
	var allocations []Allocation
	for i := range loan.Shares {
		share := &loan.Shares[i]
		if share.Principal.IsZero() {
			continue
		}
		q := quotes[i]
		retired := true
		if remaining.Lt(q.Total()) {
			q, err = finance.QuotePartial(remaining, share.APR, ts-share.Since, l.params.FeeRate)
			if err != nil {
				return nil, err
			}
			if q.Principal.IsZero() {
				break
			}
			retired = false
		}
		share.Principal = new(uint256.Int).Sub(share.Principal, q.Principal)
		remaining.Sub(remaining, q.Total())
		applied = applied.Add(q)
		allocations = append(allocations, Allocation{
			Share:     i,
			Lender:    share.Lender,
			Principal: q.Principal,
			Interest:  q.Interest,
			Fee:       q.Fee,
			Retired:   retired,
		})
		if !retired {
			break
		}
	}
	if len(allocations) == 0 {
		return nil, fmt.Errorf("%w: payment %s retires no principal", ErrInsufficientPayment, amount)
	}

	loan.Principal = new(uint256.Int).Sub(loan.Principal, applied.Principal)
	loan.PaidPrincipal = new(uint256.Int).Add(loan.PaidPrincipal, applied.Principal)
	loan.PaidInterest = new(uint256.Int).Add(loan.PaidInterest, applied.Interest)
	loan.PaidFee = new(uint256.Int).Add(loan.PaidFee, applied.Fee)
	change := Change{Loan: loan, Expected: current.Version}
	if loan.Principal.IsZero() {
		loan.State = StateRepaid
		change.Collateral = CollateralRelease
	}
	if err := l.refreshAccrual(loan, ts); err != nil {
		return nil, err
	}
	loan.UpdatedAt = ts
	if err := l.store.Commit(change); err != nil {
		return nil, err
	}
	return &RepayResult{Loan: loan, Allocations: allocations, Applied: applied, Change: remaining}, nil
}

// Expire defaults an active loan whose term has ended, freezing what each
// share is owed at that moment.
func (l *Ledger) Expire(ctx context.Context, id ID, now time.Time) (*Loan, error) {
	ts, err := unix(now)
	if err != nil {
		return nil, err
	}
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.Loan(id)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, fmt.Errorf("%w: loan is %s", ErrInvalidStateTransition, current.State)
	}
	if current.Principal.IsZero() {
		return nil, fmt.Errorf("%w: no outstanding principal", ErrInvalidStateTransition)
	}
	if ts < current.Deadline() {
		return nil, fmt.Errorf("%w: term runs until %d", ErrInvalidStateTransition, current.Deadline())
	}

	loan := current.Clone()
	_, quotes, err := l.quoteShares(loan, ts)
	if err != nil {
		return nil, err
	}
	loan.Owed = make([]*uint256.Int, len(quotes))
	loan.OwedFee = new(uint256.Int)
	for i, q := range quotes {
		loan.Owed[i] = new(uint256.Int).Add(q.Principal, q.Interest)
		loan.OwedFee.Add(loan.OwedFee, q.Fee)
	}
	if err := l.refreshAccrual(loan, ts); err != nil {
		return nil, err
	}
	loan.State = StateDefaulted
	loan.DefaultedAt = ts
	loan.AuctionEndsAt = ts + l.params.AuctionLength
	loan.UpdatedAt = ts
	if err := l.store.Commit(Change{Loan: loan, Expected: current.Version}); err != nil {
		return nil, err
	}
	return loan, nil
}

// ResolveAuction closes a defaulted loan. A takeover pays the owed snapshot
// from proceeds in share order, then the protocol fee, and leaves any surplus
// for the borrower. A seizure hands the collateral to the lenders and is only
// allowed once the auction window has elapsed.
func (l *Ledger) ResolveAuction(ctx context.Context, id ID, res Resolution, now time.Time) (*Loan, error) {
	ts, err := unix(now)
	if err != nil {
		return nil, err
	}
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.Loan(id)
	if err != nil {
		return nil, err
	}
	if current.State != StateDefaulted {
		return nil, fmt.Errorf("%w: loan is %s", ErrInvalidStateTransition, current.State)
	}

	loan := current.Clone()
	outcome := Outcome{Kind: res.Kind, ResolvedAt: ts, Proceeds: new(uint256.Int), FeePaid: new(uint256.Int), Surplus: new(uint256.Int)}
	switch res.Kind {
	case OutcomeTakeover:
		if res.Winner == (common.Address{}) {
			return nil, fmt.Errorf("%w: takeover requires a winner", ErrInvalidRequest)
		}
		if res.Proceeds == nil || res.Proceeds.IsZero() {
			return nil, fmt.Errorf("%w: takeover requires proceeds", ErrInvalidRequest)
		}
		claims := append(cloneAll(loan.Owed), clone(loan.OwedFee))
		payouts, surplus := finance.Distribute(res.Proceeds, claims)
		outcome.Winner = res.Winner
		outcome.Proceeds = new(uint256.Int).Set(res.Proceeds)
		outcome.Payouts = payouts[:len(loan.Owed)]
		outcome.FeePaid = payouts[len(loan.Owed)]
		outcome.Surplus = surplus
	case OutcomeSeizure:
		if ts < loan.AuctionEndsAt {
			return nil, fmt.Errorf("%w: auction open until %d", ErrInvalidStateTransition, loan.AuctionEndsAt)
		}
	default:
		return nil, fmt.Errorf("%w: unknown auction outcome %d", ErrInvalidRequest, res.Kind)
	}

	loan.Outcome = outcome
	loan.State = StateClosed
	loan.UpdatedAt = ts
	if err := l.store.Commit(Change{Loan: loan, Expected: current.Version, Collateral: CollateralRelease}); err != nil {
		return nil, err
	}
	return loan, nil
}

// quoteShares prices each share at ts. Retired shares get a zero quote so the
// result stays index-aligned with loan.Shares.
func (l *Ledger) quoteShares(loan *Loan, ts uint64) (finance.Quote, []finance.Quote, error) {
	total := finance.ZeroQuote()
	quotes := make([]finance.Quote, len(loan.Shares))
	for i, share := range loan.Shares {
		if ts < share.Since {
			return finance.Quote{}, nil, fmt.Errorf("%w: time %d precedes share %d acceptance at %d", ErrArithmeticEdge, ts, i, share.Since)
		}
		q, err := finance.QuoteFull(share.Principal, share.APR, ts-share.Since, l.params.FeeRate)
		if err != nil {
			return finance.Quote{}, nil, err
		}
		quotes[i] = q
		total = total.Add(q)
	}
	return total, quotes, nil
}

func (l *Ledger) refreshAccrual(loan *Loan, ts uint64) error {
	total, _, err := l.quoteShares(loan, ts)
	if err != nil {
		return err
	}
	loan.Interest = total.Interest
	loan.Fee = total.Fee
	return nil
}

func deriveRequestID(req Request) (ID, error) {
	if err := validateRequest(req); err != nil {
		return ID{}, err
	}
	id := DeriveID(req.Collateral.TokenID, req.Collateral.Contract, req.Salt)
	if req.ID != (ID{}) && req.ID != id {
		return ID{}, fmt.Errorf("%w: id %s does not match derived %s", ErrInvalidRequest, req.ID.Hex(), id.Hex())
	}
	return id, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Borrower == (common.Address{}):
		return fmt.Errorf("%w: borrower required", ErrInvalidRequest)
	case req.Principal == nil || req.Principal.IsZero():
		return fmt.Errorf("%w: principal must be positive", ErrInvalidRequest)
	case req.Duration == 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	case req.Collateral.Contract == (common.Address{}):
		return fmt.Errorf("%w: collateral contract required", ErrInvalidRequest)
	case req.Collateral.Kind != CollateralERC721 && req.Collateral.Kind != CollateralERC1155:
		return fmt.Errorf("%w: unknown collateral kind %d", ErrInvalidRequest, req.Collateral.Kind)
	case req.Salt == nil:
		return fmt.Errorf("%w: salt required", ErrInvalidRequest)
	}
	return nil
}

func unix(t time.Time) (uint64, error) {
	s := t.Unix()
	if s < 0 {
		return 0, fmt.Errorf("%w: time %s precedes the epoch", ErrArithmeticEdge, t)
	}
	return uint64(s), nil
}

// IsVerificationError reports whether err is a signature, nonce or
// attestation failure.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrNonceReplay) ||
		errors.Is(err, ErrAttestationExpired) ||
		errors.Is(err, ErrAttestationMismatch)
}
