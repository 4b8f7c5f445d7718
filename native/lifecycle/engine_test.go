package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"sodiumcore/core/events"
	"sodiumcore/crypto"
	nativecommon "sodiumcore/native/common"
	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
	"sodiumcore/native/loans"
	"sodiumcore/storage"
)

const ether = 1_000_000_000_000_000_000

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type custodyCall struct {
	op         string
	collateral loans.Collateral
	to         []common.Address
}

type fakeCustody struct {
	mu         sync.Mutex
	calls      []custodyCall
	confirmErr error
	releaseErr error
}

func (c *fakeCustody) record(call custodyCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeCustody) Confirm(_ context.Context, col loans.Collateral, owner common.Address) error {
	if c.confirmErr != nil {
		return c.confirmErr
	}
	c.record(custodyCall{op: "confirm", collateral: col, to: []common.Address{owner}})
	return nil
}

func (c *fakeCustody) Release(_ context.Context, col loans.Collateral, to common.Address) error {
	if c.releaseErr != nil {
		return c.releaseErr
	}
	c.record(custodyCall{op: "release", collateral: col, to: []common.Address{to}})
	return nil
}

func (c *fakeCustody) Seize(_ context.Context, col loans.Collateral, lenders []common.Address) error {
	c.record(custodyCall{op: "seize", collateral: col, to: lenders})
	return nil
}

type fakeSettlement struct {
	mu        sync.Mutex
	transfers []Transfer
	failOn    Purpose
}

func (s *fakeSettlement) Transfer(_ context.Context, t Transfer) error {
	if s.failOn != "" && t.Purpose == s.failOn {
		return errors.New("insufficient allowance")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *fakeSettlement) byPurpose(p Purpose) []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.transfers {
		if t.Purpose == p {
			out = append(out, t)
		}
	}
	return out
}

type denyList map[common.Address]bool

func (d denyList) Authorized(_ context.Context, account, _ common.Address, _ [4]byte) (bool, error) {
	return !d[account], nil
}

type harness struct {
	engine     *Engine
	ledger     *loans.Ledger
	codec      *contribution.Codec
	validator  *contribution.KeySigner
	lenders    []*contribution.KeySigner
	clock      *manualClock
	custody    *fakeCustody
	settlement *fakeSettlement
	emitted    *events.Buffer
	pauses     *nativecommon.Pauses
	deny       denyList
	borrower   common.Address
	treasury   common.Address
	nft        common.Address
}

func signer(t *testing.T) *contribution.KeySigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return contribution.NewKeySigner(key)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := contribution.NewCodec(contribution.Domain{
		Name:              "Sodium Core",
		Version:           "1.0",
		ChainID:           1,
		VerifyingContract: common.HexToAddress("0x5000000000000000000000000000000000000001"),
	})
	require.NoError(t, err)
	validator := signer(t)
	ledger, err := loans.NewLedger(loans.NewStore(storage.NewMemDB()), codec, loans.Params{
		Validator:     validator.Address(),
		FeeRate:       finance.FeeRate{Numerator: 5, Denominator: 100},
		AuctionLength: 86_400,
	})
	require.NoError(t, err)

	h := &harness{
		ledger:     ledger,
		codec:      codec,
		validator:  validator,
		lenders:    []*contribution.KeySigner{signer(t), signer(t)},
		clock:      &manualClock{now: time.Unix(1_700_000_000, 0)},
		custody:    &fakeCustody{},
		settlement: &fakeSettlement{},
		emitted:    &events.Buffer{},
		pauses:     nativecommon.NewPauses(),
		deny:       denyList{},
		borrower:   common.HexToAddress("0xb0b0000000000000000000000000000000000b0b"),
		treasury:   common.HexToAddress("0x7ea5000000000000000000000000000000007ea5"),
		nft:        common.HexToAddress("0x0f7000000000000000000000000000000000000f"),
	}
	h.engine, err = NewEngine(Config{
		Ledger:             ledger,
		Custody:            h.custody,
		Settlement:         h.settlement,
		Permissions:        h.deny,
		Pauses:             h.pauses,
		Emitter:            h.emitted,
		Clock:              h.clock,
		Treasury:           h.treasury,
		SettlementContract: codec.Domain().VerifyingContract,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) intake(t *testing.T, principal uint64) *loans.Loan {
	t.Helper()
	data, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(principal), APR: 900, Duration: 7 * 86_400})
	require.NoError(t, err)
	loan, err := h.engine.Intake(context.Background(), Intake{
		Borrower:   h.borrower,
		Collateral: loans.Collateral{Kind: loans.CollateralERC721, Contract: h.nft, TokenID: uint256.NewInt(1)},
		Data:       data,
	})
	require.NoError(t, err)
	return loan
}

func (h *harness) fund(t *testing.T, id loans.ID, amounts ...uint64) *loans.AggregateResult {
	t.Helper()
	set := make([]contribution.MetaContribution, len(amounts))
	vals := make([]*uint256.Int, len(amounts))
	for i, a := range amounts {
		mc, err := h.codec.Sign(h.lenders[i], contribution.Terms{
			LoanID:         id,
			Available:      uint256.NewInt(a),
			APR:            400 + uint64(i)*200,
			LiquidityLimit: uint256.NewInt(10 * ether),
			Nonce:          0,
		})
		require.NoError(t, err)
		set[i] = mc
		vals[i] = uint256.NewInt(a)
	}
	att, err := contribution.Attest(h.validator, uint64(h.clock.Now().Unix())+100, set)
	require.NoError(t, err)
	res, err := h.engine.Aggregate(context.Background(), id, set, vals, att)
	require.NoError(t, err)
	return res
}

func TestIntakeConfirmsCustodyAndDerivesID(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)

	want := DeriveLoanID(uint256.NewInt(1), h.nft, uint256.NewInt(uint64(h.clock.Now().Unix())))
	require.Equal(t, want, loan.Request.ID)
	require.Equal(t, uint64(900), loan.Request.APR)
	require.Len(t, h.custody.calls, 1)
	require.Equal(t, "confirm", h.custody.calls[0].op)
	require.Equal(t, []string{events.TypeLoanRequested}, h.emitted.Types())
}

func TestIntakeERC1155UsesNonceSalt(t *testing.T) {
	h := newHarness(t)
	data, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(10), APR: 100, Duration: 3600})
	require.NoError(t, err)
	col := loans.Collateral{Kind: loans.CollateralERC1155, Contract: h.nft, TokenID: uint256.NewInt(5)}

	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data})
	require.ErrorIs(t, err, loans.ErrInvalidRequest)

	loan, err := h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data, Nonce: uint256.NewInt(77)})
	require.NoError(t, err)
	require.Equal(t, DeriveLoanID(uint256.NewInt(5), h.nft, uint256.NewInt(77)), loan.Request.ID)
}

func TestIntakeWithoutCustodyCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.custody.confirmErr = errors.New("token not received")
	data, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(10), APR: 100, Duration: 3600})
	require.NoError(t, err)
	col := loans.Collateral{Kind: loans.CollateralERC721, Contract: h.nft, TokenID: uint256.NewInt(9)}

	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data})
	require.Error(t, err)
	_, err = h.ledger.ByCollateral(context.Background(), col)
	require.ErrorIs(t, err, loans.ErrNotFound)
	require.Empty(t, h.emitted.Types())
}

type refusingLocker struct{}

func (refusingLocker) Lock(context.Context, common.Hash) (func(), error) {
	return nil, errors.New("lock service down")
}

func (c *fakeCustody) ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.op
	}
	return out
}

func TestIntakeRejectsInvalidRequestBeforeCustody(t *testing.T) {
	h := newHarness(t)
	col := loans.Collateral{Kind: loans.CollateralERC721, Contract: h.nft, TokenID: uint256.NewInt(7)}

	bad, err := EncodeRequestParams(RequestParams{Principal: new(uint256.Int), APR: 100, Duration: 3600})
	require.NoError(t, err)
	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: bad})
	require.ErrorIs(t, err, loans.ErrInvalidRequest)
	require.Empty(t, h.custody.ops())

	good, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(10), APR: 100, Duration: 3600})
	require.NoError(t, err)
	loan, err := h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: good})
	require.NoError(t, err)
	require.Equal(t, loans.StateRequested, loan.State)
	require.Equal(t, []string{"confirm"}, h.custody.ops())
}

func TestIntakeRejectsHeldCollateralBeforeCustody(t *testing.T) {
	h := newHarness(t)
	h.intake(t, ether)
	require.Equal(t, []string{"confirm"}, h.custody.ops())

	data, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(10), APR: 100, Duration: 3600})
	require.NoError(t, err)
	_, err = h.engine.Intake(context.Background(), Intake{
		Borrower:   h.borrower,
		Collateral: loans.Collateral{Kind: loans.CollateralERC721, Contract: h.nft, TokenID: uint256.NewInt(1)},
		Data:       data,
	})
	require.ErrorIs(t, err, loans.ErrCollateralInUse)
	require.Equal(t, []string{"confirm"}, h.custody.ops())
}

func TestIntakeReleasesCustodyWhenLedgerRejects(t *testing.T) {
	h := newHarness(t)
	col := loans.Collateral{Kind: loans.CollateralERC721, Contract: h.nft, TokenID: uint256.NewInt(7)}
	data, err := EncodeRequestParams(RequestParams{Principal: uint256.NewInt(10), APR: 100, Duration: 3600})
	require.NoError(t, err)

	h.ledger.SetLocker(refusingLocker{})
	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data})
	require.ErrorContains(t, err, "lock service down")
	require.Equal(t, []string{"confirm", "release"}, h.custody.ops())
	require.Equal(t, []common.Address{h.borrower}, h.custody.calls[1].to)
	_, err = h.ledger.ByCollateral(context.Background(), col)
	require.ErrorIs(t, err, loans.ErrNotFound)
	require.Empty(t, h.emitted.Types())

	h.custody.releaseErr = errors.New("custody offline")
	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data})
	require.ErrorContains(t, err, "lock service down")
	require.ErrorContains(t, err, "custody offline")

	h.custody.releaseErr = nil
	h.ledger.SetLocker(loans.NewKeyedMutex())
	_, err = h.engine.Intake(context.Background(), Intake{Borrower: h.borrower, Collateral: col, Data: data})
	require.NoError(t, err)
}

func TestAggregateRoutesFundingToBorrower(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	res := h.fund(t, loan.Request.ID, 600_000_000_000_000_000, 600_000_000_000_000_000)

	require.True(t, res.Activated)
	funding := h.settlement.byPurpose(PurposeFunding)
	require.Len(t, funding, 2)
	require.Equal(t, h.lenders[0].Address(), funding[0].From)
	require.Equal(t, h.borrower, funding[0].To)
	require.Equal(t, uint256.NewInt(400_000_000_000_000_000), funding[1].Amount)
	require.NotEqual(t, funding[0].ID, funding[1].ID)
	require.Equal(t, []string{events.TypeLoanRequested, events.TypeLoanFunded}, h.emitted.Types())
}

func TestPermissionDenialStopsAggregationBeforeCommit(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.deny[h.lenders[1].Address()] = true

	mc0, err := h.codec.Sign(h.lenders[0], contribution.Terms{LoanID: loan.Request.ID, Available: uint256.NewInt(5), LiquidityLimit: uint256.NewInt(ether)})
	require.NoError(t, err)
	mc1, err := h.codec.Sign(h.lenders[1], contribution.Terms{LoanID: loan.Request.ID, Available: uint256.NewInt(5), LiquidityLimit: uint256.NewInt(ether)})
	require.NoError(t, err)
	set := []contribution.MetaContribution{mc0, mc1}
	att, err := contribution.Attest(h.validator, uint64(h.clock.Now().Unix())+100, set)
	require.NoError(t, err)

	_, err = h.engine.Aggregate(context.Background(), loan.Request.ID, set, []*uint256.Int{uint256.NewInt(5), uint256.NewInt(5)}, att)
	require.ErrorIs(t, err, ErrPermissionDenied)

	nonce, err := h.ledger.Nonce(context.Background(), loan.Request.ID, h.lenders[0].Address())
	require.NoError(t, err)
	require.Zero(t, nonce)
	require.Empty(t, h.settlement.byPurpose(PurposeFunding))
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.pauses.Set(ModuleName, true)

	_, err := h.engine.Expire(context.Background(), loan.Request.ID)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	_, err = h.engine.Repay(context.Background(), loan.Request.ID, h.borrower, uint256.NewInt(1), false)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	h.pauses.Set(ModuleName, false)
	_, err = h.engine.Expire(context.Background(), loan.Request.ID)
	require.ErrorIs(t, err, loans.ErrInvalidStateTransition)
}

func TestRepayRoutesPrincipalInterestAndFee(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.fund(t, loan.Request.ID, 500_000_000_000_000_000, 500_000_000_000_000_000)
	h.clock.Advance(3 * 24 * time.Hour)

	total, _, err := h.engine.Quote(context.Background(), loan.Request.ID)
	require.NoError(t, err)
	res, err := h.engine.Repay(context.Background(), loan.Request.ID, h.borrower, total.Total(), false)
	require.NoError(t, err)
	require.Equal(t, loans.StateRepaid, res.Loan.State)
	require.True(t, res.Change.IsZero())

	repayments := h.settlement.byPurpose(PurposeRepayment)
	require.Len(t, repayments, 2)
	sum := new(uint256.Int)
	for i, r := range repayments {
		require.Equal(t, h.borrower, r.From)
		require.Equal(t, h.lenders[i].Address(), r.To)
		sum.Add(sum, r.Amount)
	}
	require.Equal(t, new(uint256.Int).Add(total.Principal, total.Interest), sum)

	fees := h.settlement.byPurpose(PurposeFee)
	require.Len(t, fees, 1)
	require.Equal(t, h.treasury, fees[0].To)
	require.Equal(t, total.Fee, fees[0].Amount)

	last := h.custody.calls[len(h.custody.calls)-1]
	require.Equal(t, "release", last.op)
	require.Equal(t, []common.Address{h.borrower}, last.to)
	require.Equal(t, []string{
		events.TypeLoanRequested,
		events.TypeLoanFunded,
		events.TypeLoanRepayment,
		events.TypeLoanRepaid,
	}, h.emitted.Types())
}

func TestSettlementFailureSurfacesAfterCommit(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.fund(t, loan.Request.ID, ether)
	h.clock.Advance(24 * time.Hour)
	h.settlement.failOn = PurposeFee

	total, _, err := h.engine.Quote(context.Background(), loan.Request.ID)
	require.NoError(t, err)
	res, err := h.engine.Repay(context.Background(), loan.Request.ID, h.borrower, total.Total(), false)
	require.ErrorIs(t, err, ErrSettlementIncomplete)
	require.NotNil(t, res)
	require.Equal(t, loans.StateRepaid, res.Loan.State)
	require.Contains(t, h.emitted.Types(), events.TypeSettlementFailed)
	require.Equal(t, "settlement_incomplete", Reason(err))
}

func TestDefaultThenTakeover(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.fund(t, loan.Request.ID, ether)

	_, err := h.engine.Expire(context.Background(), loan.Request.ID)
	require.ErrorIs(t, err, loans.ErrInvalidStateTransition)

	h.clock.Advance(7 * 24 * time.Hour)
	defaulted, err := h.engine.Expire(context.Background(), loan.Request.ID)
	require.NoError(t, err)
	require.Equal(t, loans.StateDefaulted, defaulted.State)

	winner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	proceeds := new(uint256.Int).Add(defaulted.Owed[0], defaulted.OwedFee)
	proceeds.AddUint64(proceeds, 1_000)
	closed, err := h.engine.ResolveAuction(context.Background(), loan.Request.ID, loans.Resolution{Kind: loans.OutcomeTakeover, Winner: winner, Proceeds: proceeds})
	require.NoError(t, err)
	require.Equal(t, loans.StateClosed, closed.State)

	payouts := h.settlement.byPurpose(PurposePayout)
	require.Len(t, payouts, 1)
	require.Equal(t, defaulted.Owed[0], payouts[0].Amount)
	surplus := h.settlement.byPurpose(PurposeSurplus)
	require.Len(t, surplus, 1)
	require.Equal(t, h.borrower, surplus[0].To)
	require.Equal(t, uint256.NewInt(1_000), surplus[0].Amount)

	last := h.custody.calls[len(h.custody.calls)-1]
	require.Equal(t, "release", last.op)
	require.Equal(t, []common.Address{winner}, last.to)
}

func TestSeizureHandsCollateralToLenders(t *testing.T) {
	h := newHarness(t)
	loan := h.intake(t, ether)
	h.fund(t, loan.Request.ID, 300_000_000_000_000_000, 700_000_000_000_000_000)
	h.clock.Advance(7 * 24 * time.Hour)
	_, err := h.engine.Expire(context.Background(), loan.Request.ID)
	require.NoError(t, err)

	_, err = h.engine.ResolveAuction(context.Background(), loan.Request.ID, loans.Resolution{Kind: loans.OutcomeSeizure})
	require.ErrorIs(t, err, loans.ErrInvalidStateTransition)

	h.clock.Advance(24 * time.Hour)
	_, err = h.engine.ResolveAuction(context.Background(), loan.Request.ID, loans.Resolution{Kind: loans.OutcomeSeizure})
	require.NoError(t, err)
	last := h.custody.calls[len(h.custody.calls)-1]
	require.Equal(t, "seize", last.op)
	require.Equal(t, []common.Address{h.lenders[0].Address(), h.lenders[1].Address()}, last.to)
}

func TestMonotonicClockNeverRunsBackwards(t *testing.T) {
	times := []time.Time{time.Unix(100, 0), time.Unix(90, 0), time.Unix(120, 0)}
	i := 0
	clock := NewMonotonicClock(func() time.Time {
		t := times[i]
		i++
		return t
	})
	require.Equal(t, int64(100), clock.Now().Unix())
	require.Equal(t, int64(100), clock.Now().Unix())
	require.Equal(t, int64(120), clock.Now().Unix())
}

func TestReasonClassification(t *testing.T) {
	cases := map[error]string{
		nil:                                "",
		loans.ErrNonceReplay:               "nonce_replay",
		contribution.ErrAttestationExpired: "attestation_expired",
		nativecommon.ErrModulePaused:       "paused",
		context.DeadlineExceeded:           "cancelled",
		errors.New("boom"):                 "internal",
	}
	for err, want := range cases {
		if got := Reason(err); got != want {
			t.Fatalf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
