// Package lifecycle drives loans through request, funding, repayment, default
// and auction resolution. It wraps the ledger with the side effects each
// transition needs: custody checks, permission checks, settlement transfers,
// events, metrics and traces.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sodiumcore/core/events"
	nativecommon "sodiumcore/native/common"
	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
	"sodiumcore/native/loans"
	"sodiumcore/observability"
)

// ModuleName is the pause key guarding every mutation.
const ModuleName = "lending"

var (
	ErrPermissionDenied = errors.New("lifecycle: smart account has not authorised the call")
	// ErrSettlementIncomplete means the ledger transition committed but at
	// least one transfer or custody instruction failed.
	ErrSettlementIncomplete = errors.New("lifecycle: settlement incomplete")
)

// Config wires the engine's collaborators. Ledger, Custody and Settlement are
// required.
type Config struct {
	Ledger      *loans.Ledger
	Custody     Custody
	Settlement  Settlement
	Permissions Permissions
	Pauses      nativecommon.PauseView
	Emitter     events.Emitter
	Clock       Clock
	Logger      *slog.Logger
	// Treasury receives protocol fees.
	Treasury common.Address
	// SettlementContract is the permission target for native-asset loans.
	SettlementContract common.Address
}

// Engine is the entry point for every loan mutation.
type Engine struct {
	ledger      *loans.Ledger
	custody     Custody
	settlement  Settlement
	permissions Permissions
	pauses      nativecommon.PauseView
	emitter     events.Emitter
	clock       Clock
	logger      *slog.Logger
	metrics     *observability.LoanMetrics
	tracer      trace.Tracer
	treasury    common.Address
	contract    common.Address
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("lifecycle: ledger required")
	}
	if cfg.Custody == nil {
		return nil, fmt.Errorf("lifecycle: custody collaborator required")
	}
	if cfg.Settlement == nil {
		return nil, fmt.Errorf("lifecycle: settlement collaborator required")
	}
	if cfg.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("lifecycle: treasury address required")
	}
	e := &Engine{
		ledger:      cfg.Ledger,
		custody:     cfg.Custody,
		settlement:  cfg.Settlement,
		permissions: cfg.Permissions,
		pauses:      cfg.Pauses,
		emitter:     cfg.Emitter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     observability.Loans(),
		tracer:      otel.Tracer("sodiumcore/lifecycle"),
		treasury:    cfg.Treasury,
		contract:    cfg.SettlementContract,
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.clock == nil {
		e.clock = NewMonotonicClock(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Ledger exposes the underlying ledger for read paths.
func (e *Engine) Ledger() *loans.Ledger { return e.ledger }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Intake confirms custody of the collateral and records the borrower's
// request.
func (e *Engine) Intake(ctx context.Context, in Intake) (loan *loans.Loan, err error) {
	ctx, span, start := e.begin(ctx, "intake", attribute.String("borrower", in.Borrower.Hex()))
	defer func() { e.finish(span, "intake", start, err) }()

	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	params, err := DecodeRequestParams(in.Data)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	salt, err := in.salt(uint64(now.Unix()))
	if err != nil {
		return nil, err
	}
	req := loans.Request{
		Borrower:   in.Borrower,
		Principal:  params.Principal,
		APR:        params.APR,
		Duration:   params.Duration,
		Currency:   params.Currency,
		Collateral: in.Collateral,
		Salt:       salt,
	}
	if err = e.ledger.Admit(ctx, req); err != nil {
		return nil, err
	}
	if err = e.custody.Confirm(ctx, in.Collateral, in.Borrower); err != nil {
		return nil, fmt.Errorf("lifecycle: confirm custody: %w", err)
	}
	loan, err = e.ledger.CreateRequest(ctx, req, now)
	if err != nil {
		// The custody confirmation must not outlive a rejected request.
		if releaseErr := e.custody.Release(context.WithoutCancel(ctx), in.Collateral, in.Borrower); releaseErr != nil {
			e.logger.Error("custody release after rejected intake failed", "contract", in.Collateral.Contract.Hex(), "error", releaseErr)
			err = errors.Join(err, fmt.Errorf("lifecycle: release custody: %w", releaseErr))
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("loan.id", loan.Request.ID.Hex()))
	e.metrics.RecordTransition("none", loan.State.String())
	e.emitter.Emit(events.LoanRequested{
		LoanID:     loan.Request.ID,
		Borrower:   loan.Request.Borrower,
		Principal:  loan.Request.Principal,
		Collateral: loan.Request.Collateral.Contract,
		TokenID:    loan.Request.Collateral.TokenID,
		CreatedAt:  loan.Request.CreatedAt,
	})
	e.logger.Info("loan requested", "loan", loan.Request.ID.Hex(), "principal", loan.Request.Principal.Dec(), "duration", loan.Request.Duration)
	return loan, nil
}

// Aggregate verifies and accepts an attested contribution set, then routes
// each accepted amount from its lender to the borrower.
func (e *Engine) Aggregate(ctx context.Context, id loans.ID, set []contribution.MetaContribution, amounts []*uint256.Int, att contribution.Attestation) (res *loans.AggregateResult, err error) {
	ctx, span, start := e.begin(ctx, "aggregate", attribute.String("loan.id", id.Hex()), attribute.Int("contributions", len(set)))
	defer func() { e.finish(span, "aggregate", start, err) }()

	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	loan, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, mc := range set {
		if err = e.authorize(ctx, mc.Lender, loan.Request); err != nil {
			return nil, err
		}
	}
	res, err = e.ledger.Aggregate(ctx, id, set, amounts, att, e.clock.Now())
	if err != nil {
		return nil, err
	}

	funded := events.LoanFunded{LoanID: id, Funded: res.Loan.Funded, Activated: res.Activated, At: res.Loan.UpdatedAt}
	var transfers []Transfer
	for _, acc := range res.Accepted {
		funded.Lenders = append(funded.Lenders, acc.Lender)
		funded.Amounts = append(funded.Amounts, acc.Accepted)
		transfers = append(transfers, e.transfer(res.Loan, PurposeFunding, acc.Lender, res.Loan.Request.Borrower, acc.Accepted))
	}
	if res.Activated {
		e.metrics.RecordTransition(loans.StateRequested.String(), loans.StateActive.String())
	}
	e.emitter.Emit(funded)
	e.logger.Info("loan funded", "loan", id.Hex(), "accepted", len(res.Accepted), "funded", res.Loan.Funded.Dec(), "activated", res.Activated)
	return res, e.settle(ctx, id, "funding", transfers)
}

// Repay applies a borrower payment. Lenders receive principal plus net
// interest, the treasury receives the fee, and change never leaves the payer.
func (e *Engine) Repay(ctx context.Context, id loans.ID, payer common.Address, amount *uint256.Int, partial bool) (res *loans.RepayResult, err error) {
	ctx, span, start := e.begin(ctx, "repay", attribute.String("loan.id", id.Hex()), attribute.Bool("partial", partial))
	defer func() { e.finish(span, "repay", start, err) }()

	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if payer == (common.Address{}) {
		return nil, fmt.Errorf("%w: payer required", loans.ErrInvalidRequest)
	}
	loan, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = e.authorize(ctx, payer, loan.Request); err != nil {
		return nil, err
	}
	res, err = e.ledger.Repay(ctx, id, amount, partial, e.clock.Now())
	if err != nil {
		return nil, err
	}

	var transfers []Transfer
	for _, alloc := range res.Allocations {
		owed := new(uint256.Int).Add(alloc.Principal, alloc.Interest)
		transfers = append(transfers, e.transfer(res.Loan, PurposeRepayment, payer, alloc.Lender, owed))
	}
	transfers = append(transfers, e.transfer(res.Loan, PurposeFee, payer, e.treasury, res.Applied.Fee))
	e.emitter.Emit(events.LoanRepayment{
		LoanID:    id,
		Payer:     payer,
		Principal: res.Applied.Principal,
		Interest:  res.Applied.Interest,
		Fee:       res.Applied.Fee,
		Change:    res.Change,
		Partial:   partial,
		At:        res.Loan.UpdatedAt,
	})
	e.logger.Info("loan repayment", "loan", id.Hex(), "principal", res.Applied.Principal.Dec(), "change", res.Change.Dec(), "state", res.Loan.State.String())
	settleErr := e.settle(ctx, id, "repayment", transfers)

	if res.Loan.State == loans.StateRepaid {
		e.metrics.RecordTransition(loans.StateActive.String(), loans.StateRepaid.String())
		e.emitter.Emit(events.LoanRepaid{LoanID: id, At: res.Loan.UpdatedAt})
		if releaseErr := e.custody.Release(ctx, res.Loan.Request.Collateral, res.Loan.Request.Borrower); releaseErr != nil {
			settleErr = errors.Join(settleErr, e.settlementFailed(id, "release", releaseErr))
		}
	}
	return res, settleErr
}

// Expire moves an overdue loan into auction.
func (e *Engine) Expire(ctx context.Context, id loans.ID) (loan *loans.Loan, err error) {
	ctx, span, start := e.begin(ctx, "expire", attribute.String("loan.id", id.Hex()))
	defer func() { e.finish(span, "expire", start, err) }()

	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	loan, err = e.ledger.Expire(ctx, id, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(loans.StateActive.String(), loans.StateDefaulted.String())
	e.emitter.Emit(events.LoanDefaulted{
		LoanID:        id,
		Principal:     loan.Principal,
		OwedFee:       loan.OwedFee,
		DefaultedAt:   loan.DefaultedAt,
		AuctionEndsAt: loan.AuctionEndsAt,
	})
	e.logger.Warn("loan defaulted", "loan", id.Hex(), "principal", loan.Principal.Dec(), "auction_ends_at", loan.AuctionEndsAt)
	return loan, nil
}

// ResolveAuction applies the auction outcome of a defaulted loan.
func (e *Engine) ResolveAuction(ctx context.Context, id loans.ID, outcome loans.Resolution) (loan *loans.Loan, err error) {
	ctx, span, start := e.begin(ctx, "resolve_auction", attribute.String("loan.id", id.Hex()), attribute.String("outcome", outcome.Kind.String()))
	defer func() { e.finish(span, "resolve_auction", start, err) }()

	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	loan, err = e.ledger.ResolveAuction(ctx, id, outcome, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(loans.StateDefaulted.String(), loans.StateClosed.String())
	e.emitter.Emit(events.LoanClosed{
		LoanID:   id,
		Outcome:  loan.Outcome.Kind.String(),
		Winner:   loan.Outcome.Winner,
		Proceeds: loan.Outcome.Proceeds,
		Surplus:  loan.Outcome.Surplus,
		At:       loan.UpdatedAt,
	})
	e.logger.Info("loan closed", "loan", id.Hex(), "outcome", loan.Outcome.Kind.String())

	collateral := loan.Request.Collateral
	switch loan.Outcome.Kind {
	case loans.OutcomeTakeover:
		var transfers []Transfer
		for i, payout := range loan.Outcome.Payouts {
			transfers = append(transfers, e.transfer(loan, PurposePayout, loan.Outcome.Winner, loan.Shares[i].Lender, payout))
		}
		transfers = append(transfers,
			e.transfer(loan, PurposeFee, loan.Outcome.Winner, e.treasury, loan.Outcome.FeePaid),
			e.transfer(loan, PurposeSurplus, loan.Outcome.Winner, loan.Request.Borrower, loan.Outcome.Surplus),
		)
		settleErr := e.settle(ctx, id, "takeover", transfers)
		if releaseErr := e.custody.Release(ctx, collateral, loan.Outcome.Winner); releaseErr != nil {
			settleErr = errors.Join(settleErr, e.settlementFailed(id, "release", releaseErr))
		}
		return loan, settleErr
	default:
		if seizeErr := e.custody.Seize(ctx, collateral, creditors(loan)); seizeErr != nil {
			return loan, e.settlementFailed(id, "seize", seizeErr)
		}
		return loan, nil
	}
}

// Quote prices full repayment of the loan now.
func (e *Engine) Quote(ctx context.Context, id loans.ID) (finance.Quote, []finance.Quote, error) {
	return e.ledger.Quote(ctx, id, e.clock.Now())
}

func (e *Engine) authorize(ctx context.Context, account common.Address, req loans.Request) error {
	if e.permissions == nil {
		return nil
	}
	target, sel := req.Currency, TransferFromSelector
	if req.NativeSettlement() {
		target, sel = e.contract, SettleSelector
	}
	ok, err := e.permissions.Authorized(ctx, account, target, sel)
	if err != nil {
		return fmt.Errorf("lifecycle: permission lookup for %s: %w", account.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrPermissionDenied, account.Hex(), target.Hex())
	}
	return nil
}

func (e *Engine) transfer(loan *loans.Loan, purpose Purpose, from, to common.Address, amount *uint256.Int) Transfer {
	return Transfer{
		ID:       uuid.New(),
		LoanID:   loan.Request.ID,
		Purpose:  purpose,
		Currency: loan.Request.Currency,
		From:     from,
		To:       to,
		Amount:   new(uint256.Int).Set(amount),
	}
}

// settle instructs every non-zero transfer and reports the first failures.
func (e *Engine) settle(ctx context.Context, id loans.ID, stage string, transfers []Transfer) error {
	var errs []error
	for _, t := range transfers {
		if t.Amount == nil || t.Amount.IsZero() {
			continue
		}
		if err := e.settlement.Transfer(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("transfer %s (%s %s→%s): %w", t.ID, t.Purpose, t.From.Hex(), t.To.Hex(), err))
			continue
		}
		e.metrics.RecordTransfer(string(t.Purpose))
	}
	if len(errs) == 0 {
		return nil
	}
	return e.settlementFailed(id, stage, errors.Join(errs...))
}

func (e *Engine) settlementFailed(id loans.ID, stage string, cause error) error {
	e.emitter.Emit(events.SettlementFailed{LoanID: id, Stage: stage, Reason: cause.Error()})
	e.logger.Error("settlement incomplete", "loan", id.Hex(), "stage", stage, "error", cause)
	return fmt.Errorf("%w: %s: %w", ErrSettlementIncomplete, stage, cause)
}

func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.metrics.Observe(op, time.Since(start), Reason(err))
}

// creditors lists the lenders with a non-zero claim at default.
func creditors(loan *loans.Loan) []common.Address {
	var out []common.Address
	seen := make(map[common.Address]bool)
	for i, share := range loan.Shares {
		if i < len(loan.Owed) && loan.Owed[i].IsZero() {
			continue
		}
		if !seen[share.Lender] {
			seen[share.Lender] = true
			out = append(out, share.Lender)
		}
	}
	return out
}

// Reason maps err to a stable metric label. Nil maps to "".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSettlementIncomplete):
		return "settlement_incomplete"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, loans.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, loans.ErrNonceReplay):
		return "nonce_replay"
	case errors.Is(err, loans.ErrAttestationExpired):
		return "attestation_expired"
	case errors.Is(err, loans.ErrAttestationMismatch):
		return "attestation_mismatch"
	case errors.Is(err, loans.ErrOverCommitment):
		return "over_commitment"
	case errors.Is(err, loans.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, loans.ErrArithmeticEdge):
		return "arithmetic_edge"
	case errors.Is(err, loans.ErrNotFound):
		return "not_found"
	case errors.Is(err, loans.ErrCollateralInUse):
		return "collateral_in_use"
	case errors.Is(err, loans.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, loans.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, loans.ErrInvalidRequest), errors.Is(err, loans.ErrLoanExists):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
