package server

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
	"sodiumcore/native/lifecycle"
	"sodiumcore/native/loans"
	"sodiumcore/services/lendingd/journal"
)

// Amounts travel as base-10 strings; addresses and hashes as 0x hex.

type collateralWire struct {
	Kind     string `json:"kind"`
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
}

type intakeRequest struct {
	Borrower   string         `json:"borrower"`
	Collateral collateralWire `json:"collateral"`
	// Data is the abi-encoded (amount, aprBps, durationSeconds, currency)
	// tuple. When empty the explicit fields below are encoded instead.
	Data      string `json:"data,omitempty"`
	Principal string `json:"principal,omitempty"`
	APR       uint64 `json:"apr,omitempty"`
	Duration  uint64 `json:"duration,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

type shareWire struct {
	Lender      string `json:"lender"`
	Contributed string `json:"contributed"`
	Principal   string `json:"principal"`
	APR         uint64 `json:"apr"`
	Since       uint64 `json:"since"`
}

type outcomeWire struct {
	Kind       string   `json:"kind"`
	Winner     string   `json:"winner,omitempty"`
	Proceeds   string   `json:"proceeds"`
	Payouts    []string `json:"payouts,omitempty"`
	FeePaid    string   `json:"fee_paid"`
	Surplus    string   `json:"surplus"`
	ResolvedAt uint64   `json:"resolved_at"`
}

type loanWire struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	Borrower      string         `json:"borrower"`
	Requested     string         `json:"requested_principal"`
	APR           uint64         `json:"apr"`
	Duration      uint64         `json:"duration"`
	Currency      string         `json:"currency"`
	Collateral    collateralWire `json:"collateral"`
	Salt          string         `json:"salt"`
	CreatedAt     uint64         `json:"created_at"`
	Shares        []shareWire    `json:"shares"`
	ActivatedAt   uint64         `json:"activated_at,omitempty"`
	Deadline      uint64         `json:"deadline,omitempty"`
	Funded        string         `json:"funded"`
	Principal     string         `json:"principal"`
	Interest      string         `json:"interest"`
	Fee           string         `json:"fee"`
	PaidPrincipal string         `json:"paid_principal"`
	PaidInterest  string         `json:"paid_interest"`
	PaidFee       string         `json:"paid_fee"`
	DefaultedAt   uint64         `json:"defaulted_at,omitempty"`
	AuctionEndsAt uint64         `json:"auction_ends_at,omitempty"`
	Owed          []string       `json:"owed,omitempty"`
	OwedFee       string         `json:"owed_fee,omitempty"`
	Outcome       *outcomeWire   `json:"outcome,omitempty"`
	Version       uint64         `json:"version"`
	UpdatedAt     uint64         `json:"updated_at"`
}

type contributionWire struct {
	Lender         string `json:"lender"`
	LoanID         string `json:"loan_id"`
	Available      string `json:"available"`
	APR            uint64 `json:"apr"`
	LiquidityLimit string `json:"liquidity_limit"`
	Nonce          uint64 `json:"nonce"`
	V              uint8  `json:"v"`
	R              string `json:"r"`
	S              string `json:"s"`
}

type attestationWire struct {
	Deadline uint64 `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

type aggregateRequest struct {
	Contributions []contributionWire `json:"contributions"`
	Amounts       []string           `json:"amounts"`
	Attestation   attestationWire    `json:"attestation"`
}

type acceptanceWire struct {
	Index     int    `json:"index"`
	Lender    string `json:"lender"`
	Requested string `json:"requested"`
	Accepted  string `json:"accepted"`
	APR       uint64 `json:"apr"`
	Nonce     uint64 `json:"nonce"`
}

type aggregateResponse struct {
	Loan      loanWire         `json:"loan"`
	Accepted  []acceptanceWire `json:"accepted"`
	Activated bool             `json:"activated"`
}

type repayRequest struct {
	Payer   string `json:"payer"`
	Amount  string `json:"amount"`
	Partial bool   `json:"partial"`
}

type quoteWire struct {
	Principal string `json:"principal"`
	Interest  string `json:"interest"`
	Fee       string `json:"fee"`
	Total     string `json:"total"`
}

type allocationWire struct {
	Share     int    `json:"share"`
	Lender    string `json:"lender"`
	Principal string `json:"principal"`
	Interest  string `json:"interest"`
	Fee       string `json:"fee"`
	Retired   bool   `json:"retired"`
}

type repayResponse struct {
	Loan        loanWire         `json:"loan"`
	Allocations []allocationWire `json:"allocations"`
	Applied     quoteWire        `json:"applied"`
	Change      string           `json:"change"`
}

type quoteResponse struct {
	At     uint64      `json:"at"`
	Total  quoteWire   `json:"total"`
	Shares []quoteWire `json:"shares"`
}

type auctionRequest struct {
	Outcome  string `json:"outcome"`
	Winner   string `json:"winner,omitempty"`
	Proceeds string `json:"proceeds,omitempty"`
}

type attestRequest struct {
	LoanID        string             `json:"loan_id"`
	Contributions []contributionWire `json:"contributions"`
}

type transferWire struct {
	ID        string `json:"id"`
	LoanID    string `json:"loan_id"`
	Purpose   string `json:"purpose"`
	Currency  string `json:"currency"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	TxHash    string `json:"tx_hash,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type transferUpdate struct {
	TxHash string `json:"tx_hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type custodyWire struct {
	Kind       string   `json:"kind"`
	Contract   string   `json:"contract"`
	TokenID    string   `json:"token_id"`
	Owner      string   `json:"owner"`
	Status     string   `json:"status"`
	Recipients []string `json:"recipients,omitempty"`
}

type eventWire struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	At         int64             `json:"at"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func amounts(vs []*uint256.Int) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = amount(v)
	}
	return out
}

func toLoanWire(l *loans.Loan) loanWire {
	out := loanWire{
		ID:        l.Request.ID.Hex(),
		State:     l.State.String(),
		Borrower:  l.Request.Borrower.Hex(),
		Requested: amount(l.Request.Principal),
		APR:       l.Request.APR,
		Duration:  l.Request.Duration,
		Currency:  l.Request.Currency.Hex(),
		Collateral: collateralWire{
			Kind:     l.Request.Collateral.Kind.String(),
			Contract: l.Request.Collateral.Contract.Hex(),
			TokenID:  amount(l.Request.Collateral.TokenID),
		},
		Salt:          amount(l.Request.Salt),
		CreatedAt:     l.Request.CreatedAt,
		Shares:        make([]shareWire, len(l.Shares)),
		ActivatedAt:   l.ActivatedAt,
		Funded:        amount(l.Funded),
		Principal:     amount(l.Principal),
		Interest:      amount(l.Interest),
		Fee:           amount(l.Fee),
		PaidPrincipal: amount(l.PaidPrincipal),
		PaidInterest:  amount(l.PaidInterest),
		PaidFee:       amount(l.PaidFee),
		DefaultedAt:   l.DefaultedAt,
		AuctionEndsAt: l.AuctionEndsAt,
		Owed:          amounts(l.Owed),
		Version:       l.Version,
		UpdatedAt:     l.UpdatedAt,
	}
	if l.ActivatedAt != 0 {
		out.Deadline = l.Deadline()
	}
	if l.State == loans.StateDefaulted || l.State == loans.StateClosed {
		out.OwedFee = amount(l.OwedFee)
	}
	for i, s := range l.Shares {
		out.Shares[i] = shareWire{
			Lender:      s.Lender.Hex(),
			Contributed: amount(s.Contributed),
			Principal:   amount(s.Principal),
			APR:         s.APR,
			Since:       s.Since,
		}
	}
	if l.Outcome.Kind != loans.OutcomeNone {
		o := &outcomeWire{
			Kind:       l.Outcome.Kind.String(),
			Proceeds:   amount(l.Outcome.Proceeds),
			Payouts:    amounts(l.Outcome.Payouts),
			FeePaid:    amount(l.Outcome.FeePaid),
			Surplus:    amount(l.Outcome.Surplus),
			ResolvedAt: l.Outcome.ResolvedAt,
		}
		if l.Outcome.Winner != (common.Address{}) {
			o.Winner = l.Outcome.Winner.Hex()
		}
		out.Outcome = o
	}
	return out
}

func toQuoteWire(q finance.Quote) quoteWire {
	return quoteWire{
		Principal: amount(q.Principal),
		Interest:  amount(q.Interest),
		Fee:       amount(q.Fee),
		Total:     amount(q.Total()),
	}
}

func toTransferWire(row journal.TransferRecord) transferWire {
	return transferWire{
		ID:        row.ID.String(),
		LoanID:    row.LoanID,
		Purpose:   row.Purpose,
		Currency:  row.Currency,
		From:      row.From,
		To:        row.To,
		Amount:    row.Amount,
		Status:    string(row.Status),
		Attempts:  row.Attempts,
		TxHash:    row.TxHash,
		LastError: row.LastError,
	}
}

func (c contributionWire) decode() (contribution.MetaContribution, error) {
	lender, err := parseAddress("lender", c.Lender)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	loanID, err := parseHash("loan_id", c.LoanID)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	available, err := parseAmount("available", c.Available)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	limit, err := parseAmount("liquidity_limit", c.LiquidityLimit)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	r, err := parseHash("r", c.R)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	s, err := parseHash("s", c.S)
	if err != nil {
		return contribution.MetaContribution{}, err
	}
	return contribution.MetaContribution{
		Lender: lender,
		Terms: contribution.Terms{
			LoanID:         loanID,
			Available:      available,
			APR:            c.APR,
			LiquidityLimit: limit,
			Nonce:          c.Nonce,
		},
		Signature: contribution.Signature{V: c.V, R: r, S: s},
	}, nil
}

func toContributionWire(mc contribution.MetaContribution) contributionWire {
	return contributionWire{
		Lender:         mc.Lender.Hex(),
		LoanID:         mc.LoanID.Hex(),
		Available:      amount(mc.Available),
		APR:            mc.APR,
		LiquidityLimit: amount(mc.LiquidityLimit),
		Nonce:          mc.Nonce,
		V:              mc.V,
		R:              mc.R.Hex(),
		S:              mc.S.Hex(),
	}
}

func decodeContributions(in []contributionWire) ([]contribution.MetaContribution, error) {
	out := make([]contribution.MetaContribution, len(in))
	for i, w := range in {
		mc, err := w.decode()
		if err != nil {
			return nil, fmt.Errorf("contributions[%d]: %w", i, err)
		}
		out[i] = mc
	}
	return out, nil
}

func (a attestationWire) decode() (contribution.Attestation, error) {
	r, err := parseHash("attestation.r", a.R)
	if err != nil {
		return contribution.Attestation{}, err
	}
	s, err := parseHash("attestation.s", a.S)
	if err != nil {
		return contribution.Attestation{}, err
	}
	return contribution.Attestation{Deadline: a.Deadline, Signature: contribution.Signature{V: a.V, R: r, S: s}}, nil
}

func toAttestationWire(att contribution.Attestation) attestationWire {
	return attestationWire{Deadline: att.Deadline, V: att.V, R: att.R.Hex(), S: att.S.Hex()}
}

func (req intakeRequest) decode() (lifecycle.Intake, error) {
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		return lifecycle.Intake{}, err
	}
	col, err := req.Collateral.decode()
	if err != nil {
		return lifecycle.Intake{}, err
	}
	in := lifecycle.Intake{Borrower: borrower, Collateral: col}
	if strings.TrimSpace(req.Data) != "" {
		if in.Data, err = hexutil.Decode(strings.TrimSpace(req.Data)); err != nil {
			return lifecycle.Intake{}, fmt.Errorf("%w: data: %v", loans.ErrInvalidRequest, err)
		}
	} else {
		principal, err := parseAmount("principal", req.Principal)
		if err != nil {
			return lifecycle.Intake{}, err
		}
		currency := common.Address{}
		if strings.TrimSpace(req.Currency) != "" {
			if currency, err = parseAddress("currency", req.Currency); err != nil {
				return lifecycle.Intake{}, err
			}
		}
		if in.Data, err = lifecycle.EncodeRequestParams(lifecycle.RequestParams{
			Principal: principal,
			APR:       req.APR,
			Duration:  req.Duration,
			Currency:  currency,
		}); err != nil {
			return lifecycle.Intake{}, fmt.Errorf("%w: %v", loans.ErrInvalidRequest, err)
		}
	}
	if strings.TrimSpace(req.Nonce) != "" {
		if in.Nonce, err = parseAmount("nonce", req.Nonce); err != nil {
			return lifecycle.Intake{}, err
		}
	}
	return in, nil
}

func (c collateralWire) decode() (loans.Collateral, error) {
	var kind loans.CollateralKind
	switch strings.ToLower(strings.TrimSpace(c.Kind)) {
	case "erc721":
		kind = loans.CollateralERC721
	case "erc1155":
		kind = loans.CollateralERC1155
	default:
		return loans.Collateral{}, fmt.Errorf("%w: collateral kind %q", loans.ErrInvalidRequest, c.Kind)
	}
	contract, err := parseAddress("collateral.contract", c.Contract)
	if err != nil {
		return loans.Collateral{}, err
	}
	tokenID, err := parseAmount("collateral.token_id", c.TokenID)
	if err != nil {
		return loans.Collateral{}, err
	}
	return loans.Collateral{Kind: kind, Contract: contract, TokenID: tokenID}, nil
}

func (req auctionRequest) decode() (loans.Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
	case "takeover":
		winner, err := parseAddress("winner", req.Winner)
		if err != nil {
			return loans.Resolution{}, err
		}
		proceeds, err := parseAmount("proceeds", req.Proceeds)
		if err != nil {
			return loans.Resolution{}, err
		}
		return loans.Resolution{Kind: loans.OutcomeTakeover, Winner: winner, Proceeds: proceeds}, nil
	case "seizure":
		return loans.Resolution{Kind: loans.OutcomeSeizure}, nil
	default:
		return loans.Resolution{}, fmt.Errorf("%w: outcome %q", loans.ErrInvalidRequest, req.Outcome)
	}
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", loans.ErrInvalidRequest, field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(field, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s must be 32 hex bytes", loans.ErrInvalidRequest, field)
	}
	return common.BytesToHash(b), nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a base-10 uint256", loans.ErrInvalidRequest, field, raw)
	}
	return v, nil
}
