// Package server exposes the loan lifecycle engine over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "sodiumcore/native/common"
	"sodiumcore/native/lifecycle"
	"sodiumcore/native/loans"
	"sodiumcore/services/lendingd/config"
	"sodiumcore/services/lendingd/journal"
)

const maxBodyBytes = 1 << 20

// Config wires the handlers to their collaborators. Attestor is optional;
// without it POST /v1/attestations answers 501.
type Config struct {
	Engine    *lifecycle.Engine
	Journal   *journal.Journal
	Outbox    *journal.Outbox
	Custody   *journal.Custody
	Pauses    *nativecommon.Pauses
	Attestor  *lifecycle.Attestor
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	engine   *lifecycle.Engine
	journal  *journal.Journal
	outbox   *journal.Outbox
	custody  *journal.Custody
	pauses   *nativecommon.Pauses
	attestor *lifecycle.Attestor
	auth     *authenticator
	limiter  *rateLimiter
	logger   *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	if cfg.Journal == nil || cfg.Outbox == nil || cfg.Custody == nil {
		return nil, fmt.Errorf("server: journal, outbox and custody required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pauses := cfg.Pauses
	if pauses == nil {
		pauses = nativecommon.NewPauses()
	}
	return &Server{
		engine:   cfg.Engine,
		journal:  cfg.Journal,
		outbox:   cfg.Outbox,
		custody:  cfg.Custody,
		pauses:   pauses,
		attestor: cfg.Attestor,
		auth:     newAuthenticator(cfg.Auth, logger),
		limiter:  newRateLimiter(cfg.RateLimit, logger),
		logger:   logger,
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.require(ScopeRead))
			r.Get("/loans", s.listLoans)
			r.Get("/loans/{id}", s.getLoan)
			r.Get("/loans/{id}/events", s.loanEvents)
			r.Get("/loans/{id}/transfers", s.loanTransfers)
			r.Get("/loans/{id}/custody", s.loanCustody)
			r.Get("/loans/{id}/nonces/{lender}", s.lenderNonce)
			r.Get("/loans/{id}/quote", s.quote)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.require(ScopeWrite))
			r.Use(s.limiter.middleware)
			r.Post("/requests", s.createRequest)
			r.Post("/loans/{id}/aggregate", s.aggregate)
			r.Post("/loans/{id}/repay", s.repay)
			r.Post("/loans/{id}/expire", s.expire)
			r.Post("/loans/{id}/auction", s.resolveAuction)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.require(ScopeAttest))
			r.Use(s.limiter.middleware)
			r.Post("/attestations", s.attest)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.require(ScopeRelay))
			r.Get("/transfers/pending", s.pendingTransfers)
			r.Post("/transfers/{id}/settle", s.settleTransfer)
			r.Post("/transfers/{id}/fail", s.failTransfer)
			r.Post("/transfers/{id}/cancel", s.cancelTransfer)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.require(ScopeAdmin))
			r.Get("/admin/pause", s.pauseStatus)
			r.Post("/admin/pause", s.setPause)
		})
	})
	return r
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := req.decode()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Intake(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanWire(loan))
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	var filter loans.Filter
	q := r.URL.Query()
	if raw := q.Get("state"); raw != "" {
		state, ok := loans.ParseState(strings.ToLower(raw))
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: unknown state %q", loans.ErrInvalidRequest, raw))
			return
		}
		filter.State = state
	}
	if raw := q.Get("borrower"); raw != "" {
		addr, err := parseAddress("borrower", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Borrower = &addr
	}
	if raw := q.Get("lender"); raw != "" {
		addr, err := parseAddress("lender", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Lender = &addr
	}
	list, err := s.engine.Ledger().List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]loanWire, len(list))
	for i, loan := range list {
		out[i] = toLoanWire(loan)
	}
	writeJSON(w, http.StatusOK, map[string][]loanWire{"loans": out})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.engine.Ledger().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanWire(loan))
}

func (s *Server) loanEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	rows, err := s.journal.Events(r.Context(), id.Hex())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventWire, len(rows))
	for i, row := range rows {
		out[i] = eventWire{Type: row.Type, Attributes: row.Attributes, At: row.CreatedAt.Unix()}
	}
	writeJSON(w, http.StatusOK, map[string][]eventWire{"events": out})
}

func (s *Server) loanTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	rows, err := s.outbox.ByLoan(r.Context(), id.Hex())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]transferWire{"transfers": toTransferWires(rows)})
}

func (s *Server) loanCustody(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.engine.Ledger().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.custody.Record(r.Context(), loan.Request.Collateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, custodyWire{
		Kind:       rec.Kind,
		Contract:   rec.Contract,
		TokenID:    rec.TokenID,
		Owner:      rec.Owner,
		Status:     string(rec.Status),
		Recipients: rec.Recipients,
	})
}

func (s *Server) lenderNonce(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	lender, err := parseAddress("lender", chi.URLParam(r, "lender"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nonce, err := s.engine.Ledger().Nonce(r.Context(), id, lender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nonce": nonce})
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	at := s.engine.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			s.writeError(w, r, fmt.Errorf("%w: at must be unix seconds", loans.ErrInvalidRequest))
			return
		}
		at = time.Unix(secs, 0)
	}
	total, shares, err := s.engine.Ledger().Quote(r.Context(), id, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := quoteResponse{At: uint64(at.Unix()), Total: toQuoteWire(total), Shares: make([]quoteWire, len(shares))}
	for i, q := range shares {
		resp.Shares[i] = toQuoteWire(q)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	var req aggregateRequest
	if !s.decode(w, r, &req) {
		return
	}
	set, err := decodeContributions(req.Contributions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amts := make([]*uint256.Int, len(req.Amounts))
	for i, raw := range req.Amounts {
		if amts[i], err = parseAmount(fmt.Sprintf("amounts[%d]", i), raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	att, err := req.Attestation.decode()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Aggregate(r.Context(), id, set, amts, att)
	if res == nil {
		s.writeError(w, r, err)
		return
	}
	resp := aggregateResponse{Loan: toLoanWire(res.Loan), Accepted: make([]acceptanceWire, len(res.Accepted)), Activated: res.Activated}
	for i, a := range res.Accepted {
		resp.Accepted[i] = acceptanceWire{
			Index:     a.Index,
			Lender:    a.Lender.Hex(),
			Requested: amount(a.Requested),
			Accepted:  amount(a.Accepted),
			APR:       a.APR,
			Nonce:     a.Nonce,
		}
	}
	s.writeResult(w, r, resp, err)
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !s.decode(w, r, &req) {
		return
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Repay(r.Context(), id, payer, amt, req.Partial)
	if res == nil {
		s.writeError(w, r, err)
		return
	}
	resp := repayResponse{
		Loan:        toLoanWire(res.Loan),
		Allocations: make([]allocationWire, len(res.Allocations)),
		Applied:     toQuoteWire(res.Applied),
		Change:      amount(res.Change),
	}
	for i, a := range res.Allocations {
		resp.Allocations[i] = allocationWire{
			Share:     a.Share,
			Lender:    a.Lender.Hex(),
			Principal: amount(a.Principal),
			Interest:  amount(a.Interest),
			Fee:       amount(a.Fee),
			Retired:   a.Retired,
		}
	}
	s.writeResult(w, r, resp, err)
}

func (s *Server) expire(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.engine.Expire(r.Context(), id)
	if loan == nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, toLoanWire(loan), err)
}

func (s *Server) resolveAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	var req auctionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := req.decode()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.ResolveAuction(r.Context(), id, res)
	if loan == nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, toLoanWire(loan), err)
}

func (s *Server) attest(w http.ResponseWriter, r *http.Request) {
	if s.attestor == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "validator key not configured", Reason: "unavailable"})
		return
	}
	var req attestRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := parseHash("loan_id", req.LoanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	set, err := decodeContributions(req.Contributions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	att, err := s.attestor.Attest(r.Context(), id, set)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttestationWire(att))
}

func (s *Server) pendingTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", loans.ErrInvalidRequest))
			return
		}
		limit = n
	}
	rows, err := s.outbox.Pending(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]transferWire{"transfers": toTransferWires(rows)})
}

func (s *Server) settleTransfer(w http.ResponseWriter, r *http.Request) {
	s.updateTransfer(w, r, func(id uuid.UUID, u transferUpdate) (*journal.TransferRecord, error) {
		if strings.TrimSpace(u.TxHash) == "" {
			return nil, fmt.Errorf("%w: tx_hash required", loans.ErrInvalidRequest)
		}
		return s.outbox.Settle(r.Context(), id, u.TxHash)
	})
}

func (s *Server) failTransfer(w http.ResponseWriter, r *http.Request) {
	s.updateTransfer(w, r, func(id uuid.UUID, u transferUpdate) (*journal.TransferRecord, error) {
		return s.outbox.Fail(r.Context(), id, u.Reason)
	})
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	s.updateTransfer(w, r, func(id uuid.UUID, u transferUpdate) (*journal.TransferRecord, error) {
		return s.outbox.Cancel(r.Context(), id, u.Reason)
	})
}

func (s *Server) updateTransfer(w http.ResponseWriter, r *http.Request, apply func(uuid.UUID, transferUpdate) (*journal.TransferRecord, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: transfer id must be a uuid", loans.ErrInvalidRequest))
		return
	}
	var update transferUpdate
	if !s.decode(w, r, &update) {
		return
	}
	row, err := apply(id, update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferWire(*row))
}

func (s *Server) pauseStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":  s.pauses.IsPaused(lifecycle.ModuleName),
		"modules": s.pauses.Paused(),
	})
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.pauses.Set(lifecycle.ModuleName, req.Paused)
	caller, _ := IdentityFrom(r.Context())
	s.logger.Warn("lending module pause toggled", "paused", req.Paused, "by", caller.Subject)
	s.pauseStatus(w, r)
}

func (s *Server) loanID(w http.ResponseWriter, r *http.Request) (loans.ID, bool) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return loans.ID{}, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: malformed body: %v", loans.ErrInvalidRequest, err))
		return false
	}
	return true
}

// writeResult answers a committed mutation. When settlement was incomplete
// the body still carries the committed state and the failure rides in a
// header.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, body interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	if !errors.Is(err, lifecycle.ErrSettlementIncomplete) {
		s.writeError(w, r, err)
		return
	}
	s.logger.Error("settlement incomplete", "route", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	w.Header().Set("X-Settlement-Error", err.Error())
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := toStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Reason: reasonFor(err)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func toTransferWires(rows []journal.TransferRecord) []transferWire {
	out := make([]transferWire, len(rows))
	for i, row := range rows {
		out[i] = toTransferWire(row)
	}
	return out
}
