package loans

import (
	"errors"

	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
)

// Verification and accounting failures. Every ledger operation that returns
// one of these has left stored state untouched.
var (
	ErrInvalidSignature       = contribution.ErrInvalidSignature
	ErrAttestationExpired     = contribution.ErrAttestationExpired
	ErrAttestationMismatch    = contribution.ErrAttestationMismatch
	ErrArithmeticEdge         = finance.ErrArithmeticEdge
	ErrNonceReplay            = errors.New("loans: nonce replay")
	ErrOverCommitment         = errors.New("loans: over-commitment")
	ErrInvalidStateTransition = errors.New("loans: invalid state transition")
	ErrNotFound               = errors.New("loans: loan not found")
	ErrLoanExists             = errors.New("loans: loan already exists")
	ErrCollateralInUse        = errors.New("loans: collateral already secures a loan")
	ErrInsufficientPayment    = errors.New("loans: payment does not cover amount owed")
	ErrConcurrentModification = errors.New("loans: concurrent modification")
	ErrInvalidRequest         = errors.New("loans: invalid request")
)
