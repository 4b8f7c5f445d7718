package server

import (
	"context"
	"errors"
	"net/http"

	nativecommon "sodiumcore/native/common"
	"sodiumcore/native/lifecycle"
	"sodiumcore/native/loans"
	"sodiumcore/services/lendingd/journal"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// toStatus maps domain errors onto HTTP status codes. The reason label is
// the same one the engine reports to metrics.
func toStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, lifecycle.ErrSettlementIncomplete):
		return http.StatusAccepted
	case errors.Is(err, loans.ErrNotFound), errors.Is(err, journal.ErrTransferNotFound), errors.Is(err, journal.ErrCollateralMissing):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, loans.ErrInvalidSignature),
		errors.Is(err, loans.ErrAttestationMismatch),
		errors.Is(err, loans.ErrInvalidRequest),
		errors.Is(err, loans.ErrArithmeticEdge):
		return http.StatusBadRequest
	case errors.Is(err, loans.ErrAttestationExpired):
		return http.StatusGone
	case errors.Is(err, loans.ErrNonceReplay),
		errors.Is(err, loans.ErrLoanExists),
		errors.Is(err, loans.ErrCollateralInUse),
		errors.Is(err, loans.ErrInvalidStateTransition),
		errors.Is(err, loans.ErrConcurrentModification),
		errors.Is(err, journal.ErrTransferFinal),
		errors.Is(err, journal.ErrCollateralHeld):
		return http.StatusConflict
	case errors.Is(err, loans.ErrOverCommitment), errors.Is(err, loans.ErrInsufficientPayment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, journal.ErrTransferNotFound), errors.Is(err, journal.ErrCollateralMissing):
		return "not_found"
	case errors.Is(err, journal.ErrTransferFinal):
		return "transfer_final"
	case errors.Is(err, journal.ErrCollateralHeld):
		return "collateral_in_use"
	default:
		return lifecycle.Reason(err)
	}
}
