// Package errs defines the error taxonomy shared by all exchange components.
//
// Component boundaries translate low-level failures into one of the
// registered kinds below; transport layers map kinds to HTTP status codes
// with HTTPStatus and machine-readable codes with Code.
package errs

import (
	"errors"
	"net/http"

	sdkerrors "cosmossdk.io/errors"
)

const codespace = "exchange"

var (
	// ErrValidation indicates input that fails preconditions. No side effect.
	ErrValidation = sdkerrors.Register(codespace, 2, "validation failed")

	// ErrUnauthenticated indicates a missing, invalid, or expired token.
	ErrUnauthenticated = sdkerrors.Register(codespace, 3, "unauthenticated")

	// ErrPermissionDenied indicates the party lacks actAs/readAs rights.
	ErrPermissionDenied = sdkerrors.Register(codespace, 4, "permission denied")

	// ErrNotFound indicates a referenced contract, order, or pair is absent.
	ErrNotFound = sdkerrors.Register(codespace, 5, "not found")

	// ErrConflict indicates optimistic contention: the target contract was
	// archived concurrently. Retryable after a cache refresh.
	ErrConflict = sdkerrors.Register(codespace, 6, "conflict")

	// ErrTransient indicates a network failure or timeout of unknown outcome.
	// Retryable with the same command id.
	ErrTransient = sdkerrors.Register(codespace, 7, "transient network failure")

	// ErrLedgerRejected indicates the ledger rejected the choice body for a
	// semantic reason, e.g. insufficient locked holding.
	ErrLedgerRejected = sdkerrors.Register(codespace, 8, "ledger rejected command")

	// ErrInternal indicates a bug or invariant violation. Never retried.
	ErrInternal = sdkerrors.Register(codespace, 9, "internal error")
)

// IsRetryable reports whether the caller may retry the failed operation.
// Only contention and transport failures of unknown outcome qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}

// Code returns the machine-readable code used in API error envelopes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrTransient):
		return "UNAVAILABLE"
	case errors.Is(err, ErrLedgerRejected):
		return "LEDGER_REJECTED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error to the status code surfaced by the public API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
