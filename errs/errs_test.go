package errs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", ErrValidation, http.StatusBadRequest},
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized},
		{"permission denied", ErrPermissionDenied, http.StatusForbidden},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"conflict", ErrConflict, http.StatusConflict},
		{"transient", ErrTransient, http.StatusServiceUnavailable},
		{"ledger rejected", ErrLedgerRejected, http.StatusUnprocessableEntity},
		{"internal", ErrInternal, http.StatusInternalServerError},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestWrappedErrorsKeepTheirKind(t *testing.T) {
	err := ErrConflict.Wrap("orderbook contract archived concurrently")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "CONFLICT", Code(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))

	err = ErrValidation.Wrapf("quantity %s is not positive", "0")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}
