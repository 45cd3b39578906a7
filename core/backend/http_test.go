package backend

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/market"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("jersey %w", errNotFound), http.StatusNotFound},
		{errUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("%w: not yours", errForbidden), http.StatusForbidden},
		{market.ErrOwnAuction, http.StatusForbidden},
		{market.ErrOwnListing, http.StatusForbidden},
		{&market.BidTooLowError{Minimum: 1100}, http.StatusConflict},
		{market.ErrAlreadyWinning, http.StatusConflict},
		{fmt.Errorf("update: %w", market.ErrConcurrentBid), http.StatusConflict},
		{market.ErrInsufficientStock, http.StatusConflict},
		{market.ErrAlreadyPaid, http.StatusConflict},
		{market.ErrDiscountExpired, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: unknown discount code", errUnprocessable), http.StatusUnprocessableEntity},
		{market.ErrInvalidWindow, http.StatusBadRequest},
		{fmt.Errorf("%w: too short", access.ErrPasswordTooShort), http.StatusBadRequest},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusForError(tt.err), tt.err.Error())
	}
}

func TestWriteErrorHidesInternals(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jerseys", nil)

	w := httptest.NewRecorder()
	writeError(w, r, 4142, errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	assert.Contains(t, w.Body.String(), "4142")

	w = httptest.NewRecorder()
	writeError(w, r, 4142, market.ErrJerseyNotAvailable)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), market.ErrJerseyNotAvailable.Error())
}
