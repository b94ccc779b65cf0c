package apierror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorError(t *testing.T) {
	err := NewAPIError(ErrNotFound, "reservation not found", nil)
	assert.Equal(t, "NOT_FOUND: reservation not found", err.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrBadRequest, http.StatusBadRequest},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrInsufficientFunds, http.StatusPaymentRequired},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
		{ErrInternalServer, http.StatusInternalServerError},
	}

	for _, c := range cases {
		got := MapErrorToHTTPStatus(NewAPIError(c.code, "msg", nil))
		assert.Equal(t, c.want, got, string(c.code))
	}
}

func TestMapErrorToHTTPStatusPlainError(t *testing.T) {
	got := MapErrorToHTTPStatus(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, got)
}
