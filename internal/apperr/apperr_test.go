package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusinessRuleMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("settle: %w", BusinessRule(ErrInsufficientTender, "tendered %s below payable %s", "10", "12"))

	assert.ErrorIs(t, err, ErrInsufficientTender)
	assert.Equal(t, KindBusinessRule, KindOf(err))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))

	var appErr *Error
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INSUFFICIENT_TENDER", appErr.Code)
}

func TestHTTPStatusByKind(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("quantity must be positive"), http.StatusBadRequest},
		{NotFound("transaction", "tx-1"), http.StatusNotFound},
		{Conflict("duplicate", nil), http.StatusConflict},
		{Forbidden("admin role required"), http.StatusForbidden},
		{Storage("adjust stock", errors.New("connection reset")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestIsChecksKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("purchase order", "po-1"))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindValidation))
	assert.False(t, Is(errors.New("plain"), KindNotFound))
}
