package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_SpecificCodeWins(t *testing.T) {
	err := Conflict("report_already_decided", "report %s already decided", "FR-1")
	assert.Equal(t, "report_already_decided", Code(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "report FR-1 already decided", err.Error())
}

func TestCode_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("load report: %w", ErrNotFound)
	assert.Equal(t, "not_found", Code(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
	assert.Equal(t, RPCCodeNotFound, RPCCode(err))
}

func TestMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		rpc    int
		code   string
	}{
		{Validation("bad_amount", "amount must be positive"), http.StatusBadRequest, RPCCodeValidation, "bad_amount"},
		{InsufficientFunds("pool has %d", 5), http.StatusUnprocessableEntity, RPCCodeInsufficientFunds, "insufficient_pool_funds"},
		{Infeasible("clean_zone", "funds reached a clean zone"), http.StatusUnprocessableEntity, RPCCodeInfeasible, "clean_zone"},
		{Unauthorized("missing_token", "admin session required"), http.StatusUnauthorized, RPCCodeUnauthorized, "missing_token"},
		{errors.New("boom"), http.StatusInternalServerError, RPCCodeInternal, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.rpc, RPCCode(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestMessage_HidesInternalErrors(t *testing.T) {
	assert.Equal(t, "An unexpected error occurred", Message(errors.New("pq: connection refused")))
	assert.Equal(t, "unknown report", Message(NotFound("report_not_found", "unknown report")))
}

func TestError_RPCInterfaces(t *testing.T) {
	fe := NotFound("tx_not_found", "transaction not found").(*Error)
	assert.Equal(t, RPCCodeNotFound, fe.ErrorCode())
	assert.Equal(t, "tx_not_found", fe.ErrorData())
}
