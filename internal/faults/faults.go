// Package faults defines the error taxonomy shared by every taintguard
// component and its mapping onto HTTP and JSON-RPC responses.
//
// Components return errors that wrap one of the sentinel kinds below, either
// directly with fmt.Errorf("...: %w", faults.ErrNotFound) or through the
// constructors, which attach a stable machine-readable code.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInfeasible            = errors.New("reversal infeasible")
	ErrInsufficientPoolFunds = errors.New("insufficient pool funds")
	ErrAuthorization         = errors.New("authorization required")
)

// Error is a classified error with a stable code.
type Error struct {
	Kind    error  // one of the Err* sentinels
	Code    string // stable code, e.g. "report_already_decided"
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

// ErrorCode implements the go-ethereum rpc.Error interface.
func (e *Error) ErrorCode() int { return RPCCode(e) }

// ErrorData implements the go-ethereum rpc.DataError interface.
func (e *Error) ErrorData() interface{} { return e.Code }

func newError(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) error {
	return newError(ErrValidation, code, format, args...)
}

func NotFound(code, format string, args ...any) error {
	return newError(ErrNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) error {
	return newError(ErrConflict, code, format, args...)
}

func Infeasible(code, format string, args ...any) error {
	return newError(ErrInfeasible, code, format, args...)
}

func InsufficientFunds(format string, args ...any) error {
	return newError(ErrInsufficientPoolFunds, "insufficient_pool_funds", format, args...)
}

func Unauthorized(code, format string, args ...any) error {
	return newError(ErrAuthorization, code, format, args...)
}

// Code returns the stable code for err. Unclassified errors map to
// "internal_error".
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInfeasible):
		return "infeasible"
	case errors.Is(err, ErrInsufficientPoolFunds):
		return "insufficient_pool_funds"
	case errors.Is(err, ErrAuthorization):
		return "unauthorized"
	}
	return "internal_error"
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInfeasible), errors.Is(err, ErrInsufficientPoolFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAuthorization):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// JSON-RPC error codes, in the implementation-defined server range.
const (
	RPCCodeInternal          = -32000
	RPCCodeValidation        = -32010
	RPCCodeNotFound          = -32011
	RPCCodeConflict          = -32012
	RPCCodeInfeasible        = -32013
	RPCCodeInsufficientFunds = -32014
	RPCCodeUnauthorized      = -32015
)

// RPCCode maps err onto a JSON-RPC error code.
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return RPCCodeValidation
	case errors.Is(err, ErrNotFound):
		return RPCCodeNotFound
	case errors.Is(err, ErrConflict):
		return RPCCodeConflict
	case errors.Is(err, ErrInfeasible):
		return RPCCodeInfeasible
	case errors.Is(err, ErrInsufficientPoolFunds):
		return RPCCodeInsufficientFunds
	case errors.Is(err, ErrAuthorization):
		return RPCCodeUnauthorized
	}
	return RPCCodeInternal
}

// Message returns a caller-safe message. Internal errors are not echoed.
func Message(err error) string {
	if Code(err) == "internal_error" {
		return "An unexpected error occurred"
	}
	return err.Error()
}
