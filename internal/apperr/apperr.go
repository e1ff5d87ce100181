// Package apperr classifies engine failures into validation, business-rule,
// not-found, conflict and storage errors, and maps them to HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindStorage      Kind = "storage"
	KindForbidden    Kind = "forbidden"
)

// Business rule codes.
var (
	ErrInsufficientTender = errors.New("insufficient tender")
	ErrOverReturn         = errors.New("return quantity exceeds purchased quantity")
	ErrAlreadyReceived    = errors.New("purchase order already received")
	ErrNoQuantity         = errors.New("no quantity received")
	ErrInvalidState       = errors.New("invalid state transition")
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "VALIDATION_FAILED",
		Message: fmt.Sprintf(format, args...),
	}
}

// BusinessRule wraps one of the rule sentinels so callers can match with errors.Is.
func BusinessRule(rule error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindBusinessRule,
		Code:    ruleCode(rule),
		Message: fmt.Sprintf(format, args...),
		Err:     rule,
	}
}

func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s %s not found", resource, id),
	}
}

func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: message, Err: err}
}

func Storage(op string, err error) *Error {
	return &Error{
		Kind:    KindStorage,
		Code:    "STORAGE_UNAVAILABLE",
		Message: op + " failed",
		Err:     err,
	}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: message}
}

// KindOf returns the kind of the first *Error in the chain, or KindStorage
// for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStorage
}

func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func ruleCode(rule error) string {
	switch {
	case errors.Is(rule, ErrInsufficientTender):
		return "INSUFFICIENT_TENDER"
	case errors.Is(rule, ErrOverReturn):
		return "OVER_RETURN"
	case errors.Is(rule, ErrAlreadyReceived):
		return "ALREADY_RECEIVED"
	case errors.Is(rule, ErrNoQuantity):
		return "NO_QUANTITY"
	case errors.Is(rule, ErrInvalidState):
		return "INVALID_STATE"
	default:
		return "BUSINESS_RULE"
	}
}
