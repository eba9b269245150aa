package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrAuthFailure         = errors.New("gateway auth failure")
	ErrGatewayRejected     = errors.New("gateway rejected request")
	ErrGatewayTimeout      = errors.New("gateway timeout")
	ErrUserNotFound        = errors.New("models: user not found")
	ErrCourseNotFound      = errors.New("models: course not found")
	ErrTransactionConflict = errors.New("transaction conflict")
)

var (
	ErrPurchaseNotFound     = errors.New("models: purchase not found")
	ErrPurchaseNotPending   = errors.New("models: purchase is not pending")
	ErrIssueNotFound        = errors.New("models: payment issue not found")
	ErrNotificationNotFound = errors.New("models: notification not found")
	ErrAlreadyApplied       = errors.New("entitlement change already applied")
	ErrAlreadyEntitled      = errors.New("user already owns the course")
	ErrForbidden            = errors.New("forbidden")
)

// InvalidInputf returns an error matching ErrInvalidInput with a caller-facing message.
func InvalidInputf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }

func (e *inputError) Unwrap() error { return ErrInvalidInput }
