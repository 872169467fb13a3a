package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a classified platform failure.
type ErrorCode string

const (
	CodeAuthentication ErrorCode = "authentication"
	CodeConnection     ErrorCode = "connection"
	CodeOperation      ErrorCode = "operation"
	CodeRealTime       ErrorCode = "realtime"
	CodeTimeout        ErrorCode = "timeout"
	CodeCancelled      ErrorCode = "cancelled"
)

// PlatformError is a structured error for a failed platform operation.
type PlatformError struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *PlatformError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// NewPlatformError builds a PlatformError with an explicit code. Platform adapters
// use it to report typed failures.
func NewPlatformError(code ErrorCode, op, message string) *PlatformError {
	return &PlatformError{Code: code, Op: op, Message: message}
}

// ClassifyPlatformError inspects an error returned through a platform completion
// and returns a *PlatformError with the appropriate code. Errors that are already
// classified keep their code; the op is filled in when missing.
func ClassifyPlatformError(err error, op string) *PlatformError {
	if err == nil {
		return nil
	}

	var existing *PlatformError
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &PlatformError{Code: existing.Code, Op: op, Message: existing.Message, Cause: existing.Cause}
	}

	pe := &PlatformError{Op: op, Cause: err}

	if errors.Is(err, context.DeadlineExceeded) {
		pe.Code = CodeTimeout
		pe.Message = "operation timed out"
		return pe
	}
	if errors.Is(err, context.Canceled) {
		pe.Code = CodeCancelled
		pe.Message = "operation cancelled"
		return pe
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	pe.Message = msg

	switch {
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "credentials"):
		pe.Code = CodeAuthentication
	case strings.Contains(lower, "connection") || strings.Contains(lower, "unreachable") || strings.Contains(lower, "no such host"):
		pe.Code = CodeConnection
	case strings.Contains(lower, "operation") || strings.Contains(lower, "invalid state") || strings.Contains(lower, "not allowed"):
		pe.Code = CodeOperation
	default:
		pe.Code = CodeRealTime
	}
	return pe
}

// IsPlatformCode reports whether err is a PlatformError carrying code.
func IsPlatformCode(err error, code ErrorCode) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
