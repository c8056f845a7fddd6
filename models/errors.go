package models

import (
	"errors"
	"fmt"
)

// Error codes used in logs, run reports and the status API.
const (
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeAuthLockBusy    = "AUTH_LOCK_BUSY"
	ErrCodeAuthWaitTimeout = "AUTH_WAIT_TIMEOUT"
	ErrCodeProbeTimeout    = "PROBE_TIMEOUT"
	ErrCodeProbeNotFound   = "PROBE_NOT_FOUND"
	ErrCodeSessionExpired  = "SESSION_EXPIRED"
	ErrCodeItemPipeline    = "ITEM_PIPELINE"
	ErrCodeSinkWrite       = "SINK_WRITE"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Sentinel errors for the run-fatal and retryable conditions. Match with
// errors.Is; a *Error with the same code matches its sentinel.
var (
	ErrAuthFailed      = &Error{Code: ErrCodeAuthFailed, Message: "portal login failed"}
	ErrAuthLockBusy    = &Error{Code: ErrCodeAuthLockBusy, Message: "auth token held by another worker"}
	ErrAuthWaitTimeout = &Error{Code: ErrCodeAuthWaitTimeout, Message: "timed out waiting for shared login"}
	ErrProbeTimeout    = &Error{Code: ErrCodeProbeTimeout, Message: "probe deadline exceeded"}
	ErrSessionExpired  = &Error{Code: ErrCodeSessionExpired, Message: "portal session is no longer authenticated"}
)

// ErrorDetail is the structured error in API responses and reports.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type Error struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *Error) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
