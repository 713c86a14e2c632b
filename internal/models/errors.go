package models

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeClassificationUnavailable     ErrorCode = "classification_unavailable"
	CodeValidation                    ErrorCode = "validation_error"
	CodeTimeout                       ErrorCode = "timeout"
	CodeBackend                       ErrorCode = "backend_error"
	CodeRetriesExhausted              ErrorCode = "retries_exhausted"
	CodeInvalidTransition             ErrorCode = "invalid_transition"
	CodeOriginalAssetMutationDetected ErrorCode = "original_asset_mutation_detected"
	CodeNeedsRetry                    ErrorCode = "needs_retry"
	CodeNotFound                      ErrorCode = "not_found"
	CodeConversationBusy              ErrorCode = "conversation_busy"
)

// UserVisible reports whether the code is shown to end users as an actionable
// failure. Everything else is absorbed or logged.
func (c ErrorCode) UserVisible() bool {
	switch c {
	case CodeValidation, CodeTimeout, CodeRetriesExhausted:
		return true
	}
	return false
}

type TaskError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryableByDefault(code)}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case CodeTimeout, CodeBackend, CodeNeedsRetry:
		return true
	}
	return false
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
