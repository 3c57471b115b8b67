package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the
// error chain. If err is nil, Wrap returns nil. If err is already a
// structured Error, its code, category, and ids are preserved.
// Context deadline/cancellation errors map to TIMEOUT/CANCELED.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var ctrlErr *Error
	if errors.As(err, &ctrlErr) {
		wrapped := &Error{
			code:      ctrlErr.code,
			category:  ctrlErr.category,
			message:   message,
			cause:     err,
			retryable: ctrlErr.retryable,
			nodeID:    ctrlErr.nodeID,
			agentID:   ctrlErr.agentID,
			messageID: ctrlErr.messageID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsControlError attempts to extract a ControlError from an error chain.
// Returns nil if none is found.
func AsControlError(err error) ControlError {
	var ctrlErr *Error
	if errors.As(err, &ctrlErr) {
		return ctrlErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var ctrlErr *Error
	if errors.As(err, &ctrlErr) {
		return ctrlErr.code == code
	}
	return false
}

// CodeOf returns the code of the first structured error in the chain,
// or ErrCodeInternal for unstructured errors.
func CodeOf(err error) ErrorCode {
	var ctrlErr *Error
	if errors.As(err, &ctrlErr) {
		return ctrlErr.code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the router should retry after this error.
// Unstructured errors are not retried.
func IsRetryable(err error) bool {
	var ctrlErr *Error
	if errors.As(err, &ctrlErr) {
		return ctrlErr.Retryable()
	}
	return false
}
