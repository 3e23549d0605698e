package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code and category are kept.
// Otherwise the result is an Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var qerr *Error
	if errors.As(err, &qerr) {
		wrapped := &Error{
			code:      qerr.code,
			category:  qerr.category,
			message:   message,
			cause:     err,
			metadata:  qerr.Metadata(),
			retryable: qerr.retryable,
			timestamp: qerr.timestamp,
			contextID: qerr.contextID,
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
	return New(code, message, append(opts, WithCause(err))...)
}

// AsQueueError extracts a QueueError from an error chain, or nil.
func AsQueueError(err error) QueueError {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside this package are not retryable.
func IsRetryable(err error) bool {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Retryable()
	}
	return false
}

// Code extracts the error code, or "" if err is not an *Error.
func Code(err error) ErrorCode {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
