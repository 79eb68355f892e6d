package driver

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable       = errors.New("automation driver unavailable")
	ErrHandleClosed      = errors.New("browser handle closed")
	ErrSelectorNotFound  = errors.New("selector not resolved")
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrOperationTimeout  = errors.New("operation timeout")
)

// DriverError wraps errors from the automation daemon with a stable code.
type DriverError struct {
	Code    string
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("driver error [%s]: %s", e.Code, e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError creates a new DriverError.
func NewDriverError(code, message string) *DriverError {
	return &DriverError{Code: code, Message: message}
}

// WrapDriverError wraps an existing error with driver context.
func WrapDriverError(code, message string, err error) *DriverError {
	return &DriverError{Code: code, Message: message, Err: err}
}

// IsRetryableError returns true if the error might succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, ErrNavigationTimeout) {
		return true
	}
	var derr *DriverError
	if errors.As(err, &derr) {
		switch derr.Code {
		case "timeout", "unavailable", "connection_lost":
			return true
		}
	}
	return false
}
