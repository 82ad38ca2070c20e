package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit services.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrUnknownHold          = errors.New("unknown hold")
	ErrHoldFinalized        = errors.New("hold already finalized")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidHoldState     = errors.New("invalid hold state")
	ErrInvalidCostRule      = errors.New("invalid cost rule")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
