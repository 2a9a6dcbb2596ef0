package billing

import (
	"errors"
	"fmt"
)

// Taxonomy roots. Specific errors wrap one of these so callers can match either.
var (
	ErrValidation            = errors.New("validation error")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrProviderUnknownStatus = errors.New("provider status unknown")
	ErrProviderFailure       = errors.New("provider failure")
	ErrPersistenceConflict   = errors.New("persistence conflict")
)

// Validation errors shared by every package.
var (
	ErrInvalidAmount    = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidUserID    = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidReference = fmt.Errorf("%w: invalid reference", ErrValidation)
	ErrInvalidMetadata  = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidConfig    = errors.New("invalid service config")
)

// OperationError tags a failure with the layer and subject that produced it
// and a stable, machine-readable code.
type OperationError struct {
	Operation string
	Subject   string
	Code      string
	Err       error
}

func (operationError *OperationError) Error() string {
	return operationError.Path() + ": " + operationError.Err.Error()
}

func (operationError *OperationError) Unwrap() error {
	return operationError.Err
}

// Path joins operation, subject and code with dots, e.g. "store.entry.get".
func (operationError *OperationError) Path() string {
	return operationError.Operation + "." + operationError.Subject + "." + operationError.Code
}

// WrapError tags err with an operation path. A nil err stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Subject: subject, Code: code, Err: err}
}

// OperationPath returns the path of the outermost OperationError in err's
// chain, or "" when there is none.
func OperationPath(err error) string {
	var operationError *OperationError
	if errors.As(err, &operationError) {
		return operationError.Path()
	}
	return ""
}
