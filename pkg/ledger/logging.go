package ledger

import (
	"context"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    billing.UserID
	Reference billing.Reference
	Kind      EntryKind
	Pool      Pool
	Amount    billing.Kobo
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMaxAttempts bounds how often an operation is retried on ErrPersistenceConflict.
func WithMaxAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxAttempts = attempts
		}
	}
}
