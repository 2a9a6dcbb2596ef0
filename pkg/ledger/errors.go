package ledger

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance = billing.ErrInsufficientBalance
	ErrPersistenceConflict = billing.ErrPersistenceConflict

	ErrInvalidPool         = fmt.Errorf("%w: invalid pool", billing.ErrValidation)
	ErrSamePool            = fmt.Errorf("%w: source and destination pools are equal", billing.ErrValidation)
	ErrInvalidEntryKind    = fmt.Errorf("%w: invalid entry kind", billing.ErrValidation)
	ErrInvalidEntryStatus  = fmt.Errorf("%w: invalid entry status", billing.ErrValidation)
	ErrMissingCounterparty = fmt.Errorf("%w: counterparty is required", billing.ErrValidation)
	ErrSelfCounterparty    = fmt.Errorf("%w: counterparty equals owner", billing.ErrValidation)

	ErrUnknownEntry        = errors.New("unknown ledger entry")
	ErrDuplicateReference  = errors.New("duplicate reference")
	ErrReferenceCollision  = errors.New("reference already used by a different movement")
	ErrEntryFinalized      = errors.New("ledger entry already finalized")
	ErrUnsupportedMovement = errors.New("unsupported movement kind for operation")
)
