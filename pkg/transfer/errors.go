package transfer

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// Domain-level error values returned by the engine.
var (
	ErrRecipientNotFound     = billing.ErrRecipientNotFound
	ErrProviderUnknownStatus = billing.ErrProviderUnknownStatus
	ErrProviderFailure       = billing.ErrProviderFailure

	ErrInvalidRecipient  = fmt.Errorf("%w: invalid recipient identifier", billing.ErrValidation)
	ErrSelfTransfer      = fmt.Errorf("%w: cannot transfer to yourself", billing.ErrValidation)
	ErrAmountMismatch    = fmt.Errorf("%w: confirmed amount differs from quoted amount", billing.ErrValidation)
	ErrInvalidQuantity   = fmt.Errorf("%w: quantity must be greater than zero", billing.ErrValidation)
	ErrInvalidTransition = errors.New("invalid peer transfer state transition")
	ErrNotPurchase       = errors.New("entry is not a purchase")
	ErrMissingCredential = errors.New("missing provider credential")

	ErrNotPeerTransfer    = errors.New("entry is not a peer transfer")
	ErrSettlementInFlight = errors.New("peer transfer is still settling")
)
