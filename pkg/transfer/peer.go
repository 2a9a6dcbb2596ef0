package transfer

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
)

// PeerState is a step of the lookup, confirm, commit flow.
type PeerState string

const (
	PeerStateIdle      PeerState = "idle"
	PeerStateLookedUp  PeerState = "looked_up"
	PeerStateConfirmed PeerState = "confirmed"
	PeerStateCommitted PeerState = "committed"
	PeerStateCancelled PeerState = "cancelled"
)

// PeerTransfer is a wallet_to_peer draft. Amount is the clamped value shown
// to the sender; RequestedAmount is what they typed.
type PeerTransfer struct {
	Reference       billing.Reference
	SenderID        billing.UserID
	Recipient       Recipient
	RequestedAmount billing.Kobo
	Amount          billing.Kobo
	State           PeerState
	Outcome         ledger.EntryStatus
	CreatedUnixUTC  int64
}

// Confirm accepts the quoted amount. The sender must echo the clamped amount.
func (transfer PeerTransfer) Confirm(amount billing.Kobo) (PeerTransfer, error) {
	if transfer.State != PeerStateLookedUp {
		return transfer, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, transfer.State)
	}
	if amount != transfer.Amount {
		return transfer, fmt.Errorf("%w: quoted %s, confirmed %s", ErrAmountMismatch, transfer.Amount, amount)
	}
	transfer.State = PeerStateConfirmed
	return transfer, nil
}

// Cancel abandons a draft that has not been committed.
func (transfer PeerTransfer) Cancel() (PeerTransfer, error) {
	switch transfer.State {
	case PeerStateIdle, PeerStateLookedUp, PeerStateConfirmed:
		transfer.State = PeerStateCancelled
		return transfer, nil
	default:
		return transfer, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, transfer.State)
	}
}
