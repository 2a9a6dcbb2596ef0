// Package draftstore keeps peer-transfer drafts alive between the lookup and
// confirm requests of the HTTP flow.
package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

// DefaultTTL bounds how long a looked-up draft stays confirmable.
const DefaultTTL = 10 * time.Minute

// Draft store errors.
var (
	ErrDraftNotFound = errors.New("draft not found")
	ErrInvalidDraft  = fmt.Errorf("%w: invalid draft", billing.ErrValidation)
)

// Store persists drafts keyed by their reference.
type Store interface {
	Save(ctx context.Context, draft transfer.PeerTransfer) error
	Get(ctx context.Context, reference billing.Reference) (transfer.PeerTransfer, error)
	Delete(ctx context.Context, reference billing.Reference) error
}

// record is the serialized form of a draft.
type record struct {
	Reference       string `json:"reference"`
	SenderID        string `json:"sender_id"`
	RecipientID     string `json:"recipient_id"`
	RecipientEmail  string `json:"recipient_email"`
	RecipientName   string `json:"recipient_name"`
	RequestedAmount int64  `json:"requested_amount_kobo"`
	Amount          int64  `json:"amount_kobo"`
	State           string `json:"state"`
	Outcome         string `json:"outcome,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
}

func encodeDraft(draft transfer.PeerTransfer) ([]byte, error) {
	if draft.Reference.IsZero() || draft.SenderID.IsZero() {
		return nil, ErrInvalidDraft
	}
	return json.Marshal(record{
		Reference:       draft.Reference.String(),
		SenderID:        draft.SenderID.String(),
		RecipientID:     draft.Recipient.UserID.String(),
		RecipientEmail:  draft.Recipient.Email,
		RecipientName:   draft.Recipient.DisplayName,
		RequestedAmount: draft.RequestedAmount.Int64(),
		Amount:          draft.Amount.Int64(),
		State:           string(draft.State),
		Outcome:         string(draft.Outcome),
		CreatedUnixUTC:  draft.CreatedUnixUTC,
	})
}

func decodeDraft(raw []byte) (transfer.PeerTransfer, error) {
	var stored record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return transfer.PeerTransfer{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	reference, err := billing.NewReference(stored.Reference)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	senderID, err := billing.NewUserID(stored.SenderID)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	recipientID, err := billing.NewUserID(stored.RecipientID)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	requested, err := billing.NewKobo(stored.RequestedAmount)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	amount, err := billing.NewKobo(stored.Amount)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	var outcome ledger.EntryStatus
	if stored.Outcome != "" {
		outcome, err = ledger.ParseEntryStatus(stored.Outcome)
		if err != nil {
			return transfer.PeerTransfer{}, err
		}
	}
	return transfer.PeerTransfer{
		Reference: reference,
		SenderID:  senderID,
		Recipient: transfer.Recipient{
			UserID:      recipientID,
			Email:       stored.RecipientEmail,
			DisplayName: stored.RecipientName,
		},
		RequestedAmount: requested,
		Amount:          amount,
		State:           transfer.PeerState(stored.State),
		Outcome:         outcome,
		CreatedUnixUTC:  stored.CreatedUnixUTC,
	}, nil
}
