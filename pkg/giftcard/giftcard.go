// Package giftcard models redeemable gift cards whose status is derived, not stored.
package giftcard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// Domain-level error values for gift cards.
var (
	ErrInvalidCode   = fmt.Errorf("%w: invalid gift card code", billing.ErrValidation)
	ErrCardExpired   = fmt.Errorf("%w: gift card expired", billing.ErrValidation)
	ErrCardRedeemed  = fmt.Errorf("%w: gift card already redeemed", billing.ErrValidation)
	ErrCardNotFound  = errors.New("gift card not found")
	ErrDuplicateCode = errors.New("gift card code already exists")
)

// Status is derived from a card's fields at a point in time.
type Status string

const (
	StatusAvailable Status = "available"
	StatusRedeemed  Status = "redeemed"
	StatusExpired   Status = "expired"
)

// Card is a single-use voucher credited to the redeemer's wallet.
type Card struct {
	Code             string
	Amount           billing.Kobo
	IsRedeemed       bool
	ExpiresAtUnixUTC int64
	RedeemedBy       billing.UserID
	RedeemedUnixUTC  int64
	CreatedUnixUTC   int64
}

// Status derives redeemed, then expired, then available. A zero expiry never expires.
func (card Card) Status(nowUnixUTC int64) Status {
	if card.IsRedeemed {
		return StatusRedeemed
	}
	if card.ExpiresAtUnixUTC != 0 && card.ExpiresAtUnixUTC < nowUnixUTC {
		return StatusExpired
	}
	return StatusAvailable
}

// NormalizeCode trims and upper-cases a card code.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidCode)
	}
	return code, nil
}

// NewCard validates a card before it is issued.
func NewCard(rawCode string, amount billing.Kobo, expiresAtUnixUTC int64, createdUnixUTC int64) (Card, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Card{}, err
	}
	if amount <= 0 {
		return Card{}, fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	if expiresAtUnixUTC != 0 && expiresAtUnixUTC <= createdUnixUTC {
		return Card{}, fmt.Errorf("%w: expiry must be in the future", billing.ErrValidation)
	}
	return Card{Code: code, Amount: amount, ExpiresAtUnixUTC: expiresAtUnixUTC, CreatedUnixUTC: createdUnixUTC}, nil
}

// Store persists gift cards.
type Store interface {
	CreateCard(ctx context.Context, card Card) error
	GetCard(ctx context.Context, code string) (Card, error)
	// MarkRedeemed flips IsRedeemed from false to true, otherwise fails with ErrCardRedeemed.
	MarkRedeemed(ctx context.Context, code string, userID billing.UserID, redeemedUnixUTC int64) error
}
