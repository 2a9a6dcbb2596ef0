package transfer

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
)

// Credential is the bearer token attached to outbound provider calls.
// The engine never refreshes or stores it.
type Credential struct {
	token string
}

// NewCredential wraps a bearer token.
func NewCredential(token string) Credential {
	return Credential{token: strings.TrimSpace(token)}
}

// Token returns the raw bearer token.
func (credential Credential) Token() string {
	return credential.token
}

// IsZero reports whether no token was supplied.
func (credential Credential) IsZero() bool {
	return credential.token == ""
}

// Recipient is a resolved peer-transfer destination.
type Recipient struct {
	UserID      billing.UserID
	Email       string
	DisplayName string
}

// Directory resolves recipient identifiers; unknown identifiers yield ErrRecipientNotFound.
type Directory interface {
	LookupByEmail(ctx context.Context, email string) (Recipient, error)
}

// PurchaseOrder is what the engine submits to a provider.
type PurchaseOrder struct {
	Reference   billing.Reference
	ProductType pricing.ProductType
	PlanID      string
	Quantity    int64
	Amount      billing.Kobo
	Destination string
}

// Provider fulfils purchases and reports free-form status tokens.
type Provider interface {
	SubmitPurchase(ctx context.Context, credential Credential, order PurchaseOrder) (string, error)
}

// PurchaseRequest asks the engine to debit the wallet for a plan.
type PurchaseRequest struct {
	UserID      billing.UserID
	Reference   billing.Reference
	ProductType pricing.ProductType
	Plan        pricing.Plan
	Quantity    int64
	Destination string
	Credential  Credential
	Metadata    billing.MetadataJSON
}

// Receipt is the client-visible outcome of one operation.
type Receipt struct {
	Reference           billing.Reference
	Kind                ledger.EntryKind
	Status              ledger.EntryStatus
	Amount              billing.Kobo
	WalletBalance       billing.Kobo
	RewardBalance       billing.Kobo
	Counterparty        string
	Refunded            bool
	NeedsReconciliation bool
	Replayed            bool
}

// ClampAmount limits a requested amount to what is available.
func ClampAmount(requested billing.Kobo, available billing.Kobo) billing.Kobo {
	if requested > available {
		return available
	}
	return requested
}
