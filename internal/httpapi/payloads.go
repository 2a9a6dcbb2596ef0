package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

type rewardRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"omitempty,reference"`
}

type peerLookupRequest struct {
	Email  string `json:"email" binding:"required,email"`
	Amount string `json:"amount" binding:"required"`
}

type peerConfirmRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type purchaseRequest struct {
	ProductType string `json:"productType" binding:"required"`
	PlanID      string `json:"planId" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"omitempty,min=1,max=1000"`
	Reference   string `json:"reference" binding:"omitempty,reference"`
	Recipient   string `json:"recipient" binding:"required"`
}

type purchaseStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

type overrideRow struct {
	PlanID      string `json:"planId" binding:"required"`
	CustomPrice string `json:"customPrice" binding:"required"`
	Status      string `json:"status"`
}

type bulkOverrideRequest struct {
	Overrides []overrideRow `json:"overrides" binding:"required,min=1,dive"`
}

type overrideStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive"`
}

type createCardRequest struct {
	Code             string `json:"code" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	ExpiresAtUnixUTC int64  `json:"expiresAtUnixUtc" binding:"omitempty,min=0"`
}

type balancePayload struct {
	WalletKobo int64  `json:"walletKobo"`
	RewardKobo int64  `json:"rewardKobo"`
	Wallet     string `json:"wallet"`
	Reward     string `json:"reward"`
}

type entryPayload struct {
	Reference        string          `json:"reference"`
	Kind             string          `json:"kind"`
	Pool             string          `json:"pool"`
	AmountKobo       int64           `json:"amountKobo"`
	BalanceAfterKobo int64           `json:"balanceAfterKobo"`
	Status           string          `json:"status"`
	Counterparty     string          `json:"counterparty,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedUnixUTC   int64           `json:"createdUnixUtc"`
}

type walletResponse struct {
	Balance balancePayload `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type receiptPayload struct {
	Reference           string `json:"reference"`
	Kind                string `json:"kind"`
	Status              string `json:"status"`
	AmountKobo          int64  `json:"amountKobo"`
	Amount              string `json:"amount"`
	WalletBalanceKobo   int64  `json:"walletBalanceKobo"`
	RewardBalanceKobo   int64  `json:"rewardBalanceKobo"`
	Counterparty        string `json:"counterparty,omitempty"`
	Refunded            bool   `json:"refunded"`
	NeedsReconciliation bool   `json:"needsReconciliation"`
	Replayed            bool   `json:"replayed"`
	Message             string `json:"message"`
}

type draftPayload struct {
	DraftID             string `json:"draftId"`
	State               string `json:"state"`
	RecipientName       string `json:"recipientName"`
	RequestedAmountKobo int64  `json:"requestedAmountKobo"`
	AmountKobo          int64  `json:"amountKobo"`
	Amount              string `json:"amount"`
	Clamped             bool   `json:"clamped"`
}

type pricePayload struct {
	PlanID           string `json:"planId"`
	PlanName         string `json:"planName"`
	Validity         string `json:"validity,omitempty"`
	BasePriceKobo    int64  `json:"basePriceKobo"`
	DisplayPriceKobo int64  `json:"displayPriceKobo"`
	DifferenceKobo   int64  `json:"differenceKobo"`
	Overridden       bool   `json:"overridden"`
}

type overridePayload struct {
	PlanID          string `json:"planId"`
	CustomPriceKobo int64  `json:"customPriceKobo"`
	Status          string `json:"status"`
}

type cardPayload struct {
	Code             string `json:"code"`
	AmountKobo       int64  `json:"amountKobo"`
	ExpiresAtUnixUTC int64  `json:"expiresAtUnixUtc"`
}

func newBalancePayload(account ledger.Account) balancePayload {
	return balancePayload{
		WalletKobo: account.Wallet.Int64(),
		RewardKobo: account.Reward.Int64(),
		Wallet:     account.Wallet.String(),
		Reward:     account.Reward.String(),
	}
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	payload := entryPayload{
		Reference:        entry.Reference.String(),
		Kind:             string(entry.Kind),
		Pool:             string(entry.Pool),
		AmountKobo:       entry.Amount.Int64(),
		BalanceAfterKobo: entry.BalanceAfter.Int64(),
		Status:           string(entry.Status),
		Counterparty:     entry.CounterpartyUserID.String(),
		CreatedUnixUTC:   entry.CreatedUnixUTC,
	}
	if metadata := entry.Metadata.String(); metadata != "" {
		payload.Metadata = json.RawMessage(metadata)
	}
	return payload
}

func newReceiptPayload(receipt transfer.Receipt) receiptPayload {
	return receiptPayload{
		Reference:           receipt.Reference.String(),
		Kind:                string(receipt.Kind),
		Status:              string(receipt.Status),
		AmountKobo:          receipt.Amount.Int64(),
		Amount:              receipt.Amount.String(),
		WalletBalanceKobo:   receipt.WalletBalance.Int64(),
		RewardBalanceKobo:   receipt.RewardBalance.Int64(),
		Counterparty:        receipt.Counterparty,
		Refunded:            receipt.Refunded,
		NeedsReconciliation: receipt.NeedsReconciliation,
		Replayed:            receipt.Replayed,
		Message:             receiptMessage(receipt),
	}
}

func receiptMessage(receipt transfer.Receipt) string {
	switch {
	case receipt.NeedsReconciliation:
		return "provider status unknown; the payment is held pending reconciliation"
	case receipt.Status == ledger.EntryStatusPending:
		return "awaiting provider confirmation"
	case receipt.Status == ledger.EntryStatusFailed && receipt.Refunded:
		return "failed; the amount was refunded to your wallet"
	case receipt.Status == ledger.EntryStatusFailed:
		return "failed"
	case receipt.Counterparty != "":
		return "sent " + receipt.Amount.String() + " to " + receipt.Counterparty
	default:
		return "completed"
	}
}

func newDraftPayload(draft transfer.PeerTransfer) draftPayload {
	return draftPayload{
		DraftID:             draft.Reference.String(),
		State:               string(draft.State),
		RecipientName:       draft.Recipient.DisplayName,
		RequestedAmountKobo: draft.RequestedAmount.Int64(),
		AmountKobo:          draft.Amount.Int64(),
		Amount:              draft.Amount.String(),
		Clamped:             draft.Amount != draft.RequestedAmount,
	}
}

func newPricePayload(price pricing.EffectivePrice) pricePayload {
	return pricePayload{
		PlanID:           price.PlanID,
		PlanName:         price.PlanName,
		Validity:         price.Validity,
		BasePriceKobo:    price.BasePrice.Int64(),
		DisplayPriceKobo: price.DisplayPrice.Int64(),
		DifferenceKobo:   price.DifferenceKobo,
		Overridden:       price.Overridden,
	}
}

func newOverridePayload(override pricing.PriceOverride) overridePayload {
	return overridePayload{
		PlanID:          override.PlanID,
		CustomPriceKobo: override.CustomPrice.Int64(),
		Status:          override.Status.String(),
	}
}

func parseAmount(raw string) (billing.Kobo, error) {
	amount, err := billing.ParseNaira(raw)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, billing.ErrInvalidAmount
	}
	return amount, nil
}
