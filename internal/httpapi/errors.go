package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/billpay/internal/draftstore"
	"github.com/MarkoPoloResearchLab/billpay/internal/provider"
	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	codeValidation          = "validation_error"
	codeInvalidPayload      = "invalid_payload"
	codeInsufficientBalance = "insufficient_balance"
	codeRecipientNotFound   = "recipient_not_found"
	codeNotFound            = "not_found"
	codePersistenceConflict = "persistence_conflict"
	codeConflict            = "conflict"
	codeProviderFailure     = "provider_failure"
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeInternal            = "internal_error"
)

// classifyError maps domain errors onto an HTTP status and a stable code.
// Order matters: specific sentinels are checked before taxonomy roots.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrRecipientNotFound):
		return http.StatusNotFound, codeRecipientNotFound
	case errors.Is(err, draftstore.ErrDraftNotFound),
		errors.Is(err, giftcard.ErrCardNotFound),
		errors.Is(err, ledger.ErrUnknownEntry),
		errors.Is(err, pricing.ErrUnknownOverride),
		errors.Is(err, provider.ErrPlanNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusConflict, codeInsufficientBalance
	case errors.Is(err, billing.ErrPersistenceConflict):
		return http.StatusConflict, codePersistenceConflict
	case errors.Is(err, ledger.ErrReferenceCollision),
		errors.Is(err, ledger.ErrEntryFinalized),
		errors.Is(err, transfer.ErrInvalidTransition),
		errors.Is(err, transfer.ErrNotPurchase),
		errors.Is(err, transfer.ErrNotPeerTransfer),
		errors.Is(err, transfer.ErrSettlementInFlight),
		errors.Is(err, giftcard.ErrDuplicateCode):
		return http.StatusConflict, codeConflict
	case errors.Is(err, billing.ErrProviderFailure), errors.Is(err, provider.ErrUpstream):
		return http.StatusBadGateway, codeProviderFailure
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
