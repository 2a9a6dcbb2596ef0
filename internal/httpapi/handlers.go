package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billpay/internal/draftstore"
	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const userContextKey = "billpay_user_id"

type httpHandler struct {
	cfg        Config
	deps       Dependencies
	logger     *zap.Logger
	credential transfer.Credential
}

// trackProfile rejects requests without a session and keeps the recipient
// directory in sync with the session claims.
func (handler *httpHandler) trackProfile(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session has no user"))
		return
	}
	if email := claims.GetUserEmail(); email != "" {
		displayName := claims.GetUserDisplayName()
		if displayName == "" {
			displayName = email
		}
		requestCtx, cancel := handler.requestContext(ctx)
		err := handler.deps.Profiles.UpsertProfile(requestCtx, transfer.Recipient{UserID: userID, Email: email, DisplayName: displayName})
		cancel()
		if err != nil {
			handler.logger.Warn("profile upsert failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	ctx.Set(userContextKey, userID)
	ctx.Next()
}

func (handler *httpHandler) requireRole(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil || !slices.Contains(claims.GetUserRoles(), handler.cfg.AdminRole) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(codeForbidden, "admin role required"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID := currentUser(ctx)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.deps.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.deps.Ledger.ListEntries(requestCtx, userID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := walletResponse{Balance: newBalancePayload(account), Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

func (handler *httpHandler) handleReward(ctx *gin.Context) {
	var request rewardRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := parseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ref, err := optionalReference(request.Reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.deps.Engine.RewardToWallet(requestCtx, currentUser(ctx), amount, ref)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handlePeerLookup(ctx *gin.Context) {
	var request peerLookupRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := parseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	draft, err := handler.deps.Engine.LookupRecipient(requestCtx, currentUser(ctx), request.Email, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.deps.Drafts.Save(requestCtx, draft); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"draft": newDraftPayload(draft)})
}

func (handler *httpHandler) handlePeerConfirm(ctx *gin.Context) {
	var request peerConfirmRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := parseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	draft, err := handler.loadDraft(requestCtx, ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if draft.State == transfer.PeerStateLookedUp {
		draft, err = draft.Confirm(amount)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	committed, receipt, commitErr := handler.deps.Engine.Commit(requestCtx, draft)
	if committed.State == transfer.PeerStateCommitted {
		if err := handler.deps.Drafts.Save(requestCtx, committed); err != nil {
			handler.logger.Warn("draft save failed", zap.String("reference", committed.Reference.String()), zap.Error(err))
		}
	}
	if commitErr != nil {
		if receipt.Reference.IsZero() {
			handler.respondError(ctx, commitErr)
			return
		}
		handler.respondReceiptError(ctx, receipt, commitErr)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt), "draft": newDraftPayload(committed)})
}

func (handler *httpHandler) handlePeerCancel(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	draft, err := handler.loadDraft(requestCtx, ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	cancelled, err := draft.Cancel()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.deps.Drafts.Delete(requestCtx, cancelled.Reference); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"draft": newDraftPayload(cancelled)})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if !bindJSON(ctx, &request) {
		return
	}
	productType, err := pricing.NewProductType(request.ProductType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ref, err := optionalReference(request.Reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	quantity := request.Quantity
	if quantity == 0 {
		quantity = 1
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	plan, err := handler.deps.Plans.FindPlan(requestCtx, handler.credential, productType, request.PlanID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.deps.Engine.Purchase(requestCtx, transfer.PurchaseRequest{
		UserID:      currentUser(ctx),
		Reference:   ref,
		ProductType: productType,
		Plan:        plan,
		Quantity:    quantity,
		Destination: request.Recipient,
		Credential:  handler.credential,
	})
	handler.respondPurchase(ctx, receipt, err)
}

func (handler *httpHandler) handlePurchaseStatus(ctx *gin.Context) {
	var request purchaseStatusRequest
	if !bindJSON(ctx, &request) {
		return
	}
	ref, err := billing.NewReference(ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.deps.Engine.ResolvePurchase(requestCtx, ref, request.Status)
	handler.respondPurchase(ctx, receipt, err)
}

// handleReconcile pulls the provider's current status for a purchase and applies it.
func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	ref, err := billing.NewReference(ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	rawStatus, err := handler.deps.Statuses.QueryStatus(requestCtx, handler.credential, ref)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.deps.Engine.ResolvePurchase(requestCtx, ref, rawStatus)
	handler.respondPurchase(ctx, receipt, err)
}

// handlePeerReconcile refunds a peer transfer left pending by an interrupted commit.
func (handler *httpHandler) handlePeerReconcile(ctx *gin.Context) {
	ref, err := billing.NewReference(ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.deps.Engine.ReconcilePeer(requestCtx, ref)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	var request redeemRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.deps.Engine.RedeemGiftCard(requestCtx, currentUser(ctx), request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handlePrices(ctx *gin.Context) {
	productType, err := pricing.NewProductType(ctx.Param("productType"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	plans, err := handler.deps.Plans.FetchPlans(requestCtx, handler.credential, productType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	prices, err := handler.deps.Catalog.PriceList(requestCtx, productType, plans)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]pricePayload, 0, len(prices))
	for _, price := range prices {
		payload = append(payload, newPricePayload(price))
	}
	ctx.JSON(http.StatusOK, gin.H{"productType": productType.String(), "prices": payload})
}

func (handler *httpHandler) handleBulkOverride(ctx *gin.Context) {
	var request bulkOverrideRequest
	if !bindJSON(ctx, &request) {
		return
	}
	productType, err := pricing.NewProductType(ctx.Param("productType"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	inputs := make([]pricing.OverrideInput, 0, len(request.Overrides))
	for _, row := range request.Overrides {
		inputs = append(inputs, pricing.OverrideInput{PlanID: row.PlanID, CustomPrice: row.CustomPrice, Status: row.Status})
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	overrides, err := handler.deps.Catalog.ApplyBulkOverride(requestCtx, productType, inputs)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]overridePayload, 0, len(overrides))
	for _, override := range overrides {
		payload = append(payload, newOverridePayload(override))
	}
	handler.logger.Info("price overrides applied",
		zap.String("product_type", productType.String()),
		zap.Int("count", len(payload)),
		zap.String("admin_id", currentUser(ctx).String()),
	)
	ctx.JSON(http.StatusOK, gin.H{"overrides": payload})
}

func (handler *httpHandler) handleOverrideStatus(ctx *gin.Context) {
	var request overrideStatusRequest
	if !bindJSON(ctx, &request) {
		return
	}
	productType, err := pricing.NewProductType(ctx.Param("productType"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status, err := pricing.ParseOverrideStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.deps.Catalog.SetOverrideStatus(requestCtx, productType, ctx.Param("planID"), status); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"planId": ctx.Param("planID"), "status": status.String()})
}

func (handler *httpHandler) handleCreateCard(ctx *gin.Context) {
	var request createCardRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := parseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	card, err := giftcard.NewCard(request.Code, amount, request.ExpiresAtUnixUTC, handler.deps.Now())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.deps.GiftCards.CreateCard(requestCtx, card); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"card": cardPayload{Code: card.Code, AmountKobo: card.Amount.Int64(), ExpiresAtUnixUTC: card.ExpiresAtUnixUTC}})
}

// respondPurchase reports a purchase outcome. Pending and unknown outcomes are
// accepted, not failed: the wallet stays debited until the provider answers.
func (handler *httpHandler) respondPurchase(ctx *gin.Context, receipt transfer.Receipt, err error) {
	switch {
	case err == nil && receipt.Status == ledger.EntryStatusPending:
		ctx.JSON(http.StatusAccepted, gin.H{"receipt": newReceiptPayload(receipt)})
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
	case errors.Is(err, billing.ErrProviderUnknownStatus) && !receipt.Reference.IsZero():
		handler.logger.Warn("purchase needs reconciliation", zap.String("reference", receipt.Reference.String()), zap.Error(err))
		ctx.JSON(http.StatusAccepted, gin.H{"receipt": newReceiptPayload(receipt)})
	case !receipt.Reference.IsZero():
		handler.respondReceiptError(ctx, receipt, err)
	default:
		handler.respondError(ctx, err)
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.String("operation", billing.OperationPath(err)), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	ctx.JSON(status, errorResponse(code, message))
}

func (handler *httpHandler) respondReceiptError(ctx *gin.Context, receipt transfer.Receipt, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("operation failed", zap.String("reference", receipt.Reference.String()), zap.String("operation", billing.OperationPath(err)), zap.Error(err))
	}
	body := errorResponse(code, err.Error())
	body["receipt"] = newReceiptPayload(receipt)
	ctx.JSON(status, body)
}

// loadDraft returns the caller's draft; drafts of other users are reported as missing.
func (handler *httpHandler) loadDraft(requestCtx context.Context, ctx *gin.Context) (transfer.PeerTransfer, error) {
	ref, err := billing.NewReference(ctx.Param("draftID"))
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	draft, err := handler.deps.Drafts.Get(requestCtx, ref)
	if err != nil {
		return transfer.PeerTransfer{}, err
	}
	if draft.SenderID != currentUser(ctx) {
		return transfer.PeerTransfer{}, fmt.Errorf("%w: %s", draftstore.ErrDraftNotFound, ref)
	}
	return draft, nil
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return false
	}
	return true
}

func optionalReference(raw string) (billing.Reference, error) {
	if raw == "" {
		return billing.Reference{}, nil
	}
	return billing.NewReference(raw)
}

func currentUser(ctx *gin.Context) billing.UserID {
	value, _ := ctx.Get(userContextKey)
	userID, _ := value.(billing.UserID)
	return userID
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
