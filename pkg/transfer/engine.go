// Package transfer executes value movement between pools, users and providers
// on top of the ledger, and turns each outcome into a client receipt.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/providerstatus"
	"github.com/MarkoPoloResearchLab/billpay/pkg/reference"
)

const (
	defaultProviderTimeout    = 30 * time.Second
	defaultSettleTimeout      = 15 * time.Second
	redemptionReferencePrefix = "REDEEM"

	metadataKeyProductType = "product_type"
	metadataKeyPlanID      = "plan_id"
	metadataKeyPlanName    = "plan_name"
	metadataKeyQuantity    = "quantity"
	metadataKeyUnitPrice   = "unit_price"
	metadataKeyDestination = "destination"
	metadataKeyRecipient   = "recipient_email"
	metadataKeyGiftCard    = "gift_card"
)

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithDirectory wires the recipient directory used by peer lookups.
func WithDirectory(directory Directory) EngineOption {
	return func(engine *Engine) {
		engine.directory = directory
	}
}

// WithProvider wires the purchase fulfilment provider.
func WithProvider(provider Provider) EngineOption {
	return func(engine *Engine) {
		engine.provider = provider
	}
}

// WithGiftCards wires the gift card store used for redemption pre-checks.
func WithGiftCards(store giftcard.Store) EngineOption {
	return func(engine *Engine) {
		engine.giftCards = store
	}
}

// WithProviderTimeout bounds a single provider call.
func WithProviderTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.providerTimeout = timeout
		}
	}
}

// WithSettleTimeout bounds the ledger work that finalizes a debited entry.
// That work runs detached from the caller's cancellation.
func WithSettleTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.settleTimeout = timeout
		}
	}
}

// Engine composes the ledger, the price catalog and the status normalizer.
type Engine struct {
	ledger          *ledger.Service
	catalog         *pricing.Catalog
	normalizer      *providerstatus.Normalizer
	references      *reference.Generator
	nowFn           func() int64
	directory       Directory
	provider        Provider
	giftCards       giftcard.Store
	providerTimeout time.Duration
	settleTimeout   time.Duration
}

// NewEngine wires an Engine.
func NewEngine(ledgerService *ledger.Service, catalog *pricing.Catalog, normalizer *providerstatus.Normalizer, references *reference.Generator, now func() int64, options ...EngineOption) (*Engine, error) {
	switch {
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger dependency is nil", billing.ErrInvalidConfig)
	case catalog == nil:
		return nil, fmt.Errorf("%w: catalog dependency is nil", billing.ErrInvalidConfig)
	case normalizer == nil:
		return nil, fmt.Errorf("%w: normalizer dependency is nil", billing.ErrInvalidConfig)
	case references == nil:
		return nil, fmt.Errorf("%w: reference dependency is nil", billing.ErrInvalidConfig)
	case now == nil:
		return nil, fmt.Errorf("%w: clock dependency is nil", billing.ErrInvalidConfig)
	}
	engine := &Engine{
		ledger:          ledgerService,
		catalog:         catalog,
		normalizer:      normalizer,
		references:      references,
		nowFn:           now,
		providerTimeout: defaultProviderTimeout,
		settleTimeout:   defaultSettleTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// NewReference issues a fresh idempotency reference.
func (engine *Engine) NewReference() (billing.Reference, error) {
	return engine.references.Generate()
}

// RewardToWallet moves amount from the reward pool into the wallet. An
// insufficient reward balance is rejected before any entry exists. A zero ref
// is replaced by a generated one.
func (engine *Engine) RewardToWallet(ctx context.Context, userID billing.UserID, amount billing.Kobo, ref billing.Reference) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	ref, err := engine.referenceOrNew(ref)
	if err != nil {
		return Receipt{}, err
	}
	entry, replayed, err := engine.ledger.Record(ctx, ledger.Movement{
		Reference: ref,
		UserID:    userID,
		Kind:      ledger.EntryRewardToWallet,
		Amount:    amount,
	})
	if err != nil {
		return Receipt{}, err
	}
	return engine.receipt(ctx, entry, replayed)
}

// LookupRecipient resolves a peer transfer recipient and quotes the amount
// clamped to the sender's wallet. The returned draft must be confirmed with
// exactly the quoted amount before it can be committed.
func (engine *Engine) LookupRecipient(ctx context.Context, senderID billing.UserID, email string, requested billing.Kobo) (PeerTransfer, error) {
	if engine.directory == nil {
		return PeerTransfer{}, fmt.Errorf("%w: directory dependency is nil", billing.ErrInvalidConfig)
	}
	if senderID.IsZero() {
		return PeerTransfer{}, fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
	}
	if requested <= 0 {
		return PeerTransfer{}, fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" {
		return PeerTransfer{}, fmt.Errorf("%w: empty email", ErrInvalidRecipient)
	}
	recipient, err := engine.directory.LookupByEmail(ctx, normalizedEmail)
	if err != nil {
		return PeerTransfer{}, err
	}
	if recipient.UserID == senderID {
		return PeerTransfer{}, ErrSelfTransfer
	}
	account, err := engine.ledger.Balance(ctx, senderID)
	if err != nil {
		return PeerTransfer{}, err
	}
	clamped := ClampAmount(requested, account.Wallet)
	if clamped <= 0 {
		return PeerTransfer{}, fmt.Errorf("%w: wallet is empty", billing.ErrInsufficientBalance)
	}
	ref, err := engine.references.Generate()
	if err != nil {
		return PeerTransfer{}, err
	}
	return PeerTransfer{
		Reference:       ref,
		SenderID:        senderID,
		Recipient:       recipient,
		RequestedAmount: requested,
		Amount:          clamped,
		State:           PeerStateLookedUp,
		CreatedUnixUTC:  engine.nowFn(),
	}, nil
}

// Commit executes a confirmed peer transfer. Committing the same draft again
// returns the stored outcome without moving funds. When the recipient leg
// cannot be applied the sender is refunded.
func (engine *Engine) Commit(ctx context.Context, transfer PeerTransfer) (PeerTransfer, Receipt, error) {
	if transfer.State != PeerStateConfirmed && transfer.State != PeerStateCommitted {
		return transfer, Receipt{}, fmt.Errorf("%w: commit from %s", ErrInvalidTransition, transfer.State)
	}
	metadata, err := billing.MarshalMetadata(map[string]any{metadataKeyRecipient: transfer.Recipient.Email})
	if err != nil {
		return transfer, Receipt{}, err
	}
	pending, replayed, err := engine.ledger.Begin(ctx, ledger.Movement{
		Reference:    transfer.Reference,
		UserID:       transfer.SenderID,
		Kind:         ledger.EntryWalletToPeer,
		Amount:       transfer.Amount,
		Counterparty: transfer.Recipient.UserID,
		Metadata:     metadata,
	})
	if err != nil {
		return transfer, Receipt{}, err
	}
	settleCtx, cancel := engine.settleContext(ctx)
	defer cancel()
	if replayed && pending.Status != ledger.EntryStatusPending {
		transfer.State, transfer.Outcome = PeerStateCommitted, pending.Status
		receipt, err := engine.peerReceipt(settleCtx, pending, transfer, true)
		return transfer, receipt, err
	}
	completed, completeErr := engine.ledger.Complete(settleCtx, transfer.Reference)
	if completeErr != nil {
		failed, err := engine.refund(settleCtx, transfer.Reference)
		if err != nil {
			return transfer, Receipt{}, errors.Join(completeErr, err)
		}
		transfer.State, transfer.Outcome = PeerStateCommitted, ledger.EntryStatusFailed
		receipt, err := engine.peerReceipt(settleCtx, failed, transfer, replayed)
		if err != nil {
			return transfer, Receipt{}, errors.Join(completeErr, err)
		}
		return transfer, receipt, completeErr
	}
	transfer.State, transfer.Outcome = PeerStateCommitted, completed.Status
	receipt, err := engine.peerReceipt(settleCtx, completed, transfer, replayed)
	return transfer, receipt, err
}

// ReconcilePeer refunds the sender of a wallet_to_peer entry that an
// interrupted commit left pending. Entries younger than the settle timeout may
// still be settling and are rejected. A final entry is returned unchanged.
func (engine *Engine) ReconcilePeer(ctx context.Context, ref billing.Reference) (Receipt, error) {
	entry, err := engine.ledger.Entry(ctx, ref)
	if err != nil {
		return Receipt{}, err
	}
	if entry.Kind != ledger.EntryWalletToPeer {
		return Receipt{}, fmt.Errorf("%w: %s is %s", ErrNotPeerTransfer, ref, entry.Kind)
	}
	if entry.Status != ledger.EntryStatusPending {
		return engine.receipt(ctx, entry, true)
	}
	settleSeconds := int64((engine.settleTimeout + time.Second - 1) / time.Second)
	if engine.nowFn()-entry.CreatedUnixUTC < settleSeconds {
		return Receipt{}, fmt.Errorf("%w: %s", ErrSettlementInFlight, ref)
	}
	settleCtx, cancel := engine.settleContext(ctx)
	defer cancel()
	failed, err := engine.refund(settleCtx, ref)
	if err != nil {
		return Receipt{}, err
	}
	return engine.receipt(settleCtx, failed, false)
}

// Purchase debits the wallet for the effective price of a plan and submits the
// order to the provider. Only an explicit failed status refunds the wallet;
// pending and unknown outcomes leave the entry pending.
func (engine *Engine) Purchase(ctx context.Context, request PurchaseRequest) (Receipt, error) {
	if engine.provider == nil {
		return Receipt{}, fmt.Errorf("%w: provider dependency is nil", billing.ErrInvalidConfig)
	}
	if request.Credential.IsZero() {
		return Receipt{}, ErrMissingCredential
	}
	if request.Quantity <= 0 {
		return Receipt{}, ErrInvalidQuantity
	}
	quote, err := engine.catalog.Quote(ctx, request.ProductType, request.Plan, request.Quantity)
	if err != nil {
		return Receipt{}, err
	}
	ref, err := engine.referenceOrNew(request.Reference)
	if err != nil {
		return Receipt{}, err
	}
	metadata, err := billing.MarshalMetadata(map[string]any{
		metadataKeyProductType: request.ProductType.String(),
		metadataKeyPlanID:      request.Plan.ID,
		metadataKeyPlanName:    request.Plan.Name,
		metadataKeyQuantity:    request.Quantity,
		metadataKeyUnitPrice:   quote.Price.DisplayPrice.String(),
		metadataKeyDestination: request.Destination,
	})
	if err != nil {
		return Receipt{}, err
	}
	pending, replayed, err := engine.ledger.Begin(ctx, ledger.Movement{
		Reference: ref,
		UserID:    request.UserID,
		Kind:      ledger.EntryPurchase,
		Amount:    quote.Total,
		Metadata:  metadata,
	})
	if err != nil {
		return Receipt{}, err
	}
	settleCtx, cancel := engine.settleContext(ctx)
	defer cancel()
	if replayed {
		return engine.receipt(settleCtx, pending, true)
	}
	rawStatus, submitErr := engine.submit(ctx, request.Credential, PurchaseOrder{
		Reference:   ref,
		ProductType: request.ProductType,
		PlanID:      request.Plan.ID,
		Quantity:    request.Quantity,
		Amount:      quote.Total,
		Destination: request.Destination,
	})
	status := providerstatus.StatusUnknown
	if submitErr == nil {
		status = engine.normalizer.Normalize(rawStatus)
	}
	return engine.applyPurchaseStatus(settleCtx, pending, status)
}

// ResolvePurchase applies a later provider status to a pending purchase. A
// purchase that is already final is returned unchanged.
func (engine *Engine) ResolvePurchase(ctx context.Context, ref billing.Reference, rawStatus string) (Receipt, error) {
	entry, err := engine.ledger.Entry(ctx, ref)
	if err != nil {
		return Receipt{}, err
	}
	if entry.Kind != ledger.EntryPurchase {
		return Receipt{}, fmt.Errorf("%w: %s is %s", ErrNotPurchase, ref, entry.Kind)
	}
	if entry.Status != ledger.EntryStatusPending {
		return engine.receipt(ctx, entry, true)
	}
	settleCtx, cancel := engine.settleContext(ctx)
	defer cancel()
	return engine.applyPurchaseStatus(settleCtx, entry, engine.normalizer.Normalize(rawStatus))
}

// RedeemGiftCard credits the card amount to the wallet and marks the card
// redeemed in the same transaction. Redeeming the same card again by the same
// user replays the original receipt.
func (engine *Engine) RedeemGiftCard(ctx context.Context, userID billing.UserID, rawCode string) (Receipt, error) {
	if engine.giftCards == nil {
		return Receipt{}, fmt.Errorf("%w: gift card dependency is nil", billing.ErrInvalidConfig)
	}
	if userID.IsZero() {
		return Receipt{}, fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
	}
	code, err := giftcard.NormalizeCode(rawCode)
	if err != nil {
		return Receipt{}, err
	}
	card, err := engine.giftCards.GetCard(ctx, code)
	if err != nil {
		return Receipt{}, err
	}
	if card.IsRedeemed && card.RedeemedBy != userID {
		return Receipt{}, giftcard.ErrCardRedeemed
	}
	if !card.IsRedeemed && card.Status(engine.nowFn()) == giftcard.StatusExpired {
		return Receipt{}, giftcard.ErrCardExpired
	}
	ref, err := billing.NewReference(redemptionReferencePrefix + "-" + code)
	if err != nil {
		return Receipt{}, err
	}
	metadata, err := billing.MarshalMetadata(map[string]any{metadataKeyGiftCard: code})
	if err != nil {
		return Receipt{}, err
	}
	entry, replayed, err := engine.ledger.Record(ctx, ledger.Movement{
		Reference: ref,
		UserID:    userID,
		Kind:      ledger.EntryRedemption,
		Amount:    card.Amount,
		Metadata:  metadata,
	}, engine.redeemHook(code, userID))
	if errors.Is(err, ledger.ErrReferenceCollision) {
		return Receipt{}, giftcard.ErrCardRedeemed
	}
	if err != nil {
		return Receipt{}, err
	}
	return engine.receipt(ctx, entry, replayed)
}

func (engine *Engine) redeemHook(code string, userID billing.UserID) ledger.TxHook {
	return func(ctx context.Context, transactionStore ledger.Store) error {
		cards, ok := transactionStore.(giftcard.Store)
		if !ok {
			return fmt.Errorf("%w: ledger store does not hold gift cards", billing.ErrInvalidConfig)
		}
		nowUnixUTC := engine.nowFn()
		card, err := cards.GetCard(ctx, code)
		if err != nil {
			return err
		}
		switch card.Status(nowUnixUTC) {
		case giftcard.StatusRedeemed:
			return giftcard.ErrCardRedeemed
		case giftcard.StatusExpired:
			return giftcard.ErrCardExpired
		}
		return cards.MarkRedeemed(ctx, code, userID, nowUnixUTC)
	}
}

func (engine *Engine) submit(ctx context.Context, credential Credential, order PurchaseOrder) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, engine.providerTimeout)
	defer cancel()
	return engine.provider.SubmitPurchase(callCtx, credential, order)
}

func (engine *Engine) applyPurchaseStatus(ctx context.Context, pending ledger.Entry, status providerstatus.Status) (Receipt, error) {
	switch status {
	case providerstatus.StatusSuccess:
		completed, err := engine.ledger.Complete(ctx, pending.Reference)
		if err != nil {
			return Receipt{}, err
		}
		return engine.receipt(ctx, completed, false)
	case providerstatus.StatusFailed:
		failed, err := engine.refund(ctx, pending.Reference)
		if err != nil {
			return Receipt{}, err
		}
		receipt, err := engine.receipt(ctx, failed, false)
		if err != nil {
			return Receipt{}, err
		}
		return receipt, fmt.Errorf("%w: %s", ErrProviderFailure, pending.Reference)
	case providerstatus.StatusPending:
		return engine.receipt(ctx, pending, false)
	default:
		receipt, err := engine.receipt(ctx, pending, false)
		if err != nil {
			return Receipt{}, err
		}
		receipt.NeedsReconciliation = true
		return receipt, fmt.Errorf("%w: %s", ErrProviderUnknownStatus, pending.Reference)
	}
}

// settleContext detaches ctx from cancellation so a debited entry is always
// finalized or left in a reconcilable state.
func (engine *Engine) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), engine.settleTimeout)
}

// refund compensates a pending entry and returns it in its failed state.
func (engine *Engine) refund(ctx context.Context, ref billing.Reference) (ledger.Entry, error) {
	if _, err := engine.ledger.Compensate(ctx, ref); err != nil {
		return ledger.Entry{}, err
	}
	return engine.ledger.Entry(ctx, ref)
}

func (engine *Engine) referenceOrNew(ref billing.Reference) (billing.Reference, error) {
	if !ref.IsZero() {
		return ref, nil
	}
	return engine.references.Generate()
}

func (engine *Engine) peerReceipt(ctx context.Context, entry ledger.Entry, transfer PeerTransfer, replayed bool) (Receipt, error) {
	receipt, err := engine.receipt(ctx, entry, replayed)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Counterparty = transfer.Recipient.DisplayName
	return receipt, nil
}

func (engine *Engine) receipt(ctx context.Context, entry ledger.Entry, replayed bool) (Receipt, error) {
	account, err := engine.ledger.Balance(ctx, entry.UserID)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		Reference:     entry.Reference,
		Kind:          entry.Kind,
		Status:        entry.Status,
		Amount:        entry.Amount,
		WalletBalance: account.Wallet,
		RewardBalance: account.Reward,
		Refunded:      entry.Status == ledger.EntryStatusFailed,
		Replayed:      replayed,
	}, nil
}
