package transfer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/billpay/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/providerstatus"
	"github.com/MarkoPoloResearchLab/billpay/pkg/reference"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	senderIDValue    = "user-1"
	recipientIDValue = "user-2"
	recipientEmail   = "ada@example.com"
	providerToken    = "provider-token"
	productTypeValue = "data"
	planIDValue      = "mtn-1gb"
	fixedNowUnixUTC  = int64(1_700_000_000)
)

var errInjected = errors.New("injected failure")

type stubProvider struct {
	mutex       sync.Mutex
	status      string
	err         error
	block       bool
	calls       int
	credentials []string
	orders      []transfer.PurchaseOrder
}

func (provider *stubProvider) SubmitPurchase(ctx context.Context, credential transfer.Credential, order transfer.PurchaseOrder) (string, error) {
	provider.mutex.Lock()
	provider.calls++
	provider.credentials = append(provider.credentials, credential.Token())
	provider.orders = append(provider.orders, order)
	block, status, err := provider.block, provider.status, provider.err
	provider.mutex.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return status, err
}

// failingSwapStore fails account writes of one user inside transactions.
type failingSwapStore struct {
	*memstore.Store
	userID billing.UserID
}

type failingSwapTx struct {
	ledger.Store
	userID billing.UserID
}

func (store *failingSwapStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return fn(ctx, &failingSwapTx{Store: txStore, userID: store.userID})
	})
}

func (store *failingSwapTx) CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next ledger.Account) error {
	if next.UserID == store.userID {
		return errInjected
	}
	return store.Store.CompareAndSwapAccount(ctx, expectedVersion, next)
}

// cancelAfterTxStore cancels the caller's context once the first armed
// transaction commits, the way a client disconnect lands mid-request.
type cancelAfterTxStore struct {
	*memstore.Store
	armed  atomic.Bool
	cancel context.CancelFunc
}

func (store *cancelAfterTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.Store.WithTx(ctx, fn)
	if err == nil && store.armed.CompareAndSwap(true, false) {
		store.cancel()
	}
	return err
}

type fixture struct {
	store    *memstore.Store
	ledger   *ledger.Service
	catalog  *pricing.Catalog
	engine   *transfer.Engine
	provider *stubProvider
	sender   billing.UserID
	receiver billing.UserID
}

func newFixture(test *testing.T, ledgerStore ledger.Store, store *memstore.Store, options ...transfer.EngineOption) *fixture {
	test.Helper()
	clock := func() int64 { return fixedNowUnixUTC }
	millis := func() int64 { return fixedNowUnixUTC * 1000 }
	ledgerService, err := ledger.NewService(ledgerStore, clock)
	require.NoError(test, err)
	catalog, err := pricing.NewCatalog(store, clock)
	require.NoError(test, err)
	generator, err := reference.NewGenerator(millis)
	require.NoError(test, err)
	provider := &stubProvider{status: "00"}
	baseOptions := []transfer.EngineOption{
		transfer.WithDirectory(store),
		transfer.WithProvider(provider),
		transfer.WithGiftCards(store),
		transfer.WithProviderTimeout(50 * time.Millisecond),
	}
	engine, err := transfer.NewEngine(ledgerService, catalog, providerstatus.NewNormalizer(), generator, clock, append(baseOptions, options...)...)
	require.NoError(test, err)

	sender, err := billing.NewUserID(senderIDValue)
	require.NoError(test, err)
	receiver, err := billing.NewUserID(recipientIDValue)
	require.NoError(test, err)
	require.NoError(test, store.UpsertProfile(context.Background(), transfer.Recipient{UserID: receiver, Email: recipientEmail, DisplayName: "Ada Lovelace"}))
	require.NoError(test, store.UpsertProfile(context.Background(), transfer.Recipient{UserID: sender, Email: "sender@example.com", DisplayName: "Sender"}))
	return &fixture{store: store, ledger: ledgerService, catalog: catalog, engine: engine, provider: provider, sender: sender, receiver: receiver}
}

func newMemoryFixture(test *testing.T, options ...transfer.EngineOption) *fixture {
	test.Helper()
	store := memstore.New()
	return newFixture(test, store, store, options...)
}

func (fixture *fixture) fund(test *testing.T, userID billing.UserID, wallet billing.Kobo, reward billing.Kobo) {
	test.Helper()
	ctx := context.Background()
	if wallet > 0 {
		_, err := fixture.ledger.Credit(ctx, userID, ledger.PoolWallet, wallet)
		require.NoError(test, err)
	}
	if reward > 0 {
		_, err := fixture.ledger.Credit(ctx, userID, ledger.PoolReward, reward)
		require.NoError(test, err)
	}
}

func (fixture *fixture) balance(test *testing.T, userID billing.UserID) ledger.Account {
	test.Helper()
	account, err := fixture.ledger.Balance(context.Background(), userID)
	require.NoError(test, err)
	return account
}

func naira(test *testing.T, raw string) billing.Kobo {
	test.Helper()
	amount, err := billing.ParseNaira(raw)
	require.NoError(test, err)
	return amount
}

func dataPlan(test *testing.T) (pricing.ProductType, pricing.Plan) {
	test.Helper()
	productType, err := pricing.NewProductType(productTypeValue)
	require.NoError(test, err)
	return productType, pricing.Plan{ID: planIDValue, Name: "MTN 1GB", BasePrice: naira(test, "500"), Validity: "30 days"}
}

func purchaseRequest(test *testing.T, fixture *fixture, ref billing.Reference) transfer.PurchaseRequest {
	test.Helper()
	productType, plan := dataPlan(test)
	return transfer.PurchaseRequest{
		UserID:      fixture.sender,
		Reference:   ref,
		ProductType: productType,
		Plan:        plan,
		Quantity:    1,
		Destination: "08030000000",
		Credential:  transfer.NewCredential(providerToken),
	}
}

func TestNewEngineValidatesDependencies(test *testing.T) {
	test.Parallel()
	_, err := transfer.NewEngine(nil, nil, nil, nil, nil)
	require.ErrorIs(test, err, billing.ErrInvalidConfig)
}

func TestClampAmount(test *testing.T) {
	test.Parallel()
	require.Equal(test, billing.Kobo(130_000), transfer.ClampAmount(200_000, 130_000))
	require.Equal(test, billing.Kobo(50_000), transfer.ClampAmount(50_000, 130_000))
	require.Equal(test, billing.Kobo(0), transfer.ClampAmount(10, 0))
}

func TestRewardToWalletMovesBetweenPools(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), naira(test, "500"))

	receipt, err := fixture.engine.RewardToWallet(context.Background(), fixture.sender, naira(test, "300"), billing.Reference{})
	require.NoError(test, err)
	require.Equal(test, ledger.EntryStatusSuccess, receipt.Status)
	require.Equal(test, naira(test, "1300"), receipt.WalletBalance)
	require.Equal(test, naira(test, "200"), receipt.RewardBalance)
	require.False(test, receipt.Replayed)
}

func TestRewardToWalletInsufficientCreatesNoEntry(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), naira(test, "500"))

	_, err := fixture.engine.RewardToWallet(context.Background(), fixture.sender, naira(test, "500.01"), billing.Reference{})
	require.ErrorIs(test, err, billing.ErrInsufficientBalance)
	entries, err := fixture.ledger.ListEntries(context.Background(), fixture.sender, 0, 10)
	require.NoError(test, err)
	require.Empty(test, entries)
	require.Equal(test, naira(test, "500"), fixture.balance(test, fixture.sender).Reward)
}

func TestRewardToWalletReplayIsIdempotent(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, 0, naira(test, "500"))
	ref, err := fixture.engine.NewReference()
	require.NoError(test, err)

	_, err = fixture.engine.RewardToWallet(context.Background(), fixture.sender, naira(test, "100"), ref)
	require.NoError(test, err)
	replay, err := fixture.engine.RewardToWallet(context.Background(), fixture.sender, naira(test, "100"), ref)
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, naira(test, "100"), replay.WalletBalance)
	require.Equal(test, naira(test, "400"), replay.RewardBalance)
}

func TestPeerTransferClampsAndCommits(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1300"), 0)
	ctx := context.Background()

	draft, err := fixture.engine.LookupRecipient(ctx, fixture.sender, " ADA@example.com ", naira(test, "2000"))
	require.NoError(test, err)
	require.Equal(test, transfer.PeerStateLookedUp, draft.State)
	require.Equal(test, naira(test, "1300"), draft.Amount)
	require.Equal(test, naira(test, "2000"), draft.RequestedAmount)
	require.Equal(test, "Ada Lovelace", draft.Recipient.DisplayName)

	_, err = draft.Confirm(naira(test, "2000"))
	require.ErrorIs(test, err, transfer.ErrAmountMismatch)
	require.ErrorIs(test, err, billing.ErrValidation)

	confirmed, err := draft.Confirm(naira(test, "1300"))
	require.NoError(test, err)
	committed, receipt, err := fixture.engine.Commit(ctx, confirmed)
	require.NoError(test, err)
	require.Equal(test, transfer.PeerStateCommitted, committed.State)
	require.Equal(test, ledger.EntryStatusSuccess, receipt.Status)
	require.Equal(test, "Ada Lovelace", receipt.Counterparty)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.sender).Wallet)
	require.Equal(test, naira(test, "1300"), fixture.balance(test, fixture.receiver).Wallet)

	_, replay, err := fixture.engine.Commit(ctx, confirmed)
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.sender).Wallet)
	require.Equal(test, naira(test, "1300"), fixture.balance(test, fixture.receiver).Wallet)
}

func TestLookupRecipientPreconditions(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	ctx := context.Background()

	_, err := fixture.engine.LookupRecipient(ctx, fixture.sender, recipientEmail, naira(test, "10"))
	require.ErrorIs(test, err, billing.ErrInsufficientBalance)

	fixture.fund(test, fixture.sender, naira(test, "10"), 0)
	testCases := []struct {
		name    string
		email   string
		amount  billing.Kobo
		wantErr error
	}{
		{name: "unknown recipient", email: "nobody@example.com", amount: 100, wantErr: billing.ErrRecipientNotFound},
		{name: "self transfer", email: "sender@example.com", amount: 100, wantErr: transfer.ErrSelfTransfer},
		{name: "empty email", email: "  ", amount: 100, wantErr: transfer.ErrInvalidRecipient},
		{name: "zero amount", email: recipientEmail, amount: 0, wantErr: billing.ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		_, err := fixture.engine.LookupRecipient(ctx, fixture.sender, testCase.email, testCase.amount)
		require.ErrorIs(test, err, testCase.wantErr, testCase.name)
	}
}

func TestPeerTransferStateMachine(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "100"), 0)
	ctx := context.Background()
	draft, err := fixture.engine.LookupRecipient(ctx, fixture.sender, recipientEmail, naira(test, "50"))
	require.NoError(test, err)

	_, _, err = fixture.engine.Commit(ctx, draft)
	require.ErrorIs(test, err, transfer.ErrInvalidTransition)

	cancelled, err := draft.Cancel()
	require.NoError(test, err)
	require.Equal(test, transfer.PeerStateCancelled, cancelled.State)
	_, err = cancelled.Confirm(draft.Amount)
	require.ErrorIs(test, err, transfer.ErrInvalidTransition)
	_, _, err = fixture.engine.Commit(ctx, cancelled)
	require.ErrorIs(test, err, transfer.ErrInvalidTransition)

	confirmed, err := draft.Confirm(draft.Amount)
	require.NoError(test, err)
	committed, _, err := fixture.engine.Commit(ctx, confirmed)
	require.NoError(test, err)
	_, err = committed.Cancel()
	require.ErrorIs(test, err, transfer.ErrInvalidTransition)
	require.Equal(test, naira(test, "50"), fixture.balance(test, fixture.sender).Wallet)
}

func TestPeerTransferRefundsSenderWhenCreditFails(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	receiver, err := billing.NewUserID(recipientIDValue)
	require.NoError(test, err)
	fixture := newFixture(test, &failingSwapStore{Store: store, userID: receiver}, store)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
	ctx := context.Background()

	draft, err := fixture.engine.LookupRecipient(ctx, fixture.sender, recipientEmail, naira(test, "400"))
	require.NoError(test, err)
	confirmed, err := draft.Confirm(draft.Amount)
	require.NoError(test, err)
	committed, receipt, err := fixture.engine.Commit(ctx, confirmed)
	require.ErrorIs(test, err, errInjected)
	require.Equal(test, ledger.EntryStatusFailed, committed.Outcome)
	require.True(test, receipt.Refunded)
	require.Equal(test, naira(test, "1000"), receipt.WalletBalance)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.receiver).Wallet)

	_, replay, err := fixture.engine.Commit(ctx, committed)
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, naira(test, "1000"), fixture.balance(test, fixture.sender).Wallet)
}

func TestPurchaseChargesEffectivePrice(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "2000"), 0)
	ctx := context.Background()
	productType, _ := dataPlan(test)
	_, err := fixture.catalog.ApplyBulkOverride(ctx, productType, []pricing.OverrideInput{{PlanID: planIDValue, CustomPrice: "650"}})
	require.NoError(test, err)

	request := purchaseRequest(test, fixture, billing.Reference{})
	request.Quantity = 2
	receipt, err := fixture.engine.Purchase(ctx, request)
	require.NoError(test, err)
	require.Equal(test, ledger.EntryStatusSuccess, receipt.Status)
	require.Equal(test, naira(test, "1300"), receipt.Amount)
	require.Equal(test, naira(test, "700"), receipt.WalletBalance)
	require.Equal(test, []string{providerToken}, fixture.provider.credentials)
	require.Equal(test, naira(test, "1300"), fixture.provider.orders[0].Amount)
	require.Equal(test, receipt.Reference, fixture.provider.orders[0].Reference)
}

func TestPurchasePendingThenFailedRefundsOnce(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
	ctx := context.Background()
	productType, _ := dataPlan(test)
	_, err := fixture.catalog.ApplyBulkOverride(ctx, productType, []pricing.OverrideInput{{PlanID: planIDValue, CustomPrice: "650"}})
	require.NoError(test, err)
	fixture.provider.status = "101"

	receipt, err := fixture.engine.Purchase(ctx, purchaseRequest(test, fixture, billing.Reference{}))
	require.NoError(test, err)
	require.Equal(test, ledger.EntryStatusPending, receipt.Status)
	require.Equal(test, naira(test, "350"), receipt.WalletBalance)

	pending, err := fixture.engine.ResolvePurchase(ctx, receipt.Reference, "101")
	require.NoError(test, err)
	require.Equal(test, ledger.EntryStatusPending, pending.Status)
	require.Equal(test, naira(test, "350"), fixture.balance(test, fixture.sender).Wallet)

	failed, err := fixture.engine.ResolvePurchase(ctx, receipt.Reference, "100")
	require.ErrorIs(test, err, billing.ErrProviderFailure)
	require.Equal(test, ledger.EntryStatusFailed, failed.Status)
	require.True(test, failed.Refunded)
	require.Equal(test, naira(test, "1000"), failed.WalletBalance)

	again, err := fixture.engine.ResolvePurchase(ctx, receipt.Reference, "100")
	require.NoError(test, err)
	require.True(test, again.Replayed)
	require.Equal(test, naira(test, "1000"), fixture.balance(test, fixture.sender).Wallet)
}

func TestPurchaseUnknownStatusNeverRefunds(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(provider *stubProvider)
	}{
		{name: "unrecognised token", configure: func(provider *stubProvider) { provider.status = "garbage" }},
		{name: "provider error", configure: func(provider *stubProvider) { provider.err = errInjected }},
		{name: "provider timeout", configure: func(provider *stubProvider) { provider.block = true }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newMemoryFixture(test)
			fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
			testCase.configure(fixture.provider)

			receipt, err := fixture.engine.Purchase(context.Background(), purchaseRequest(test, fixture, billing.Reference{}))
			require.ErrorIs(test, err, billing.ErrProviderUnknownStatus)
			require.Equal(test, ledger.EntryStatusPending, receipt.Status)
			require.True(test, receipt.NeedsReconciliation)
			require.Equal(test, naira(test, "500"), fixture.balance(test, fixture.sender).Wallet)
		})
	}
}

func TestPurchaseReplayDoesNotResubmit(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
	fixture.provider.status = "ORDER_RECEIVED"
	ref, err := billing.NewReference("TXN-CLIENT-1")
	require.NoError(test, err)

	_, err = fixture.engine.Purchase(context.Background(), purchaseRequest(test, fixture, ref))
	require.NoError(test, err)
	replay, err := fixture.engine.Purchase(context.Background(), purchaseRequest(test, fixture, ref))
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, 1, fixture.provider.calls)
	require.Equal(test, naira(test, "500"), fixture.balance(test, fixture.sender).Wallet)
}

func TestPurchaseRejectsInvalidRequests(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "100"), 0)
	ctx := context.Background()

	request := purchaseRequest(test, fixture, billing.Reference{})
	request.Quantity = 0
	_, err := fixture.engine.Purchase(ctx, request)
	require.ErrorIs(test, err, transfer.ErrInvalidQuantity)

	request = purchaseRequest(test, fixture, billing.Reference{})
	request.Credential = transfer.Credential{}
	_, err = fixture.engine.Purchase(ctx, request)
	require.ErrorIs(test, err, transfer.ErrMissingCredential)

	_, err = fixture.engine.Purchase(ctx, purchaseRequest(test, fixture, billing.Reference{}))
	require.ErrorIs(test, err, billing.ErrInsufficientBalance)
	require.Zero(test, fixture.provider.calls)
}

func TestResolvePurchaseRejectsOtherKinds(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, 0, naira(test, "10"))
	receipt, err := fixture.engine.RewardToWallet(context.Background(), fixture.sender, naira(test, "5"), billing.Reference{})
	require.NoError(test, err)
	_, err = fixture.engine.ResolvePurchase(context.Background(), receipt.Reference, "00")
	require.ErrorIs(test, err, transfer.ErrNotPurchase)
}

func TestRedeemGiftCard(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	ctx := context.Background()
	card, err := giftcard.NewCard("gift-100", naira(test, "100"), 0, fixedNowUnixUTC-10)
	require.NoError(test, err)
	require.NoError(test, fixture.store.CreateCard(ctx, card))
	expired, err := giftcard.NewCard("gift-old", naira(test, "100"), fixedNowUnixUTC-1, fixedNowUnixUTC-10)
	require.NoError(test, err)
	require.NoError(test, fixture.store.CreateCard(ctx, expired))

	receipt, err := fixture.engine.RedeemGiftCard(ctx, fixture.sender, " gift-100 ")
	require.NoError(test, err)
	require.Equal(test, ledger.EntryRedemption, receipt.Kind)
	require.Equal(test, naira(test, "100"), receipt.WalletBalance)

	stored, err := fixture.store.GetCard(ctx, "GIFT-100")
	require.NoError(test, err)
	require.Equal(test, giftcard.StatusRedeemed, stored.Status(fixedNowUnixUTC))

	replay, err := fixture.engine.RedeemGiftCard(ctx, fixture.sender, "GIFT-100")
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, naira(test, "100"), fixture.balance(test, fixture.sender).Wallet)

	_, err = fixture.engine.RedeemGiftCard(ctx, fixture.receiver, "GIFT-100")
	require.ErrorIs(test, err, giftcard.ErrCardRedeemed)
	_, err = fixture.engine.RedeemGiftCard(ctx, fixture.receiver, "GIFT-OLD")
	require.ErrorIs(test, err, giftcard.ErrCardExpired)
	_, err = fixture.engine.RedeemGiftCard(ctx, fixture.receiver, "GIFT-NONE")
	require.ErrorIs(test, err, giftcard.ErrCardNotFound)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.receiver).Wallet)
}

func TestCommitSettlesAfterCallerCancels(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterTxStore{Store: memstore.New(), cancel: cancel}
	fixture := newFixture(test, store, store.Store)
	fixture.fund(test, fixture.sender, naira(test, "1300"), 0)

	draft, err := fixture.engine.LookupRecipient(ctx, fixture.sender, recipientEmail, naira(test, "1300"))
	require.NoError(test, err)
	confirmed, err := draft.Confirm(draft.Amount)
	require.NoError(test, err)
	store.armed.Store(true)
	committed, receipt, err := fixture.engine.Commit(ctx, confirmed)
	require.NoError(test, err)
	require.ErrorIs(test, ctx.Err(), context.Canceled)
	require.Equal(test, ledger.EntryStatusSuccess, committed.Outcome)
	require.Equal(test, ledger.EntryStatusSuccess, receipt.Status)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.sender).Wallet)
	require.Equal(test, naira(test, "1300"), fixture.balance(test, fixture.receiver).Wallet)
}

func TestPurchaseSettlesAfterCallerCancels(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterTxStore{Store: memstore.New(), cancel: cancel}
	fixture := newFixture(test, store, store.Store)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
	fixture.provider.block = true

	store.armed.Store(true)
	receipt, err := fixture.engine.Purchase(ctx, purchaseRequest(test, fixture, billing.Reference{}))
	require.ErrorIs(test, err, billing.ErrProviderUnknownStatus)
	require.False(test, receipt.Reference.IsZero())
	require.Equal(test, ledger.EntryStatusPending, receipt.Status)
	require.True(test, receipt.NeedsReconciliation)
	require.Equal(test, naira(test, "500"), receipt.WalletBalance)
}

func TestReconcilePeerRefundsStalePendingTransfer(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)
	ctx := context.Background()
	earlier, err := ledger.NewService(fixture.store, func() int64 { return fixedNowUnixUTC - 60 })
	require.NoError(test, err)

	stale := mustBeginPeer(test, earlier, fixture, "PEER-STALE", naira(test, "400"))
	fresh := mustBeginPeer(test, fixture.ledger, fixture, "PEER-FRESH", naira(test, "100"))
	require.Equal(test, naira(test, "500"), fixture.balance(test, fixture.sender).Wallet)

	_, err = fixture.engine.ReconcilePeer(ctx, fresh)
	require.ErrorIs(test, err, transfer.ErrSettlementInFlight)

	receipt, err := fixture.engine.ReconcilePeer(ctx, stale)
	require.NoError(test, err)
	require.Equal(test, ledger.EntryStatusFailed, receipt.Status)
	require.True(test, receipt.Refunded)
	require.Equal(test, naira(test, "900"), receipt.WalletBalance)
	require.Equal(test, billing.Kobo(0), fixture.balance(test, fixture.receiver).Wallet)

	again, err := fixture.engine.ReconcilePeer(ctx, stale)
	require.NoError(test, err)
	require.True(test, again.Replayed)
	require.Equal(test, naira(test, "900"), fixture.balance(test, fixture.sender).Wallet)

	fixture.fund(test, fixture.sender, 0, naira(test, "5"))
	reward, err := fixture.engine.RewardToWallet(ctx, fixture.sender, naira(test, "5"), billing.Reference{})
	require.NoError(test, err)
	_, err = fixture.engine.ReconcilePeer(ctx, reward.Reference)
	require.ErrorIs(test, err, transfer.ErrNotPeerTransfer)
}

func TestPurchaseRejectsOverflowingQuantity(test *testing.T) {
	test.Parallel()
	fixture := newMemoryFixture(test)
	fixture.fund(test, fixture.sender, naira(test, "1000"), 0)

	request := purchaseRequest(test, fixture, billing.Reference{})
	request.Quantity = 1<<61 + 1
	_, err := fixture.engine.Purchase(context.Background(), request)
	require.ErrorIs(test, err, billing.ErrInvalidAmount)
	require.Zero(test, fixture.provider.calls)
	require.Equal(test, naira(test, "1000"), fixture.balance(test, fixture.sender).Wallet)
}

func mustBeginPeer(test *testing.T, ledgerService *ledger.Service, fixture *fixture, rawReference string, amount billing.Kobo) billing.Reference {
	test.Helper()
	ref, err := billing.NewReference(rawReference)
	require.NoError(test, err)
	_, _, err = ledgerService.Begin(context.Background(), ledger.Movement{
		Reference:    ref,
		UserID:       fixture.sender,
		Kind:         ledger.EntryWalletToPeer,
		Amount:       amount,
		Counterparty: fixture.receiver,
	})
	require.NoError(test, err)
	return ref
}
