package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/reference"
)

// Service contains the balance-settlement logic over a Store.
// Mutations are serialized per account in-process and guarded by
// compare-and-swap at the storage layer.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	locks       *accountLocks
	maxAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", billing.ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", billing.ErrInvalidConfig)
	}
	service := &Service{store: store, nowFn: now, locks: &accountLocks{}, maxAttempts: defaultMaxAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account snapshot for a user.
func (service *Service) Balance(ctx context.Context, userID billing.UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
	}
	return service.store.GetAccount(ctx, userID)
}

// Debit removes amount from a pool. Amounts above the balance are rejected whole.
func (service *Service) Debit(ctx context.Context, userID billing.UserID, pool Pool, amount billing.Kobo) (billing.Kobo, error) {
	var balance billing.Kobo
	operationError := service.mutate(ctx, []billing.UserID{userID}, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		next, err := account.debit(pool, amount)
		if err != nil {
			return err
		}
		if err := saveAccount(ctx, transactionStore, account, next); err != nil {
			return err
		}
		balance = next.Balance(pool)
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationDebit, UserID: userID, Pool: pool, Amount: amount, Error: operationError})
	return balance, operationError
}

// Credit adds a strictly positive amount to a pool.
func (service *Service) Credit(ctx context.Context, userID billing.UserID, pool Pool, amount billing.Kobo) (billing.Kobo, error) {
	var balance billing.Kobo
	operationError := service.mutate(ctx, []billing.UserID{userID}, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		next, err := account.credit(pool, amount)
		if err != nil {
			return err
		}
		if err := saveAccount(ctx, transactionStore, account, next); err != nil {
			return err
		}
		balance = next.Balance(pool)
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationCredit, UserID: userID, Pool: pool, Amount: amount, Error: operationError})
	return balance, operationError
}

// MoveBetweenPools debits one pool and credits the other in a single write,
// leaving Account.Total unchanged.
func (service *Service) MoveBetweenPools(ctx context.Context, userID billing.UserID, from Pool, to Pool, amount billing.Kobo) (Account, error) {
	var result Account
	operationError := service.mutate(ctx, []billing.UserID{userID}, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		next, err := moveBetweenPools(account, from, to, amount)
		if err != nil {
			return err
		}
		if err := saveAccount(ctx, transactionStore, account, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationMove, UserID: userID, Pool: from, Amount: amount, Error: operationError})
	return result, operationError
}

// Record applies a movement that settles synchronously (reward_to_wallet,
// redemption) and stores it as a success entry. Hooks run in the same
// transaction. A reference that was already recorded returns the stored entry
// with replayed set and no balance effect.
func (service *Service) Record(ctx context.Context, movement Movement, hooks ...TxHook) (Entry, bool, error) {
	var (
		entry    Entry
		replayed bool
	)
	operationError := validateMovement(movement, EntryRewardToWallet, EntryRedemption)
	if operationError == nil {
		operationError = service.mutate(ctx, []billing.UserID{movement.UserID}, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findReplay(ctx, transactionStore, movement)
			if err != nil {
				return err
			}
			if found {
				entry, replayed = existing, true
				return nil
			}
			for _, hook := range hooks {
				if err := hook(ctx, transactionStore); err != nil {
					return err
				}
			}
			account, err := transactionStore.GetAccount(ctx, movement.UserID)
			if err != nil {
				return err
			}
			var (
				next Account
				pool Pool
			)
			switch movement.Kind {
			case EntryRewardToWallet:
				pool = PoolReward
				next, err = moveBetweenPools(account, PoolReward, PoolWallet, movement.Amount)
			default:
				pool = PoolWallet
				next, err = account.credit(PoolWallet, movement.Amount)
			}
			if err != nil {
				return err
			}
			if err := saveAccount(ctx, transactionStore, account, next); err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			entry = Entry{
				Reference:          movement.Reference,
				UserID:             movement.UserID,
				Kind:               movement.Kind,
				Pool:               pool,
				Amount:             movement.Amount,
				BalanceBefore:      account.Balance(pool),
				BalanceAfter:       next.Balance(pool),
				Status:             EntryStatusSuccess,
				CounterpartyUserID: movement.Counterparty,
				Metadata:           movement.Metadata,
				CreatedUnixUTC:     nowUnixUTC,
				FinalizedUnixUTC:   nowUnixUTC,
			}
			return insertEntry(ctx, transactionStore, entry)
		})
	}
	service.logOperation(ctx, OperationLog{Operation: operationRecord, UserID: movement.UserID, Reference: movement.Reference, Kind: movement.Kind, Amount: movement.Amount, Error: operationError})
	return entry, replayed, operationError
}

// Begin opens a pending entry and debits the wallet in one atomic unit
// (purchase, wallet_to_peer). A known reference is replayed without effect.
func (service *Service) Begin(ctx context.Context, movement Movement) (Entry, bool, error) {
	var (
		entry    Entry
		replayed bool
	)
	operationError := validateMovement(movement, EntryPurchase, EntryWalletToPeer)
	if operationError == nil && movement.Kind == EntryWalletToPeer {
		operationError = validateCounterparty(movement)
	}
	if operationError == nil {
		operationError = service.mutate(ctx, []billing.UserID{movement.UserID}, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findReplay(ctx, transactionStore, movement)
			if err != nil {
				return err
			}
			if found {
				entry, replayed = existing, true
				return nil
			}
			account, err := transactionStore.GetAccount(ctx, movement.UserID)
			if err != nil {
				return err
			}
			next, err := account.debit(PoolWallet, movement.Amount)
			if err != nil {
				return err
			}
			if err := saveAccount(ctx, transactionStore, account, next); err != nil {
				return err
			}
			entry = Entry{
				Reference:          movement.Reference,
				UserID:             movement.UserID,
				Kind:               movement.Kind,
				Pool:               PoolWallet,
				Amount:             movement.Amount,
				BalanceBefore:      account.Wallet,
				BalanceAfter:       next.Wallet,
				Status:             EntryStatusPending,
				CounterpartyUserID: movement.Counterparty,
				Metadata:           movement.Metadata,
				CreatedUnixUTC:     service.nowFn(),
			}
			return insertEntry(ctx, transactionStore, entry)
		})
	}
	service.logOperation(ctx, OperationLog{Operation: operationBegin, UserID: movement.UserID, Reference: movement.Reference, Kind: movement.Kind, Amount: movement.Amount, Error: operationError})
	return entry, replayed, operationError
}

// Complete finalizes a pending entry as success. For wallet_to_peer the
// recipient wallet is credited in the same transaction.
func (service *Service) Complete(ctx context.Context, ref billing.Reference) (Entry, error) {
	pending, err := service.store.GetEntry(ctx, ref)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationComplete, Reference: ref, Error: err})
		return Entry{}, err
	}
	participants := []billing.UserID{pending.UserID}
	if pending.Kind == EntryWalletToPeer {
		participants = append(participants, pending.CounterpartyUserID)
	}
	var entry Entry
	operationError := service.mutate(ctx, participants, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetEntry(ctx, ref)
		if err != nil {
			return err
		}
		switch current.Status {
		case EntryStatusSuccess:
			entry = current
			return nil
		case EntryStatusFailed:
			return fmt.Errorf("%w: %s is failed", ErrEntryFinalized, ref)
		}
		nowUnixUTC := service.nowFn()
		if current.Kind == EntryWalletToPeer {
			if err := service.creditCounterparty(ctx, transactionStore, current, nowUnixUTC); err != nil {
				return err
			}
		}
		if err := transactionStore.FinalizeEntry(ctx, ref, EntryStatusSuccess, nowUnixUTC); err != nil {
			return err
		}
		current.Status = EntryStatusSuccess
		current.FinalizedUnixUTC = nowUnixUTC
		entry = current
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationComplete, UserID: pending.UserID, Reference: ref, Kind: pending.Kind, Amount: pending.Amount, Error: operationError})
	return entry, operationError
}

// Compensate finalizes a pending entry as failed and re-credits its amount
// through a refund entry derived from the reference. Repeated calls return the
// same refund entry; a successful entry cannot be compensated.
func (service *Service) Compensate(ctx context.Context, ref billing.Reference) (Entry, error) {
	pending, err := service.store.GetEntry(ctx, ref)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCompensate, Reference: ref, Error: err})
		return Entry{}, err
	}
	refundReference, err := reference.Derive(ref, referenceSuffixRefund)
	if err != nil {
		return Entry{}, err
	}
	var refund Entry
	operationError := service.mutate(ctx, []billing.UserID{pending.UserID}, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetEntry(ctx, ref)
		if err != nil {
			return err
		}
		switch current.Status {
		case EntryStatusSuccess:
			return fmt.Errorf("%w: %s is successful", ErrEntryFinalized, ref)
		case EntryStatusFailed:
			existing, err := transactionStore.GetEntry(ctx, refundReference)
			if err != nil {
				if errors.Is(err, ErrUnknownEntry) {
					return fmt.Errorf("%w: %s failed without refund", ErrEntryFinalized, ref)
				}
				return err
			}
			refund = existing
			return nil
		}
		account, err := transactionStore.GetAccount(ctx, current.UserID)
		if err != nil {
			return err
		}
		next, err := account.credit(current.Pool, current.Amount)
		if err != nil {
			return err
		}
		if err := saveAccount(ctx, transactionStore, account, next); err != nil {
			return err
		}
		metadata, err := billing.MarshalMetadata(map[string]any{"refund_of": ref.String(), "kind": current.Kind.String()})
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		refund = Entry{
			Reference:          refundReference,
			UserID:             current.UserID,
			Kind:               EntryRefund,
			Pool:               current.Pool,
			Amount:             current.Amount,
			BalanceBefore:      account.Balance(current.Pool),
			BalanceAfter:       next.Balance(current.Pool),
			Status:             EntryStatusSuccess,
			CounterpartyUserID: current.CounterpartyUserID,
			Metadata:           metadata,
			CreatedUnixUTC:     nowUnixUTC,
			FinalizedUnixUTC:   nowUnixUTC,
		}
		if err := insertEntry(ctx, transactionStore, refund); err != nil {
			return err
		}
		return transactionStore.FinalizeEntry(ctx, ref, EntryStatusFailed, nowUnixUTC)
	})
	service.logOperation(ctx, OperationLog{Operation: operationCompensate, UserID: pending.UserID, Reference: ref, Kind: pending.Kind, Amount: pending.Amount, Error: operationError})
	return refund, operationError
}

// Entry fetches one entry by reference.
func (service *Service) Entry(ctx context.Context, ref billing.Reference) (Entry, error) {
	return service.store.GetEntry(ctx, ref)
}

// ListEntries lists a user's entries created before a cutoff, newest first.
func (service *Service) ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

func (service *Service) creditCounterparty(ctx context.Context, transactionStore Store, source Entry, nowUnixUTC int64) error {
	creditReference, err := reference.Derive(source.Reference, referenceSuffixCredit)
	if err != nil {
		return err
	}
	recipient, err := transactionStore.GetAccount(ctx, source.CounterpartyUserID)
	if err != nil {
		return err
	}
	next, err := recipient.credit(PoolWallet, source.Amount)
	if err != nil {
		return err
	}
	if err := saveAccount(ctx, transactionStore, recipient, next); err != nil {
		return err
	}
	return insertEntry(ctx, transactionStore, Entry{
		Reference:          creditReference,
		UserID:             source.CounterpartyUserID,
		Kind:               EntryPeerCredit,
		Pool:               PoolWallet,
		Amount:             source.Amount,
		BalanceBefore:      recipient.Wallet,
		BalanceAfter:       next.Wallet,
		Status:             EntryStatusSuccess,
		CounterpartyUserID: source.UserID,
		Metadata:           source.Metadata,
		CreatedUnixUTC:     nowUnixUTC,
		FinalizedUnixUTC:   nowUnixUTC,
	})
}

// mutate runs fn in a transaction while holding the participants' locks,
// retrying a bounded number of times on ErrPersistenceConflict.
func (service *Service) mutate(ctx context.Context, participants []billing.UserID, fn func(ctx context.Context, transactionStore Store) error) error {
	for _, userID := range participants {
		if userID.IsZero() {
			return fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
		}
	}
	release := service.locks.lock(participants...)
	defer release()
	var err error
	for attempt := 0; attempt < service.maxAttempts; attempt++ {
		err = service.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrPersistenceConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func moveBetweenPools(account Account, from Pool, to Pool, amount billing.Kobo) (Account, error) {
	if from == to {
		return Account{}, ErrSamePool
	}
	debited, err := account.debit(from, amount)
	if err != nil {
		return Account{}, err
	}
	return debited.credit(to, amount)
}

func saveAccount(ctx context.Context, transactionStore Store, current Account, next Account) error {
	next.UserID = current.UserID
	next.Version = current.Version + 1
	return transactionStore.CompareAndSwapAccount(ctx, current.Version, next)
}

func insertEntry(ctx context.Context, transactionStore Store, entry Entry) error {
	err := transactionStore.InsertEntry(ctx, entry)
	if errors.Is(err, ErrDuplicateReference) {
		// Another writer inserted the reference first; retry observes it as a replay.
		return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
	}
	return err
}

func findReplay(ctx context.Context, transactionStore Store, movement Movement) (Entry, bool, error) {
	existing, err := transactionStore.GetEntry(ctx, movement.Reference)
	if errors.Is(err, ErrUnknownEntry) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if existing.UserID != movement.UserID || existing.Kind != movement.Kind || existing.Amount != movement.Amount || existing.CounterpartyUserID != movement.Counterparty {
		return Entry{}, false, fmt.Errorf("%w: %s", ErrReferenceCollision, movement.Reference)
	}
	return existing, true, nil
}

func validateMovement(movement Movement, allowed ...EntryKind) error {
	if movement.Reference.IsZero() {
		return fmt.Errorf("%w: empty value", billing.ErrInvalidReference)
	}
	if movement.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", billing.ErrInvalidUserID)
	}
	if movement.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	for _, kind := range allowed {
		if movement.Kind == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMovement, movement.Kind)
}

func validateCounterparty(movement Movement) error {
	if movement.Counterparty.IsZero() {
		return ErrMissingCounterparty
	}
	if movement.Counterparty == movement.UserID {
		return ErrSelfCounterparty
	}
	return nil
}
