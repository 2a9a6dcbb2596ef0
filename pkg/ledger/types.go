package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// Pool names one of a user's two balances.
type Pool string

const (
	PoolWallet Pool = "wallet"
	PoolReward Pool = "reward"
)

// ParsePool validates a raw pool name.
func ParsePool(raw string) (Pool, error) {
	pool := Pool(strings.ToLower(strings.TrimSpace(raw)))
	if pool != PoolWallet && pool != PoolReward {
		return "", fmt.Errorf("%w: %q", ErrInvalidPool, raw)
	}
	return pool, nil
}

// String returns the raw pool name.
func (pool Pool) String() string {
	return string(pool)
}

// Account holds a user's wallet and reward balances.
// Version increases by one on every persisted change.
type Account struct {
	UserID  billing.UserID
	Wallet  billing.Kobo
	Reward  billing.Kobo
	Version int64
}

// Balance returns the balance of one pool.
func (account Account) Balance(pool Pool) billing.Kobo {
	if pool == PoolReward {
		return account.Reward
	}
	return account.Wallet
}

// Total returns wallet plus reward.
func (account Account) Total() billing.Kobo {
	return account.Wallet + account.Reward
}

func (account Account) withBalance(pool Pool, value billing.Kobo) Account {
	if pool == PoolReward {
		account.Reward = value
	} else {
		account.Wallet = value
	}
	return account
}

func (account Account) debit(pool Pool, amount billing.Kobo) (Account, error) {
	if err := validatePool(pool); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	current := account.Balance(pool)
	if amount > current {
		return Account{}, fmt.Errorf("%w: %s balance %s below %s", ErrInsufficientBalance, pool, current, amount)
	}
	return account.withBalance(pool, current-amount), nil
}

func (account Account) credit(pool Pool, amount billing.Kobo) (Account, error) {
	if err := validatePool(pool); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", billing.ErrInvalidAmount)
	}
	return account.withBalance(pool, account.Balance(pool)+amount), nil
}

func validatePool(pool Pool) error {
	if pool != PoolWallet && pool != PoolReward {
		return fmt.Errorf("%w: %q", ErrInvalidPool, pool)
	}
	return nil
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchase       EntryKind = "purchase"
	EntryRewardToWallet EntryKind = "reward_to_wallet"
	EntryWalletToPeer   EntryKind = "wallet_to_peer"
	EntryRedemption     EntryKind = "redemption"
	// EntryRefund compensates a failed purchase or peer transfer.
	EntryRefund EntryKind = "refund"
	// EntryPeerCredit is the recipient side of a wallet_to_peer transfer.
	EntryPeerCredit EntryKind = "peer_credit"
)

// ParseEntryKind validates a raw kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryPurchase, EntryRewardToWallet, EntryWalletToPeer, EntryRedemption, EntryRefund, EntryPeerCredit:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the raw kind.
func (kind EntryKind) String() string {
	return string(kind)
}

// EntryStatus defines the entry lifecycle. Pending moves to success or failed exactly once.
type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusSuccess EntryStatus = "success"
	EntryStatusFailed  EntryStatus = "failed"
)

// ParseEntryStatus validates a raw status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(strings.TrimSpace(raw))
	switch status {
	case EntryStatusPending, EntryStatusSuccess, EntryStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// String returns the raw status.
func (status EntryStatus) String() string {
	return string(status)
}

// Entry is an immutable record of one movement. BalanceBefore and BalanceAfter
// describe Pool of the owning account.
type Entry struct {
	Reference          billing.Reference
	UserID             billing.UserID
	Kind               EntryKind
	Pool               Pool
	Amount             billing.Kobo
	BalanceBefore      billing.Kobo
	BalanceAfter       billing.Kobo
	Status             EntryStatus
	CounterpartyUserID billing.UserID
	Metadata           billing.MetadataJSON
	CreatedUnixUTC     int64
	FinalizedUnixUTC   int64
}

// Movement describes a requested balance change.
type Movement struct {
	Reference    billing.Reference
	UserID       billing.UserID
	Kind         EntryKind
	Amount       billing.Kobo
	Counterparty billing.UserID
	Metadata     billing.MetadataJSON
}

// TxHook runs inside the storage transaction of a movement, before balances change.
// Returning an error aborts the movement.
type TxHook func(ctx context.Context, transactionStore Store) error

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetAccount returns a zero account with Version 0 when none is stored.
	GetAccount(ctx context.Context, userID billing.UserID) (Account, error)
	// CompareAndSwapAccount writes next only while the stored version equals
	// expectedVersion, otherwise it fails with ErrPersistenceConflict.
	CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next Account) error
	InsertEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, reference billing.Reference) (Entry, error)
	// FinalizeEntry moves a pending entry to status, otherwise fails with ErrEntryFinalized.
	FinalizeEntry(ctx context.Context, reference billing.Reference, status EntryStatus, finalizedUnixUTC int64) error
	ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
