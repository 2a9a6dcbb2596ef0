// Package memstore keeps every billpay store contract in process memory.
// Transactions work on a copy of the state that replaces the original on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	operationStore = "store"
)

type overrideKey struct {
	productType string
	planID      string
}

type entryRecord struct {
	entry    ledger.Entry
	sequence int64
}

type state struct {
	accounts  map[string]ledger.Account
	entries   map[string]entryRecord
	sequence  int64
	overrides map[overrideKey]pricing.PriceOverride
	cards     map[string]giftcard.Card
	profiles  map[string]transfer.Recipient
}

func newState() *state {
	return &state{
		accounts:  map[string]ledger.Account{},
		entries:   map[string]entryRecord{},
		overrides: map[overrideKey]pricing.PriceOverride{},
		cards:     map[string]giftcard.Card{},
		profiles:  map[string]transfer.Recipient{},
	}
}

func (current *state) clone() *state {
	copied := &state{
		accounts:  make(map[string]ledger.Account, len(current.accounts)),
		entries:   make(map[string]entryRecord, len(current.entries)),
		sequence:  current.sequence,
		overrides: make(map[overrideKey]pricing.PriceOverride, len(current.overrides)),
		cards:     make(map[string]giftcard.Card, len(current.cards)),
		profiles:  make(map[string]transfer.Recipient, len(current.profiles)),
	}
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.entries {
		copied.entries[key] = value
	}
	for key, value := range current.overrides {
		copied.overrides[key] = value
	}
	for key, value := range current.cards {
		copied.cards[key] = value
	}
	for key, value := range current.profiles {
		copied.profiles[key] = value
	}
	return copied
}

// Store implements ledger.Store, pricing.OverrideStore, giftcard.Store and
// transfer.Directory.
type Store struct {
	mutex *sync.Mutex
	state *state
	inTx  bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{mutex: &sync.Mutex{}, state: newState()}
}

// WithTx runs fn against a private copy of the state and publishes it only when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	txStore := &Store{mutex: store.mutex, state: store.state.clone(), inTx: true}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	*store.state = *txStore.state
	return nil
}

func (store *Store) access(fn func(current *state) error) error {
	if store.inTx {
		return fn(store.state)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(store.state)
}

// GetAccount returns the account or a zero account at version 0.
func (store *Store) GetAccount(ctx context.Context, userID billing.UserID) (ledger.Account, error) {
	var account ledger.Account
	err := store.access(func(current *state) error {
		stored, ok := current.accounts[userID.String()]
		if !ok {
			stored = ledger.Account{UserID: userID}
		}
		account = stored
		return nil
	})
	return account, err
}

// CompareAndSwapAccount replaces the account when its version still matches.
func (store *Store) CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next ledger.Account) error {
	return store.access(func(current *state) error {
		stored := current.accounts[next.UserID.String()]
		if stored.Version != expectedVersion {
			return billing.WrapError(operationStore, "account", "version_mismatch", fmt.Errorf("%w: expected version %d, found %d", ledger.ErrPersistenceConflict, expectedVersion, stored.Version))
		}
		current.accounts[next.UserID.String()] = next
		return nil
	})
}

// InsertEntry stores a new entry; references are unique.
func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return store.access(func(current *state) error {
		if _, exists := current.entries[entry.Reference.String()]; exists {
			return billing.WrapError(operationStore, "entry", "duplicate_reference", ledger.ErrDuplicateReference)
		}
		current.sequence++
		current.entries[entry.Reference.String()] = entryRecord{entry: entry, sequence: current.sequence}
		return nil
	})
}

// GetEntry fetches an entry by reference.
func (store *Store) GetEntry(ctx context.Context, reference billing.Reference) (ledger.Entry, error) {
	var entry ledger.Entry
	err := store.access(func(current *state) error {
		record, ok := current.entries[reference.String()]
		if !ok {
			return billing.WrapError(operationStore, "entry", "not_found", ledger.ErrUnknownEntry)
		}
		entry = record.entry
		return nil
	})
	return entry, err
}

// FinalizeEntry moves a pending entry to its final status.
func (store *Store) FinalizeEntry(ctx context.Context, reference billing.Reference, status ledger.EntryStatus, finalizedUnixUTC int64) error {
	return store.access(func(current *state) error {
		record, ok := current.entries[reference.String()]
		if !ok {
			return billing.WrapError(operationStore, "entry", "not_found", ledger.ErrUnknownEntry)
		}
		if record.entry.Status != ledger.EntryStatusPending {
			return billing.WrapError(operationStore, "entry", "finalized", ledger.ErrEntryFinalized)
		}
		record.entry.Status = status
		record.entry.FinalizedUnixUTC = finalizedUnixUTC
		current.entries[reference.String()] = record
		return nil
	})
}

// ListEntries returns a user's entries created before the cutoff, newest first.
// A zero cutoff lists from the latest entry.
func (store *Store) ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	limit = normalizeLimit(limit)
	var records []entryRecord
	err := store.access(func(current *state) error {
		for _, record := range current.entries {
			if record.entry.UserID != userID {
				continue
			}
			if beforeUnixUTC > 0 && record.entry.CreatedUnixUTC >= beforeUnixUTC {
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(left, right int) bool {
		if records[left].entry.CreatedUnixUTC != records[right].entry.CreatedUnixUTC {
			return records[left].entry.CreatedUnixUTC > records[right].entry.CreatedUnixUTC
		}
		return records[left].sequence > records[right].sequence
	})
	if len(records) > limit {
		records = records[:limit]
	}
	entries := make([]ledger.Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.entry)
	}
	return entries, nil
}

// UpsertOverrides writes the whole batch under one lock.
func (store *Store) UpsertOverrides(ctx context.Context, overrides []pricing.PriceOverride) error {
	return store.access(func(current *state) error {
		for _, override := range overrides {
			current.overrides[overrideKey{productType: override.ProductType.String(), planID: override.PlanID}] = override
		}
		return nil
	})
}

// GetOverride returns the override of one plan when present.
func (store *Store) GetOverride(ctx context.Context, productType pricing.ProductType, planID string) (pricing.PriceOverride, bool, error) {
	var (
		override pricing.PriceOverride
		found    bool
	)
	err := store.access(func(current *state) error {
		override, found = current.overrides[overrideKey{productType: productType.String(), planID: planID}]
		return nil
	})
	return override, found, err
}

// ListOverrides returns every override of a product type ordered by plan id.
func (store *Store) ListOverrides(ctx context.Context, productType pricing.ProductType) ([]pricing.PriceOverride, error) {
	var overrides []pricing.PriceOverride
	err := store.access(func(current *state) error {
		for key, override := range current.overrides {
			if key.productType == productType.String() {
				overrides = append(overrides, override)
			}
		}
		return nil
	})
	sort.Slice(overrides, func(left, right int) bool {
		return overrides[left].PlanID < overrides[right].PlanID
	})
	return overrides, err
}

// UpdateOverrideStatus toggles an existing override.
func (store *Store) UpdateOverrideStatus(ctx context.Context, productType pricing.ProductType, planID string, status pricing.OverrideStatus, updatedUnixUTC int64) error {
	return store.access(func(current *state) error {
		key := overrideKey{productType: productType.String(), planID: planID}
		override, ok := current.overrides[key]
		if !ok {
			return billing.WrapError(operationStore, "override", "not_found", pricing.ErrUnknownOverride)
		}
		override.Status = status
		override.UpdatedUnixUTC = updatedUnixUTC
		current.overrides[key] = override
		return nil
	})
}

// CreateCard issues a new card; codes are unique.
func (store *Store) CreateCard(ctx context.Context, card giftcard.Card) error {
	return store.access(func(current *state) error {
		if _, exists := current.cards[card.Code]; exists {
			return billing.WrapError(operationStore, "gift_card", "duplicate_code", giftcard.ErrDuplicateCode)
		}
		current.cards[card.Code] = card
		return nil
	})
}

// GetCard fetches a card by normalized code.
func (store *Store) GetCard(ctx context.Context, code string) (giftcard.Card, error) {
	var card giftcard.Card
	err := store.access(func(current *state) error {
		stored, ok := current.cards[code]
		if !ok {
			return billing.WrapError(operationStore, "gift_card", "not_found", giftcard.ErrCardNotFound)
		}
		card = stored
		return nil
	})
	return card, err
}

// MarkRedeemed flips a card to redeemed exactly once.
func (store *Store) MarkRedeemed(ctx context.Context, code string, userID billing.UserID, redeemedUnixUTC int64) error {
	return store.access(func(current *state) error {
		card, ok := current.cards[code]
		if !ok {
			return billing.WrapError(operationStore, "gift_card", "not_found", giftcard.ErrCardNotFound)
		}
		if card.IsRedeemed {
			return billing.WrapError(operationStore, "gift_card", "redeemed", giftcard.ErrCardRedeemed)
		}
		card.IsRedeemed = true
		card.RedeemedBy = userID
		card.RedeemedUnixUTC = redeemedUnixUTC
		current.cards[code] = card
		return nil
	})
}

// UpsertProfile records the directory entry of a user keyed by email.
func (store *Store) UpsertProfile(ctx context.Context, recipient transfer.Recipient) error {
	email := normalizeEmail(recipient.Email)
	if email == "" || recipient.UserID.IsZero() {
		return fmt.Errorf("%w: profile requires user id and email", transfer.ErrInvalidRecipient)
	}
	recipient.Email = email
	return store.access(func(current *state) error {
		current.profiles[email] = recipient
		return nil
	})
}

// LookupByEmail resolves a recipient by email.
func (store *Store) LookupByEmail(ctx context.Context, email string) (transfer.Recipient, error) {
	var recipient transfer.Recipient
	err := store.access(func(current *state) error {
		stored, ok := current.profiles[normalizeEmail(email)]
		if !ok {
			return fmt.Errorf("%w: %s", transfer.ErrRecipientNotFound, email)
		}
		recipient = stored
		return nil
	})
	return recipient, err
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
