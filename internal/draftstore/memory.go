package draftstore

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore is a process-local draft store used when Redis is not configured.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore builds an in-memory store. A nil clock uses time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: now}
}

// Save stores the draft and resets its expiry.
func (store *MemoryStore) Save(_ context.Context, draft transfer.PeerTransfer) error {
	payload, err := encodeDraft(draft)
	if err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sweepLocked()
	store.entries[draft.Reference.String()] = memoryEntry{payload: payload, expiresAt: store.now().Add(store.ttl)}
	return nil
}

// Get returns a live draft.
func (store *MemoryStore) Get(_ context.Context, reference billing.Reference) (transfer.PeerTransfer, error) {
	store.mutex.Lock()
	entry, ok := store.entries[reference.String()]
	if ok && !store.now().Before(entry.expiresAt) {
		delete(store.entries, reference.String())
		ok = false
	}
	store.mutex.Unlock()
	if !ok {
		return transfer.PeerTransfer{}, ErrDraftNotFound
	}
	return decodeDraft(entry.payload)
}

// Delete drops a draft.
func (store *MemoryStore) Delete(_ context.Context, reference billing.Reference) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, reference.String())
	return nil
}

func (store *MemoryStore) sweepLocked() {
	now := store.now()
	for key, entry := range store.entries {
		if !now.Before(entry.expiresAt) {
			delete(store.entries, key)
		}
	}
}
