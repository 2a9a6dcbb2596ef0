package ledger

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// accountLocks serializes in-process mutations per account using lock striping.
type accountLocks struct {
	stripes [lockStripeCount]sync.Mutex
}

// lock acquires the stripes of every user in a stable order and returns the release func.
func (locks *accountLocks) lock(userIDs ...billing.UserID) func() {
	indexes := make([]int, 0, len(userIDs))
	seen := make(map[int]struct{}, len(userIDs))
	for _, userID := range userIDs {
		index := stripeIndex(userID)
		if _, duplicate := seen[index]; duplicate {
			continue
		}
		seen[index] = struct{}{}
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		locks.stripes[index].Lock()
	}
	return func() {
		for position := len(indexes) - 1; position >= 0; position-- {
			locks.stripes[indexes[position]].Unlock()
		}
	}
}

func stripeIndex(userID billing.UserID) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID.String()))
	return int(hasher.Sum32() % lockStripeCount)
}
