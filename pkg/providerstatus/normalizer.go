// Package providerstatus maps upstream provider status vocabularies onto one
// canonical transaction status.
package providerstatus

import "strings"

// Status is the canonical outcome of a provider transaction.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	// StatusUnknown needs manual reconciliation and is never a terminal failure.
	StatusUnknown Status = "unknown"
)

// String returns the raw status.
func (status Status) String() string {
	return string(status)
}

// IsTerminal reports whether the status settles a transaction.
func (status Status) IsTerminal() bool {
	return status == StatusSuccess || status == StatusFailed
}

var defaultTokens = map[string]Status{
	// numeric response codes
	"00":  StatusSuccess,
	"100": StatusFailed,
	"101": StatusPending,
	// order lifecycle enums
	"ORDER_COMPLETED": StatusSuccess,
	"ORDER_RECEIVED":  StatusPending,
	"ORDER_ONHOLD":    StatusPending,
	"ORDER_CANCELLED": StatusFailed,
	// generic words
	"SUCCESS":    StatusSuccess,
	"SUCCESSFUL": StatusSuccess,
	"COMPLETED":  StatusSuccess,
	"PENDING":    StatusPending,
	"PROCESSING": StatusPending,
	"FAILED":     StatusFailed,
	"ERROR":      StatusFailed,
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithTokens adds or replaces rows of the lookup table.
func WithTokens(tokens map[string]Status) Option {
	return func(normalizer *Normalizer) {
		for token, status := range tokens {
			normalizer.table[normalizeToken(token)] = status
		}
	}
}

// Normalizer is an immutable token lookup table, safe for concurrent use.
type Normalizer struct {
	table map[string]Status
}

// NewNormalizer builds a Normalizer seeded with the default provider tokens.
func NewNormalizer(options ...Option) *Normalizer {
	normalizer := &Normalizer{table: make(map[string]Status, len(defaultTokens))}
	for token, status := range defaultTokens {
		normalizer.table[token] = status
	}
	for _, option := range options {
		if option != nil {
			option(normalizer)
		}
	}
	return normalizer
}

// Normalize maps a raw provider token. Matching ignores case and surrounding space;
// unrecognized tokens yield StatusUnknown.
func (normalizer *Normalizer) Normalize(rawCode string) Status {
	status, found := normalizer.table[normalizeToken(rawCode)]
	if !found {
		return StatusUnknown
	}
	return status
}

func normalizeToken(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
