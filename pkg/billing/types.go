package billing

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const koboDecimalPlaces = 2

var maxKobo = decimal.NewFromInt(math.MaxInt64)

// Kobo is a non-negative amount of naira in minor units.
type Kobo int64

// NewKobo validates a non-negative amount.
func NewKobo(raw int64) (Kobo, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Kobo(raw), nil
}

// NewPositiveKobo validates an amount and ensures it is strictly positive.
func NewPositiveKobo(raw int64) (Kobo, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Kobo(raw), nil
}

// ParseNaira parses a decimal naira string such as "650" or "650.50".
func ParseNaira(raw string) (Kobo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidAmount, raw)
	}
	return FromDecimal(value)
}

// FromDecimal converts a naira decimal into kobo, rejecting sub-kobo precision.
func FromDecimal(value decimal.Decimal) (Kobo, error) {
	if value.IsNegative() {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	minor := value.Shift(koboDecimalPlaces)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	if minor.GreaterThan(maxKobo) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, value.String())
	}
	return Kobo(minor.IntPart()), nil
}

// Int64 returns the raw minor-unit value.
func (amount Kobo) Int64() int64 {
	return int64(amount)
}

// Decimal returns the amount in naira.
func (amount Kobo) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(amount)).Shift(-koboDecimalPlaces)
}

// String formats the amount in naira with two decimals.
func (amount Kobo) String() string {
	return amount.Decimal().StringFixed(koboDecimalPlaces)
}

// Times multiplies the amount by a positive quantity, rejecting totals that
// do not fit in int64.
func (amount Kobo) Times(quantity int64) (Kobo, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if amount > 0 && quantity > math.MaxInt64/int64(amount) {
		return 0, fmt.Errorf("%w: %s x %d overflows", ErrInvalidAmount, amount, quantity)
	}
	return Kobo(int64(amount) * quantity), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Reference is the idempotency key of one balance movement.
type Reference struct {
	value string
}

// NewReference validates and normalizes a reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference Reference) String() string {
	return reference.value
}

// IsZero reports whether the reference was never set.
func (reference Reference) IsZero() bool {
	return reference.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadata)
	}
	return MetadataJSON{value: normalized}, nil
}

// MarshalMetadata encodes a map into MetadataJSON.
func MarshalMetadata(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob ("{}" when unset).
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}
