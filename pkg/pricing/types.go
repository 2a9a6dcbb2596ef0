package pricing

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// ProductType groups plans by the kind of product sold (data, cable, sms, ...).
type ProductType struct {
	value string
}

// NewProductType validates and normalizes a product type.
func NewProductType(raw string) (ProductType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ProductType{}, fmt.Errorf("%w: empty value", ErrInvalidProductType)
	}
	return ProductType{value: normalized}, nil
}

// String returns the normalized product type.
func (productType ProductType) String() string {
	return productType.value
}

// Plan is a purchasable unit published by an upstream provider.
// BasePrice is owned by the provider and never written by this system.
type Plan struct {
	ID        string
	Name      string
	BasePrice billing.Kobo
	Validity  string
}

// OverrideStatus toggles whether an override is applied.
type OverrideStatus string

const (
	OverrideStatusActive   OverrideStatus = "active"
	OverrideStatusInactive OverrideStatus = "inactive"
)

// ParseOverrideStatus validates a raw status; an empty value means active.
func ParseOverrideStatus(raw string) (OverrideStatus, error) {
	switch OverrideStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverrideStatusActive:
		return OverrideStatusActive, nil
	case OverrideStatusInactive:
		return OverrideStatusInactive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOverrideStatus, raw)
	}
}

// String returns the raw status.
func (status OverrideStatus) String() string {
	return string(status)
}

// PriceOverride is an admin-set replacement for a plan's base price.
// One override exists per (ProductType, PlanID); the last write wins.
type PriceOverride struct {
	ProductType    ProductType
	PlanID         string
	CustomPrice    billing.Kobo
	Status         OverrideStatus
	UpdatedUnixUTC int64
}

// IsActive reports whether the override replaces the base price.
func (override PriceOverride) IsActive() bool {
	return override.Status == OverrideStatusActive
}

// EffectivePrice is derived on every read and never stored.
type EffectivePrice struct {
	PlanID       string
	PlanName     string
	Validity     string
	BasePrice    billing.Kobo
	DisplayPrice billing.Kobo
	// DifferenceKobo is DisplayPrice minus BasePrice and may be negative.
	DifferenceKobo int64
	Overridden     bool
}

// GetEffectivePrice resolves the amount to charge for a plan.
// A missing, inactive, or mismatched override leaves the base price in place.
func GetEffectivePrice(plan Plan, override *PriceOverride) EffectivePrice {
	price := EffectivePrice{
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		Validity:     plan.Validity,
		BasePrice:    plan.BasePrice,
		DisplayPrice: plan.BasePrice,
	}
	if override != nil && override.IsActive() && override.PlanID == plan.ID {
		price.DisplayPrice = override.CustomPrice
		price.Overridden = true
	}
	price.DifferenceKobo = price.DisplayPrice.Int64() - price.BasePrice.Int64()
	return price
}

// OverrideInput is one raw row of an admin bulk update.
type OverrideInput struct {
	PlanID      string
	CustomPrice string
	Status      string
}

// Quote is the total charge for a quantity of one plan.
type Quote struct {
	Price    EffectivePrice
	Quantity int64
	Total    billing.Kobo
}
