package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// OverrideStore persists price overrides.
type OverrideStore interface {
	// UpsertOverrides writes every override or none of them.
	UpsertOverrides(ctx context.Context, overrides []PriceOverride) error
	GetOverride(ctx context.Context, productType ProductType, planID string) (PriceOverride, bool, error)
	ListOverrides(ctx context.Context, productType ProductType) ([]PriceOverride, error)
	UpdateOverrideStatus(ctx context.Context, productType ProductType, planID string, status OverrideStatus, updatedUnixUTC int64) error
}

// Catalog resolves effective prices from provider plans and admin overrides.
type Catalog struct {
	store OverrideStore
	nowFn func() int64
}

// NewCatalog wires a Catalog.
func NewCatalog(store OverrideStore, now func() int64) (*Catalog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: override store dependency is nil", billing.ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", billing.ErrInvalidConfig)
	}
	return &Catalog{store: store, nowFn: now}, nil
}

// ApplyBulkOverride validates the whole batch before writing any override.
// Overrides for plans absent from the current catalog are stored as-is.
func (catalog *Catalog) ApplyBulkOverride(ctx context.Context, productType ProductType, inputs []OverrideInput) ([]PriceOverride, error) {
	if productType.String() == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidProductType)
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}
	nowUnixUTC := catalog.nowFn()
	positions := make(map[string]int, len(inputs))
	overrides := make([]PriceOverride, 0, len(inputs))
	for index, input := range inputs {
		override, err := buildOverride(productType, input, nowUnixUTC)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}
		if position, seen := positions[override.PlanID]; seen {
			overrides[position] = override
			continue
		}
		positions[override.PlanID] = len(overrides)
		overrides = append(overrides, override)
	}
	if err := catalog.store.UpsertOverrides(ctx, overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// SetOverrideStatus toggles an existing override between active and inactive.
func (catalog *Catalog) SetOverrideStatus(ctx context.Context, productType ProductType, planID string, status OverrideStatus) error {
	normalizedPlanID := strings.TrimSpace(planID)
	if normalizedPlanID == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	if status != OverrideStatusActive && status != OverrideStatusInactive {
		return fmt.Errorf("%w: %q", ErrInvalidOverrideStatus, status)
	}
	return catalog.store.UpdateOverrideStatus(ctx, productType, normalizedPlanID, status, catalog.nowFn())
}

// EffectivePrice reads the current override for a plan and resolves its price.
func (catalog *Catalog) EffectivePrice(ctx context.Context, productType ProductType, plan Plan) (EffectivePrice, error) {
	override, found, err := catalog.store.GetOverride(ctx, productType, plan.ID)
	if err != nil {
		return EffectivePrice{}, err
	}
	if !found {
		return GetEffectivePrice(plan, nil), nil
	}
	return GetEffectivePrice(plan, &override), nil
}

// PriceList resolves every plan of a catalog snapshot in order.
func (catalog *Catalog) PriceList(ctx context.Context, productType ProductType, plans []Plan) ([]EffectivePrice, error) {
	overrides, err := catalog.store.ListOverrides(ctx, productType)
	if err != nil {
		return nil, err
	}
	byPlan := make(map[string]PriceOverride, len(overrides))
	for _, override := range overrides {
		byPlan[override.PlanID] = override
	}
	prices := make([]EffectivePrice, 0, len(plans))
	for _, plan := range plans {
		override, found := byPlan[plan.ID]
		if !found {
			prices = append(prices, GetEffectivePrice(plan, nil))
			continue
		}
		prices = append(prices, GetEffectivePrice(plan, &override))
	}
	return prices, nil
}

// Quote prices a quantity of one plan at its effective price.
func (catalog *Catalog) Quote(ctx context.Context, productType ProductType, plan Plan, quantity int64) (Quote, error) {
	price, err := catalog.EffectivePrice(ctx, productType, plan)
	if err != nil {
		return Quote{}, err
	}
	total, err := price.DisplayPrice.Times(quantity)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: price, Quantity: quantity, Total: total}, nil
}

func buildOverride(productType ProductType, input OverrideInput, nowUnixUTC int64) (PriceOverride, error) {
	planID := strings.TrimSpace(input.PlanID)
	if planID == "" {
		return PriceOverride{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	customPrice, err := billing.ParseNaira(input.CustomPrice)
	if err != nil {
		return PriceOverride{}, fmt.Errorf("%w: plan %s: %v", ErrInvalidPrice, planID, err)
	}
	status, err := ParseOverrideStatus(input.Status)
	if err != nil {
		return PriceOverride{}, err
	}
	return PriceOverride{
		ProductType:    productType,
		PlanID:         planID,
		CustomPrice:    customPrice,
		Status:         status,
		UpdatedUnixUTC: nowUnixUTC,
	}, nil
}
