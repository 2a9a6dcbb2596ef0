package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

const (
	planIDValue      = "data-1gb"
	otherPlanIDValue = "data-2gb"
	productTypeValue = "data"
)

var errStoreFailure = errors.New("store error")

type overrideKey struct {
	productType string
	planID      string
}

type stubOverrideStore struct {
	overrides   map[overrideKey]PriceOverride
	upsertCalls int
	upsertError error
	getError    error
}

func newStubOverrideStore() *stubOverrideStore {
	return &stubOverrideStore{overrides: map[overrideKey]PriceOverride{}}
}

func (store *stubOverrideStore) UpsertOverrides(_ context.Context, overrides []PriceOverride) error {
	store.upsertCalls++
	if store.upsertError != nil {
		return store.upsertError
	}
	for _, override := range overrides {
		store.overrides[overrideKey{override.ProductType.String(), override.PlanID}] = override
	}
	return nil
}

func (store *stubOverrideStore) GetOverride(_ context.Context, productType ProductType, planID string) (PriceOverride, bool, error) {
	if store.getError != nil {
		return PriceOverride{}, false, store.getError
	}
	override, found := store.overrides[overrideKey{productType.String(), planID}]
	return override, found, nil
}

func (store *stubOverrideStore) ListOverrides(_ context.Context, productType ProductType) ([]PriceOverride, error) {
	result := make([]PriceOverride, 0, len(store.overrides))
	for key, override := range store.overrides {
		if key.productType == productType.String() {
			result = append(result, override)
		}
	}
	return result, nil
}

func (store *stubOverrideStore) UpdateOverrideStatus(_ context.Context, productType ProductType, planID string, status OverrideStatus, updatedUnixUTC int64) error {
	key := overrideKey{productType.String(), planID}
	override, found := store.overrides[key]
	if !found {
		return ErrUnknownOverride
	}
	override.Status = status
	override.UpdatedUnixUTC = updatedUnixUTC
	store.overrides[key] = override
	return nil
}

func mustCatalog(test *testing.T, store OverrideStore) *Catalog {
	test.Helper()
	catalog, err := NewCatalog(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("catalog init failed: %v", err)
	}
	return catalog
}

func mustProductType(test *testing.T, raw string) ProductType {
	test.Helper()
	productType, err := NewProductType(raw)
	if err != nil {
		test.Fatalf("product type: %v", err)
	}
	return productType
}

func TestGetEffectivePrice(test *testing.T) {
	test.Parallel()
	plan := Plan{ID: planIDValue, Name: "1GB", BasePrice: 50000, Validity: "30 days"}
	testCases := []struct {
		name           string
		override       *PriceOverride
		wantDisplay    billing.Kobo
		wantDifference int64
		wantOverridden bool
	}{
		{name: "no override", override: nil, wantDisplay: 50000},
		{
			name:           "active override",
			override:       &PriceOverride{PlanID: planIDValue, CustomPrice: 65000, Status: OverrideStatusActive},
			wantDisplay:    65000,
			wantDifference: 15000,
			wantOverridden: true,
		},
		{
			name:        "inactive override",
			override:    &PriceOverride{PlanID: planIDValue, CustomPrice: 65000, Status: OverrideStatusInactive},
			wantDisplay: 50000,
		},
		{
			name:           "discount override",
			override:       &PriceOverride{PlanID: planIDValue, CustomPrice: 45000, Status: OverrideStatusActive},
			wantDisplay:    45000,
			wantDifference: -5000,
			wantOverridden: true,
		},
		{
			name:        "override for another plan",
			override:    &PriceOverride{PlanID: otherPlanIDValue, CustomPrice: 65000, Status: OverrideStatusActive},
			wantDisplay: 50000,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			price := GetEffectivePrice(plan, testCase.override)
			if price.DisplayPrice != testCase.wantDisplay {
				test.Fatalf("expected display %d, got %d", testCase.wantDisplay, price.DisplayPrice)
			}
			if price.DifferenceKobo != testCase.wantDifference {
				test.Fatalf("expected difference %d, got %d", testCase.wantDifference, price.DifferenceKobo)
			}
			if price.DifferenceKobo != price.DisplayPrice.Int64()-price.BasePrice.Int64() {
				test.Fatalf("difference must equal display minus base: %+v", price)
			}
			if price.Overridden != testCase.wantOverridden {
				test.Fatalf("expected overridden=%v, got %v", testCase.wantOverridden, price.Overridden)
			}
		})
	}
}

func TestOverrideLifecycleScenario(test *testing.T) {
	test.Parallel()
	store := newStubOverrideStore()
	catalog := mustCatalog(test, store)
	productType := mustProductType(test, productTypeValue)
	plan := Plan{ID: planIDValue, BasePrice: 50000}
	ctx := context.Background()

	if _, err := catalog.ApplyBulkOverride(ctx, productType, []OverrideInput{{PlanID: planIDValue, CustomPrice: "650"}}); err != nil {
		test.Fatalf("apply: %v", err)
	}
	price, err := catalog.EffectivePrice(ctx, productType, plan)
	if err != nil {
		test.Fatalf("effective price: %v", err)
	}
	if price.DisplayPrice != 65000 || price.DifferenceKobo != 15000 {
		test.Fatalf("expected 650.00 (+150.00), got %+v", price)
	}

	if err := catalog.SetOverrideStatus(ctx, productType, planIDValue, OverrideStatusInactive); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	price, err = catalog.EffectivePrice(ctx, productType, plan)
	if err != nil {
		test.Fatalf("effective price: %v", err)
	}
	if price.DisplayPrice != 50000 || price.DifferenceKobo != 0 {
		test.Fatalf("expected reverted base price, got %+v", price)
	}
}

func TestApplyBulkOverrideIsAllOrNothing(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		inputs  []OverrideInput
		wantErr error
	}{
		{name: "negative price", inputs: []OverrideInput{{PlanID: planIDValue, CustomPrice: "100"}, {PlanID: otherPlanIDValue, CustomPrice: "-5"}}, wantErr: ErrInvalidPrice},
		{name: "non numeric price", inputs: []OverrideInput{{PlanID: planIDValue, CustomPrice: "100"}, {PlanID: otherPlanIDValue, CustomPrice: "cheap"}}, wantErr: ErrInvalidPrice},
		{name: "missing plan id", inputs: []OverrideInput{{PlanID: " ", CustomPrice: "100"}}, wantErr: ErrInvalidPlanID},
		{name: "bad status", inputs: []OverrideInput{{PlanID: planIDValue, CustomPrice: "100", Status: "paused"}}, wantErr: ErrInvalidOverrideStatus},
		{name: "empty batch", inputs: nil, wantErr: ErrEmptyBatch},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubOverrideStore()
			catalog := mustCatalog(test, store)
			_, err := catalog.ApplyBulkOverride(context.Background(), mustProductType(test, productTypeValue), testCase.inputs)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if !errors.Is(err, billing.ErrValidation) {
				test.Fatalf("expected validation error, got %v", err)
			}
			if store.upsertCalls != 0 || len(store.overrides) != 0 {
				test.Fatalf("expected no writes, got %d calls and %d overrides", store.upsertCalls, len(store.overrides))
			}
		})
	}
}

func TestApplyBulkOverrideLastWriteWins(test *testing.T) {
	test.Parallel()
	store := newStubOverrideStore()
	catalog := mustCatalog(test, store)
	overrides, err := catalog.ApplyBulkOverride(context.Background(), mustProductType(test, productTypeValue), []OverrideInput{
		{PlanID: planIDValue, CustomPrice: "600"},
		{PlanID: planIDValue, CustomPrice: "700.50"},
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if len(overrides) != 1 || overrides[0].CustomPrice != 70050 {
		test.Fatalf("expected single override at 700.50, got %+v", overrides)
	}
}

func TestApplyBulkOverridePropagatesStoreError(test *testing.T) {
	test.Parallel()
	store := newStubOverrideStore()
	store.upsertError = errStoreFailure
	catalog := mustCatalog(test, store)
	_, err := catalog.ApplyBulkOverride(context.Background(), mustProductType(test, productTypeValue), []OverrideInput{{PlanID: planIDValue, CustomPrice: "1"}})
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected store error, got %v", err)
	}
}

func TestPriceListIgnoresOverridesForUnknownPlans(test *testing.T) {
	test.Parallel()
	store := newStubOverrideStore()
	catalog := mustCatalog(test, store)
	productType := mustProductType(test, productTypeValue)
	ctx := context.Background()
	if _, err := catalog.ApplyBulkOverride(ctx, productType, []OverrideInput{
		{PlanID: planIDValue, CustomPrice: "650"},
		{PlanID: "retired-plan", CustomPrice: "10"},
	}); err != nil {
		test.Fatalf("apply: %v", err)
	}
	prices, err := catalog.PriceList(ctx, productType, []Plan{
		{ID: planIDValue, BasePrice: 50000},
		{ID: otherPlanIDValue, BasePrice: 90000},
	})
	if err != nil {
		test.Fatalf("price list: %v", err)
	}
	if len(prices) != 2 {
		test.Fatalf("expected 2 prices, got %d", len(prices))
	}
	if prices[0].DisplayPrice != 65000 || prices[1].DisplayPrice != 90000 {
		test.Fatalf("unexpected prices: %+v", prices)
	}
	if _, stored := store.overrides[overrideKey{productTypeValue, "retired-plan"}]; !stored {
		test.Fatalf("expected override for unknown plan to be stored")
	}
}

func TestQuoteMultipliesDisplayPrice(test *testing.T) {
	test.Parallel()
	store := newStubOverrideStore()
	catalog := mustCatalog(test, store)
	productType := mustProductType(test, productTypeValue)
	quote, err := catalog.Quote(context.Background(), productType, Plan{ID: planIDValue, BasePrice: 10000}, 3)
	if err != nil {
		test.Fatalf("quote: %v", err)
	}
	if quote.Total != 30000 {
		test.Fatalf("expected 30000, got %d", quote.Total)
	}
	if _, err := catalog.Quote(context.Background(), productType, Plan{ID: planIDValue, BasePrice: 10000}, 0); !errors.Is(err, billing.ErrValidation) {
		test.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetOverrideStatusUnknown(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, newStubOverrideStore())
	err := catalog.SetOverrideStatus(context.Background(), mustProductType(test, productTypeValue), planIDValue, OverrideStatusActive)
	if !errors.Is(err, ErrUnknownOverride) {
		test.Fatalf("expected ErrUnknownOverride, got %v", err)
	}
}

func TestNewCatalogRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewCatalog(nil, func() int64 { return 0 }); !errors.Is(err, billing.ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewCatalog(newStubOverrideStore(), nil); !errors.Is(err, billing.ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
