package provider

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
)

// catalogPayload accepts either {"plans": [...]}, {"data": [...]} or a bare array.
type catalogPayload struct {
	Plans []planPayload
}

func (payload *catalogPayload) UnmarshalJSON(raw []byte) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, &payload.Plans)
	}
	var envelope struct {
		Plans []planPayload `json:"plans"`
		Data  []planPayload `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	payload.Plans = envelope.Plans
	if len(payload.Plans) == 0 {
		payload.Plans = envelope.Data
	}
	return nil
}

type planPayload struct {
	ID            string           `json:"id"`
	PlanID        string           `json:"plan_id"`
	VariationCode string           `json:"variation_code"`
	Name          string           `json:"name"`
	PlanName      string           `json:"plan_name"`
	Validity      string           `json:"validity"`
	Price         *decimal.Decimal `json:"price"`
	CustomPrice   *decimal.Decimal `json:"customPrice"`
	CustomPrice2  *decimal.Decimal `json:"custom_price"`
	FinalPrice    *decimal.Decimal `json:"final_price"`
}

func (payload planPayload) normalize() (pricing.Plan, error) {
	id := firstNonEmpty(payload.ID, payload.PlanID, payload.VariationCode)
	if id == "" {
		return pricing.Plan{}, ErrMissingPlanID
	}
	price := firstPrice(payload.Price, payload.CustomPrice, payload.CustomPrice2, payload.FinalPrice)
	if price == nil {
		return pricing.Plan{}, ErrMissingPrice
	}
	basePrice, err := billing.FromDecimal(*price)
	if err != nil {
		return pricing.Plan{}, err
	}
	return pricing.Plan{
		ID:        id,
		Name:      firstNonEmpty(payload.Name, payload.PlanName, id),
		BasePrice: basePrice,
		Validity:  strings.TrimSpace(payload.Validity),
	}, nil
}

type purchasePayload struct {
	Reference   string          `json:"reference"`
	ProductType string          `json:"product_type"`
	PlanID      string          `json:"plan_id"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// statusPayload collects the status spellings seen across providers.
type statusPayload struct {
	Status       json.RawMessage `json:"status"`
	Code         json.RawMessage `json:"code"`
	ResponseCode json.RawMessage `json:"response_code"`
}

func (payload statusPayload) token() (string, error) {
	for _, candidate := range []json.RawMessage{payload.Status, payload.Code, payload.ResponseCode} {
		if token := rawToken(candidate); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingStatus
}

// rawToken turns a JSON string or number into its textual token.
func rawToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstPrice(values ...*decimal.Decimal) *decimal.Decimal {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}
