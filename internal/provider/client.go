// Package provider talks to the upstream bill-payment provider. Field-name
// differences between provider payloads are resolved here so the rest of the
// service only sees pricing.Plan values and raw status tokens.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	catalogPathFormat  = "/catalog/%s"
	purchasePath       = "/purchases"
	statusPathFormat   = "/purchases/%s/status"
	headerAuthorize    = "Authorization"
	headerContentType  = "Content-Type"
	bearerPrefix       = "Bearer "
	contentTypeJSON    = "application/json"
	maxResponseBytes   = 1 << 20
	errorBodySnippetSz = 256
)

// Provider errors.
var (
	ErrInvalidBaseURL = errors.New("invalid provider base url")
	ErrUpstream       = errors.New("provider returned an error response")
	ErrMissingPrice   = fmt.Errorf("%w: plan has no price field", billing.ErrValidation)
	ErrMissingPlanID  = fmt.Errorf("%w: plan has no identifier", billing.ErrValidation)
	ErrMissingStatus  = errors.New("provider response has no status token")
	ErrPlanNotFound   = errors.New("plan not found in provider catalog")
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// Client is an HTTP adapter for the provider catalog, purchase and status APIs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient validates the base URL and wires a Client.
func NewClient(rawBaseURL string, options ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawBaseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, rawBaseURL)
	}
	client := &Client{baseURL: parsed, httpClient: http.DefaultClient}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// FetchPlans returns the provider catalog of a product type with base prices normalized.
func (client *Client) FetchPlans(ctx context.Context, credential transfer.Credential, productType pricing.ProductType) ([]pricing.Plan, error) {
	var payload catalogPayload
	if err := client.do(ctx, credential, http.MethodGet, fmt.Sprintf(catalogPathFormat, url.PathEscape(productType.String())), nil, &payload); err != nil {
		return nil, err
	}
	plans := make([]pricing.Plan, 0, len(payload.Plans))
	for index, raw := range payload.Plans {
		plan, err := raw.normalize()
		if err != nil {
			return nil, fmt.Errorf("plan %d: %w", index, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// FindPlan fetches the catalog and returns one plan by id.
func (client *Client) FindPlan(ctx context.Context, credential transfer.Credential, productType pricing.ProductType, planID string) (pricing.Plan, error) {
	plans, err := client.FetchPlans(ctx, credential, productType)
	if err != nil {
		return pricing.Plan{}, err
	}
	for _, plan := range plans {
		if plan.ID == planID {
			return plan, nil
		}
	}
	return pricing.Plan{}, fmt.Errorf("%w: %s/%s", ErrPlanNotFound, productType, planID)
}

// SubmitPurchase sends an order and returns the provider's raw status token.
func (client *Client) SubmitPurchase(ctx context.Context, credential transfer.Credential, order transfer.PurchaseOrder) (string, error) {
	request := purchasePayload{
		Reference:   order.Reference.String(),
		ProductType: order.ProductType.String(),
		PlanID:      order.PlanID,
		Quantity:    order.Quantity,
		Amount:      order.Amount.Decimal(),
		Destination: order.Destination,
	}
	var response statusPayload
	if err := client.do(ctx, credential, http.MethodPost, purchasePath, request, &response); err != nil {
		return "", err
	}
	return response.token()
}

// QueryStatus asks the provider for the current status token of an order.
func (client *Client) QueryStatus(ctx context.Context, credential transfer.Credential, reference billing.Reference) (string, error) {
	var response statusPayload
	if err := client.do(ctx, credential, http.MethodGet, fmt.Sprintf(statusPathFormat, url.PathEscape(reference.String())), nil, &response); err != nil {
		return "", err
	}
	return response.token()
}

func (client *Client) do(ctx context.Context, credential transfer.Credential, method string, path string, body any, target any) error {
	if credential.IsZero() {
		return transfer.ErrMissingCredential
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode provider request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	request.Header.Set(headerAuthorize, bearerPrefix+credential.Token())
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer response.Body.Close()
	limited := io.LimitReader(response.Body, maxResponseBytes)
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(limited, errorBodySnippetSz))
		return fmt.Errorf("%w: %s %s: %d %s", ErrUpstream, method, path, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(limited).Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
