package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

const defaultGatewayTimeout = 10 * time.Second

// RazorpayGateway implements Gateway on top of the official Razorpay SDK.
type RazorpayGateway struct {
	client *razorpay.Client
}

// RazorpayOption customises the gateway client.
type RazorpayOption func(*RazorpayGateway)

// WithHTTPClient overrides the SDK's HTTP client, primarily for tests.
func WithHTTPClient(client *http.Client) RazorpayOption {
	return func(g *RazorpayGateway) {
		if client != nil {
			g.client.Order.Request.HTTPClient = client
		}
	}
}

// NewRazorpayGateway constructs a gateway client authenticated with the key pair.
// The base URL is overridable so tests can point the SDK at a local server.
func NewRazorpayGateway(baseURL, keyID, keySecret string, timeout time.Duration, opts ...RazorpayOption) (*RazorpayGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payments: gateway base url is required")
	}
	if strings.TrimSpace(keyID) == "" || strings.TrimSpace(keySecret) == "" {
		return nil, errors.New("payments: gateway key pair is required")
	}
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	client := razorpay.NewClient(keyID, keySecret)
	client.Order.Request.BaseURL = baseURL
	client.Order.Request.HTTPClient = &http.Client{Timeout: timeout}

	gateway := &RazorpayGateway{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway, nil
}

// CreateOrder opens an order on the gateway for the given minor-unit amount.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error) {
	if req.AmountMinor <= 0 {
		return GatewayOrder{}, fmt.Errorf("%w: amount must be positive, got %d", ErrGatewayInvalidInput, req.AmountMinor)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}
	// The SDK issues the request without a context, so at least honour a
	// cancellation that happened before the call.
	if err := ctx.Err(); err != nil {
		return GatewayOrder{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	data := map[string]interface{}{
		"amount":   req.AmountMinor,
		"currency": currency,
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		data["notes"] = req.Notes
	}

	body, err := g.client.Order.Create(data, nil)
	if err != nil {
		return GatewayOrder{}, classifyGatewayError(err)
	}

	order := GatewayOrder{
		ID:          stringField(body, "id"),
		AmountMinor: int64Field(body, "amount"),
		Currency:    stringField(body, "currency"),
		Receipt:     stringField(body, "receipt"),
		Status:      stringField(body, "status"),
	}
	if order.ID == "" {
		return GatewayOrder{}, fmt.Errorf("%w: response missing order id", ErrGatewayUnavailable)
	}
	return order, nil
}

// classifyGatewayError splits SDK failures into caller errors and outages.
// Razorpay reports API errors as a JSON body which the SDK surfaces verbatim
// in the error string; anything that does not parse is a transport problem.
func classifyGatewayError(err error) error {
	var payload struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(err.Error()), &payload); jsonErr == nil && payload.Error.Description != "" {
		if payload.Error.Code == "BAD_REQUEST_ERROR" {
			return fmt.Errorf("%w: %s (%s)", ErrGatewayInvalidInput, payload.Error.Description, payload.Error.Code)
		}
		return fmt.Errorf("%w: %s (%s)", ErrGatewayUnavailable, payload.Error.Description, payload.Error.Code)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func stringField(body map[string]interface{}, key string) string {
	value, _ := body[key].(string)
	return value
}

func int64Field(body map[string]interface{}, key string) int64 {
	switch value := body[key].(type) {
	case float64:
		return int64(value)
	case json.Number:
		n, _ := value.Int64()
		return n
	case int64:
		return value
	}
	return 0
}
