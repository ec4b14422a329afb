package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
)

var (
	// ErrGatewayInvalidInput signals a create request the gateway would reject outright.
	ErrGatewayInvalidInput = errors.New("payments: invalid gateway request")
	// ErrGatewayUnavailable indicates the hosted gateway failed or timed out.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
)

// Gateway creates orders on the hosted payment gateway ahead of checkout.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error)
}

// CreateOrderRequest describes the gateway-side order to open.
type CreateOrderRequest struct {
	// AmountMinor is the charge amount in the currency's smallest unit (paise).
	AmountMinor int64
	Currency    string
	// Receipt carries the internal order number for reconciliation.
	Receipt string
	Notes   map[string]string
}

// GatewayOrder is the gateway's descriptor for a created order.
type GatewayOrder struct {
	ID          string
	AmountMinor int64
	Currency    string
	Receipt     string
	Status      string
}

// MinorUnits converts a rupee amount to paise, rounding half away from zero.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// VerifySignature reports whether signature is a valid hex HMAC-SHA256 digest of
// "<gatewayOrderID>|<gatewayPaymentID>" under secret. Comparison is constant-time;
// callers translate a false result into their own typed error.
func VerifySignature(secret []byte, gatewayOrderID, gatewayPaymentID, signature string) bool {
	if len(secret) == 0 || gatewayOrderID == "" || gatewayPaymentID == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(gatewayOrderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(gatewayPaymentID))
	return hmac.Equal(provided, mac.Sum(nil))
}
