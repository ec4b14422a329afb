package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("shared-secret")

	sign := func(orderID, paymentID string) string {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(orderID + "|" + paymentID))
		return hex.EncodeToString(mac.Sum(nil))
	}

	valid := sign("order_gw123", "pay_gw456")
	if !VerifySignature(secret, "order_gw123", "pay_gw456", valid) {
		t.Fatal("expected valid signature to verify")
	}

	if VerifySignature([]byte("wrong-secret"), "order_gw123", "pay_gw456", valid) {
		t.Fatal("expected signature under wrong secret to fail")
	}
	if VerifySignature(secret, "order_gw124", "pay_gw456", valid) {
		t.Fatal("expected signature over different order id to fail")
	}
	if VerifySignature(secret, "order_gw123", "pay_gw456", "zz"+valid[2:]) {
		t.Fatal("expected malformed hex to fail")
	}
	if VerifySignature(secret, "", "pay_gw456", valid) {
		t.Fatal("expected empty order id to fail")
	}
}

func TestVerifySignatureRejectsEverySingleByteMutation(t *testing.T) {
	secret := []byte("shared-secret")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("order_gw123|pay_gw456"))
	valid := hex.EncodeToString(mac.Sum(nil))

	for i := 0; i < len(valid); i++ {
		mutated := []byte(valid)
		if mutated[i] == 'f' {
			mutated[i] = '0'
		} else {
			mutated[i] = 'f'
		}
		if VerifySignature(secret, "order_gw123", "pay_gw456", string(mutated)) {
			t.Fatalf("mutation at index %d unexpectedly verified", i)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{amount: 70, want: 7000},
		{amount: 35.5, want: 3550},
		{amount: 99.999, want: 10000},
		{amount: 0.004, want: 0},
		{amount: 0.005, want: 1},
		{amount: 123.455, want: 12346},
	}
	for _, tc := range cases {
		if got := MinorUnits(tc.amount); got != tc.want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestRazorpayCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/orders") || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != "rzp_test_secret" {
			t.Fatalf("missing or wrong basic auth")
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["amount"].(float64) != 7000 || req["currency"].(string) != "INR" {
			t.Fatalf("unexpected request payload %v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":       "order_gw123",
			"amount":   7000,
			"currency": "INR",
			"receipt":  req["receipt"],
			"status":   "created",
		})
	}))
	defer srv.Close()

	gateway, err := NewRazorpayGateway(srv.URL, "rzp_test_key", "rzp_test_secret", time.Second)
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}

	order, err := gateway.CreateOrder(context.Background(), CreateOrderRequest{
		AmountMinor: 7000,
		Currency:    "INR",
		Receipt:     "GB-20250506-000042",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ID != "order_gw123" {
		t.Fatalf("unexpected gateway order id %q", order.ID)
	}
	if order.AmountMinor != 7000 || order.Receipt != "GB-20250506-000042" {
		t.Fatalf("unexpected gateway order %#v", order)
	}
}

func TestRazorpayCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	gateway, err := NewRazorpayGateway("https://api.razorpay.com/v1", "key", "secret", time.Second)
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}

	_, err = gateway.CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 0})
	if !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected ErrGatewayInvalidInput, got %v", err)
	}
}

func TestRazorpayCreateOrderGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gateway, err := NewRazorpayGateway(srv.URL, "key", "secret", time.Second)
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}

	_, err = gateway.CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 100})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestRazorpayCreateOrderTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	gateway, err := NewRazorpayGateway(srv.URL, "key", "secret", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}

	_, err = gateway.CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 100})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable on timeout, got %v", err)
	}
}

func TestRazorpayCreateOrderBadRequestDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"Currency is not supported"}}`))
	}))
	defer srv.Close()

	gateway, err := NewRazorpayGateway(srv.URL, "key", "secret", time.Second)
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}

	_, err = gateway.CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 100, Currency: "XYZ"})
	if !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected ErrGatewayInvalidInput, got %v", err)
	}
}
