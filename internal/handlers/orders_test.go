package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/notify"
	"github.com/greenbasket/api/internal/payments"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/pagination"
	"github.com/greenbasket/api/internal/services"
)

type stubOrderService struct {
	createFn        func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	listFn          func(ctx context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[services.Order], error)
	getFn           func(ctx context.Context, actor services.Actor, ref services.OrderRef) (services.Order, error)
	setStatusFn     func(ctx context.Context, cmd services.SetStatusCommand) (services.Order, error)
	cancelFn        func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	verifyPaymentFn func(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, actor, query)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, actor services.Actor, ref services.OrderRef) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, ref)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) SetStatus(ctx context.Context, cmd services.SetStatusCommand) (services.Order, error) {
	if s.setStatusFn != nil {
		return s.setStatusFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) VerifyPayment(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
	if s.verifyPaymentFn != nil {
		return s.verifyPaymentFn(ctx, cmd)
	}
	return services.VerifyPaymentResult{}, nil
}

type recordedEventSink struct {
	events []domain.OrderEvent
}

func (r *recordedEventSink) PublishOrderEvent(_ context.Context, event domain.OrderEvent) (string, error) {
	r.events = append(r.events, event)
	return fmt.Sprintf("msg-%d", len(r.events)), nil
}

func newOrderTestRouter(t *testing.T, svc services.OrderService, replayer *notify.Replayer) chi.Router {
	t.Helper()
	h := NewOrderHandlers(nil, svc, replayer, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/api/v1/orders", h.Routes)
	return r
}

func customerIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleCustomer}}
}

func adminIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleAdmin}}
}

func authedRequest(method, target string, body io.Reader, identity *auth.Identity) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return payload
}

func sampleOrder() services.Order {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	role := domain.RoleCustomer
	actor := "user_1"
	return services.Order{
		ID:          "ord_01ABC",
		OrderNumber: "GB-20250601-000001",
		UserID:      "user_1",
		Status:      domain.OrderStatusPending,
		Items: []services.LineItem{
			{ProductID: "prod_milk", Name: "Milk 1L", Price: 64, Quantity: 2, Subtotal: 128},
		},
		Pricing: services.Pricing{ItemsTotal: 128, DeliveryFee: 30, GrandTotal: 158},
		Payment: services.Payment{Method: domain.PaymentMethodCOD, Status: domain.PaymentStatusPending},
		Delivery: services.Delivery{
			Address: services.Address{Recipient: "Asha", Line1: "14 MG Road", City: "Bengaluru", PostalCode: "560001"},
		},
		StatusHistory: []services.StatusChange{
			{Status: domain.OrderStatusPending, ChangedBy: &actor, ActorRole: &role, ChangedAt: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateOrderEndpoint(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	body := `{
		"items": [{"product_id": "prod_milk", "name": "Milk 1L", "price": 64, "quantity": 2}],
		"pricing": {"delivery_fee": 30},
		"address_id": "addr_1",
		"payment_method": "COD",
		"instruction": "ring twice"
	}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body), customerIdentity("user_1")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Actor.ID != "user_1" || captured.Actor.Role != domain.RoleCustomer {
		t.Fatalf("unexpected actor %+v", captured.Actor)
	}
	if captured.Method != domain.PaymentMethodCOD {
		t.Fatalf("expected method cod, got %q", captured.Method)
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != "prod_milk" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.Hints.DeliveryFee == nil || *captured.Hints.DeliveryFee != 30 {
		t.Fatalf("expected delivery fee hint 30, got %+v", captured.Hints.DeliveryFee)
	}
	if captured.AddressID != "addr_1" || captured.Instruction != "ring twice" {
		t.Fatalf("unexpected command %+v", captured)
	}

	payload := decodeBody(t, rec)
	order, ok := payload["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected order payload, got %v", payload)
	}
	if order["order_number"] != "GB-20250601-000001" {
		t.Fatalf("unexpected order number %v", order["order_number"])
	}
}

func TestCreateOnlineOrderForcesOnlineMethod(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	body := `{"items": [{"product_id": "p", "name": "n", "price": 10, "quantity": 1}], "address_id": "addr_1", "payment_method": "cod"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/orders/payments", strings.NewReader(body), customerIdentity("user_1")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Method != domain.PaymentMethodOnline {
		t.Fatalf("payments route must force online method, got %q", captured.Method)
	}
}

func TestCreateOrderRequiresAuthentication(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "unauthenticated" {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
}

func TestListOrdersEndpointParsesQuery(t *testing.T) {
	var capturedActor services.Actor
	var capturedQuery services.OrderListQuery
	svc := &stubOrderService{
		listFn: func(_ context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[services.Order], error) {
			capturedActor = actor
			capturedQuery = query
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder()},
				NextPageToken: "tok_next",
			}, nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	pageToken, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"2025-06-01T10:00:00Z", "ord_7"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	target := "/api/v1/orders?status=pending,confirmed&from=2025-06-01T00:00:00Z&page_size=500&page_token=" + pageToken
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, target, nil, adminIdentity("staff_1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if capturedActor.Role != domain.RoleAdmin {
		t.Fatalf("expected admin actor, got %+v", capturedActor)
	}
	if len(capturedQuery.Status) != 2 || capturedQuery.Status[0] != domain.OrderStatusPending || capturedQuery.Status[1] != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status filter %v", capturedQuery.Status)
	}
	if capturedQuery.From == nil || !capturedQuery.From.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from filter %v", capturedQuery.From)
	}
	if capturedQuery.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, capturedQuery.Pagination.PageSize)
	}
	if capturedQuery.Pagination.PageToken != pageToken {
		t.Fatalf("unexpected page token %q", capturedQuery.Pagination.PageToken)
	}

	payload := decodeBody(t, rec)
	if payload["next_page_token"] != "tok_next" {
		t.Fatalf("unexpected next token %v", payload["next_page_token"])
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %v", payload["items"])
	}
}

func TestListOrdersRejectsBadTimestamps(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders?from=yesterday", nil, customerIdentity("user_1")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListOrdersRejectsMalformedPageToken(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders?page_token=%21%21", nil, customerIdentity("user_1")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "invalid_request" {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
}

func TestListOrdersPushesSnapshotForConnection(t *testing.T) {
	sink := &recordedEventSink{}
	replayer, err := notify.NewReplayer(sink)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	svc := &stubOrderService{
		listFn: func(_ context.Context, _ services.Actor, _ services.OrderListQuery) (domain.CursorPage[services.Order], error) {
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}}, nil
		},
	}
	router := newOrderTestRouter(t, svc, replayer)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders?connection_id=conn_1", nil, customerIdentity("user_1")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sink.events) != 1 || sink.events[0].Type != domain.OrderEventSnapshot {
		t.Fatalf("expected one snapshot event, got %+v", sink.events)
	}

	// The same connection joining again must not replay a second snapshot.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders?connection_id=conn_1", nil, customerIdentity("user_1")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected replay dedupe, got %d events", len(sink.events))
	}
}

func TestGetOrderResolvesReferenceKind(t *testing.T) {
	var captured services.OrderRef
	svc := &stubOrderService{
		getFn: func(_ context.Context, _ services.Actor, ref services.OrderRef) (services.Order, error) {
			captured = ref
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders/ord_01ABC", nil, customerIdentity("user_1")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.DocID != "ord_01ABC" || captured.Number != "" {
		t.Fatalf("expected doc-id reference, got %+v", captured)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders/gb-20250601-000001", nil, customerIdentity("user_1")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.Number != "GB-20250601-000001" || captured.DocID != "" {
		t.Fatalf("expected order-number reference, got %+v", captured)
	}
}

func TestSetStatusEndpoint(t *testing.T) {
	var captured services.SetStatusCommand
	svc := &stubOrderService{
		setStatusFn: func(_ context.Context, cmd services.SetStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusConfirmed
			return order, nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	body := `{"status": "Confirmed", "note": "store accepted"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/orders/ord_01ABC:status", strings.NewReader(body), adminIdentity("staff_1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Target != domain.OrderStatusConfirmed {
		t.Fatalf("expected normalised target confirmed, got %q", captured.Target)
	}
	if captured.Note != "store accepted" {
		t.Fatalf("unexpected note %q", captured.Note)
	}
	if captured.Actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", captured.Actor)
	}
}

func TestCancelOrderEndpoint(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	body := `{"reason": "ordered twice"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/orders/ord_01ABC:cancel", strings.NewReader(body), customerIdentity("user_1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Reason != "ordered twice" {
		t.Fatalf("unexpected reason %q", captured.Reason)
	}
	if captured.Ref.DocID != "ord_01ABC" {
		t.Fatalf("unexpected ref %+v", captured.Ref)
	}
}

func TestVerifyPaymentEndpoint(t *testing.T) {
	var captured services.VerifyPaymentCommand
	svc := &stubOrderService{
		verifyPaymentFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
			captured = cmd
			order := sampleOrder()
			order.Payment.Status = domain.PaymentStatusDone
			return services.VerifyPaymentResult{Order: order, AlreadyVerified: true}, nil
		},
	}
	router := newOrderTestRouter(t, svc, nil)

	body := `{"gateway_order_id": "rzp_order_1", "gateway_payment_id": "pay_1", "signature": "abc123"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/orders/payments:verify", strings.NewReader(body), customerIdentity("user_1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.GatewayOrderID != "rzp_order_1" || captured.GatewayPaymentID != "pay_1" || captured.Signature != "abc123" {
		t.Fatalf("unexpected command %+v", captured)
	}

	payload := decodeBody(t, rec)
	if payload["already_verified"] != true {
		t.Fatalf("expected already_verified true, got %v", payload["already_verified"])
	}
}

func TestOrderErrorEnvelope(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid input", fmt.Errorf("%w: boom", services.ErrOrderInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"pricing input", fmt.Errorf("%w: items required", services.ErrPricingInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"coupon rejected", fmt.Errorf("%w: expired", services.ErrPricingCouponRejected), http.StatusBadRequest, "invalid_request"},
		{"signature mismatch", fmt.Errorf("%w: order GB-1", services.ErrSignatureMismatch), http.StatusBadRequest, "signature_mismatch"},
		{"forbidden", fmt.Errorf("%w: nope", services.ErrOrderForbidden), http.StatusForbidden, "forbidden"},
		{"not found", fmt.Errorf("%w: gone", services.ErrOrderNotFound), http.StatusNotFound, "order_not_found"},
		{"invalid state", fmt.Errorf("%w: cancelled to shipped", services.ErrOrderInvalidState), http.StatusConflict, "order_invalid_state"},
		{"conflict", fmt.Errorf("%w: concurrent update", services.ErrOrderConflict), http.StatusConflict, "order_conflict"},
		{"gateway down", fmt.Errorf("%w: timeout", payments.ErrGatewayUnavailable), http.StatusBadGateway, "gateway_unavailable"},
		{"unknown", fmt.Errorf("kaput"), http.StatusInternalServerError, "order_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				getFn: func(_ context.Context, _ services.Actor, _ services.OrderRef) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := newOrderTestRouter(t, svc, nil)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/orders/ord_x", nil, customerIdentity("user_1")))

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, rec.Code, rec.Body.String())
			}
			payload := decodeBody(t, rec)
			if payload["ok"] != false {
				t.Fatalf("expected ok=false, got %v", payload["ok"])
			}
			if payload["error"] != tc.wantCode {
				t.Fatalf("expected code %q, got %v", tc.wantCode, payload["error"])
			}
		})
	}
}
