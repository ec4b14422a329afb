package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/notify"
	"github.com/greenbasket/api/internal/payments"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/httpx"
	"github.com/greenbasket/api/internal/platform/pagination"
	"github.com/greenbasket/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
	maxCancelBodySize    = 4 * 1024
)

// OrderHandlers exposes the order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	replayer *notify.Replayer
	logger   *zap.Logger
}

// NewOrderHandlers constructs a new OrderHandlers instance. The replayer and
// logger are optional.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, replayer *notify.Replayer, logger *zap.Logger) *OrderHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		replayer: replayer,
		logger:   logger,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Post("/payments", h.createOnlineOrder)
	r.Post("/payments:verify", h.verifyPayment)
	r.Get("/{orderRef}", h.getOrder)
	r.Post("/{orderRef}:status", h.setStatus)
	r.Post("/{orderRef}:cancel", h.cancelOrder)
}

type orderItemRequest struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	ImageURL  string  `json:"image_url"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type pricingHintsRequest struct {
	DeliveryFee    *float64 `json:"delivery_fee"`
	Tax            *float64 `json:"tax"`
	CouponDiscount *float64 `json:"coupon_discount"`
}

type deliverySlotRequest struct {
	Date  string `json:"date"`
	Label string `json:"label"`
}

type orderContactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type createOrderRequest struct {
	Items       []orderItemRequest   `json:"items"`
	Pricing     pricingHintsRequest  `json:"pricing"`
	CouponCode  *string              `json:"coupon_code"`
	AddressID   string               `json:"address_id"`
	Method      string               `json:"payment_method"`
	Slot        *deliverySlotRequest `json:"slot"`
	Instruction string               `json:"instruction"`
	Contact     *orderContactRequest `json:"contact"`
	Metadata    map[string]any       `json:"metadata"`
}

type setStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type verifyPaymentRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, "")
}

// createOnlineOrder is the dedicated online-payment create: the gateway order is
// opened before the order document is persisted.
func (h *OrderHandlers) createOnlineOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, domain.PaymentMethodOnline)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request, forcedMethod domain.PaymentMethod) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	method := forcedMethod
	if method == "" {
		method = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	}

	cmd := services.CreateOrderCommand{
		Actor:      actorFromIdentity(identity),
		CouponCode: req.CouponCode,
		AddressID:  req.AddressID,
		Method:     method,
		Hints: services.PricingHints{
			DeliveryFee:    req.Pricing.DeliveryFee,
			Tax:            req.Pricing.Tax,
			CouponDiscount: req.Pricing.CouponDiscount,
		},
		Instruction: req.Instruction,
		Metadata:    cloneMap(req.Metadata),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.BasketItemInput{
			ProductID: item.ProductID,
			Name:      item.Name,
			Unit:      item.Unit,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Quantity:  item.Quantity,
		})
	}
	if req.Slot != nil {
		cmd.Slot = &domain.DeliverySlot{
			Date:  strings.TrimSpace(req.Slot.Date),
			Label: strings.TrimSpace(req.Slot.Label),
		}
	}
	if req.Contact != nil {
		cmd.Contact = &domain.OrderContact{
			Name:  req.Contact.Name,
			Phone: req.Contact.Phone,
			Email: req.Contact.Email,
		}
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()

	listQuery := services.OrderListQuery{}
	for _, raw := range parseFilterValues(query["status"]) {
		listQuery.Status = append(listQuery.Status, domain.OrderStatus(strings.ToLower(raw)))
	}

	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		listQuery.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		listQuery.To = &ts
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	switch {
	case errors.Is(err, pagination.ErrInvalidPageSize):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	case errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_token is not a valid cursor", http.StatusBadRequest))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid pagination parameters", http.StatusBadRequest))
		return
	}
	listQuery.Pagination = services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	}

	page, err := h.orders.ListOrders(ctx, actorFromIdentity(identity), listQuery)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	// A connection id marks a freshly joined realtime subscriber: push the
	// current page as snapshot events so the client starts from known state.
	if connectionID := strings.TrimSpace(query.Get("connection_id")); connectionID != "" && h.replayer != nil {
		if _, err := h.replayer.Replay(ctx, connectionID, page.Items); err != nil {
			h.logger.Warn("order snapshot replay failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	ref, ok := orderRefFromRequest(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, actorFromIdentity(identity), ref)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	ref, ok := orderRefFromRequest(ctx, w, r)
	if !ok {
		return
	}

	var req setStatusRequest
	if !decodeJSONBody(ctx, w, r, maxCancelBodySize, &req) {
		return
	}

	order, err := h.orders.SetStatus(ctx, services.SetStatusCommand{
		Actor:  actorFromIdentity(identity),
		Ref:    ref,
		Target: domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:   req.Note,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	ref, ok := orderRefFromRequest(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeJSONBody(ctx, w, r, maxCancelBodySize, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		Actor:  actorFromIdentity(identity),
		Ref:    ref,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req verifyPaymentRequest
	if !decodeJSONBody(ctx, w, r, maxCancelBodySize, &req) {
		return
	}

	result, err := h.orders.VerifyPayment(ctx, services.VerifyPaymentCommand{
		Actor:            actorFromIdentity(identity),
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, verifyPaymentResponse{
		Order:           buildOrderPayload(result.Order),
		AlreadyVerified: result.AlreadyVerified,
	})
}

// orderRefFromRequest parses the {orderRef} path segment into a tagged
// reference: values carrying the order-number prefix resolve by number,
// everything else by document id.
func orderRefFromRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.OrderRef, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderRef"))
	if raw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order reference is required", http.StatusBadRequest))
		return services.OrderRef{}, false
	}
	if strings.HasPrefix(strings.ToUpper(raw), "GB-") {
		return services.OrderRefByNumber(strings.ToUpper(raw)), true
	}
	return services.OrderRefByID(raw), true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, target any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSignatureMismatch):
		// Logged with a security marker: a bad signature on a known gateway
		// order is either tampering or a misconfigured secret.
		h.logger.Warn("payment signature mismatch",
			zap.String("security_event", "payment_signature_mismatch"),
			zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "payment signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrPricingInvalidInput),
		errors.Is(err, services.ErrPricingCouponRejected),
		errors.Is(err, payments.ErrGatewayInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to act on this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	default:
		h.logger.Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID            string  `json:"id"`
	OrderNumber   string  `json:"order_number"`
	Status        string  `json:"status"`
	PaymentMethod string  `json:"payment_method"`
	PaymentStatus string  `json:"payment_status"`
	GrandTotal    float64 `json:"grand_total"`
	ItemCount     int     `json:"item_count"`
	CreatedAt     string  `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type verifyPaymentResponse struct {
	Order           orderPayload `json:"order"`
	AlreadyVerified bool         `json:"already_verified"`
}

type orderPayload struct {
	ID            string                `json:"id"`
	OrderNumber   string                `json:"order_number"`
	UserID        string                `json:"user_id"`
	Status        string                `json:"status"`
	Items         []orderItemPayload    `json:"items"`
	Pricing       orderPricingPayload   `json:"pricing"`
	Payment       orderPaymentPayload   `json:"payment"`
	Delivery      orderDeliveryPayload  `json:"delivery"`
	Contact       *orderContactPayload  `json:"contact,omitempty"`
	StatusHistory []statusChangePayload `json:"status_history"`
	CancelReason  *string               `json:"cancel_reason,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at,omitempty"`
	DeliveredAt   string                `json:"delivered_at,omitempty"`
	CancelledAt   string                `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	Subtotal  float64 `json:"subtotal"`
}

type orderPricingPayload struct {
	ItemsTotal  float64 `json:"items_total"`
	DeliveryFee float64 `json:"delivery_fee"`
	Tax         float64 `json:"tax"`
	Discount    float64 `json:"discount"`
	GrandTotal  float64 `json:"grand_total"`
	CouponCode  string  `json:"coupon_code,omitempty"`
}

type orderPaymentPayload struct {
	Method           string `json:"method"`
	Status           string `json:"status"`
	GatewayOrderID   string `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	AmountMinor      *int64 `json:"amount_minor,omitempty"`
	Currency         string `json:"currency,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
}

type orderDeliveryPayload struct {
	Address     orderAddressPayload  `json:"address"`
	Instruction string               `json:"instruction,omitempty"`
	Slot        *deliverySlotPayload `json:"slot,omitempty"`
	PartnerRef  string               `json:"partner_ref,omitempty"`
}

type orderAddressPayload struct {
	Label      string `json:"label,omitempty"`
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
}

type deliverySlotPayload struct {
	Date  string `json:"date"`
	Label string `json:"label"`
}

type orderContactPayload struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type statusChangePayload struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by,omitempty"`
	ActorRole string `json:"actor_role,omitempty"`
	Note      string `json:"note,omitempty"`
	ChangedAt string `json:"changed_at"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentMethod: string(order.Payment.Method),
		PaymentStatus: string(order.Payment.Status),
		GrandTotal:    order.Pricing.GrandTotal,
		ItemCount:     len(order.Items),
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Items:       make([]orderItemPayload, 0, len(order.Items)),
		Pricing: orderPricingPayload{
			ItemsTotal:  order.Pricing.ItemsTotal,
			DeliveryFee: order.Pricing.DeliveryFee,
			Tax:         order.Pricing.Tax,
			Discount:    order.Pricing.Discount,
			GrandTotal:  order.Pricing.GrandTotal,
			CouponCode:  stringValue(order.Pricing.CouponCode),
		},
		Payment: orderPaymentPayload{
			Method:           string(order.Payment.Method),
			Status:           string(order.Payment.Status),
			GatewayOrderID:   stringValue(order.Payment.GatewayOrderID),
			GatewayPaymentID: stringValue(order.Payment.GatewayPaymentID),
			AmountMinor:      order.Payment.AmountMinor,
			Currency:         stringValue(order.Payment.Currency),
			PaidAt:           formatTimePtr(order.Payment.PaidAt),
		},
		Delivery: orderDeliveryPayload{
			Address: orderAddressPayload{
				Label:      order.Delivery.Address.Label,
				Recipient:  order.Delivery.Address.Recipient,
				Phone:      order.Delivery.Address.Phone,
				Line1:      order.Delivery.Address.Line1,
				Line2:      stringValue(order.Delivery.Address.Line2),
				City:       order.Delivery.Address.City,
				State:      stringValue(order.Delivery.Address.State),
				PostalCode: order.Delivery.Address.PostalCode,
			},
			Instruction: order.Delivery.Instruction,
			PartnerRef:  stringValue(order.Delivery.PartnerRef),
		},
		StatusHistory: make([]statusChangePayload, 0, len(order.StatusHistory)),
		CancelReason:  order.CancelReason,
		Metadata:      cloneMap(order.Metadata),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		DeliveredAt:   formatTimePtr(order.DeliveredAt),
		CancelledAt:   formatTimePtr(order.CancelledAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Unit:      item.Unit,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	if order.Delivery.Slot != nil {
		payload.Delivery.Slot = &deliverySlotPayload{
			Date:  order.Delivery.Slot.Date,
			Label: order.Delivery.Slot.Label,
		}
	}

	if order.Contact != nil {
		payload.Contact = &orderContactPayload{
			Name:  order.Contact.Name,
			Phone: order.Contact.Phone,
			Email: order.Contact.Email,
		}
	}

	for _, change := range order.StatusHistory {
		entry := statusChangePayload{
			Status:    string(change.Status),
			ChangedBy: stringValue(change.ChangedBy),
			Note:      change.Note,
			ChangedAt: formatTime(change.ChangedAt),
		}
		if change.ActorRole != nil {
			entry.ActorRole = string(*change.ActorRole)
		}
		payload.StatusHistory = append(payload.StatusHistory, entry)
	}

	return payload
}
