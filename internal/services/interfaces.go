package services

import (
	"context"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	OrderEvent           = domain.OrderEvent
	LineItem             = domain.LineItem
	Pricing              = domain.Pricing
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	Payment              = domain.Payment
	PaymentMethod        = domain.PaymentMethod
	PaymentStatus        = domain.PaymentStatus
	Delivery             = domain.Delivery
	DeliverySlot         = domain.DeliverySlot
	StatusChange         = domain.StatusChange
	Address              = domain.Address
	Coupon               = domain.Coupon
	Role                 = domain.Role
)

// Actor identifies the authenticated caller of an order operation.
type Actor struct {
	ID   string
	Role Role
}

// IsStaff reports whether the actor holds an operator role.
func (a Actor) IsStaff() bool {
	return a.Role == domain.RolePartner || a.Role == domain.RoleAdmin
}

// OrderRef is an explicit tagged reference to an order: exactly one of DocID or
// Number is set.
type OrderRef struct {
	DocID  string
	Number string
}

// OrderRefByID references an order by its storage document id.
func OrderRefByID(id string) OrderRef {
	return OrderRef{DocID: id}
}

// OrderRefByNumber references an order by its human-readable order number.
func OrderRefByNumber(number string) OrderRef {
	return OrderRef{Number: number}
}

// OrderService owns order creation, the status lifecycle, and payment verification.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ListOrders(ctx context.Context, actor Actor, query OrderListQuery) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, actor Actor, ref OrderRef) (Order, error)
	SetStatus(ctx context.Context, cmd SetStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error)
}

// BasketItemInput is one raw cart line as submitted by the client.
type BasketItemInput struct {
	ProductID string
	Name      string
	Unit      string
	ImageURL  string
	Price     float64
	Quantity  int
}

// PricingHints carries the client-submitted totals, advisory only.
type PricingHints struct {
	DeliveryFee    *float64
	Tax            *float64
	CouponDiscount *float64
}

// CreateOrderCommand assembles everything needed to place an order.
type CreateOrderCommand struct {
	Actor       Actor
	Items       []BasketItemInput
	Hints       PricingHints
	CouponCode  *string
	AddressID   string
	Method      PaymentMethod
	Slot        *DeliverySlot
	Instruction string
	Contact     *domain.OrderContact
	Metadata    map[string]any
}

// OrderListQuery filters the role-scoped order listing.
type OrderListQuery struct {
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// SetStatusCommand requests an operator status transition.
type SetStatusCommand struct {
	Actor  Actor
	Ref    OrderRef
	Target OrderStatus
	Note   string
}

// CancelOrderCommand requests a customer cancellation of their own order.
type CancelOrderCommand struct {
	Actor  Actor
	Ref    OrderRef
	Reason string
}

// VerifyPaymentCommand carries the gateway callback parameters.
type VerifyPaymentCommand struct {
	Actor            Actor
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// VerifyPaymentResult reports the verified order and whether the callback was a replay.
type VerifyPaymentResult struct {
	Order           Order
	AlreadyVerified bool
}

// OrderEventPublisher publishes order lifecycle events for realtime delivery.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// OrderListFilter is re-exported for handlers converting queries into repository filters.
type OrderListFilter = repositories.OrderListFilter
