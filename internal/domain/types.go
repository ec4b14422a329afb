package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Role enumerates the actor roles recognised by order operations.
type Role string

const (
	// RoleCustomer identifies shoppers placing and tracking their own orders.
	RoleCustomer Role = "customer"
	// RolePartner identifies delivery partners progressing orders through fulfilment.
	RolePartner Role = "partner"
	// RoleAdmin identifies back-office staff with full order visibility.
	RoleAdmin Role = "admin"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits store confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the store accepted the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates items are being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order is out for delivery.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and will not progress further.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentMethod enumerates supported ways of paying for an order.
type PaymentMethod string

const (
	// PaymentMethodCOD indicates payment is collected in cash on delivery.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodOnline indicates payment is collected through the hosted gateway.
	PaymentMethodOnline PaymentMethod = "online"
)

// PaymentStatus enumerates settlement states for an order's payment.
type PaymentStatus string

const (
	// PaymentStatusPending indicates money has not yet been collected.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusDone indicates the payment has been verified or collected.
	PaymentStatusDone PaymentStatus = "done"
)

// Order captures the order aggregate returned to handlers/services.
type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	Status        OrderStatus
	Items         []LineItem
	Pricing       Pricing
	Payment       Payment
	Delivery      Delivery
	Contact       *OrderContact
	StatusHistory []StatusChange
	CancelReason  *string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
}

// LineItem mirrors a catalog product at the time the order was placed.
type LineItem struct {
	ProductID string
	Name      string
	Unit      string
	ImageURL  string
	Price     float64
	Quantity  int
	Subtotal  float64
}

// Pricing holds the rupee-denominated totals computed when the order was built.
type Pricing struct {
	ItemsTotal  float64
	DeliveryFee float64
	Tax         float64
	Discount    float64
	GrandTotal  float64
	CouponCode  *string
}

// Payment records the method, settlement state, and gateway references for an order.
// GatewayPaymentID doubles as the transaction id once the payment is captured.
type Payment struct {
	Method           PaymentMethod
	Status           PaymentStatus
	GatewayOrderID   *string
	GatewayPaymentID *string
	AmountMinor      *int64
	Currency         *string
	PaidAt           *time.Time
}

// Delivery stores the address snapshot and delivery metadata for an order.
type Delivery struct {
	Address     Address
	Instruction string
	Slot        *DeliverySlot
	PartnerRef  *string
}

// DeliverySlot captures the customer's requested delivery window.
type DeliverySlot struct {
	Date  string
	Label string
}

// OrderContact stores a contact snapshot for delivery notifications.
type OrderContact struct {
	Name  string
	Phone string
	Email string
}

// StatusChange records one entry in an order's status history.
type StatusChange struct {
	Status    OrderStatus
	ChangedBy *string
	ActorRole *Role
	Note      string
	ChangedAt time.Time
}

// Address represents a saved delivery address owned by a user.
type Address struct {
	ID         string
	UserID     string
	Label      string
	Recipient  string
	Phone      string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Latitude   *float64
	Longitude  *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CouponType enumerates how a coupon's value is interpreted.
type CouponType string

const (
	// CouponTypePercent applies the coupon value as a percentage of the items total.
	CouponTypePercent CouponType = "percent"
	// CouponTypeFlat applies the coupon value as a fixed rupee amount.
	CouponTypeFlat CouponType = "flat"
)

// Coupon describes a discount rule looked up by code at order time.
type Coupon struct {
	Code          string
	Type          CouponType
	Value         float64
	MinOrderValue float64
	MaxDiscount   *float64
	Active        bool
	ExpiresAt     *time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderEventType enumerates realtime events emitted when orders change.
type OrderEventType string

const (
	// OrderEventNew is emitted when an order is created.
	OrderEventNew OrderEventType = "orders:new"
	// OrderEventStatus is emitted when an order's lifecycle status advances.
	OrderEventStatus OrderEventType = "orders:status"
	// OrderEventCancelled is emitted when an order is cancelled.
	OrderEventCancelled OrderEventType = "orders:cancelled"
	// OrderEventSnapshot replays current order state to a freshly joined connection.
	OrderEventSnapshot OrderEventType = "orders:snapshot"
)

// OrderEvent is the payload delivered to realtime subscribers.
type OrderEvent struct {
	Type          OrderEventType
	OrderID       string
	OrderNumber   string
	UserID        string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Order         *Order
	OccurredAt    time.Time
}
