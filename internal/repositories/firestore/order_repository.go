package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/platform/pagination"
	"github.com/greenbasket/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil),
	}, nil
}

// Insert creates the order document, failing with a conflict when the ID exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Create(ctx, id, newOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, id, newOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// FindByID fetches the order by its document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByNumber fetches the order by its human-facing order number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOne(ctx, "orderNumber", strings.TrimSpace(orderNumber), "orders.findByNumber")
}

// FindByGatewayOrderID fetches the order referenced by a payment gateway order.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error) {
	return r.findOne(ctx, "payment.gatewayOrderId", strings.TrimSpace(gatewayOrderID), "orders.findByGatewayOrderId")
}

func (r *OrderRepository) findOne(ctx context.Context, field, value, op string) (domain.Order, error) {
	if value == "" {
		return domain.Order{}, pfirestore.WrapError(op, status.Error(codes.NotFound, "lookup value is empty"))
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError(op, status.Errorf(codes.NotFound, "no order with %s %q", field, value))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders matching the filter, newest first, with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			token, err := pagination.EncodeToken(pagination.Cursor{
				StartAfter: []any{last.Data.CreatedAt, last.ID},
			})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// Firestore document model ---------------------------------------------------

type orderDocument struct {
	OrderNumber   string              `firestore:"orderNumber"`
	UserID        string              `firestore:"userId"`
	Status        string              `firestore:"status"`
	Items         []orderItemDoc      `firestore:"items"`
	Pricing       orderPricingDoc     `firestore:"pricing"`
	Payment       orderPaymentDoc     `firestore:"payment"`
	Delivery      orderDeliveryDoc    `firestore:"delivery"`
	Contact       *orderContactDoc    `firestore:"contact,omitempty"`
	StatusHistory []orderStatusChange `firestore:"statusHistory"`
	CancelReason  *string             `firestore:"cancelReason,omitempty"`
	Metadata      map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
	DeliveredAt   *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt   *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDoc struct {
	ProductID string  `firestore:"productId"`
	Name      string  `firestore:"name"`
	Unit      string  `firestore:"unit,omitempty"`
	ImageURL  string  `firestore:"imageUrl,omitempty"`
	Price     float64 `firestore:"price"`
	Quantity  int     `firestore:"quantity"`
	Subtotal  float64 `firestore:"subtotal"`
}

type orderPricingDoc struct {
	ItemsTotal  float64 `firestore:"itemsTotal"`
	DeliveryFee float64 `firestore:"deliveryFee"`
	Tax         float64 `firestore:"tax"`
	Discount    float64 `firestore:"discount"`
	GrandTotal  float64 `firestore:"grandTotal"`
	CouponCode  *string `firestore:"couponCode,omitempty"`
}

type orderPaymentDoc struct {
	Method           string     `firestore:"method"`
	Status           string     `firestore:"status"`
	GatewayOrderID   *string    `firestore:"gatewayOrderId,omitempty"`
	GatewayPaymentID *string    `firestore:"gatewayPaymentId,omitempty"`
	AmountMinor      *int64     `firestore:"amountMinor,omitempty"`
	Currency         *string    `firestore:"currency,omitempty"`
	PaidAt           *time.Time `firestore:"paidAt,omitempty"`
}

type orderDeliveryDoc struct {
	Address     orderAddressDoc `firestore:"address"`
	Instruction string          `firestore:"instruction,omitempty"`
	Slot        *orderSlotDoc   `firestore:"slot,omitempty"`
	PartnerRef  *string         `firestore:"partnerRef,omitempty"`
}

type orderAddressDoc struct {
	ID         string   `firestore:"id,omitempty"`
	Label      string   `firestore:"label,omitempty"`
	Recipient  string   `firestore:"recipient"`
	Phone      string   `firestore:"phone,omitempty"`
	Line1      string   `firestore:"line1"`
	Line2      *string  `firestore:"line2,omitempty"`
	City       string   `firestore:"city"`
	State      *string  `firestore:"state,omitempty"`
	PostalCode string   `firestore:"postalCode"`
	Latitude   *float64 `firestore:"latitude,omitempty"`
	Longitude  *float64 `firestore:"longitude,omitempty"`
}

type orderSlotDoc struct {
	Date  string `firestore:"date"`
	Label string `firestore:"label,omitempty"`
}

type orderContactDoc struct {
	Name  string `firestore:"name,omitempty"`
	Phone string `firestore:"phone,omitempty"`
	Email string `firestore:"email,omitempty"`
}

type orderStatusChange struct {
	Status    string    `firestore:"status"`
	ChangedBy *string   `firestore:"changedBy,omitempty"`
	ActorRole *string   `firestore:"actorRole,omitempty"`
	Note      string    `firestore:"note,omitempty"`
	ChangedAt time.Time `firestore:"changedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:  order.OrderNumber,
		UserID:       order.UserID,
		Status:       string(order.Status),
		CancelReason: cloneOptionalString(order.CancelReason),
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		DeliveredAt:  cloneOptionalTime(order.DeliveredAt),
		CancelledAt:  cloneOptionalTime(order.CancelledAt),
		Pricing: orderPricingDoc{
			ItemsTotal:  order.Pricing.ItemsTotal,
			DeliveryFee: order.Pricing.DeliveryFee,
			Tax:         order.Pricing.Tax,
			Discount:    order.Pricing.Discount,
			GrandTotal:  order.Pricing.GrandTotal,
			CouponCode:  cloneOptionalString(order.Pricing.CouponCode),
		},
		Payment: orderPaymentDoc{
			Method:           string(order.Payment.Method),
			Status:           string(order.Payment.Status),
			GatewayOrderID:   cloneOptionalString(order.Payment.GatewayOrderID),
			GatewayPaymentID: cloneOptionalString(order.Payment.GatewayPaymentID),
			AmountMinor:      order.Payment.AmountMinor,
			Currency:         cloneOptionalString(order.Payment.Currency),
			PaidAt:           cloneOptionalTime(order.Payment.PaidAt),
		},
		Delivery: orderDeliveryDoc{
			Address:     newOrderAddressDoc(order.Delivery.Address),
			Instruction: order.Delivery.Instruction,
			PartnerRef:  cloneOptionalString(order.Delivery.PartnerRef),
		},
	}

	if order.Delivery.Slot != nil {
		doc.Delivery.Slot = &orderSlotDoc{Date: order.Delivery.Slot.Date, Label: order.Delivery.Slot.Label}
	}
	if order.Contact != nil {
		doc.Contact = &orderContactDoc{Name: order.Contact.Name, Phone: order.Contact.Phone, Email: order.Contact.Email}
	}

	doc.Items = make([]orderItemDoc, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDoc{
			ProductID: item.ProductID,
			Name:      item.Name,
			Unit:      item.Unit,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	doc.StatusHistory = make([]orderStatusChange, 0, len(order.StatusHistory))
	for _, change := range order.StatusHistory {
		entry := orderStatusChange{
			Status:    string(change.Status),
			ChangedBy: cloneOptionalString(change.ChangedBy),
			Note:      change.Note,
			ChangedAt: change.ChangedAt.UTC(),
		}
		if change.ActorRole != nil {
			role := string(*change.ActorRole)
			entry.ActorRole = &role
		}
		doc.StatusHistory = append(doc.StatusHistory, entry)
	}

	return doc
}

func newOrderAddressDoc(addr domain.Address) orderAddressDoc {
	return orderAddressDoc{
		ID:         addr.ID,
		Label:      addr.Label,
		Recipient:  addr.Recipient,
		Phone:      addr.Phone,
		Line1:      addr.Line1,
		Line2:      cloneOptionalString(addr.Line2),
		City:       addr.City,
		State:      cloneOptionalString(addr.State),
		PostalCode: addr.PostalCode,
		Latitude:   addr.Latitude,
		Longitude:  addr.Longitude,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:           id,
		OrderNumber:  d.OrderNumber,
		UserID:       d.UserID,
		Status:       domain.OrderStatus(d.Status),
		CancelReason: cloneOptionalString(d.CancelReason),
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		DeliveredAt:  cloneOptionalTime(d.DeliveredAt),
		CancelledAt:  cloneOptionalTime(d.CancelledAt),
		Pricing: domain.Pricing{
			ItemsTotal:  d.Pricing.ItemsTotal,
			DeliveryFee: d.Pricing.DeliveryFee,
			Tax:         d.Pricing.Tax,
			Discount:    d.Pricing.Discount,
			GrandTotal:  d.Pricing.GrandTotal,
			CouponCode:  cloneOptionalString(d.Pricing.CouponCode),
		},
		Payment: domain.Payment{
			Method:           domain.PaymentMethod(d.Payment.Method),
			Status:           domain.PaymentStatus(d.Payment.Status),
			GatewayOrderID:   cloneOptionalString(d.Payment.GatewayOrderID),
			GatewayPaymentID: cloneOptionalString(d.Payment.GatewayPaymentID),
			AmountMinor:      d.Payment.AmountMinor,
			Currency:         cloneOptionalString(d.Payment.Currency),
			PaidAt:           cloneOptionalTime(d.Payment.PaidAt),
		},
		Delivery: domain.Delivery{
			Address:     d.Delivery.Address.toDomain(),
			Instruction: d.Delivery.Instruction,
			PartnerRef:  cloneOptionalString(d.Delivery.PartnerRef),
		},
	}

	if d.Delivery.Slot != nil {
		order.Delivery.Slot = &domain.DeliverySlot{Date: d.Delivery.Slot.Date, Label: d.Delivery.Slot.Label}
	}
	if d.Contact != nil {
		order.Contact = &domain.OrderContact{Name: d.Contact.Name, Phone: d.Contact.Phone, Email: d.Contact.Email}
	}

	order.Items = make([]domain.LineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Unit:      item.Unit,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	order.StatusHistory = make([]domain.StatusChange, 0, len(d.StatusHistory))
	for _, change := range d.StatusHistory {
		entry := domain.StatusChange{
			Status:    domain.OrderStatus(change.Status),
			ChangedBy: cloneOptionalString(change.ChangedBy),
			Note:      change.Note,
			ChangedAt: change.ChangedAt,
		}
		if change.ActorRole != nil {
			role := domain.Role(*change.ActorRole)
			entry.ActorRole = &role
		}
		order.StatusHistory = append(order.StatusHistory, entry)
	}

	return order
}

func (d orderAddressDoc) toDomain() domain.Address {
	return domain.Address{
		ID:         d.ID,
		Label:      d.Label,
		Recipient:  d.Recipient,
		Phone:      d.Phone,
		Line1:      d.Line1,
		Line2:      cloneOptionalString(d.Line2),
		City:       d.City,
		State:      cloneOptionalString(d.State),
		PostalCode: d.PostalCode,
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
	}
}

func cloneOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	cloned := value.UTC()
	return &cloned
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
