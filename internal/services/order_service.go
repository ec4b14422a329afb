package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/payments"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	orderIDPrefix      = "ord_"
	orderCounterID     = "orders"
	gatewayCurrencyINR = "INR"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the actor is authenticated but not permitted.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrSignatureMismatch indicates a gateway callback signature failed verification.
	ErrSignatureMismatch = errors.New("order: payment signature mismatch")
)

// Operator statuses move freely among one another; cancelled is terminal.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:  {domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled},
}

// Statuses a customer may still cancel from (pre-dispatch).
var customerCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
}

var freeTextPolicy = bluemonday.StrictPolicy()

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Addresses     repositories.AddressRepository
	Counters      repositories.CounterRepository
	Pricing       *BasketPricingEngine
	Gateway       payments.Gateway
	GatewaySecret func(ctx context.Context) ([]byte, error)
	UnitOfWork    repositories.UnitOfWork
	EnableCOD     bool
	Clock         func() time.Time
	IDGenerator   func() string
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	addresses     repositories.AddressRepository
	counters      repositories.CounterRepository
	pricing       *BasketPricingEngine
	gateway       payments.Gateway
	gatewaySecret func(context.Context) ([]byte, error)
	unitOfWork    repositories.UnitOfWork
	enableCOD     bool
	clock         func() time.Time
	newID         func() string
	events        OrderEventPublisher
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		addresses:     deps.Addresses,
		counters:      deps.Counters,
		pricing:       deps.Pricing,
		gateway:       deps.Gateway,
		gatewaySecret: deps.GatewaySecret,
		unitOfWork:    unit,
		enableCOD:     deps.EnableCOD,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.Actor.ID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	switch cmd.Method {
	case domain.PaymentMethodCOD:
		if !s.enableCOD {
			return Order{}, fmt.Errorf("%w: cash on delivery is not accepted", ErrOrderInvalidInput)
		}
	case domain.PaymentMethodOnline:
		if s.gateway == nil {
			return Order{}, fmt.Errorf("%w: online payments are not configured", ErrOrderInvalidInput)
		}
	default:
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, cmd.Method)
	}

	address, err := s.resolveAddress(ctx, userID, cmd.AddressID)
	if err != nil {
		return Order{}, err
	}

	priced, err := s.pricing.Price(ctx, PriceBasketCommand{
		Items:      cmd.Items,
		Hints:      cmd.Hints,
		CouponCode: cmd.CouponCode,
	})
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:          orderIDPrefix + s.newID(),
		OrderNumber: number,
		UserID:      userID,
		Status:      domain.OrderStatusPending,
		Items:       priced.Lines,
		Pricing: Pricing{
			ItemsTotal:  priced.Breakdown.ItemsTotal,
			DeliveryFee: priced.Breakdown.DeliveryFee,
			Tax:         priced.Breakdown.Tax,
			Discount:    priced.Breakdown.Discount,
			GrandTotal:  priced.Breakdown.GrandTotal,
			CouponCode:  priced.Breakdown.CouponCode,
		},
		Payment: Payment{
			Method: cmd.Method,
			Status: domain.PaymentStatusPending,
		},
		Delivery: Delivery{
			Address:     address,
			Instruction: sanitizeFreeText(cmd.Instruction),
			Slot:        cloneSlot(cmd.Slot),
		},
		Contact:       buildContact(cmd.Contact),
		StatusHistory: []StatusChange{newStatusChange(domain.OrderStatusPending, cmd.Actor, "", now)},
		Metadata:      cloneMap(cmd.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if cmd.Method == domain.PaymentMethodOnline {
		gw, gwErr := s.gateway.CreateOrder(ctx, payments.CreateOrderRequest{
			AmountMinor: payments.MinorUnits(order.Pricing.GrandTotal),
			Currency:    gatewayCurrencyINR,
			Receipt:     order.OrderNumber,
			Notes:       map[string]string{"orderId": order.ID},
		})
		if gwErr != nil {
			return Order{}, gwErr
		}
		order.Payment.GatewayOrderID = valuePtr(gw.ID)
		order.Payment.AmountMinor = valuePtr(gw.AmountMinor)
		order.Payment.Currency = valuePtr(gw.Currency)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, domain.OrderEvent{
		Type:          domain.OrderEventNew,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.Payment.Status,
		Order:         &order,
		OccurredAt:    now,
	})

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Actor, query OrderListQuery) (domain.CursorPage[Order], error) {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	filter := repositories.OrderListFilter{
		Status:     query.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: query.From, To: query.To},
		Pagination: query.Pagination,
	}
	if !actor.IsStaff() {
		filter.UserID = actor.ID
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, ref OrderRef) (Order, error) {
	order, err := s.resolveOrder(ctx, ref)
	if err != nil {
		return Order{}, err
	}
	if !actor.IsStaff() && order.UserID != actor.ID {
		return Order{}, fmt.Errorf("%w: order belongs to another user", ErrOrderForbidden)
	}
	return order, nil
}

func (s *orderService) SetStatus(ctx context.Context, cmd SetStatusCommand) (Order, error) {
	if !isKnownStatus(cmd.Target) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Target)
	}
	if cmd.Target == domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: orders cannot return to pending", ErrOrderInvalidInput)
	}

	// Lookups by number are queries, so the document ID is resolved first and
	// the authoritative read happens inside the transaction below.
	resolved, err := s.resolveOrder(ctx, cmd.Ref)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	var (
		order Order
		prev  domain.OrderStatus
		noop  bool
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, resolved.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if err := s.authorizeTransition(current, cmd.Target, cmd.Actor); err != nil {
			return err
		}
		if current.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: order already cancelled", ErrOrderInvalidState)
		}
		if current.Status == cmd.Target {
			order = current
			noop = true
			return nil
		}

		prev = current.Status
		if err := applyStatusTransition(&current, cmd.Target, cmd.Actor, sanitizeFreeText(cmd.Note), now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if noop {
		return order, nil
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderNumber": order.OrderNumber,
		"from":        string(prev),
		"to":          string(order.Status),
		"actor":       cmd.Actor.ID,
		"role":        string(cmd.Actor.Role),
	})

	s.publishEvent(ctx, statusEvent(order, now))
	return order, nil
}

// authorizeTransition enforces who may move an order into the target status.
// Staff may perform any transition; customers may only cancel their own
// orders while they are still pre-dispatch.
func (s *orderService) authorizeTransition(order Order, target domain.OrderStatus, actor Actor) error {
	if actor.IsStaff() {
		return nil
	}
	if target != domain.OrderStatusCancelled {
		return fmt.Errorf("%w: status updates require an operator role", ErrOrderForbidden)
	}
	if order.UserID != actor.ID {
		return fmt.Errorf("%w: order belongs to another user", ErrOrderForbidden)
	}
	if !slices.Contains(customerCancellableStatuses, order.Status) {
		return fmt.Errorf("%w: order already %s", ErrOrderInvalidState, order.Status)
	}
	return nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	resolved, err := s.resolveOrder(ctx, cmd.Ref)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	reason := sanitizeFreeText(cmd.Reason)

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, resolved.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if current.UserID != cmd.Actor.ID {
			return fmt.Errorf("%w: only the order owner may cancel", ErrOrderForbidden)
		}
		if !slices.Contains(customerCancellableStatuses, current.Status) {
			return fmt.Errorf("%w: order already %s", ErrOrderInvalidState, current.Status)
		}

		current.CancelReason = optionalString(reason)
		if err := applyStatusTransition(&current, domain.OrderStatusCancelled, cmd.Actor, reason, now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, statusEvent(order, now))
	return order, nil
}

func (s *orderService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error) {
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	gatewayPaymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	if gatewayOrderID == "" || gatewayPaymentID == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: gateway order and payment ids are required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Signature) == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: signature is required", ErrOrderInvalidInput)
	}

	snapshot, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return VerifyPaymentResult{}, s.mapRepositoryError(err)
	}

	// Ownership is checked before the signature so a stolen callback cannot
	// fish for other users' orders.
	if snapshot.UserID != cmd.Actor.ID {
		return VerifyPaymentResult{}, fmt.Errorf("%w: order belongs to another user", ErrOrderForbidden)
	}
	if snapshot.Payment.Method != domain.PaymentMethodOnline {
		return VerifyPaymentResult{}, fmt.Errorf("%w: order is not an online payment", ErrOrderInvalidInput)
	}

	now := s.now()

	if snapshot.Payment.Status == domain.PaymentStatusDone {
		s.publishEvent(ctx, statusEvent(snapshot, now))
		return VerifyPaymentResult{Order: snapshot, AlreadyVerified: true}, nil
	}

	if s.gatewaySecret == nil {
		return VerifyPaymentResult{}, errors.New("order service: gateway secret not configured")
	}
	secret, err := s.gatewaySecret(ctx)
	if err != nil {
		return VerifyPaymentResult{}, fmt.Errorf("order service: resolve gateway secret: %w", err)
	}

	if !payments.VerifySignature(secret, gatewayOrderID, gatewayPaymentID, strings.TrimSpace(cmd.Signature)) {
		return VerifyPaymentResult{}, fmt.Errorf("%w: order %s", ErrSignatureMismatch, snapshot.OrderNumber)
	}

	var (
		order           Order
		alreadyVerified bool
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, snapshot.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		// A concurrent callback may have settled the payment between the
		// snapshot read and this transaction.
		if current.Payment.Status == domain.PaymentStatusDone {
			order = current
			alreadyVerified = true
			return nil
		}

		current.Payment.Status = domain.PaymentStatusDone
		current.Payment.GatewayPaymentID = valuePtr(gatewayPaymentID)
		current.Payment.PaidAt = &now
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return VerifyPaymentResult{}, err
	}

	s.publishEvent(ctx, statusEvent(order, now))
	return VerifyPaymentResult{Order: order, AlreadyVerified: alreadyVerified}, nil
}

func (s *orderService) resolveOrder(ctx context.Context, ref OrderRef) (Order, error) {
	switch {
	case strings.TrimSpace(ref.DocID) != "":
		order, err := s.orders.FindByID(ctx, strings.TrimSpace(ref.DocID))
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		return order, nil
	case strings.TrimSpace(ref.Number) != "":
		order, err := s.orders.FindByNumber(ctx, strings.TrimSpace(ref.Number))
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		return order, nil
	default:
		return Order{}, fmt.Errorf("%w: order reference is required", ErrOrderInvalidInput)
	}
}

func (s *orderService) resolveAddress(ctx context.Context, userID, addressID string) (Address, error) {
	addressID = strings.TrimSpace(addressID)
	if addressID == "" {
		return Address{}, fmt.Errorf("%w: delivery address is required", ErrOrderInvalidInput)
	}

	address, err := s.addresses.Get(ctx, userID, addressID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Address{}, fmt.Errorf("%w: delivery address %s not found", ErrOrderInvalidInput, addressID)
		}
		return Address{}, s.mapRepositoryError(err)
	}

	// Snapshot: the order keeps this copy even if the address book changes later.
	address.Recipient = sanitizeFreeText(address.Recipient)
	address.Label = sanitizeFreeText(address.Label)
	return address, nil
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	return fmt.Sprintf("GB-%s-%06d", now.Format("20060102"), seq), nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// publishEvent is best effort: delivery failure is logged and never surfaced to
// the caller.
func (s *orderService) publishEvent(ctx context.Context, event domain.OrderEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  string(event.Type),
			"order": event.OrderNumber,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func applyStatusTransition(order *Order, target domain.OrderStatus, actor Actor, note string, now time.Time) error {
	current := order.Status

	if !canTransition(current, target) {
		return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current, target)
	}

	order.Status = target
	order.UpdatedAt = now
	order.StatusHistory = append(order.StatusHistory, newStatusChange(target, actor, note, now))

	switch target {
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}

	return nil
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func isKnownStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	default:
		return false
	}
}

func newStatusChange(status domain.OrderStatus, actor Actor, note string, now time.Time) StatusChange {
	change := StatusChange{
		Status:    status,
		Note:      note,
		ChangedAt: now,
	}
	if id := strings.TrimSpace(actor.ID); id != "" {
		change.ChangedBy = valuePtr(id)
	}
	if actor.Role != "" {
		change.ActorRole = valuePtr(actor.Role)
	}
	return change
}

func statusEvent(order Order, now time.Time) domain.OrderEvent {
	eventType := domain.OrderEventStatus
	if order.Status == domain.OrderStatusCancelled {
		eventType = domain.OrderEventCancelled
	}
	return domain.OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.Payment.Status,
		Order:         &order,
		OccurredAt:    now,
	}
}

func buildContact(contact *domain.OrderContact) *domain.OrderContact {
	if contact == nil {
		return nil
	}
	cloned := domain.OrderContact{
		Name:  sanitizeFreeText(contact.Name),
		Phone: strings.TrimSpace(contact.Phone),
		Email: strings.TrimSpace(contact.Email),
	}
	return &cloned
}

func cloneSlot(slot *DeliverySlot) *DeliverySlot {
	if slot == nil {
		return nil
	}
	cloned := DeliverySlot{
		Date:  strings.TrimSpace(slot.Date),
		Label: sanitizeFreeText(slot.Label),
	}
	return &cloned
}

// sanitizeFreeText strips markup from user-supplied text and normalizes it to NFC.
func sanitizeFreeText(value string) string {
	return strings.TrimSpace(norm.NFC.String(freeTextPolicy.Sanitize(value)))
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
