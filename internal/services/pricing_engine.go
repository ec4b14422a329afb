package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

var (
	// ErrPricingInvalidInput signals bad basket data such as missing items or a non-positive total.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCouponRejected is returned when a submitted coupon code cannot be applied.
	ErrPricingCouponRejected = errors.New("pricing: coupon rejected")
)

// BasketPricingEngine sanitizes raw cart lines and computes the authoritative
// pricing breakdown. Client-submitted totals are advisory: the subtotal is always
// recomputed from the surviving lines and the coupon discount is re-derived from
// the coupon code.
type BasketPricingEngine struct {
	products repositories.ProductRepository
	coupons  repositories.CouponRepository

	deliveryFee      float64
	freeDeliveryOver float64
	couponsEnabled   bool

	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// BasketPricingEngineDeps bundles collaborators for the pricing engine.
type BasketPricingEngineDeps struct {
	Products         repositories.ProductRepository
	Coupons          repositories.CouponRepository
	DeliveryFee      float64
	FreeDeliveryOver float64
	CouponsEnabled   bool
	Now              func() time.Time
	Logger           func(context.Context, string, map[string]any)
}

// NewBasketPricingEngine validates deps and constructs the engine.
func NewBasketPricingEngine(deps BasketPricingEngineDeps) (*BasketPricingEngine, error) {
	if deps.DeliveryFee < 0 {
		return nil, errors.New("pricing engine: delivery fee cannot be negative")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &BasketPricingEngine{
		products:         deps.Products,
		coupons:          deps.Coupons,
		deliveryFee:      deps.DeliveryFee,
		freeDeliveryOver: deps.FreeDeliveryOver,
		couponsEnabled:   deps.CouponsEnabled,
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

// PriceBasketCommand carries the raw basket and advisory pricing hints.
type PriceBasketCommand struct {
	Items      []BasketItemInput
	Hints      PricingHints
	CouponCode *string
}

// PriceBasketResult is the sanitized basket plus the authoritative breakdown.
type PriceBasketResult struct {
	Lines     []LineItem
	Breakdown PricingBreakdown
}

// Price sanitizes the basket lines and computes the breakdown. Pure apart from
// catalog and coupon lookups.
func (e *BasketPricingEngine) Price(ctx context.Context, cmd PriceBasketCommand) (PriceBasketResult, error) {
	if len(cmd.Items) == 0 {
		return PriceBasketResult{}, fmt.Errorf("%w: items required", ErrPricingInvalidInput)
	}

	catalog, err := e.lookupCatalog(ctx, cmd.Items)
	if err != nil {
		return PriceBasketResult{}, err
	}

	lines := make([]LineItem, 0, len(cmd.Items))
	var dropped int
	for _, item := range cmd.Items {
		line, ok := e.sanitizeItem(ctx, item, catalog)
		if !ok {
			dropped++
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return PriceBasketResult{}, fmt.Errorf("%w: no valid items", ErrPricingInvalidInput)
	}
	if dropped > 0 {
		e.logger(ctx, "pricing.items.dropped", map[string]any{"dropped": dropped, "kept": len(lines)})
	}

	var itemsTotal float64
	breakdownItems := make([]ItemPricingBreakdown, 0, len(lines))
	for _, line := range lines {
		itemsTotal += line.Subtotal
		breakdownItems = append(breakdownItems, ItemPricingBreakdown{
			ProductID: line.ProductID,
			UnitPrice: line.Price,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}
	itemsTotal = roundRupees(itemsTotal)
	if !isFinitePositive(itemsTotal) {
		return PriceBasketResult{}, fmt.Errorf("%w: items total must be a positive amount", ErrPricingInvalidInput)
	}

	deliveryFee := e.resolveDeliveryFee(cmd.Hints.DeliveryFee, itemsTotal)
	tax := clampNonNegative(cmd.Hints.Tax)

	discount, couponCode, err := e.resolveDiscount(ctx, cmd, itemsTotal)
	if err != nil {
		return PriceBasketResult{}, err
	}

	grandTotal := roundRupees(itemsTotal + deliveryFee + tax - discount)
	if !isFinitePositive(grandTotal) {
		return PriceBasketResult{}, fmt.Errorf("%w: grand total must be positive, got %.2f", ErrPricingInvalidInput, grandTotal)
	}

	return PriceBasketResult{
		Lines: lines,
		Breakdown: PricingBreakdown{
			ItemsTotal:  itemsTotal,
			DeliveryFee: deliveryFee,
			Tax:         tax,
			Discount:    discount,
			GrandTotal:  grandTotal,
			CouponCode:  couponCode,
			Items:       breakdownItems,
		},
	}, nil
}

func (e *BasketPricingEngine) lookupCatalog(ctx context.Context, items []BasketItemInput) (map[string]repositories.Product, error) {
	if e.products == nil {
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	catalog, err := e.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("pricing: catalog lookup: %w", err)
	}
	return catalog, nil
}

// sanitizeItem normalizes one raw line. Catalog data wins over client-submitted
// price and naming when the product is known; unknown products keep the client
// values so a lagging catalog does not block checkout.
func (e *BasketPricingEngine) sanitizeItem(ctx context.Context, item BasketItemInput, catalog map[string]repositories.Product) (LineItem, bool) {
	productID := strings.TrimSpace(item.ProductID)
	name := strings.TrimSpace(item.Name)
	price := item.Price
	unit := strings.TrimSpace(item.Unit)
	image := strings.TrimSpace(item.ImageURL)

	if product, ok := catalog[productID]; ok {
		if !product.Available {
			e.logger(ctx, "pricing.item.unavailable", map[string]any{"productId": productID})
			return LineItem{}, false
		}
		price = product.Price
		name = product.Name
		unit = product.Unit
		image = product.ImageURL
	}

	if productID == "" || name == "" {
		return LineItem{}, false
	}
	if item.Quantity <= 0 {
		return LineItem{}, false
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return LineItem{}, false
	}

	return LineItem{
		ProductID: productID,
		Name:      name,
		Unit:      unit,
		ImageURL:  image,
		Price:     price,
		Quantity:  item.Quantity,
		Subtotal:  roundRupees(price * float64(item.Quantity)),
	}, true
}

func (e *BasketPricingEngine) resolveDeliveryFee(hint *float64, itemsTotal float64) float64 {
	if hint != nil {
		return clampNonNegative(hint)
	}
	if e.freeDeliveryOver > 0 && itemsTotal >= e.freeDeliveryOver {
		return 0
	}
	return e.deliveryFee
}

// resolveDiscount re-derives the discount server-side when a coupon code is
// present; the client-submitted discount hint applies only without a code.
func (e *BasketPricingEngine) resolveDiscount(ctx context.Context, cmd PriceBasketCommand, itemsTotal float64) (float64, *string, error) {
	code := ""
	if cmd.CouponCode != nil {
		code = strings.ToUpper(strings.TrimSpace(*cmd.CouponCode))
	}
	if code == "" {
		return clampNonNegative(cmd.Hints.CouponDiscount), nil, nil
	}

	if !e.couponsEnabled || e.coupons == nil {
		return 0, nil, fmt.Errorf("%w: coupons are not accepted", ErrPricingCouponRejected)
	}

	coupon, err := e.coupons.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil, fmt.Errorf("%w: unknown coupon %s", ErrPricingCouponRejected, code)
		}
		return 0, nil, fmt.Errorf("pricing: coupon lookup: %w", err)
	}

	now := e.now()
	if !coupon.Active {
		return 0, nil, fmt.Errorf("%w: coupon %s is inactive", ErrPricingCouponRejected, code)
	}
	if coupon.ExpiresAt != nil && coupon.ExpiresAt.Before(now) {
		return 0, nil, fmt.Errorf("%w: coupon %s has expired", ErrPricingCouponRejected, code)
	}
	if coupon.MinOrderValue > 0 && itemsTotal < coupon.MinOrderValue {
		return 0, nil, fmt.Errorf("%w: order below coupon minimum of %.2f", ErrPricingCouponRejected, coupon.MinOrderValue)
	}

	var discount float64
	switch coupon.Type {
	case domain.CouponTypePercent:
		discount = itemsTotal * coupon.Value / 100
		if coupon.MaxDiscount != nil && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
	case domain.CouponTypeFlat:
		discount = coupon.Value
	default:
		return 0, nil, fmt.Errorf("%w: coupon %s has unsupported type %q", ErrPricingCouponRejected, code, coupon.Type)
	}

	if discount < 0 {
		discount = 0
	}
	if discount > itemsTotal {
		discount = itemsTotal
	}
	return roundRupees(discount), &code, nil
}

func clampNonNegative(value *float64) float64 {
	if value == nil {
		return 0
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return roundRupees(v)
}

func roundRupees(amount float64) float64 {
	return math.Round(amount*100) / 100
}

func isFinitePositive(amount float64) bool {
	return !math.IsNaN(amount) && !math.IsInf(amount, 0) && amount > 0
}
