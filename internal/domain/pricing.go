package domain

// PricingBreakdown captures the aggregated monetary results of pricing a basket.
type PricingBreakdown struct {
	ItemsTotal  float64
	DeliveryFee float64
	Tax         float64
	Discount    float64
	GrandTotal  float64
	CouponCode  *string
	Items       []ItemPricingBreakdown
}

// ItemPricingBreakdown stores the per-item pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	ProductID string
	UnitPrice float64
	Quantity  int
	Subtotal  float64
}
