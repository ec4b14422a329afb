package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const couponsCollection = "coupons"

// Coupon documents are keyed by their upper-cased code.
type couponDocument struct {
	Type          string     `firestore:"type"`
	Value         float64    `firestore:"value"`
	MinOrderValue float64    `firestore:"minOrderValue,omitempty"`
	MaxDiscount   *float64   `firestore:"maxDiscount,omitempty"`
	Active        bool       `firestore:"active"`
	ExpiresAt     *time.Time `firestore:"expiresAt,omitempty"`
}

// CouponRepository looks up discount rules in Firestore.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil),
	}, nil
}

// FindByCode fetches the coupon by code, case-insensitively.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	doc, err := r.base.Get(ctx, normalized)
	if err != nil {
		return domain.Coupon{}, err
	}

	coupon := domain.Coupon{
		Code:          doc.ID,
		Type:          domain.CouponType(doc.Data.Type),
		Value:         doc.Data.Value,
		MinOrderValue: doc.Data.MinOrderValue,
		MaxDiscount:   doc.Data.MaxDiscount,
		Active:        doc.Data.Active,
	}
	if doc.Data.ExpiresAt != nil {
		expires := doc.Data.ExpiresAt.UTC()
		coupon.ExpiresAt = &expires
	}
	return coupon, nil
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
