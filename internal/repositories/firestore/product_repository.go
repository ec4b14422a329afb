package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name      string  `firestore:"name"`
	Unit      string  `firestore:"unit,omitempty"`
	ImageURL  string  `firestore:"imageUrl,omitempty"`
	Price     float64 `firestore:"price"`
	Available bool    `firestore:"available"`
}

// ProductRepository reads the catalog projection used to price basket items.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil),
	}, nil
}

// FindByID fetches a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (repositories.Product, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return repositories.Product{}, err
	}
	return doc.Data.toProduct(doc.ID), nil
}

// FindByIDs batch-fetches products; unknown IDs are simply absent from the result.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]repositories.Product, error) {
	results := make(map[string]repositories.Product, len(productIDs))
	if len(productIDs) == 0 {
		return results, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}
	if len(refs) == 0 {
		return results, nil
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return results, nil
		}
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("products.findByIds", err)
		}
		results[snap.Ref.ID] = doc.toProduct(snap.Ref.ID)
	}
	return results, nil
}

func (d productDocument) toProduct(id string) repositories.Product {
	return repositories.Product{
		ID:        id,
		Name:      d.Name,
		Unit:      d.Unit,
		ImageURL:  d.ImageURL,
		Price:     d.Price,
		Available: d.Available,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
