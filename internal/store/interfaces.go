package store

import (
	"context"

	"price-tracker-service/internal/domain"

	"github.com/shopspring/decimal"
)

// CategoryStorer defines the database operations for categories.
type CategoryStorer interface {
	CreateCategory(ctx context.Context, name string) (*domain.Category, error) // Insert-if-absent
	ListCategories(ctx context.Context) ([]domain.Category, error)
	DeleteCategory(ctx context.Context, id int64) error // Rejected while referenced
}

// ProductFilter holds dashboard filters. Nil fields do not filter.
type ProductFilter struct {
	CategoryID  *int64
	SearchQuery *string // Matches name or description
	State       *domain.PurchaseState
}

// ProductStorer defines the database operations for products.
type ProductStorer interface {
	CreateProduct(ctx context.Context, product *domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]domain.Product, error)
	ListWatchingProducts(ctx context.Context) ([]domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error // Cascades listings and history
	MarkBought(ctx context.Context, id int64, finalPaid, shippingFee decimal.Decimal) (*domain.Product, error)
	BackfillImage(ctx context.Context, id int64, imageURL string) error
}

// LedgerStorer defines the listing/history operations. Every recorded
// observation upserts its listing and appends its history entry atomically.
type LedgerStorer interface {
	RecordObservation(ctx context.Context, productID int64, obs domain.Observation) (*domain.Listing, *domain.HistoryEntry, error)
	// CreateProductWithObservations creates the product unless a watching product
	// with the same normalized name exists, then records obs against whichever
	// product won, all in one transaction. created reports which path was taken.
	CreateProductWithObservations(ctx context.Context, product *domain.Product, obs []domain.Observation) (result *domain.Product, created bool, err error)
	ListListings(ctx context.Context, productIDs []int64) ([]domain.Listing, error)
	ListHistory(ctx context.Context, productIDs []int64) ([]domain.HistoryEntry, error)
}
