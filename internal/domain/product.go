package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseState is the lifecycle state of a tracked product.
type PurchaseState string

const (
	StateWatching PurchaseState = "watching"
	StateBought   PurchaseState = "bought"
)

// Valid reports whether s is one of the known purchase states.
func (s PurchaseState) Valid() bool {
	return s == StateWatching || s == StateBought
}

// PlaceholderImage is shown by clients for products without a representative image.
const PlaceholderImage = "https://via.placeholder.com/150"

// Category is a user-defined label. Names are unique.
type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a canonical tracked good.
// The json tags correspond to the fields expected in API responses/requests.
type Product struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description *string          `json:"description,omitempty"` // Pointer for nullable fields
	CategoryID  *int64           `json:"category_id,omitempty"`
	ImageURL    *string          `json:"image_url,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"` // nil means no goal
	State       PurchaseState    `json:"purchase_state"`
	// Set only once State is StateBought.
	FinalPaid       *decimal.Decimal `json:"final_paid,omitempty"`
	ShippingFee     *decimal.Decimal `json:"shipping_fee,omitempty"`
	PriceAtPurchase *decimal.Decimal `json:"price_at_purchase,omitempty"` // lowest listing when first marked bought
	BoughtAt        *time.Time       `json:"bought_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Listing is the current known price of a product at one shop.
// There is at most one Listing per (ProductID, ShopName).
type Listing struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	ShopName   string          `json:"shop_name"`
	Price      decimal.Decimal `json:"price"`
	SourceURL  string          `json:"source_url"`
	ObservedOn time.Time       `json:"observed_on"`
}

// HistoryEntry is an immutable record of one price observation.
type HistoryEntry struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	ShopName   string          `json:"shop_name"`
	Price      decimal.Decimal `json:"price"`
	ObservedOn time.Time       `json:"observed_on"`
}

// Observation is one (shop, price, source, date) tuple to be recorded against a product.
type Observation struct {
	ShopName   string
	Price      decimal.Decimal
	SourceURL  string
	ObservedOn time.Time
}

// NameKey normalizes a product name for uniqueness checks:
// lower-cased with internal whitespace collapsed.
func NameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// DateOnly truncates t to its calendar day in t's location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
