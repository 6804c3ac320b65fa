package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ListingView decorates a Listing with advisory staleness metadata.
type ListingView struct {
	Listing
	AgeDays int  `json:"age_days"`
	Stale   bool `json:"stale"`
}

// ProductView is a dashboard row: the product with its current listings, its
// price history series and the metrics derived from them.
type ProductView struct {
	Product
	Listings       []ListingView    `json:"listings"`
	History        []HistoryEntry   `json:"history"`
	BestPrice      *decimal.Decimal `json:"best_price,omitempty"`
	WorstPrice     *decimal.Decimal `json:"worst_price,omitempty"`
	MarketSavings  decimal.Decimal  `json:"market_savings"`
	TargetMet      bool             `json:"target_met"`
	VoucherSavings *decimal.Decimal `json:"voucher_savings,omitempty"`
}

// Summary aggregates spend and savings across all products.
type Summary struct {
	TotalSpend     decimal.Decimal `json:"total_spend"`
	MarketSavings  decimal.Decimal `json:"market_savings"`
	VoucherSavings decimal.Decimal `json:"voucher_savings"`
	Watching       int             `json:"watching"`
	Bought         int             `json:"bought"`
}

// BestWorst returns the minimum and maximum price across listings.
// ok is false when there are no listings.
func BestWorst(listings []Listing) (best, worst decimal.Decimal, ok bool) {
	for i, l := range listings {
		if i == 0 {
			best, worst = l.Price, l.Price
			continue
		}
		if l.Price.LessThan(best) {
			best = l.Price
		}
		if l.Price.GreaterThan(worst) {
			worst = l.Price
		}
	}
	return best, worst, len(listings) > 0
}

// MarketSavings is the spread worst - best across current listings.
// Zero with fewer than two listings.
func MarketSavings(listings []Listing) decimal.Decimal {
	best, worst, ok := BestWorst(listings)
	if !ok {
		return decimal.Zero
	}
	return worst.Sub(best)
}

// TargetMet reports whether the best current price is at or below a positive target.
func TargetMet(target *decimal.Decimal, listings []Listing) bool {
	if target == nil || !target.IsPositive() {
		return false
	}
	best, _, ok := BestWorst(listings)
	return ok && best.LessThanOrEqual(*target)
}

// AgeDays is the number of whole calendar days between observedOn and now.
func AgeDays(observedOn, now time.Time) int {
	from := DateOnly(observedOn.UTC())
	to := DateOnly(now.UTC())
	days := int(math.Round(to.Sub(from).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

// IsStale reports whether a listing observed on observedOn is older than staleAfterDays.
func IsStale(observedOn, now time.Time, staleAfterDays int) bool {
	return AgeDays(observedOn, now) > staleAfterDays
}

// VoucherSavings is reference - finalPaid, floored at zero.
func VoucherSavings(reference, finalPaid decimal.Decimal) decimal.Decimal {
	diff := reference.Sub(finalPaid)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

// TotalSpend sums final paid plus shipping fee over bought products.
func TotalSpend(products []Product) decimal.Decimal {
	total := decimal.Zero
	for _, p := range products {
		if p.State != StateBought || p.FinalPaid == nil {
			continue
		}
		total = total.Add(*p.FinalPaid)
		if p.ShippingFee != nil {
			total = total.Add(*p.ShippingFee)
		}
	}
	return total
}

// NewProductView derives the dashboard metrics for p.
func NewProductView(p Product, listings []Listing, history []HistoryEntry, now time.Time, staleAfterDays int) ProductView {
	view := ProductView{
		Product:       p,
		Listings:      make([]ListingView, 0, len(listings)),
		History:       history,
		MarketSavings: MarketSavings(listings),
		TargetMet:     TargetMet(p.TargetPrice, listings),
	}
	if view.History == nil {
		view.History = []HistoryEntry{}
	}
	for _, l := range listings {
		view.Listings = append(view.Listings, ListingView{
			Listing: l,
			AgeDays: AgeDays(l.ObservedOn, now),
			Stale:   IsStale(l.ObservedOn, now, staleAfterDays),
		})
	}
	if best, worst, ok := BestWorst(listings); ok {
		view.BestPrice = &best
		view.WorstPrice = &worst
	}

	// Listings recorded after the purchase never serve as the reference.
	if p.State == StateBought && p.FinalPaid != nil && p.PriceAtPurchase != nil {
		savings := VoucherSavings(*p.PriceAtPurchase, *p.FinalPaid)
		view.VoucherSavings = &savings
	}
	return view
}

// Summarize aggregates total spend, market savings of watched products and
// voucher savings of bought products.
func Summarize(views []ProductView) Summary {
	s := Summary{
		TotalSpend:     decimal.Zero,
		MarketSavings:  decimal.Zero,
		VoucherSavings: decimal.Zero,
	}
	products := make([]Product, 0, len(views))
	for _, v := range views {
		products = append(products, v.Product)
		switch v.State {
		case StateBought:
			s.Bought++
			if v.VoucherSavings != nil {
				s.VoucherSavings = s.VoucherSavings.Add(*v.VoucherSavings)
			}
		default:
			s.Watching++
			s.MarketSavings = s.MarketSavings.Add(v.MarketSavings)
		}
	}
	s.TotalSpend = TotalSpend(products)
	return s
}
