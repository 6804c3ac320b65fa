package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"price-tracker-service/internal/domain"
	"price-tracker-service/internal/extract"
	"price-tracker-service/internal/resolve"
	"price-tracker-service/internal/store"

	"github.com/shopspring/decimal"
)

// DefaultStaleAfterDays is the listing age past which a listing is flagged stale.
const DefaultStaleAfterDays = 7

// ErrInvalidInput is returned when a request fails validation before touching storage.
var ErrInvalidInput = errors.New("ledger: invalid input")

// Store is the storage capability the ledger depends on.
type Store interface {
	store.ProductStorer
	store.LedgerStorer
}

// Config holds configuration for the ledger service.
type Config struct {
	StaleAfterDays int
	// Now is the clock used for observation dates and listing ages. Defaults to time.Now.
	Now func() time.Time
}

// Service records observations and derives dashboard metrics.
type Service struct {
	store      Store
	collector  *extract.Collector
	resolver   *resolve.Service
	staleAfter int
	now        func() time.Time
	logger     *log.Logger
}

// NewService creates a ledger Service.
func NewService(st Store, collector *extract.Collector, resolver *resolve.Service, cfg Config, logger *log.Logger) *Service {
	if cfg.StaleAfterDays <= 0 {
		cfg.StaleAfterDays = DefaultStaleAfterDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:      st,
		collector:  collector,
		resolver:   resolver,
		staleAfter: cfg.StaleAfterDays,
		now:        cfg.Now,
		logger:     logger,
	}
}

// StaleAfterDays returns the staleness threshold in use.
func (s *Service) StaleAfterDays() int { return s.staleAfter }

// CreateProduct adds a watching product explicitly, without observations.
func (s *Service) CreateProduct(ctx context.Context, p *domain.Product) (*domain.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	if p.TargetPrice != nil && p.TargetPrice.IsNegative() {
		return nil, fmt.Errorf("%w: target price must not be negative", ErrInvalidInput)
	}
	return s.store.CreateProduct(ctx, p)
}

// RecordObservation upserts the listing for (productID, obs.ShopName) and
// appends a history entry. A zero ObservedOn means today.
func (s *Service) RecordObservation(ctx context.Context, productID int64, obs domain.Observation) (*domain.Listing, *domain.HistoryEntry, error) {
	if !obs.Price.IsPositive() {
		return nil, nil, fmt.Errorf("%w: price must be greater than zero", ErrInvalidInput)
	}
	if strings.TrimSpace(obs.ShopName) == "" {
		return nil, nil, fmt.Errorf("%w: shop name is required", ErrInvalidInput)
	}
	if obs.ObservedOn.IsZero() {
		obs.ObservedOn = s.today()
	}
	return s.store.RecordObservation(ctx, productID, obs)
}

// MarkBought transitions a product to bought. Calling it again overwrites the
// paid figures.
func (s *Service) MarkBought(ctx context.Context, productID int64, finalPaid, shippingFee decimal.Decimal) (*domain.ProductView, error) {
	if finalPaid.IsNegative() || shippingFee.IsNegative() {
		return nil, fmt.Errorf("%w: final paid and shipping fee must not be negative", ErrInvalidInput)
	}
	p, err := s.store.MarkBought(ctx, productID, finalPaid, shippingFee)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("INFO: ledger: product %d marked bought for %s + %s shipping", p.ID, finalPaid, shippingFee)
	views, err := s.views(ctx, []domain.Product{*p})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// DeleteProduct removes a product with its listings and history.
func (s *Service) DeleteProduct(ctx context.Context, productID int64) error {
	return s.store.DeleteProduct(ctx, productID)
}

// Product returns the dashboard view of one product.
func (s *Service) Product(ctx context.Context, productID int64) (*domain.ProductView, error) {
	p, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	views, err := s.views(ctx, []domain.Product{*p})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// Dashboard lists the products matching filter with their current listings,
// history series and derived metrics.
func (s *Service) Dashboard(ctx context.Context, filter store.ProductFilter) ([]domain.ProductView, error) {
	if filter.State != nil && !filter.State.Valid() {
		return nil, fmt.Errorf("%w: unknown purchase state %q", ErrInvalidInput, *filter.State)
	}
	products, err := s.store.ListProducts(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, products)
}

// Summary aggregates total spend, market savings and voucher savings over all products.
func (s *Service) Summary(ctx context.Context) (domain.Summary, error) {
	views, err := s.Dashboard(ctx, store.ProductFilter{})
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.Summarize(views), nil
}

func (s *Service) views(ctx context.Context, products []domain.Product) ([]domain.ProductView, error) {
	views := make([]domain.ProductView, 0, len(products))
	if len(products) == 0 {
		return views, nil
	}
	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}

	listings, err := s.store.ListListings(ctx, ids)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListHistory(ctx, ids)
	if err != nil {
		return nil, err
	}

	listingsByProduct := make(map[int64][]domain.Listing, len(products))
	for _, l := range listings {
		listingsByProduct[l.ProductID] = append(listingsByProduct[l.ProductID], l)
	}
	historyByProduct := make(map[int64][]domain.HistoryEntry, len(products))
	for _, h := range history {
		historyByProduct[h.ProductID] = append(historyByProduct[h.ProductID], h)
	}

	now := s.now()
	for _, p := range products {
		views = append(views, domain.NewProductView(p, listingsByProduct[p.ID], historyByProduct[p.ID], now, s.staleAfter))
	}
	return views, nil
}

func (s *Service) today() time.Time {
	return domain.DateOnly(s.now().UTC())
}

// TrackRequest is one submission of a product and the pages it is sold on.
type TrackRequest struct {
	Name        string
	Description *string
	CategoryID  *int64
	TargetPrice *decimal.Decimal
	Sources     []extract.Source
	// ManualPrice is recorded when no source yields a price.
	ManualPrice *decimal.Decimal
	// ProductID attaches the observations to this product, skipping resolution.
	ProductID *int64
	// ForceNew skips resolution and always takes the create path.
	ForceNew bool
}

// TrackResult reports what a Track call did.
type TrackResult struct {
	Product    *domain.Product          `json:"product"`
	Created    bool                     `json:"created"`
	Suggestion *resolve.Suggestion      `json:"suggestion,omitempty"`
	Best       extract.PriceObservation `json:"best"`
	Recorded   int                      `json:"recorded"`
	Failures   []string                 `json:"failures,omitempty"`
	Image      string                   `json:"image,omitempty"`
}

// Track collects prices from every source, resolves the product and records
// all observations against it. A new product is created together with its
// first listings in one transaction.
func (s *Service) Track(ctx context.Context, req TrackRequest) (*TrackResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.ProductID == nil && req.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	if req.TargetPrice != nil && req.TargetPrice.IsNegative() {
		return nil, fmt.Errorf("%w: target price must not be negative", ErrInvalidInput)
	}
	if req.ManualPrice != nil && req.ManualPrice.IsNegative() {
		return nil, fmt.Errorf("%w: manual price must not be negative", ErrInvalidInput)
	}

	res, err := s.collector.Collect(ctx, req.Sources, req.ManualPrice)
	if err != nil {
		return nil, fmt.Errorf("ledger: Track: %w", err)
	}

	out := &TrackResult{Image: res.Image}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, f.Error())
	}
	out.Best, _ = res.Best()

	today := s.today()
	observations := make([]domain.Observation, 0, len(res.Observations))
	for _, o := range res.Observations {
		observations = append(observations, domain.Observation{
			ShopName:   o.Shop,
			Price:      o.Price,
			SourceURL:  sourceURL(o.SourceID),
			ObservedOn: today,
		})
	}

	targetID, err := s.resolveTarget(ctx, req, out)
	if err != nil {
		return nil, err
	}

	if targetID == nil {
		product := &domain.Product{
			Name:        req.Name,
			Description: req.Description,
			CategoryID:  req.CategoryID,
			TargetPrice: req.TargetPrice,
		}
		if res.Image != "" {
			img := res.Image
			product.ImageURL = &img
		}
		p, created, err := s.store.CreateProductWithObservations(ctx, product, observations)
		if err != nil {
			return nil, err
		}
		out.Product, out.Created = p, created
	} else {
		for _, obs := range observations {
			if _, _, err := s.store.RecordObservation(ctx, *targetID, obs); err != nil {
				return nil, err
			}
		}
		p, err := s.store.GetProductByID(ctx, *targetID)
		if err != nil {
			return nil, err
		}
		out.Product = p
	}
	out.Recorded = len(observations)

	if res.Image != "" && (out.Product.ImageURL == nil || *out.Product.ImageURL == "") {
		if err := s.store.BackfillImage(ctx, out.Product.ID, res.Image); err != nil {
			s.logger.Printf("WARN: ledger: image backfill for product %d failed: %v", out.Product.ID, err)
		} else {
			img := res.Image
			out.Product.ImageURL = &img
		}
	}

	s.logger.Printf("INFO: ledger: tracked product %d (%q): %d observation(s), %d failure(s), created=%t",
		out.Product.ID, out.Product.Name, out.Recorded, len(out.Failures), out.Created)
	return out, nil
}

// resolveTarget returns the id of the existing product to record against, or
// nil for the create path.
func (s *Service) resolveTarget(ctx context.Context, req TrackRequest, out *TrackResult) (*int64, error) {
	if req.ProductID != nil {
		return req.ProductID, nil
	}
	if req.ForceNew {
		return nil, nil
	}
	suggestion, err := s.resolver.Suggest(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	out.Suggestion = &suggestion
	if suggestion.IsNew {
		return nil, nil
	}
	return suggestion.ProductID, nil
}

// sourceURL keeps source ids that are web addresses; other ids are opaque.
func sourceURL(sourceID string) string {
	u, err := url.Parse(sourceID)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return sourceID
}
