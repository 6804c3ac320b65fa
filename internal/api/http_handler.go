package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"price-tracker-service/internal/domain"
	"price-tracker-service/internal/extract"
	"price-tracker-service/internal/ledger"
	"price-tracker-service/internal/resolve"
	"price-tracker-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// LedgerService is the ledger capability the HTTP layer depends on.
type LedgerService interface {
	CreateProduct(ctx context.Context, p *domain.Product) (*domain.Product, error)
	Product(ctx context.Context, productID int64) (*domain.ProductView, error)
	Dashboard(ctx context.Context, filter store.ProductFilter) ([]domain.ProductView, error)
	DeleteProduct(ctx context.Context, productID int64) error
	RecordObservation(ctx context.Context, productID int64, obs domain.Observation) (*domain.Listing, *domain.HistoryEntry, error)
	MarkBought(ctx context.Context, productID int64, finalPaid, shippingFee decimal.Decimal) (*domain.ProductView, error)
	Summary(ctx context.Context) (domain.Summary, error)
	Track(ctx context.Context, req ledger.TrackRequest) (*ledger.TrackResult, error)
}

// NameResolver suggests which product an observed name belongs to.
type NameResolver interface {
	Suggest(ctx context.Context, observed string) (resolve.Suggestion, error)
	SuggestAmong(observed string, candidates []resolve.Candidate) resolve.Suggestion
}

// SourceCollector extracts observations from raw page content.
type SourceCollector interface {
	Collect(ctx context.Context, sources []extract.Source, manualFallback *decimal.Decimal) (extract.Result, error)
}

// HTTPHandler holds dependencies for HTTP handlers.
type HTTPHandler struct {
	categoryStore store.CategoryStorer
	ledger        LedgerService
	resolver      NameResolver
	collector     SourceCollector
	validate      *validator.Validate
}

// NewHTTPHandler creates a new HTTPHandler with dependencies.
func NewHTTPHandler(cs store.CategoryStorer, l LedgerService, r NameResolver, c SourceCollector) *HTTPHandler {
	return &HTTPHandler{
		categoryStore: cs,
		ledger:        l,
		resolver:      r,
		collector:     c,
		validate:      validator.New(),
	}
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil { // Avoid writing empty body for 204 No Content
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("ERROR: Failed to encode JSON response: %v", err)
		}
	}
}

// respondWithDomainError maps store, ledger and extraction errors to HTTP statuses.
func respondWithDomainError(w http.ResponseWriter, op string, err error) {
	log.Printf("ERROR: %s failed: %v", op, err)
	switch {
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, store.ErrInvalidObservation),
		errors.Is(err, store.ErrInvalidPurchaseData):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrProductNotFound):
		respondWithError(w, http.StatusNotFound, store.ErrProductNotFound.Error())
	case errors.Is(err, store.ErrCategoryNotFound):
		respondWithError(w, http.StatusNotFound, store.ErrCategoryNotFound.Error())
	case errors.Is(err, store.ErrCategoryNameExists),
		errors.Is(err, store.ErrCategoryInUse),
		errors.Is(err, store.ErrProductNameExists):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, extract.ErrNoObservations):
		respondWithError(w, http.StatusUnprocessableEntity, "could not determine a price from any source")
	default:
		respondWithError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, input interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return false
	}
	if err := v.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param, label string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid "+label+" ID format")
		return 0, false
	}
	return id, true
}

// --- Category Handlers ---

// CategoryCreateInput defines the expected input for creating a category.
type CategoryCreateInput struct {
	Name string `json:"name" validate:"required,max=255"` // Max length from DB schema
}

func (h *HTTPHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var input CategoryCreateInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}
	if strings.TrimSpace(input.Name) == "" {
		respondWithError(w, http.StatusBadRequest, "Validation failed: name must not be blank")
		return
	}

	createdCategory, err := h.categoryStore.CreateCategory(r.Context(), input.Name)
	if err != nil {
		respondWithDomainError(w, "create category", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, createdCategory)
}

func (h *HTTPHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.categoryStore.ListCategories(r.Context())
	if err != nil {
		respondWithDomainError(w, "list categories", err)
		return
	}
	if categories == nil {
		categories = []domain.Category{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"data": categories})
}

func (h *HTTPHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, ok := pathID(w, r, "categoryId", "category")
	if !ok {
		return
	}

	if err := h.categoryStore.DeleteCategory(r.Context(), categoryID); err != nil {
		respondWithDomainError(w, "delete category", err)
		return
	}

	respondWithJSON(w, http.StatusNoContent, nil)
}

// --- Product Handlers ---

// ProductCreateInput defines the expected input for creating a product.
type ProductCreateInput struct {
	Name        string           `json:"name" validate:"required,max=255"`
	Description *string          `json:"description" validate:"omitempty"`
	CategoryID  *int64           `json:"category_id" validate:"omitempty,gt=0"`
	ImageURL    *string          `json:"image_url" validate:"omitempty,url,max=2048"`
	TargetPrice *decimal.Decimal `json:"target_price"`
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var input ProductCreateInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}

	product := &domain.Product{
		Name:        input.Name,
		Description: input.Description,
		CategoryID:  input.CategoryID,
		ImageURL:    input.ImageURL,
		TargetPrice: input.TargetPrice,
	}

	createdProduct, err := h.ledger.CreateProduct(r.Context(), product)
	if err != nil {
		if errors.Is(err, store.ErrCategoryNotFound) { // If category_id FK fails
			respondWithError(w, http.StatusBadRequest, "Invalid category_id: category does not exist.")
			return
		}
		respondWithDomainError(w, "create product", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, createdProduct)
}

// ListProducts serves the dashboard: products with listings, history and metrics.
func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	qParams := r.URL.Query()
	var filter store.ProductFilter

	if q := strings.TrimSpace(qParams.Get("q")); q != "" {
		filter.SearchQuery = &q
	}
	if idStr := qParams.Get("category_id"); idStr != "" {
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil && id > 0 {
			filter.CategoryID = &id
		} else {
			respondWithError(w, http.StatusBadRequest, "Invalid category_id format")
			return
		}
	}
	if stateStr := qParams.Get("state"); stateStr != "" {
		state := domain.PurchaseState(strings.ToLower(stateStr))
		if !state.Valid() {
			respondWithError(w, http.StatusBadRequest, "Invalid state value. Allowed: watching, bought")
			return
		}
		filter.State = &state
	}

	views, err := h.ledger.Dashboard(r.Context(), filter)
	if err != nil {
		respondWithDomainError(w, "retrieve products", err)
		return
	}
	if views == nil {
		views = []domain.ProductView{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"data": views})
}

func (h *HTTPHandler) GetProductByID(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId", "product")
	if !ok {
		return
	}

	view, err := h.ledger.Product(r.Context(), productID)
	if err != nil {
		respondWithDomainError(w, "retrieve product", err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId", "product")
	if !ok {
		return
	}

	if err := h.ledger.DeleteProduct(r.Context(), productID); err != nil {
		respondWithDomainError(w, "delete product", err)
		return
	}

	respondWithJSON(w, http.StatusNoContent, nil)
}

// --- Ledger Handlers ---

// ObservationInput defines the expected input for recording an observation.
type ObservationInput struct {
	ShopName   string          `json:"shop_name" validate:"required,max=255"`
	Price      decimal.Decimal `json:"price"`
	SourceURL  string          `json:"source_url" validate:"omitempty,url,max=2048"`
	ObservedOn string          `json:"observed_on" validate:"omitempty,datetime=2006-01-02"`
}

// ObservationResponse is the recorded listing and history entry.
type ObservationResponse struct {
	Listing *domain.Listing      `json:"listing"`
	History *domain.HistoryEntry `json:"history"`
}

func (h *HTTPHandler) RecordObservation(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId", "product")
	if !ok {
		return
	}

	var input ObservationInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}
	if !input.Price.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "Validation failed: price must be greater than zero")
		return
	}

	obs := domain.Observation{
		ShopName:  strings.TrimSpace(input.ShopName),
		Price:     input.Price,
		SourceURL: input.SourceURL,
	}
	if input.ObservedOn != "" {
		// Format already checked by the datetime validator.
		obs.ObservedOn, _ = time.Parse(time.DateOnly, input.ObservedOn)
	}

	listing, entry, err := h.ledger.RecordObservation(r.Context(), productID, obs)
	if err != nil {
		respondWithDomainError(w, "record observation", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, ObservationResponse{Listing: listing, History: entry})
}

// PurchaseInput defines the expected input for marking a product bought.
type PurchaseInput struct {
	FinalPaid   decimal.Decimal `json:"final_paid"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
}

func (h *HTTPHandler) MarkBought(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId", "product")
	if !ok {
		return
	}

	var input PurchaseInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}
	if input.FinalPaid.IsNegative() || input.ShippingFee.IsNegative() {
		respondWithError(w, http.StatusBadRequest, "Validation failed: final_paid and shipping_fee must not be negative")
		return
	}

	view, err := h.ledger.MarkBought(r.Context(), productID, input.FinalPaid, input.ShippingFee)
	if err != nil {
		respondWithDomainError(w, "mark product bought", err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.Summary(r.Context())
	if err != nil {
		respondWithDomainError(w, "compute summary", err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// --- Resolver and Collector Handlers ---

// ResolveInput defines the expected input for a name resolution. Without
// candidates the watching products in storage are used. An empty name always
// resolves to "create new".
type ResolveInput struct {
	ObservedName string              `json:"observed_name" validate:"omitempty,max=255"`
	Candidates   []resolve.Candidate `json:"candidates" validate:"omitempty,dive"`
}

func (h *HTTPHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var input ResolveInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}

	if input.Candidates != nil {
		respondWithJSON(w, http.StatusOK, h.resolver.SuggestAmong(input.ObservedName, input.Candidates))
		return
	}
	suggestion, err := h.resolver.Suggest(r.Context(), input.ObservedName)
	if err != nil {
		respondWithDomainError(w, "resolve product name", err)
		return
	}
	respondWithJSON(w, http.StatusOK, suggestion)
}

// CollectInput defines the expected input for a collection run.
type CollectInput struct {
	Sources     []extract.Source `json:"sources" validate:"required,min=1,max=50"`
	ManualPrice *decimal.Decimal `json:"manual_price"`
}

// CollectResponse is the outcome of a collection run.
type CollectResponse struct {
	Observations []extract.PriceObservation `json:"observations"`
	Best         *extract.PriceObservation  `json:"best,omitempty"`
	Image        string                     `json:"image,omitempty"`
	FailureCount int                        `json:"failure_count"`
	Failures     []string                   `json:"failures,omitempty"`
}

func newCollectResponse(res extract.Result) CollectResponse {
	out := CollectResponse{
		Observations: res.Observations,
		Image:        res.Image,
		FailureCount: res.FailureCount(),
	}
	if out.Observations == nil {
		out.Observations = []extract.PriceObservation{}
	}
	if best, ok := res.Best(); ok {
		out.Best = &best
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, f.Error())
	}
	return out
}

func (h *HTTPHandler) Collect(w http.ResponseWriter, r *http.Request) {
	var input CollectInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}
	if input.ManualPrice != nil && input.ManualPrice.IsNegative() {
		respondWithError(w, http.StatusBadRequest, "Validation failed: manual_price must not be negative")
		return
	}

	res, err := h.collector.Collect(r.Context(), input.Sources, input.ManualPrice)
	if err != nil {
		if errors.Is(err, extract.ErrNoObservations) {
			respondWithJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "could not determine a price from any source",
				Details: newCollectResponse(res),
			})
			return
		}
		respondWithDomainError(w, "collect prices", err)
		return
	}
	respondWithJSON(w, http.StatusOK, newCollectResponse(res))
}

// TrackInput defines the expected input for the tracking pipeline.
type TrackInput struct {
	Name        string           `json:"name" validate:"required_without=ProductID,max=255"`
	Description *string          `json:"description"`
	CategoryID  *int64           `json:"category_id" validate:"omitempty,gt=0"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Sources     []extract.Source `json:"sources" validate:"max=50"`
	ManualPrice *decimal.Decimal `json:"manual_price"`
	ProductID   *int64           `json:"product_id" validate:"omitempty,gt=0"`
	ForceNew    bool             `json:"force_new"`
}

func (h *HTTPHandler) Track(w http.ResponseWriter, r *http.Request) {
	var input TrackInput
	if !decodeAndValidate(w, r, h.validate, &input) {
		return
	}
	if len(input.Sources) == 0 && input.ManualPrice == nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: sources or manual_price is required")
		return
	}

	res, err := h.ledger.Track(r.Context(), ledger.TrackRequest{
		Name:        input.Name,
		Description: input.Description,
		CategoryID:  input.CategoryID,
		TargetPrice: input.TargetPrice,
		Sources:     input.Sources,
		ManualPrice: input.ManualPrice,
		ProductID:   input.ProductID,
		ForceNew:    input.ForceNew,
	})
	if err != nil {
		if errors.Is(err, store.ErrCategoryNotFound) {
			respondWithError(w, http.StatusBadRequest, "Invalid category_id: category does not exist.")
			return
		}
		respondWithDomainError(w, "track product", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, res)
}

// --- Route Registration ---

// RegisterRoutes sets up the HTTP routes for the service. throttle wraps the
// extraction endpoints; nil leaves them unthrottled.
func (h *HTTPHandler) RegisterRoutes(r chi.Router, throttle func(http.Handler) http.Handler) {
	r.Route("/api/v1/categories", func(r chi.Router) {
		r.Post("/", h.CreateCategory)
		r.Get("/", h.ListCategories)
		r.Delete("/{categoryId}", h.DeleteCategory)
	})

	r.Route("/api/v1/products", func(r chi.Router) {
		r.Post("/", h.CreateProduct)
		r.Get("/", h.ListProducts)

		r.Route("/{productId}", func(r chi.Router) {
			r.Get("/", h.GetProductByID)
			r.Delete("/", h.DeleteProduct)
			r.Post("/observations", h.RecordObservation)
			r.Post("/purchase", h.MarkBought)
		})
	})

	r.Get("/api/v1/summary", h.GetSummary)
	r.Post("/api/v1/resolve", h.Resolve)

	r.Group(func(r chi.Router) {
		if throttle != nil {
			r.Use(throttle)
		}
		r.Post("/api/v1/collect", h.Collect)
		r.Post("/api/v1/track", h.Track)
	})
}
