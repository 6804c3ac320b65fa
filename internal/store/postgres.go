package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"price-tracker-service/internal/domain"
)

// Predefined errors for store operations
var (
	ErrCategoryNotFound    = errors.New("store: category not found")
	ErrCategoryNameExists  = errors.New("store: category name already exists")
	ErrCategoryInUse       = errors.New("store: category is referenced by products")
	ErrProductNotFound     = errors.New("store: product not found")
	ErrProductNameExists   = errors.New("store: a watching product with this name already exists")
	ErrInvalidObservation  = errors.New("store: observation needs a shop name and a positive price")
	ErrInvalidPurchaseData = errors.New("store: final paid and shipping fee must not be negative")
)

// Postgres error codes we classify.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements CategoryStorer, ProductStorer and LedgerStorer using PostgreSQL.
// All statements are parameterized.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: Migrate failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Printf("WARN: store: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// --- CategoryStorer Implementation ---

const createCategoryQuery = `
		INSERT INTO tracker.categories (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, created_at;
	`

// CreateCategory inserts the category if absent. An existing name is left
// untouched and reported as ErrCategoryNameExists.
func (s *PostgresStore) CreateCategory(ctx context.Context, name string) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowContext(ctx, createCategoryQuery, strings.TrimSpace(name)).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || pqCode(err) == pqUniqueViolation {
			return nil, ErrCategoryNameExists
		}
		return nil, fmt.Errorf("store: CreateCategory failed to scan row: %w", err)
	}
	return &c, nil
}

const listCategoriesQuery = `
		SELECT id, name, created_at
		FROM tracker.categories
		ORDER BY name ASC;
	`

func (s *PostgresStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, listCategoriesQuery)
	if err != nil {
		return nil, fmt.Errorf("store: ListCategories failed to query categories: %w", err)
	}
	defer rows.Close()

	categories := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: ListCategories failed to scan category row: %w", err)
		}
		categories = append(categories, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListCategories iteration error: %w", err)
	}
	return categories, nil
}

const (
	deleteCategoryQuery = `
		DELETE FROM tracker.categories c
		WHERE c.id = $1
		  AND NOT EXISTS (SELECT 1 FROM tracker.products p WHERE p.category_id = c.id);
	`
	categoryExistsQuery = `SELECT EXISTS(SELECT 1 FROM tracker.categories WHERE id = $1)`
)

// DeleteCategory removes an unreferenced category.
func (s *PostgresStore) DeleteCategory(ctx context.Context, id int64) error {
	// The NOT EXISTS clause acts as a precondition; the foreign key catches a
	// product inserted concurrently.
	result, err := s.db.ExecContext(ctx, deleteCategoryQuery, id)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return ErrCategoryInUse
		}
		return fmt.Errorf("store: DeleteCategory failed to execute delete: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: DeleteCategory failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, categoryExistsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("store: DeleteCategory failed to check existence: %w", err)
	}
	if !exists {
		return ErrCategoryNotFound
	}
	return ErrCategoryInUse
}

// --- ProductStorer Implementation ---

const productColumns = `id, name, description, category_id, image_url, target_price, purchase_state, final_paid, shipping_fee, price_at_purchase, bought_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p                                          domain.Product
		state                                      string
		target, finalPaid, shippingFee, atPurchase decimal.NullDecimal
		boughtAt                                   sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.CategoryID, &p.ImageURL, &target, &state,
		&finalPaid, &shippingFee, &atPurchase, &boughtAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = domain.PurchaseState(state)
	p.TargetPrice = nullDecimalPtr(target)
	p.FinalPaid = nullDecimalPtr(finalPaid)
	p.ShippingFee = nullDecimalPtr(shippingFee)
	p.PriceAtPurchase = nullDecimalPtr(atPurchase)
	if boughtAt.Valid {
		t := boughtAt.Time
		p.BoughtAt = &t
	}
	return &p, nil
}

func nullDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func decimalArg(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

var createProductQuery = `
		INSERT INTO tracker.products (name, name_key, description, category_id, image_url, target_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + productColumns + `;
	`

func (s *PostgresStore) CreateProduct(ctx context.Context, product *domain.Product) (*domain.Product, error) {
	created, err := scanProduct(s.db.QueryRowContext(ctx, createProductQuery,
		product.Name, domain.NameKey(product.Name), product.Description, product.CategoryID,
		product.ImageURL, decimalArg(product.TargetPrice),
	))
	if err != nil {
		switch pqCode(err) {
		case pqUniqueViolation:
			return nil, ErrProductNameExists
		case pqForeignKeyViolation:
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("store: CreateProduct failed to scan row: %w", err)
	}
	return created, nil
}

var getProductQuery = `
		SELECT ` + productColumns + `
		FROM tracker.products
		WHERE id = $1;
	`

func (s *PostgresStore) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, getProductQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("store: GetProductByID failed to scan row: %w", err)
	}
	return p, nil
}

// likeEscaper makes search text match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// ListProducts returns products matching every set filter, newest first.
func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]domain.Product, error) {
	var queryArgs []interface{}
	var whereClauses []string
	argID := 1

	if filter.SearchQuery != nil && strings.TrimSpace(*filter.SearchQuery) != "" {
		whereClauses = append(whereClauses, fmt.Sprintf(`(name ILIKE $%d ESCAPE '\' OR description ILIKE $%d ESCAPE '\')`, argID, argID))
		queryArgs = append(queryArgs, "%"+likeEscaper.Replace(strings.TrimSpace(*filter.SearchQuery))+"%")
		argID++
	}
	if filter.CategoryID != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("category_id = $%d", argID))
		queryArgs = append(queryArgs, *filter.CategoryID)
		argID++
	}
	if filter.State != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("purchase_state = $%d", argID))
		queryArgs = append(queryArgs, string(*filter.State))
		argID++
	}

	whereCondition := ""
	if len(whereClauses) > 0 {
		whereCondition = " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query := "SELECT " + productColumns + " FROM tracker.products" + whereCondition + " ORDER BY created_at DESC, id DESC"

	return s.queryProducts(ctx, "ListProducts", query, queryArgs...)
}

var listWatchingQuery = `
		SELECT ` + productColumns + `
		FROM tracker.products
		WHERE purchase_state = 'watching'
		ORDER BY created_at ASC, id ASC;
	`

// ListWatchingProducts returns the products eligible for name resolution, oldest first.
func (s *PostgresStore) ListWatchingProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, "ListWatchingProducts", listWatchingQuery)
}

func (s *PostgresStore) queryProducts(ctx context.Context, op, query string, args ...interface{}) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s failed to query products: %w", op, err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("store: %s failed to scan product row: %w", op, err)
		}
		products = append(products, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s iteration error: %w", op, err)
	}
	return products, nil
}

const deleteProductQuery = `DELETE FROM tracker.products WHERE id = $1;`

// DeleteProduct removes a product; its listings and history go with it.
func (s *PostgresStore) DeleteProduct(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, deleteProductQuery, id)
	if err != nil {
		return fmt.Errorf("store: DeleteProduct failed to execute delete: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: DeleteProduct failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}

const lowestListingQuery = `SELECT MIN(price) FROM tracker.listings WHERE product_id = $1;`

var markBoughtQuery = `
		UPDATE tracker.products
		SET purchase_state = 'bought', final_paid = $1, shipping_fee = $2,
			price_at_purchase = COALESCE(price_at_purchase, $3),
			bought_at = COALESCE(bought_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
		RETURNING ` + productColumns + `;
	`

// MarkBought moves a product to the bought state and records what was paid.
// Calling it again overwrites the paid figures but keeps the first snapshot of
// the lowest listing price.
func (s *PostgresStore) MarkBought(ctx context.Context, id int64, finalPaid, shippingFee decimal.Decimal) (*domain.Product, error) {
	if finalPaid.IsNegative() || shippingFee.IsNegative() {
		return nil, ErrInvalidPurchaseData
	}

	var updated *domain.Product
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lowest decimal.NullDecimal
		if err := tx.QueryRowContext(ctx, lowestListingQuery, id).Scan(&lowest); err != nil {
			return fmt.Errorf("store: MarkBought failed to read lowest listing: %w", err)
		}
		p, err := scanProduct(tx.QueryRowContext(ctx, markBoughtQuery, finalPaid, shippingFee, lowest, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrProductNotFound
			}
			return fmt.Errorf("store: MarkBought failed to scan row: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

const backfillImageQuery = `
		UPDATE tracker.products
		SET image_url = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND (image_url IS NULL OR image_url = '');
	`

// BackfillImage sets the product image only when it has none.
func (s *PostgresStore) BackfillImage(ctx context.Context, id int64, imageURL string) error {
	if _, err := s.db.ExecContext(ctx, backfillImageQuery, imageURL, id); err != nil {
		return fmt.Errorf("store: BackfillImage failed to execute update: %w", err)
	}
	return nil
}

// --- LedgerStorer Implementation ---

const (
	upsertListingQuery = `
		INSERT INTO tracker.listings (product_id, shop_name, price, source_url, observed_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, shop_name)
		DO UPDATE SET price = EXCLUDED.price, source_url = EXCLUDED.source_url, observed_on = EXCLUDED.observed_on
		RETURNING id, product_id, shop_name, price, source_url, observed_on;
	`
	appendHistoryQuery = `
		INSERT INTO tracker.price_history (product_id, shop_name, price, observed_on)
		VALUES ($1, $2, $3, $4)
		RETURNING id, product_id, shop_name, price, observed_on;
	`
)

func normalizeObservation(obs domain.Observation) (domain.Observation, error) {
	obs.ShopName = strings.TrimSpace(obs.ShopName)
	if obs.ShopName == "" || !obs.Price.IsPositive() {
		return obs, ErrInvalidObservation
	}
	if obs.ObservedOn.IsZero() {
		obs.ObservedOn = time.Now().UTC()
	}
	obs.ObservedOn = domain.DateOnly(obs.ObservedOn)
	return obs, nil
}

// recordInTx upserts the (product, shop) listing and appends its history entry.
func recordInTx(ctx context.Context, tx *sql.Tx, productID int64, obs domain.Observation) (*domain.Listing, *domain.HistoryEntry, error) {
	var l domain.Listing
	err := tx.QueryRowContext(ctx, upsertListingQuery,
		productID, obs.ShopName, obs.Price, obs.SourceURL, obs.ObservedOn,
	).Scan(&l.ID, &l.ProductID, &l.ShopName, &l.Price, &l.SourceURL, &l.ObservedOn)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return nil, nil, ErrProductNotFound
		}
		return nil, nil, fmt.Errorf("store: failed to upsert listing: %w", err)
	}

	var h domain.HistoryEntry
	err = tx.QueryRowContext(ctx, appendHistoryQuery,
		productID, obs.ShopName, obs.Price, obs.ObservedOn,
	).Scan(&h.ID, &h.ProductID, &h.ShopName, &h.Price, &h.ObservedOn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: failed to append history: %w", err)
	}
	return &l, &h, nil
}

// RecordObservation upserts the current listing for (productID, shop) and
// appends a history entry in a single transaction.
func (s *PostgresStore) RecordObservation(ctx context.Context, productID int64, obs domain.Observation) (*domain.Listing, *domain.HistoryEntry, error) {
	obs, err := normalizeObservation(obs)
	if err != nil {
		return nil, nil, err
	}

	var (
		listing *domain.Listing
		entry   *domain.HistoryEntry
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		listing, entry, err = recordInTx(ctx, tx, productID, obs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return listing, entry, nil
}

var (
	insertProductIfAbsentQuery = `
		INSERT INTO tracker.products (name, name_key, description, category_id, image_url, target_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name_key) WHERE purchase_state = 'watching' DO NOTHING
		RETURNING ` + productColumns + `;
	`
	lockWatchingByNameQuery = `
		SELECT ` + productColumns + `
		FROM tracker.products
		WHERE name_key = $1 AND purchase_state = 'watching'
		FOR UPDATE;
	`
)

// CreateProductWithObservations is the compare-and-create path used when the
// resolver found no match: concurrent submissions of the same new name end up
// on a single product.
func (s *PostgresStore) CreateProductWithObservations(ctx context.Context, product *domain.Product, obs []domain.Observation) (*domain.Product, bool, error) {
	normalized := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		n, err := normalizeObservation(o)
		if err != nil {
			return nil, false, err
		}
		normalized = append(normalized, n)
	}

	var (
		result  *domain.Product
		created bool
	)
	nameKey := domain.NameKey(product.Name)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProduct(tx.QueryRowContext(ctx, insertProductIfAbsentQuery,
			product.Name, nameKey, product.Description, product.CategoryID,
			product.ImageURL, decimalArg(product.TargetPrice),
		))
		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			p, err = scanProduct(tx.QueryRowContext(ctx, lockWatchingByNameQuery, nameKey))
			if err != nil {
				return fmt.Errorf("store: CreateProductWithObservations failed to load existing product: %w", err)
			}
		case pqCode(err) == pqForeignKeyViolation:
			return ErrCategoryNotFound
		default:
			return fmt.Errorf("store: CreateProductWithObservations failed to insert product: %w", err)
		}

		for _, o := range normalized {
			if _, _, err := recordInTx(ctx, tx, p.ID, o); err != nil {
				return err
			}
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

const (
	listListingsQuery = `
		SELECT id, product_id, shop_name, price, source_url, observed_on
		FROM tracker.listings
		WHERE product_id = ANY($1)
		ORDER BY product_id ASC, price ASC, shop_name ASC;
	`
	listHistoryQuery = `
		SELECT id, product_id, shop_name, price, observed_on
		FROM tracker.price_history
		WHERE product_id = ANY($1)
		ORDER BY product_id ASC, observed_on ASC, id ASC;
	`
)

// ListListings returns the current listings of the given products, cheapest first per product.
func (s *PostgresStore) ListListings(ctx context.Context, productIDs []int64) ([]domain.Listing, error) {
	listings := []domain.Listing{}
	if len(productIDs) == 0 {
		return listings, nil
	}
	rows, err := s.db.QueryContext(ctx, listListingsQuery, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("store: ListListings failed to query listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.Listing
		if err := rows.Scan(&l.ID, &l.ProductID, &l.ShopName, &l.Price, &l.SourceURL, &l.ObservedOn); err != nil {
			return nil, fmt.Errorf("store: ListListings failed to scan listing row: %w", err)
		}
		listings = append(listings, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListListings iteration error: %w", err)
	}
	return listings, nil
}

// ListHistory returns the price history of the given products in observation order.
func (s *PostgresStore) ListHistory(ctx context.Context, productIDs []int64) ([]domain.HistoryEntry, error) {
	entries := []domain.HistoryEntry{}
	if len(productIDs) == 0 {
		return entries, nil
	}
	rows, err := s.db.QueryContext(ctx, listHistoryQuery, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("store: ListHistory failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.ProductID, &h.ShopName, &h.Price, &h.ObservedOn); err != nil {
			return nil, fmt.Errorf("store: ListHistory failed to scan history row: %w", err)
		}
		entries = append(entries, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListHistory iteration error: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		log.Println("INFO: Closing database connection pool...")
		err := s.db.Close()
		if err != nil {
			log.Printf("ERROR: Failed to close database connection pool: %v", err)
			return err
		}
		log.Println("INFO: Database connection pool closed successfully.")
		return nil
	}
	return nil
}
