// Package export writes tracked products and their price history to a
// portable SQLite file.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"price-tracker-service/internal/domain"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE categories (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE products (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		category_id INTEGER REFERENCES categories(id),
		target_price NUMERIC,
		image_url TEXT,
		purchase_state TEXT NOT NULL,
		final_paid NUMERIC,
		shipping_fee NUMERIC,
		price_at_purchase NUMERIC,
		bought_at TEXT
	)`,
	`CREATE TABLE listings (
		product_id INTEGER NOT NULL REFERENCES products(id),
		shop_name TEXT NOT NULL,
		price NUMERIC NOT NULL,
		source_url TEXT,
		date TEXT NOT NULL,
		UNIQUE (product_id, shop_name)
	)`,
	`CREATE TABLE price_history (
		product_id INTEGER NOT NULL REFERENCES products(id),
		shop_name TEXT NOT NULL,
		price NUMERIC NOT NULL,
		date TEXT NOT NULL
	)`,
	`CREATE INDEX idx_price_history_product ON price_history(product_id, date)`,
}

// Stats counts the rows written per table.
type Stats struct {
	Categories int
	Products   int
	Listings   int
	History    int
}

// WriteSQLite replaces the file at path with a SQLite database holding
// categories, products, current listings and price history.
func WriteSQLite(ctx context.Context, path string, categories []domain.Category, views []domain.ProductView) (Stats, error) {
	var stats Stats
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return stats, fmt.Errorf("export: remove existing file: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return stats, fmt.Errorf("export: open sqlite: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("export: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return stats, fmt.Errorf("export: create schema: %w", err)
		}
	}

	for _, c := range categories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO categories (id, name) VALUES (?, ?)`, c.ID, c.Name); err != nil {
			return stats, fmt.Errorf("export: insert category %d: %w", c.ID, err)
		}
		stats.Categories++
	}

	insertProduct, err := tx.PrepareContext(ctx, `INSERT INTO products
		(id, name, description, category_id, target_price, image_url, purchase_state, final_paid, shipping_fee, price_at_purchase, bought_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return stats, fmt.Errorf("export: prepare products: %w", err)
	}
	defer insertProduct.Close()

	insertListing, err := tx.PrepareContext(ctx, `INSERT INTO listings (product_id, shop_name, price, source_url, date) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return stats, fmt.Errorf("export: prepare listings: %w", err)
	}
	defer insertListing.Close()

	insertHistory, err := tx.PrepareContext(ctx, `INSERT INTO price_history (product_id, shop_name, price, date) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return stats, fmt.Errorf("export: prepare history: %w", err)
	}
	defer insertHistory.Close()

	for _, v := range views {
		p := v.Product
		var boughtAt any
		if p.BoughtAt != nil {
			boughtAt = p.BoughtAt.UTC().Format(time.RFC3339)
		}
		if _, err := insertProduct.ExecContext(ctx,
			p.ID, p.Name, nullable(p.Description), nullable(p.CategoryID), sqliteDecimal(p.TargetPrice), nullable(p.ImageURL), string(p.State),
			sqliteDecimal(p.FinalPaid), sqliteDecimal(p.ShippingFee), sqliteDecimal(p.PriceAtPurchase), boughtAt,
		); err != nil {
			return stats, fmt.Errorf("export: insert product %d: %w", p.ID, err)
		}
		stats.Products++

		for _, l := range v.Listings {
			if _, err := insertListing.ExecContext(ctx, p.ID, l.ShopName, l.Price.String(), l.SourceURL, l.ObservedOn.Format(time.DateOnly)); err != nil {
				return stats, fmt.Errorf("export: insert listing for product %d: %w", p.ID, err)
			}
			stats.Listings++
		}
		for _, h := range v.History {
			if _, err := insertHistory.ExecContext(ctx, p.ID, h.ShopName, h.Price.String(), h.ObservedOn.Format(time.DateOnly)); err != nil {
				return stats, fmt.Errorf("export: insert history for product %d: %w", p.ID, err)
			}
			stats.History++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("export: commit: %w", err)
	}
	return stats, nil
}

// sqliteDecimal stores money as its exact decimal text; NULL when absent.
func sqliteDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
