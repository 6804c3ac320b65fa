package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"price-tracker-service/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var productColumnNames = []string{
	"id", "name", "description", "category_id", "image_url", "target_price", "purchase_state",
	"final_paid", "shipping_fee", "price_at_purchase", "bought_at", "created_at", "updated_at",
}

func watchingRow(rows *sqlmock.Rows, id int64, name string, now time.Time) *sqlmock.Rows {
	return rows.AddRow(id, name, nil, nil, nil, nil, "watching", nil, nil, nil, nil, now, now)
}

func TestPostgresStore_CreateProduct(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().Truncate(time.Millisecond)
	target := decimal.RequireFromString("4500")
	toCreate := &domain.Product{
		Name:        "Sony  Headphones XM4",
		Description: PtrTo("Noise cancelling"),
		CategoryID:  PtrTo(int64(2)),
		TargetPrice: &target,
	}

	rows := sqlmock.NewRows(productColumnNames).
		AddRow(int64(10), toCreate.Name, "Noise cancelling", int64(2), nil, "4500.00", "watching", nil, nil, nil, nil, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(createProductQuery)).
		WithArgs(toCreate.Name, "sony headphones xm4", toCreate.Description, toCreate.CategoryID, nil, target).
		WillReturnRows(rows)

	created, err := store.CreateProduct(context.Background(), toCreate)

	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(10), created.ID)
	assert.Equal(t, domain.StateWatching, created.State)
	require.NotNil(t, created.TargetPrice)
	assert.True(t, target.Equal(*created.TargetPrice))
	assert.Nil(t, created.FinalPaid)
	assert.Nil(t, created.BoughtAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateProduct_Errors(t *testing.T) {
	tests := []struct {
		name    string
		dbErr   error
		wantErr error
	}{
		{"duplicate watching name", &pq.Error{Code: "23505", Constraint: "products_watching_name_key"}, ErrProductNameExists},
		{"unknown category", &pq.Error{Code: "23503"}, ErrCategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := newMockDBAndStore(t)
			defer db.Close()

			mock.ExpectQuery(regexp.QuoteMeta(createProductQuery)).WillReturnError(tt.dbErr)

			_, err := store.CreateProduct(context.Background(), &domain.Product{Name: "Kettle", CategoryID: PtrTo(int64(9))})

			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_GetProductByID(t *testing.T) {
	t.Run("bought product", func(t *testing.T) {
		db, mock, store := newMockDBAndStore(t)
		defer db.Close()

		now := time.Now().Truncate(time.Millisecond)
		rows := sqlmock.NewRows(productColumnNames).
			AddRow(int64(5), "Blender", nil, nil, "https://cdn.example.com/product/1.jpg", nil, "bought",
				"850.00", "50.00", "900.00", now, now, now)
		mock.ExpectQuery(regexp.QuoteMeta(getProductQuery)).WithArgs(int64(5)).WillReturnRows(rows)

		p, err := store.GetProductByID(context.Background(), 5)

		require.NoError(t, err)
		assert.Equal(t, domain.StateBought, p.State)
		require.NotNil(t, p.ImageURL)
		assert.Equal(t, "https://cdn.example.com/product/1.jpg", *p.ImageURL)
		assert.Equal(t, "850", p.FinalPaid.String())
		assert.Equal(t, "50", p.ShippingFee.String())
		assert.Equal(t, "900", p.PriceAtPurchase.String())
		require.NotNil(t, p.BoughtAt)
		assert.Nil(t, p.Description)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := newMockDBAndStore(t)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(getProductQuery)).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

		p, err := store.GetProductByID(context.Background(), 99)

		assert.True(t, errors.Is(err, ErrProductNotFound))
		assert.Nil(t, p)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ListProducts_Filters(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().Truncate(time.Millisecond)
	state := domain.StateWatching
	filter := ProductFilter{
		CategoryID:  PtrTo(int64(2)),
		SearchQuery: PtrTo(" sony "),
		State:       &state,
	}

	rows := watchingRow(sqlmock.NewRows(productColumnNames), 1, "Sony Headphones XM4", now)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tracker.products WHERE (name ILIKE $1 ESCAPE '\' OR description ILIKE $1 ESCAPE '\') AND category_id = $2 AND purchase_state = $3 ORDER BY`)).
		WithArgs("%sony%", int64(2), "watching").
		WillReturnRows(rows)

	products, err := store.ListProducts(context.Background(), filter)

	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Sony Headphones XM4", products[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListProducts_SearchIsLiteral(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE (name ILIKE $1 ESCAPE '\' OR description ILIKE $1 ESCAPE '\') ORDER BY`)).
		WithArgs(`%100\%\_off\\%`).
		WillReturnRows(sqlmock.NewRows(productColumnNames))

	products, err := store.ListProducts(context.Background(), ProductFilter{SearchQuery: PtrTo(`100%_off\`)})

	require.NoError(t, err)
	assert.Empty(t, products)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListProducts_NoFilter(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tracker.products ORDER BY created_at DESC, id DESC")).
		WillReturnRows(sqlmock.NewRows(productColumnNames))

	products, err := store.ListProducts(context.Background(), ProductFilter{})

	require.NoError(t, err)
	assert.Empty(t, products)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListWatchingProducts(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().Truncate(time.Millisecond)
	rows := sqlmock.NewRows(productColumnNames)
	watchingRow(rows, 1, "Sony Headphones XM4", now)
	watchingRow(rows, 2, "Blender", now)
	mock.ExpectQuery(regexp.QuoteMeta(listWatchingQuery)).WillReturnRows(rows)

	products, err := store.ListWatchingProducts(context.Background())

	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, int64(1), products[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteProduct(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock, store := newMockDBAndStore(t)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta(deleteProductQuery)).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.DeleteProduct(context.Background(), 1))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := newMockDBAndStore(t)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta(deleteProductQuery)).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.DeleteProduct(context.Background(), 2)
		assert.True(t, errors.Is(err, ErrProductNotFound))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_MarkBought(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().Truncate(time.Millisecond)
	finalPaid := decimal.RequireFromString("850")
	shipping := decimal.RequireFromString("50")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lowestListingQuery)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow("900.00"))
	mock.ExpectQuery(regexp.QuoteMeta(markBoughtQuery)).
		WithArgs(finalPaid, shipping, decimal.RequireFromString("900.00"), int64(5)).
		WillReturnRows(sqlmock.NewRows(productColumnNames).
			AddRow(int64(5), "Blender", nil, nil, nil, nil, "bought", "850.00", "50.00", "900.00", now, now, now))
	mock.ExpectCommit()

	p, err := store.MarkBought(context.Background(), 5, finalPaid, shipping)

	require.NoError(t, err)
	assert.Equal(t, domain.StateBought, p.State)
	assert.True(t, finalPaid.Equal(*p.FinalPaid))
	assert.Equal(t, "900", p.PriceAtPurchase.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkBought_NoListings(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().Truncate(time.Millisecond)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lowestListingQuery)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(markBoughtQuery)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), nil, int64(5)).
		WillReturnRows(sqlmock.NewRows(productColumnNames).
			AddRow(int64(5), "Blender", nil, nil, nil, nil, "bought", "850.00", "0", nil, now, now, now))
	mock.ExpectCommit()

	p, err := store.MarkBought(context.Background(), 5, decimal.RequireFromString("850"), decimal.Zero)

	require.NoError(t, err)
	assert.Nil(t, p.PriceAtPurchase)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkBought_NotFound(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lowestListingQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(markBoughtQuery)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.MarkBought(context.Background(), 42, decimal.RequireFromString("10"), decimal.Zero)

	assert.True(t, errors.Is(err, ErrProductNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkBought_RejectsNegative(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	_, err := store.MarkBought(context.Background(), 1, decimal.RequireFromString("-1"), decimal.Zero)

	assert.True(t, errors.Is(err, ErrInvalidPurchaseData))
	require.NoError(t, mock.ExpectationsWereMet(), "no statement should run")
}

func TestPostgresStore_BackfillImage(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(backfillImageQuery)).
		WithArgs("https://cdn.example.com/product/7.jpg", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.BackfillImage(context.Background(), 7, "https://cdn.example.com/product/7.jpg"))
	require.NoError(t, mock.ExpectationsWereMet())
}
