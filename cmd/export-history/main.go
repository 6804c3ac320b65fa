// Command export-history copies tracked products, their current listings and
// full price history from Postgres into a standalone SQLite file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"price-tracker-service/internal/config"
	"price-tracker-service/internal/domain"
	"price-tracker-service/internal/export"
	"price-tracker-service/internal/ledger"
	"price-tracker-service/internal/store"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

type options struct {
	outPath string
	filter  store.ProductFilter
	timeout time.Duration
	envFile string
}

func main() {
	logger := log.New(os.Stdout, "[export-history] ", log.LstdFlags)
	if err := run(os.Args[1:], logger); err != nil {
		logger.Printf("FATAL: %v", err)
		os.Exit(1)
	}
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var (
		opts  options
		state string
	)
	fs := flag.NewFlagSet("export-history", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.outPath, "out", "price_history.db", "path of the SQLite file to write (replaced if present)")
	fs.StringVar(&state, "state", "", "only export products in this purchase state (watching|bought)")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall export timeout")
	fs.StringVar(&opts.envFile, "env", ".env", "optional dotenv file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if state != "" {
		s := domain.PurchaseState(state)
		if !s.Valid() {
			return opts, fmt.Errorf("invalid -state %q", state)
		}
		opts.filter.State = &s
	}
	if opts.timeout <= 0 {
		return opts, fmt.Errorf("-timeout must be positive, got %s", opts.timeout)
	}
	return opts, nil
}

func run(args []string, logger *log.Logger) error {
	opts, err := parseOptions(args, logger.Writer())
	if err != nil {
		return err
	}

	if err := godotenv.Load(opts.envFile); err != nil {
		logger.Println("INFO: .env file not found or error loading, relying on system environment variables.")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return fmt.Errorf("error loading tuning: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	dbStore := store.NewPostgresStore(db)
	defer func() {
		if err := dbStore.Close(); err != nil {
			logger.Printf("WARN: Error closing database connection: %v", err)
		}
	}()

	if err := dbStore.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	categories, err := dbStore.ListCategories(ctx)
	if err != nil {
		return err
	}
	// The ledger derives listing ages and metrics; extraction is not needed here.
	views, err := ledger.NewService(dbStore, nil, nil, ledger.Config{
		StaleAfterDays: tuning.Ledger.StaleAfterDays,
	}, logger).Dashboard(ctx, opts.filter)
	if err != nil {
		return err
	}

	stats, err := export.WriteSQLite(ctx, opts.outPath, categories, views)
	if err != nil {
		return err
	}
	logger.Printf("INFO: wrote %s: %d categories, %d products, %d listings, %d history rows",
		opts.outPath, stats.Categories, stats.Products, stats.Listings, stats.History)
	return nil
}
