package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredPostgresEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "localhost")
	t.Setenv("POSTGRES_USER", "tracker")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DBNAME", "prices")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredPostgresEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.HttpServer.Port)
	assert.Equal(t, "9090", cfg.GrpcServer.Port)
	assert.Equal(t, 15*time.Second, cfg.GrpcServer.HealthInterval)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
	assert.Equal(t, "host=localhost port=5432 user=tracker password=secret dbname=prices sslmode=disable", cfg.Postgres.DSN())
	assert.False(t, cfg.Debug())
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredPostgresEnv(t)
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("POSTGRES_USER", "  ")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func TestLoad_InvalidAppEnv(t *testing.T) {
	setRequiredPostgresEnv(t)
	t.Setenv("APP_ENV", "moon")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid APP_ENV")
}

func TestLoadTuning_Defaults(t *testing.T) {
	tuning, err := LoadTuning("")

	require.NoError(t, err)
	assert.Equal(t, []string{"₱", "$", "PHP", "USD"}, tuning.Extract.Currencies)
	assert.Equal(t, []string{"product", "item", "gallery"}, tuning.Extract.ImageKeywords)
	assert.Equal(t, 200.0, tuning.Extract.HeaderExclusionPx)
	assert.Equal(t, 0.2, tuning.Resolver.Cutoff)
	assert.Equal(t, 7, tuning.Ledger.StaleAfterDays)
	assert.Equal(t, 4, tuning.Collect.Workers)
	assert.Equal(t, 20*time.Second, tuning.Collect.SourceTimeout)
}

func TestLoadTuning_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	content := `
extract:
  currencies: ["€", "EUR"]
  header_exclusion_px: 120
resolver:
  cutoff: 0.5
collect:
  source_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TRACKER_LEDGER_STALE_AFTER_DAYS", "3")

	tuning, err := LoadTuning(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"€", "EUR"}, tuning.Extract.Currencies)
	assert.Equal(t, 120.0, tuning.Extract.HeaderExclusionPx)
	assert.Equal(t, 0.5, tuning.Resolver.Cutoff)
	assert.Equal(t, 3, tuning.Ledger.StaleAfterDays)
	assert.Equal(t, 10*time.Second, tuning.Collect.SourceTimeout)
	assert.Equal(t, 4, tuning.Collect.Workers, "unset keys keep their defaults")
}

func TestLoadTuning_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"cutoff above one", "TRACKER_RESOLVER_CUTOFF", "1.5"},
		{"zero workers", "TRACKER_COLLECT_WORKERS", "0"},
		{"zero stale days", "TRACKER_LEDGER_STALE_AFTER_DAYS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)

			_, err := LoadTuning("")

			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid tuning")
		})
	}
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))

	require.Error(t, err)
}
