package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Tuning holds the extraction and ledger parameters that are expected to be
// adjusted per deployment.
type Tuning struct {
	Extract  ExtractTuning  `mapstructure:"extract"`
	Resolver ResolverTuning `mapstructure:"resolver"`
	Ledger   LedgerTuning   `mapstructure:"ledger"`
	Collect  CollectTuning  `mapstructure:"collect"`
}

// ExtractTuning configures the price parser, ranker and image selector.
type ExtractTuning struct {
	Currencies        []string `mapstructure:"currencies"`
	ImageKeywords     []string `mapstructure:"image_keywords"`
	HeaderExclusionPx float64  `mapstructure:"header_exclusion_px"`
}

// ResolverTuning configures product name resolution.
type ResolverTuning struct {
	Cutoff float64 `mapstructure:"cutoff"`
}

// LedgerTuning configures listing metrics.
type LedgerTuning struct {
	StaleAfterDays int `mapstructure:"stale_after_days"`
}

// CollectTuning configures the multi-source collector.
type CollectTuning struct {
	Workers       int           `mapstructure:"workers"`
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
	FetchRate     float64       `mapstructure:"fetch_rate"`
	FetchBurst    int           `mapstructure:"fetch_burst"`
}

// LoadTuning reads tuning from path (optional) and TRACKER_* environment
// variables, e.g. TRACKER_RESOLVER_CUTOFF=0.35.
func LoadTuning(path string) (*Tuning, error) {
	v := viper.New()

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setTuningDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading tuning file: %w", err)
		}
	}

	var t Tuning
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("unable to decode tuning: %w", err)
	}

	if err := validateTuning(&t); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	return &t, nil
}

func setTuningDefaults(v *viper.Viper) {
	v.SetDefault("extract.currencies", []string{"₱", "$", "PHP", "USD"})
	v.SetDefault("extract.image_keywords", []string{"product", "item", "gallery"})
	v.SetDefault("extract.header_exclusion_px", 200)

	v.SetDefault("resolver.cutoff", 0.2)

	v.SetDefault("ledger.stale_after_days", 7)

	v.SetDefault("collect.workers", 4)
	v.SetDefault("collect.source_timeout", "20s")
	v.SetDefault("collect.fetch_rate", 2)
	v.SetDefault("collect.fetch_burst", 4)
}

func validateTuning(t *Tuning) error {
	if len(t.Extract.Currencies) == 0 {
		return errors.New("at least one currency token is required")
	}
	if t.Extract.HeaderExclusionPx < 0 {
		return fmt.Errorf("header exclusion must not be negative, got: %v", t.Extract.HeaderExclusionPx)
	}
	if t.Resolver.Cutoff <= 0 || t.Resolver.Cutoff > 1 {
		return fmt.Errorf("resolver cutoff must be in (0, 1], got: %v", t.Resolver.Cutoff)
	}
	if t.Ledger.StaleAfterDays <= 0 {
		return fmt.Errorf("stale after days must be positive, got: %d", t.Ledger.StaleAfterDays)
	}
	if t.Collect.Workers <= 0 {
		return fmt.Errorf("collector workers must be positive, got: %d", t.Collect.Workers)
	}
	if t.Collect.SourceTimeout <= 0 {
		return fmt.Errorf("source timeout must be positive, got: %s", t.Collect.SourceTimeout)
	}
	if t.Collect.FetchRate < 0 {
		return fmt.Errorf("fetch rate must not be negative, got: %v", t.Collect.FetchRate)
	}
	return nil
}
