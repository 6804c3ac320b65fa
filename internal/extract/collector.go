package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

const (
	// ManualSourceID marks the observation synthesized from a manual fallback price.
	ManualSourceID = "manual-entry"
	// ManualShopName is the shop recorded for manual fallback observations.
	ManualShopName = "Manual Entry"
	// UnlabeledShopName is used when a source names no shop and has no URL host.
	UnlabeledShopName = "Unlabeled"

	defaultWorkers       = 4
	defaultSourceTimeout = 20 * time.Second
)

// ErrInvalidSource is returned for a source that carries both or neither of
// structured fragments and pasted text.
var ErrInvalidSource = errors.New("extract: source must carry either fragments/images or pasted text")

// Source is the raw content of one product page as supplied by the fetch
// collaborator. Exactly one of Fragments/Images or PastedText is populated.
type Source struct {
	ID         string     `json:"source_id"`
	Shop       string     `json:"shop,omitempty"`
	Fragments  []Fragment `json:"fragments,omitempty"`
	Images     []string   `json:"images,omitempty"`
	// PriceText is the text of an element the fetcher already identified as
	// the price field. It is tried before ranking the fragments.
	PriceText  *string    `json:"price_text,omitempty"`
	PastedText *string    `json:"raw_pasted_text,omitempty"`
}

func (s Source) structured() bool {
	return len(s.Fragments) > 0 || len(s.Images) > 0 || s.PriceText != nil
}

// PriceObservation is a price successfully extracted from one source.
type PriceObservation struct {
	SourceID string          `json:"source_id"`
	Shop     string          `json:"shop"`
	Price    decimal.Decimal `json:"price"`
	Manual   bool            `json:"manual,omitempty"`
}

// Result is the normalized output of one collection run.
type Result struct {
	Observations []PriceObservation
	// Image is the first product image in source order; empty when none qualified.
	Image    string
	Failures []*SourceError
}

// FailureCount is the number of sources that contributed no observation.
func (r Result) FailureCount() int { return len(r.Failures) }

// Best returns the cheapest observation.
func (r Result) Best() (PriceObservation, bool) {
	if len(r.Observations) == 0 {
		return PriceObservation{}, false
	}
	best := r.Observations[0]
	for _, o := range r.Observations[1:] {
		if o.Price.LessThan(best.Price) {
			best = o
		}
	}
	return best, true
}

// Fetcher retrieves the content of one product page. It is the only blocking
// step of a collection run.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (Source, error)
}

// CollectorConfig tunes concurrency and pacing.
type CollectorConfig struct {
	Workers       int
	SourceTimeout time.Duration
	// FetchRate is fetch starts per second; zero disables pacing.
	FetchRate  float64
	FetchBurst int
}

// Collector turns the sources of one product into price observations and a
// representative image. It performs no storage.
type Collector struct {
	parser  *PriceParser
	ranker  *Ranker
	images  *ImageSelector
	workers int
	timeout time.Duration
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewCollector wires the extraction components together.
func NewCollector(parser *PriceParser, ranker *Ranker, images *ImageSelector, cfg CollectorConfig, logger *log.Logger) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = defaultSourceTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Collector{
		parser:  parser,
		ranker:  ranker,
		images:  images,
		workers: cfg.Workers,
		timeout: cfg.SourceTimeout,
		logger:  logger,
	}
	if cfg.FetchRate > 0 {
		burst := cfg.FetchBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FetchRate), burst)
	}
	return c
}

type sourceOutcome struct {
	obs   *PriceObservation
	image string
	err   *SourceError
}

// Collect extracts a price and image from every source. A failing source never
// aborts its siblings. When no source yields a price and manualFallback is
// positive, a single manual observation is synthesized; otherwise
// ErrNoObservations is returned alongside the (empty) result.
func (c *Collector) Collect(ctx context.Context, sources []Source, manualFallback *decimal.Decimal) (Result, error) {
	return c.run(ctx, len(sources), func(ctx context.Context, i int) (Source, error) {
		return sources[i], nil
	}, manualFallback)
}

// FetchAndCollect fetches every URL through fetcher, bounding each fetch by the
// per-source timeout, and then collects as Collect does. A timed out fetch is a
// source failure and is not retried.
func (c *Collector) FetchAndCollect(ctx context.Context, urls []string, fetcher Fetcher, manualFallback *decimal.Decimal) (Result, error) {
	return c.run(ctx, len(urls), func(ctx context.Context, i int) (Source, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Source{ID: urls[i]}, err
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		src, err := fetcher.Fetch(fetchCtx, urls[i])
		if err != nil {
			return Source{ID: urls[i]}, fmt.Errorf("fetch: %w", err)
		}
		if src.ID == "" {
			src.ID = urls[i]
		}
		return src, nil
	}, manualFallback)
}

func (c *Collector) run(ctx context.Context, n int, load func(context.Context, int) (Source, error), manualFallback *decimal.Decimal) (Result, error) {
	outcomes := make([]sourceOutcome, n)

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = sourceOutcome{err: &SourceError{SourceID: fmt.Sprintf("#%d", i), Err: err}}
				return nil
			}
			src, err := load(ctx, i)
			if src.ID == "" {
				src.ID = uuid.NewString()
			}
			if err != nil {
				outcomes[i] = sourceOutcome{err: &SourceError{SourceID: src.ID, Err: err}}
				return nil
			}
			outcomes[i] = c.process(src)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in outcomes

	// Assemble by source index so the image choice and observation order do not
	// depend on completion order.
	var res Result
	for _, o := range outcomes {
		if o.err != nil {
			c.logger.Printf("WARN: %v", o.err)
			res.Failures = append(res.Failures, o.err)
		}
		if o.obs != nil {
			res.Observations = append(res.Observations, *o.obs)
		}
		if res.Image == "" && o.image != "" {
			res.Image = o.image
		}
	}

	if len(res.Observations) == 0 && manualFallback != nil && manualFallback.IsPositive() {
		res.Observations = append(res.Observations, PriceObservation{
			SourceID: ManualSourceID,
			Shop:     ManualShopName,
			Price:    *manualFallback,
			Manual:   true,
		})
	}

	c.logger.Printf("INFO: collected %d observation(s) from %d source(s), %d failure(s)", len(res.Observations), n, len(res.Failures))
	if len(res.Observations) == 0 {
		return res, ErrNoObservations
	}
	return res, nil
}

func (c *Collector) process(src Source) sourceOutcome {
	var out sourceOutcome
	if src.structured() == (src.PastedText != nil) {
		out.err = &SourceError{SourceID: src.ID, Err: ErrInvalidSource}
		return out
	}

	var (
		price decimal.Decimal
		err   error
	)
	if src.PastedText != nil {
		price, err = c.parser.Parse(*src.PastedText)
	} else {
		if img, ok := c.images.Select(src.Images); ok {
			out.image = img
		}
		price, err = c.structuredPrice(src)
	}
	if err != nil {
		out.err = &SourceError{SourceID: src.ID, Err: err}
		return out
	}

	out.obs = &PriceObservation{SourceID: src.ID, Shop: ShopName(src), Price: price}
	return out
}

func (c *Collector) structuredPrice(src Source) (decimal.Decimal, error) {
	if src.PriceText != nil {
		price, err := c.parser.ParseLabeled(*src.PriceText)
		if err == nil || len(src.Fragments) == 0 {
			return price, err
		}
	}
	_, price, err := c.ranker.Rank(src.Fragments)
	return price, err
}

// ShopName returns the shop a source belongs to: the explicit name, else the
// first label of the source URL host ("www.lazada.com.ph" is "Lazada").
func ShopName(src Source) string {
	if s := strings.TrimSpace(src.Shop); s != "" {
		return s
	}
	if u, err := url.Parse(src.ID); err == nil && u.Hostname() != "" {
		host := strings.ToLower(u.Hostname())
		host = strings.TrimPrefix(host, "www.")
		host = strings.TrimPrefix(host, "m.")
		if label, _, _ := strings.Cut(host, "."); label != "" {
			return cases.Title(language.Und).String(label)
		}
	}
	return UnlabeledShopName
}
