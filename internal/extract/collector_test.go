package extract

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(cfg CollectorConfig) (*Collector, *bytes.Buffer) {
	parser := MustPriceParser(DefaultCurrencies)
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	return NewCollector(parser, NewRanker(parser, 0), NewImageSelector(nil), cfg, logger), &buf
}

func strPtr(s string) *string { return &s }

func TestCollector_Collect_MixedSources(t *testing.T) {
	c, logs := newTestCollector(CollectorConfig{Workers: 3})
	sources := []Source{
		{
			ID:        "https://www.lazada.com.ph/products/xm4",
			Fragments: []Fragment{{Text: "₱15,990", Y: 400, Width: 80, Height: 20}},
			Images:    []string{"https://img.lazada.com.ph/logo.png"},
		},
		{
			ID:        "https://shopee.ph/xm4",
			Fragments: []Fragment{{Text: "Free shipping", Y: 400, Width: 80, Height: 20}},
			Images:    []string{"https://cf.shopee.ph/product/xm4.jpg"},
		},
		{
			ID:         "pasted-1",
			Shop:       "Kimstore",
			PastedText: strPtr("Sony WH-1000XM4 Price: PHP 14,499.00 In stock"),
		},
		{
			ID:        "https://m.datablitz.com.ph/xm4",
			Fragments: []Fragment{{Text: "₱16,500", Y: 500, Width: 10, Height: 10}},
			Images:    []string{"https://datablitz.com.ph/gallery/xm4.jpg"},
		},
	}

	res, err := c.Collect(context.Background(), sources, nil)

	require.NoError(t, err)
	require.Len(t, res.Observations, 3)
	assert.Equal(t, "Lazada", res.Observations[0].Shop)
	assert.True(t, res.Observations[0].Price.Equal(decimal.NewFromInt(15990)))
	assert.Equal(t, "Kimstore", res.Observations[1].Shop)
	assert.True(t, res.Observations[1].Price.Equal(decimal.NewFromInt(14499)))
	assert.Equal(t, "Datablitz", res.Observations[2].Shop)

	// The shopee page had no price but the first qualifying image in source order.
	assert.Equal(t, "https://cf.shopee.ph/product/xm4.jpg", res.Image)

	require.Equal(t, 1, res.FailureCount())
	assert.Equal(t, "https://shopee.ph/xm4", res.Failures[0].SourceID)
	assert.True(t, errors.Is(res.Failures[0], ErrNoCandidate))
	assert.Contains(t, logs.String(), "WARN:")

	best, ok := res.Best()
	require.True(t, ok)
	assert.Equal(t, "Kimstore", best.Shop)
}

func TestCollector_Collect_ManualFallback(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	sources := []Source{{ID: "a", PastedText: strPtr("nothing to see")}}
	manual := decimal.NewFromInt(999)

	res, err := c.Collect(context.Background(), sources, &manual)

	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.True(t, res.Observations[0].Manual)
	assert.Equal(t, ManualSourceID, res.Observations[0].SourceID)
	assert.Equal(t, ManualShopName, res.Observations[0].Shop)
	assert.True(t, res.Observations[0].Price.Equal(manual))
	assert.Equal(t, 1, res.FailureCount())
}

func TestCollector_Collect_ManualIgnoredWhenSourcesSucceed(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	manual := decimal.NewFromInt(1)

	res, err := c.Collect(context.Background(), []Source{{ID: "x", Shop: "X", PastedText: strPtr("$20")}}, &manual)

	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.False(t, res.Observations[0].Manual)
}

func TestCollector_Collect_NoObservations(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	zero := decimal.Zero

	res, err := c.Collect(context.Background(), []Source{{ID: "a", PastedText: strPtr("₱0")}}, &zero)

	assert.True(t, errors.Is(err, ErrNoObservations))
	assert.Empty(t, res.Observations)
	assert.Empty(t, res.Image)

	_, err = c.Collect(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, ErrNoObservations))
}

func TestCollector_Collect_InvalidSourceShape(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	sources := []Source{
		{ID: "both", PastedText: strPtr("$5"), Fragments: []Fragment{{Text: "$5", Y: 300, Width: 1, Height: 1}}},
		{ID: "neither"},
	}

	res, err := c.Collect(context.Background(), sources, nil)

	assert.True(t, errors.Is(err, ErrNoObservations))
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.True(t, errors.Is(f, ErrInvalidSource))
	}
}

func TestCollector_Collect_PriceTextPreferredOverRanking(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	sources := []Source{
		{
			ID:        "labeled",
			Shop:      "Shopee",
			PriceText: strPtr("Price: 1,299.00"),
			Fragments: []Fragment{{Text: "₱5,000", Y: 400, Width: 100, Height: 40}},
		},
		{
			ID:        "unreadable-label",
			Shop:      "Lazada",
			PriceText: strPtr("see options"),
			Fragments: []Fragment{{Text: "₱1,450", Y: 400, Width: 100, Height: 40}},
		},
		{ID: "label-only", Shop: "Zalora", PriceText: strPtr("out of stock")},
	}

	res, err := c.Collect(context.Background(), sources, nil)

	require.NoError(t, err)
	require.Len(t, res.Observations, 2)
	prices := map[string]string{}
	for _, o := range res.Observations {
		prices[o.SourceID] = o.Price.StringFixed(2)
	}
	assert.Equal(t, "1299.00", prices["labeled"])
	assert.Equal(t, "1450.00", prices["unreadable-label"])
	require.Len(t, res.Failures, 1)
	assert.True(t, errors.Is(res.Failures[0], ErrParse))
}

func TestCollector_Collect_AssignsMissingSourceID(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})

	res, err := c.Collect(context.Background(), []Source{{PastedText: strPtr("$5")}}, nil)

	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.Len(t, res.Observations[0].SourceID, 36)
	assert.Equal(t, UnlabeledShopName, res.Observations[0].Shop)
}

type fakeFetcher struct {
	pages map[string]Source
	slow  map[string]bool
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceURL string) (Source, error) {
	f.calls.Add(1)
	if f.slow[sourceURL] {
		<-ctx.Done()
		return Source{}, ctx.Err()
	}
	src, ok := f.pages[sourceURL]
	if !ok {
		return Source{}, errors.New("404 not found")
	}
	return src, nil
}

func TestCollector_FetchAndCollect_TimeoutIsSourceFailure(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{Workers: 2, SourceTimeout: 50 * time.Millisecond, FetchRate: 100, FetchBurst: 10})
	fetcher := &fakeFetcher{
		pages: map[string]Source{
			"https://shopee.ph/a": {Fragments: []Fragment{{Text: "₱1,000", Y: 300, Width: 10, Height: 10}}},
		},
		slow: map[string]bool{"https://slow.ph/a": true},
	}
	urls := []string{"https://slow.ph/a", "https://shopee.ph/a", "https://gone.ph/a"}

	res, err := c.FetchAndCollect(context.Background(), urls, fetcher, nil)

	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, "https://shopee.ph/a", res.Observations[0].SourceID)
	assert.Equal(t, "Shopee", res.Observations[0].Shop)
	require.Len(t, res.Failures, 2)
	assert.True(t, errors.Is(res.Failures[0], context.DeadlineExceeded))
	assert.Equal(t, "https://gone.ph/a", res.Failures[1].SourceID)
	assert.Equal(t, int32(3), fetcher.calls.Load(), "failed fetches are not retried")
}

func TestCollector_CanceledContext(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Collect(ctx, []Source{{ID: "a", PastedText: strPtr("$5")}}, nil)

	assert.True(t, errors.Is(err, ErrNoObservations))
	require.Len(t, res.Failures, 1)
	assert.True(t, errors.Is(res.Failures[0], context.Canceled))
}

func TestShopName(t *testing.T) {
	assert.Equal(t, "Lazada", ShopName(Source{ID: "https://www.lazada.com.ph/p/1"}))
	assert.Equal(t, "My Shop", ShopName(Source{ID: "https://x.ph", Shop: " My Shop "}))
	assert.Equal(t, UnlabeledShopName, ShopName(Source{ID: "pasted"}))
}
