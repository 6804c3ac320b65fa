package extract

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultHeaderExclusionPx is the vertical offset above which fragments are
// treated as navigation or banner noise.
const DefaultHeaderExclusionPx = 200

// Fragment is a located text node with its rendered bounding box in pixels.
type Fragment struct {
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area is the bounding-box area in square pixels.
func (f Fragment) Area() float64 {
	if f.Width <= 0 || f.Height <= 0 {
		return 0
	}
	return f.Width * f.Height
}

// Ranker picks the fragment most likely to be the product price on a page.
type Ranker struct {
	parser          *PriceParser
	headerExclusion float64
}

// NewRanker creates a Ranker. A non-positive headerExclusionPx uses DefaultHeaderExclusionPx.
func NewRanker(parser *PriceParser, headerExclusionPx float64) *Ranker {
	if headerExclusionPx <= 0 {
		headerExclusionPx = DefaultHeaderExclusionPx
	}
	return &Ranker{parser: parser, headerExclusion: headerExclusionPx}
}

// Rank selects the visually largest currency-marked fragment below the header
// band and parses its price. Ties keep the earliest fragment.
func (r *Ranker) Rank(fragments []Fragment) (Fragment, decimal.Decimal, error) {
	best := -1
	bestArea := 0.0
	for i, f := range fragments {
		if f.Y < r.headerExclusion {
			continue
		}
		area := f.Area()
		if area == 0 {
			continue
		}
		if !r.parser.HasCurrencyPrice(f.Text) {
			continue
		}
		if best == -1 || area > bestArea {
			best, bestArea = i, area
		}
	}
	if best == -1 {
		return Fragment{}, decimal.Zero, ErrNoCandidate
	}

	winner := fragments[best]
	price, err := r.parser.Parse(winner.Text)
	if err != nil {
		return winner, decimal.Zero, fmt.Errorf("extract: winning fragment %q: %w", winner.Text, err)
	}
	return winner, price, nil
}
