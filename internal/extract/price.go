package extract

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// DefaultCurrencies is the currency token whitelist used when none is configured.
var DefaultCurrencies = []string{"₱", "$", "PHP", "USD"}

// numberPattern accepts "1,234,567.89" style grouping or a plain digit run,
// each with an optional fractional part.
const numberPattern = `(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`

var (
	looseChars  = regexp.MustCompile(`[^0-9.,]`)
	looseNumber = regexp.MustCompile(`^` + numberPattern + `$`)
)

// PriceParser turns a text fragment into a positive decimal price.
// It is safe for concurrent use.
type PriceParser struct {
	pattern *regexp.Regexp
}

// NewPriceParser builds a parser recognising the given currency symbols or codes.
// Codes match case-insensitively.
func NewPriceParser(currencies []string) (*PriceParser, error) {
	tokens := make([]string, 0, len(currencies))
	for _, c := range currencies {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		tokens = append(tokens, regexp.QuoteMeta(c))
	}
	if len(tokens) == 0 {
		return nil, errors.New("extract: at least one currency token is required")
	}
	// Longest first so "PHP" wins over a hypothetical "P".
	sort.SliceStable(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })

	pattern, err := regexp.Compile(`(?i)(?:` + strings.Join(tokens, "|") + `)\s*` + numberPattern)
	if err != nil {
		return nil, fmt.Errorf("extract: invalid currency tokens: %w", err)
	}
	return &PriceParser{pattern: pattern}, nil
}

// MustPriceParser is like NewPriceParser but panics on error.
func MustPriceParser(currencies []string) *PriceParser {
	p, err := NewPriceParser(currencies)
	if err != nil {
		panic(err)
	}
	return p
}

// HasCurrencyPrice reports whether text contains a currency-marked number.
func (p *PriceParser) HasCurrencyPrice(text string) bool {
	return p.pattern.MatchString(text)
}

// Parse extracts the first currency-marked price in text. A match is skipped
// when a minus sign precedes it or digits run on past it ("$1,2345").
// Zero, negative and sub-cent values are rejected with ErrParse.
func (p *PriceParser) Parse(text string) (decimal.Decimal, error) {
	for _, loc := range p.pattern.FindAllStringSubmatchIndex(text, -1) {
		if hasMinusSuffix(text[:loc[0]]) || runsOn(text[loc[1]:]) {
			continue
		}
		price, err := toPositiveDecimal(text[loc[2]:loc[3]])
		if err == nil {
			return price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, text)
}

// ParseLabeled parses a fragment already known to be a price field. It tries
// the currency-marked pattern first and then falls back to reading every digit,
// '.' and ',' in the fragment, which must then form a single well-grouped number.
func (p *PriceParser) ParseLabeled(text string) (decimal.Decimal, error) {
	if price, err := p.Parse(text); err == nil {
		return price, nil
	}
	if i := strings.IndexFunc(text, unicode.IsDigit); i >= 0 && negated(text[:i]) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, text)
	}
	loose := looseChars.ReplaceAllString(text, "")
	if !looseNumber.MatchString(loose) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, text)
	}
	price, err := toPositiveDecimal(loose)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, text)
	}
	return price, nil
}

func hasMinusSuffix(s string) bool {
	return strings.HasSuffix(s, "-") || strings.HasSuffix(s, "−")
}

// negated reports whether the text of a price field before its first digit
// ends in a minus sign once spaces and currency marks are dropped.
func negated(before string) bool {
	return hasMinusSuffix(strings.TrimRightFunc(before, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.Is(unicode.Sc, r)
	}))
}

// runsOn reports whether the text after a matched number continues it.
func runsOn(after string) bool {
	if after == "" {
		return false
	}
	if isDigit(after[0]) {
		return true
	}
	return len(after) > 1 && (after[0] == ',' || after[0] == '.') && isDigit(after[1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func toPositiveDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return decimal.Zero, ErrParse
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrParse
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrParse
	}
	// Prices are kept to the cent.
	if !price.Equal(price.Truncate(2)) {
		return decimal.Zero, ErrParse
	}
	return price, nil
}
