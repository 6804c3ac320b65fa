package resolve

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"price-tracker-service/internal/domain"
)

// DefaultCutoff is the minimum similarity for a suggested match.
// Low values over-match unrelated products; tune per deployment.
const DefaultCutoff = 0.2

// Weights of the two similarity signals. Character-level similarity tolerates
// typos; token-level similarity keeps short unrelated names apart.
const (
	charWeight  = 0.5
	tokenWeight = 0.5
)

var punctuationRegex = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

// Candidate is a known product eligible as a match target.
type Candidate struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
}

// Suggestion is the advisory outcome of resolving an observed name.
type Suggestion struct {
	ProductID *int64  `json:"suggested_product_id,omitempty"`
	Name      string  `json:"suggested_name,omitempty"`
	Score     float64 `json:"score"`
	IsNew     bool    `json:"is_new_suggested"`
}

// Config holds configuration for the resolver.
type Config struct {
	Cutoff       float64
	DebugLogging bool        // log every candidate score
	Logger       *log.Logger // defaults to log.Default()
}

// Resolver decides whether an observed name belongs to a known product.
// It never mutates state.
type Resolver struct {
	cutoff float64
	debug  bool
	logger *log.Logger
}

// NewResolver creates a resolver; a cutoff outside (0, 1] uses DefaultCutoff.
func NewResolver(cfg Config) *Resolver {
	cutoff := cfg.Cutoff
	if cutoff <= 0 || cutoff > 1 {
		cutoff = DefaultCutoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{cutoff: cutoff, debug: cfg.DebugLogging, logger: logger}
}

// Cutoff returns the acceptance threshold in use.
func (r *Resolver) Cutoff() float64 { return r.cutoff }

// Suggest scores observed against every candidate in order and returns the best
// match when it reaches the cutoff. Earlier candidates win ties.
func (r *Resolver) Suggest(observed string, candidates []Candidate) Suggestion {
	observed = strings.TrimSpace(observed)
	if observed == "" || len(candidates) == 0 {
		return Suggestion{IsNew: true}
	}

	bestIdx, bestScore := -1, -1.0
	for i, c := range candidates {
		score := Similarity(observed, c.Name)
		if r.debug {
			r.logger.Printf("DEBUG: resolve %q vs %q (id %d): %.3f", observed, c.Name, c.ProductID, score)
		}
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}

	if bestScore < r.cutoff {
		return Suggestion{IsNew: true, Score: bestScore}
	}
	best := candidates[bestIdx]
	id := best.ProductID
	return Suggestion{ProductID: &id, Name: best.Name, Score: bestScore}
}

// Similarity is a 0..1 score blending a character-level and a token-level
// longest-common-subsequence ratio over normalized names.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	chars := lcsRatio([]rune(na), []rune(nb))
	tokens := lcsRatio(strings.Fields(na), strings.Fields(nb))
	return charWeight*chars + tokenWeight*tokens
}

func normalize(s string) string {
	s = punctuationRegex.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}

// lcsRatio is 2*LCS / (len(a)+len(b)).
func lcsRatio[T comparable](a, b []T) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return 2 * float64(lcsLength(a, b)) / float64(total)
}

// lcsLength computes the longest common subsequence length with two rows.
func lcsLength[T comparable](a, b []T) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// WatchingLister supplies the products eligible for auto-assignment.
type WatchingLister interface {
	ListWatchingProducts(ctx context.Context) ([]domain.Product, error)
}

// Service resolves names against the watching products held in storage.
type Service struct {
	resolver *Resolver
	products WatchingLister
}

// NewService creates a Service.
func NewService(r *Resolver, products WatchingLister) *Service {
	return &Service{resolver: r, products: products}
}

// Suggest loads the watching products and resolves observed against them.
// Bought products are never match targets.
func (s *Service) Suggest(ctx context.Context, observed string) (Suggestion, error) {
	if strings.TrimSpace(observed) == "" {
		return Suggestion{IsNew: true}, nil
	}
	products, err := s.products.ListWatchingProducts(ctx)
	if err != nil {
		return Suggestion{}, fmt.Errorf("resolve: failed to list watching products: %w", err)
	}
	candidates := make([]Candidate, 0, len(products))
	for _, p := range products {
		if p.State != domain.StateWatching {
			continue
		}
		candidates = append(candidates, Candidate{ProductID: p.ID, Name: p.Name})
	}
	return s.resolver.Suggest(observed, candidates), nil
}

// SuggestAmong resolves observed against caller-supplied candidates without
// touching storage.
func (s *Service) SuggestAmong(observed string, candidates []Candidate) Suggestion {
	return s.resolver.Suggest(observed, candidates)
}
