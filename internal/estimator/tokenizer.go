package estimator

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Tokenizer estimates the token count of a text. Heuristic tokenizers may
// return fractional counts; callers round after applying the safety margin.
type Tokenizer interface {
	Name() string
	Count(text string) float64
}

// CharHeuristic divides the rune count by a characters-per-token ratio.
type CharHeuristic struct {
	CharsPerToken float64
}

func (h CharHeuristic) Name() string {
	return fmt.Sprintf("chars/%g", h.CharsPerToken)
}

func (h CharHeuristic) Count(text string) float64 {
	n := utf8.RuneCountInString(text)
	if n == 0 || h.CharsPerToken <= 0 {
		return 0
	}
	return float64(n) / h.CharsPerToken
}

// Registry picks a tokenizer per model family, the part of a model id before
// the first slash. Unregistered families use the fallback.
type Registry struct {
	mu       sync.RWMutex
	fallback Tokenizer
	families map[string]Tokenizer
}

// NewRegistry builds a registry with a chars-per-token fallback and one
// heuristic per configured family override.
func NewRegistry(charsPerToken float64, families map[string]float64) *Registry {
	r := &Registry{
		fallback: CharHeuristic{CharsPerToken: charsPerToken},
		families: make(map[string]Tokenizer, len(families)),
	}
	for family, cpt := range families {
		r.families[family] = CharHeuristic{CharsPerToken: cpt}
	}
	return r
}

// Register swaps in a tokenizer for a model family.
func (r *Registry) Register(family string, t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[family] = t
}

// For returns the tokenizer used for a model id.
func (r *Registry) For(model string) Tokenizer {
	family, _, _ := strings.Cut(model, "/")
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.families[family]; ok {
		return t
	}
	return r.fallback
}
