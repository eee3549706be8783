package scoring

import (
	"errors"
	"fmt"
	"math"
)

// Weights controls how sub-scores are blended into the composite score.
// They are normalized by their sum, so only their ratios matter.
type Weights struct {
	Lexical     float64 `json:"lexical" yaml:"lexical"`
	Keyword     float64 `json:"keyword" yaml:"keyword"`
	Semantic    float64 `json:"semantic" yaml:"semantic"`
	Temporal    float64 `json:"temporal" yaml:"temporal"`
	Eligibility float64 `json:"eligibility" yaml:"eligibility"`
}

// DefaultWeights is the empirical blend used unless overridden.
func DefaultWeights() Weights {
	return Weights{
		Lexical:     0.30,
		Keyword:     0.25,
		Semantic:    0.15,
		Temporal:    0.15,
		Eligibility: 0.15,
	}
}

var ErrZeroWeights = errors.New("scoring weights sum to zero")

// Validate rejects negative or non-finite weights, checked in declaration
// order, and weights whose sum is zero or overflows.
func (w Weights) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"lexical", w.Lexical},
		{"keyword", w.Keyword},
		{"semantic", w.Semantic},
		{"temporal", w.Temporal},
		{"eligibility", w.Eligibility},
	} {
		if f.value < 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("invalid %s weight: %v", f.name, f.value)
		}
	}
	total := w.sum()
	if total == 0 {
		return ErrZeroWeights
	}
	if math.IsInf(total, 0) {
		return fmt.Errorf("scoring weights sum overflows: %v", total)
	}
	return nil
}

func (w Weights) sum() float64 {
	return w.Lexical + w.Keyword + w.Semantic + w.Temporal + w.Eligibility
}

func (w Weights) blend(b Breakdown) float64 {
	total := w.sum()
	if total == 0 {
		return 0
	}
	s := w.Lexical*b.Lexical +
		w.Keyword*b.Keyword +
		w.Semantic*b.Semantic +
		w.Temporal*b.Temporal +
		w.Eligibility*b.Eligibility
	return clamp01(s / total)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
