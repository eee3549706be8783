// Package scoring rates how well a grant listing fits an organization profile.
package scoring

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/david/grant-matcher/internal/models"
)

const (
	neutral          = 0.5
	fullTemporalDays = 30.0
)

// Breakdown holds the individual sub-scores, each in [0,1].
type Breakdown struct {
	Lexical     float64 `json:"lexical"`
	Keyword     float64 `json:"keyword"`
	Semantic    float64 `json:"semantic"`
	Temporal    float64 `json:"temporal"`
	Eligibility float64 `json:"eligibility"`
}

// Result is the relevance of one listing for one profile.
type Result struct {
	ListingID         string    `json:"listing_id"`
	ProfileID         uuid.UUID `json:"profile_id"`
	Score             float64   `json:"score"`
	Breakdown         Breakdown `json:"breakdown"`
	MatchedFocusAreas []string  `json:"matched_focus_areas,omitempty"`
}

// Scorer computes composite relevance scores. It holds no mutable state
// and may be shared by any number of goroutines.
type Scorer struct {
	weights Weights
	corpus  *Corpus
}

type Option func(*Scorer)

// WithCorpus enables TF-IDF weighting for the lexical sub-score.
func WithCorpus(c *Corpus) Option {
	return func(s *Scorer) { s.corpus = c }
}

func NewScorer(w Weights, opts ...Option) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{weights: w}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// With returns a copy of the scorer with extra options applied.
func (s *Scorer) With(opts ...Option) *Scorer {
	cp := *s
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Score rates the listing against the profile as of now.
func (s *Scorer) Score(p models.Profile, l models.Listing) Result {
	return s.ScoreAt(p, l, time.Now())
}

// ScoreAt rates the listing with an explicit reference time.
func (s *Scorer) ScoreAt(p models.Profile, l models.Listing, now time.Time) Result {
	keyword, matched := keywordScore(p.FocusAreas, l)
	b := Breakdown{
		Lexical:     s.lexicalScore(p, l),
		Keyword:     keyword,
		Semantic:    semanticScore(p.Embedding, l.Embedding),
		Temporal:    TemporalScore(l.Deadline, now),
		Eligibility: EligibilityScore(p, l),
	}
	return Result{
		ListingID:         l.ID,
		ProfileID:         p.ID,
		Score:             s.weights.blend(b),
		Breakdown:         b,
		MatchedFocusAreas: matched,
	}
}

func (s *Scorer) lexicalScore(p models.Profile, l models.Listing) float64 {
	if strings.TrimSpace(l.Description) == "" {
		return 0
	}
	profileVec := termFrequencies(p.Text(), s.corpus)
	if len(profileVec) == 0 {
		return neutral
	}
	return cosine(profileVec, termFrequencies(l.Description, s.corpus))
}

func keywordScore(focusAreas []string, l models.Listing) (float64, []string) {
	haystack := strings.ToLower(l.Title + " " + l.Description)
	tags := l.Tags()

	seen := make(map[string]struct{}, len(focusAreas))
	var total int
	var matched []string
	for _, area := range focusAreas {
		needle := strings.ToLower(strings.TrimSpace(area))
		if needle == "" {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		seen[needle] = struct{}{}
		total++
		if matchesTag(needle, tags) || strings.Contains(haystack, needle) {
			matched = append(matched, area)
		}
	}
	if total == 0 {
		return neutral, nil
	}
	return float64(len(matched)) / float64(total), matched
}

func matchesTag(needle string, tags []string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func semanticScore(a, b []float32) float64 {
	if v, ok := embeddingSimilarity(a, b); ok {
		return v
	}
	return neutral
}

// TemporalScore is 1.0 when the deadline is at least 30 days out, decays
// linearly to 0 at the deadline and stays 0 after it. No deadline is neutral.
func TemporalScore(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return neutral
	}
	days := deadline.Sub(now).Hours() / 24
	switch {
	case days <= 0:
		return 0
	case days >= fullTemporalDays:
		return 1
	}
	return days / fullTemporalDays
}

// EligibilityScore compares the profile's preferred funding range with the
// listing's stated range. Either side missing is neutral.
func EligibilityScore(p models.Profile, l models.Listing) float64 {
	if !l.HasAmount() || !p.HasFundingRange() {
		return neutral
	}
	if rangesOverlap(p.FundingMin, p.FundingMax, l.AmountMin, l.AmountMax) {
		return 1
	}
	return 0
}

// rangesOverlap treats a zero upper bound as unbounded.
func rangesOverlap(aMin, aMax, bMin, bMax float64) bool {
	if aMax > 0 && bMin > aMax {
		return false
	}
	if bMax > 0 && aMin > bMax {
		return false
	}
	return true
}
