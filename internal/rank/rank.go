// Package rank merges fetched listings and orders them by relevance to a profile.
package rank

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/scoring"
)

// Exclusion reasons.
const (
	ReasonMissingTitle = "missing title"
	ReasonDuplicate    = "duplicate"
)

// Exclusion records a listing left out of the ranking and why.
type Exclusion struct {
	ListingID string `json:"listing_id"`
	Reason    string `json:"reason"`
	// DuplicateOf is the kept listing when Reason is ReasonDuplicate.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// Match is one ranked listing with its score.
type Match struct {
	Listing models.Listing `json:"listing"`
	Score   scoring.Result `json:"score"`
}

// Result is the output of a ranking run.
type Result struct {
	Matches    []Match     `json:"matches"`
	Excluded   []Exclusion `json:"excluded,omitempty"`
	BelowMin   int         `json:"below_min_score"`
	Considered int         `json:"considered"`
}

type Ranker struct {
	scorer   *scoring.Scorer
	workers  int
	minScore float64
	idf      bool
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Ranker)

// WithMinScore drops matches scoring below score.
func WithMinScore(score float64) Option {
	return func(r *Ranker) { r.minScore = score }
}

func WithWorkers(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Ranker) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Ranker) { r.now = now }
}

// WithIDF weights lexical matching by term rarity across the ranked listings.
func WithIDF(enabled bool) Option {
	return func(r *Ranker) { r.idf = enabled }
}

func New(scorer *scoring.Scorer, opts ...Option) *Ranker {
	r := &Ranker{
		scorer:  scorer,
		workers: 8,
		idf:     true,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Ranker) MinScore() float64 { return r.minScore }

// Rank dedupes listings, scores the rest against profile and returns them
// best first. It fails only when ctx is done before scoring completes.
func (r *Ranker) Rank(ctx context.Context, profile models.Profile, listings []models.Listing) (Result, error) {
	unique, excluded := Dedupe(listings)
	for _, ex := range excluded {
		if ex.Reason == ReasonDuplicate {
			r.logger.Debug("listing excluded",
				zap.String("listing", ex.ListingID),
				zap.String("reason", ex.Reason),
				zap.String("duplicate_of", ex.DuplicateOf))
			continue
		}
		r.logger.Info("listing excluded", zap.String("listing", ex.ListingID), zap.String("reason", ex.Reason))
	}

	scorer := r.scorer
	if r.idf && len(unique) > 1 {
		docs := make([]string, len(unique))
		for i, l := range unique {
			docs[i] = l.Title + "\n" + l.Description
		}
		scorer = scorer.With(scoring.WithCorpus(scoring.NewCorpus(docs)))
	}

	now := r.now()
	scores := make([]scoring.Result, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range unique {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i] = scorer.ScoreAt(profile, unique[i], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Excluded: excluded, Considered: len(unique)}
	res.Matches = make([]Match, 0, len(unique))
	for i, l := range unique {
		if scores[i].Score < r.minScore {
			res.BelowMin++
			continue
		}
		res.Matches = append(res.Matches, Match{Listing: l, Score: scores[i]})
	}
	sort.SliceStable(res.Matches, func(i, j int) bool {
		return less(res.Matches[i], res.Matches[j])
	})

	r.logger.Debug("ranked listings",
		zap.Stringer("profile", profile.ID),
		zap.Int("considered", res.Considered),
		zap.Int("matches", len(res.Matches)),
		zap.Int("below_min", res.BelowMin),
		zap.Int("excluded", len(res.Excluded)))
	return res, nil
}

// less orders by score, then nearer deadline (none last), then lexical
// score. Equal elements keep insertion order through the stable sort.
func less(a, b Match) bool {
	if a.Score.Score != b.Score.Score {
		return a.Score.Score > b.Score.Score
	}
	da, db := a.Listing.Deadline, b.Listing.Deadline
	switch {
	case da != nil && db == nil:
		return true
	case da == nil && db != nil:
		return false
	case da != nil && db != nil && !da.Equal(*db):
		return da.Before(*db)
	}
	return a.Score.Breakdown.Lexical > b.Score.Breakdown.Lexical
}

// Dedupe keeps the first listing for each (source, normalized title) and
// each (source, external id). Listings without a title are excluded.
func Dedupe(listings []models.Listing) ([]models.Listing, []Exclusion) {
	seen := make(map[string]int, 2*len(listings))
	out := make([]models.Listing, 0, len(listings))
	var excluded []Exclusion

	for _, l := range listings {
		title := NormalizeTitle(l.Title)
		if title == "" {
			excluded = append(excluded, Exclusion{ListingID: l.ID, Reason: ReasonMissingTitle})
			continue
		}
		source := strings.ToLower(strings.TrimSpace(l.SourceName))
		keys := []string{"t|" + source + "|" + title}
		if id := strings.TrimSpace(l.ExternalID); id != "" {
			keys = append(keys, "i|"+source+"|"+id)
		}

		dup := -1
		for _, k := range keys {
			if first, ok := seen[k]; ok {
				dup = first
				break
			}
		}
		if dup >= 0 {
			excluded = append(excluded, Exclusion{ListingID: l.ID, Reason: ReasonDuplicate, DuplicateOf: out[dup].ID})
			continue
		}
		for _, k := range keys {
			seen[k] = len(out)
		}
		out = append(out, l)
	}
	return out, excluded
}

// NormalizeTitle lowercases and keeps only letters and digits, single-spaced.
func NormalizeTitle(title string) string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.Join(fields, " ")
}
