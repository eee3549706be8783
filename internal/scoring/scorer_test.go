package scoring

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/david/grant-matcher/internal/models"
)

var refNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustScorer(t *testing.T, opts ...Option) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultWeights(), opts...)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return s
}

func roboticsProfile() models.Profile {
	return models.Profile{
		ID:         uuid.MustParse("8a3c4f0e-6f51-4f3e-9a8e-0d8f4a1b2c3d"),
		Name:       "Bright Futures Lab",
		Mission:    "We teach robotics and STEM education to underserved youth",
		FocusAreas: []string{"education", "robotics"},
	}
}

func TestScoreAt_RoboticsEducationExample(t *testing.T) {
	deadline := refNow.Add(10 * 24 * time.Hour)
	listing := models.Listing{
		ID:          "grants_gov:123",
		Title:       "Robotics Education Grant",
		Description: "Funding for robotics education programs serving youth",
		Eligibility: []string{"Education", "Robotics"},
		Deadline:    &deadline,
	}

	res := mustScorer(t).ScoreAt(roboticsProfile(), listing, refNow)

	if res.Breakdown.Keyword != 1.0 {
		t.Fatalf("expected keyword 1.0, got %v", res.Breakdown.Keyword)
	}
	if res.Breakdown.Temporal <= 0 || res.Breakdown.Temporal >= 1 {
		t.Fatalf("expected reduced but nonzero temporal score, got %v", res.Breakdown.Temporal)
	}
	if res.Score <= 0.5 {
		t.Fatalf("expected composite > 0.5, got %v", res.Score)
	}
	if len(res.MatchedFocusAreas) != 2 {
		t.Fatalf("expected both focus areas matched, got %v", res.MatchedFocusAreas)
	}
}

func TestScoreAt_EmptyDescriptionHasZeroLexical(t *testing.T) {
	res := mustScorer(t).ScoreAt(roboticsProfile(), models.Listing{ID: "x", Title: "Untitled call"}, refNow)
	if res.Breakdown.Lexical != 0 {
		t.Fatalf("expected lexical 0, got %v", res.Breakdown.Lexical)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Fatalf("score out of range: %v", res.Score)
	}
}

func TestScoreAt_MissingDeadlineIsNeutral(t *testing.T) {
	res := mustScorer(t).ScoreAt(roboticsProfile(), models.Listing{Title: "Open call"}, refNow)
	if res.Breakdown.Temporal != 0.5 {
		t.Fatalf("expected temporal 0.5, got %v", res.Breakdown.Temporal)
	}
}

func TestScoreAt_Deterministic(t *testing.T) {
	deadline := refNow.Add(45 * 24 * time.Hour)
	listing := models.Listing{
		ID:          "rss:abc",
		Title:       "Community Arts and Youth Education Fund",
		Description: "Supports arts education, youth mentoring and community robotics clubs in rural areas.",
		Categories:  []string{"Arts", "Youth"},
		AmountMin:   5000,
		AmountMax:   25000,
		Deadline:    &deadline,
		Embedding:   []float32{0.1, 0.4, -0.2},
	}
	profile := roboticsProfile()
	profile.Description = "After-school clubs, mentoring, and community events for rural youth."
	profile.FundingMin = 10000
	profile.Embedding = []float32{0.2, 0.3, -0.1}

	corpus := NewCorpus([]string{listing.Description, "Rural health clinics", "Youth sports"})
	s := mustScorer(t, WithCorpus(corpus))

	first := s.ScoreAt(profile, listing, refNow)
	for i := 0; i < 50; i++ {
		again := s.ScoreAt(profile, listing, refNow)
		if math.Float64bits(again.Score) != math.Float64bits(first.Score) || again.Breakdown != first.Breakdown {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestScoreAt_AlwaysInRange(t *testing.T) {
	past := refNow.Add(-72 * time.Hour)
	far := refNow.Add(400 * 24 * time.Hour)
	profiles := []models.Profile{
		{},
		roboticsProfile(),
		{Mission: "!!! ??? ...", FocusAreas: []string{"", "  "}, FundingMax: 1},
		{Description: "health clinics", FundingMin: 1e9, Embedding: []float32{1, 0}},
	}
	listings := []models.Listing{
		{},
		{Title: "Robotics", Description: "robotics robotics robotics", Deadline: &past},
		{Description: "health", AmountMax: 500, Deadline: &far, Embedding: []float32{-1, 0}},
		{Description: "health", AmountMin: 1e10, Embedding: []float32{1, 0, 0}},
	}
	s := mustScorer(t)
	for pi, p := range profiles {
		for li, l := range listings {
			res := s.ScoreAt(p, l, refNow)
			if res.Score < 0 || res.Score > 1 || math.IsNaN(res.Score) {
				t.Fatalf("profile %d listing %d: score out of range %v", pi, li, res.Score)
			}
			for name, v := range map[string]float64{
				"lexical": res.Breakdown.Lexical, "keyword": res.Breakdown.Keyword,
				"semantic": res.Breakdown.Semantic, "temporal": res.Breakdown.Temporal,
				"eligibility": res.Breakdown.Eligibility,
			} {
				if v < 0 || v > 1 {
					t.Fatalf("profile %d listing %d: %s out of range %v", pi, li, name, v)
				}
			}
		}
	}
}

func TestTemporalScore(t *testing.T) {
	at := func(d time.Duration) *time.Time { v := refNow.Add(d); return &v }
	tests := []struct {
		name     string
		deadline *time.Time
		want     float64
	}{
		{"no deadline", nil, 0.5},
		{"past deadline", at(-time.Hour), 0},
		{"far future", at(90 * 24 * time.Hour), 1},
		{"exactly thirty days", at(30 * 24 * time.Hour), 1},
		{"fifteen days", at(15 * 24 * time.Hour), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TemporalScore(tt.deadline, refNow); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	near := TemporalScore(at(5*24*time.Hour), refNow)
	later := TemporalScore(at(20*24*time.Hour), refNow)
	if !(near < later) {
		t.Fatalf("expected score to decay as deadline nears: %v vs %v", near, later)
	}
}

func TestEligibilityScore(t *testing.T) {
	tests := []struct {
		name    string
		profile models.Profile
		listing models.Listing
		want    float64
	}{
		{"listing without bounds", models.Profile{FundingMin: 1000}, models.Listing{}, 0.5},
		{"profile without range", models.Profile{}, models.Listing{AmountMax: 5000}, 0.5},
		{"overlap", models.Profile{FundingMin: 1000, FundingMax: 10000}, models.Listing{AmountMin: 5000, AmountMax: 50000}, 1},
		{"listing too small", models.Profile{FundingMin: 100000}, models.Listing{AmountMax: 5000}, 0},
		{"listing too large", models.Profile{FundingMax: 10000}, models.Listing{AmountMin: 50000}, 0},
		{"open ended listing", models.Profile{FundingMin: 100000}, models.Listing{AmountMin: 1000}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EligibilityScore(tt.profile, tt.listing); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScoreAt_RelevantListingOutranksUnrelated(t *testing.T) {
	s := mustScorer(t)
	p := roboticsProfile()
	relevant := models.Listing{Title: "STEM robotics for youth", Description: "Robotics education for underserved youth"}
	unrelated := models.Listing{Title: "Highway resurfacing", Description: "Asphalt resurfacing of interstate highways"}

	if a, b := s.ScoreAt(p, relevant, refNow).Score, s.ScoreAt(p, unrelated, refNow).Score; a <= b {
		t.Fatalf("expected relevant listing to score higher: %v <= %v", a, b)
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
	if err := (Weights{}).Validate(); err != ErrZeroWeights {
		t.Fatalf("expected ErrZeroWeights, got %v", err)
	}
	if err := (Weights{Lexical: -1, Keyword: 1}).Validate(); err == nil {
		t.Fatal("expected negative weight to be rejected")
	}
	if _, err := NewScorer(Weights{}); err == nil {
		t.Fatal("expected NewScorer to reject zero weights")
	}
}

func TestWeightsValidate_ReportsFirstInvalidInOrder(t *testing.T) {
	w := Weights{Lexical: 1, Keyword: -1, Semantic: math.NaN(), Temporal: math.Inf(1), Eligibility: -2}
	for i := 0; i < 20; i++ {
		err := w.Validate()
		if err == nil || !strings.Contains(err.Error(), "keyword") {
			t.Fatalf("run %d: expected the keyword weight to be reported, got %v", i, err)
		}
	}
}

func TestWeightsValidate_RejectsOverflowingSum(t *testing.T) {
	w := Weights{Lexical: math.MaxFloat64, Keyword: math.MaxFloat64}
	if err := w.Validate(); err == nil {
		t.Fatal("expected weights whose sum overflows to be rejected")
	}
	if _, err := NewScorer(w); err == nil {
		t.Fatal("expected NewScorer to reject overflowing weights")
	}
}

func TestScoreAt_WeightOverrideChangesBlend(t *testing.T) {
	onlyTemporal, err := NewScorer(Weights{Temporal: 1})
	if err != nil {
		t.Fatal(err)
	}
	res := onlyTemporal.ScoreAt(roboticsProfile(), models.Listing{Title: "x"}, refNow)
	if res.Score != 0.5 {
		t.Fatalf("expected composite to equal temporal sub-score 0.5, got %v", res.Score)
	}
}

func TestTokenize_DropsStopwordsAndShortTokens(t *testing.T) {
	got := tokenize("The Robotics-Education grant, a 2026 call for K-12!")
	want := []string{"robotics", "education", "grant", "2026", "call", "12"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
