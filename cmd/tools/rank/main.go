// Command rank fetches grant sources (or reads stored listings) and prints the
// listings that best match a profile.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/logging"
	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/profile"
	"github.com/david/grant-matcher/internal/rank"
	"github.com/david/grant-matcher/internal/scoring"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $GRANTMATCH_CONFIG)")
	profileArg := flag.String("profile", "", "preset name ("+strings.Join(profile.PresetNames(), ", ")+") or profile file (.yaml/.json)")
	sourcesCSV := flag.String("sources", "", "comma-separated source ids (default: all enabled)")
	fromDB := flag.Bool("from-db", false, "rank stored listings instead of fetching")
	limit := flag.Int("limit", 20, "rows to print")
	minScore := flag.Float64("min-score", -1, "override rank.min_score")
	asJSON := flag.Bool("json", false, "print JSON instead of a table")
	flag.Parse()

	if *profileArg == "" {
		log.Fatal("Please provide a profile using -profile")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *minScore >= 0 {
		cfg.Rank.MinScore = *minScore
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	p, err := profile.Resolve(*profileArg)
	if err != nil {
		log.Fatalf("Failed to load profile: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourceIDs := splitCSV(*sourcesCSV)
	var listings []models.Listing
	if *fromDB {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		listings, err = db.NewStore(pool).AllListings(ctx, sourceIDs)
		if err != nil {
			log.Fatalf("Failed to load listings: %v", err)
		}
	} else {
		listings = fetch(ctx, cfg, sourceIDs, logger)
	}

	scorer, err := scoring.NewScorer(cfg.Weights)
	if err != nil {
		log.Fatalf("Invalid weights: %v", err)
	}
	ranker := rank.New(scorer,
		rank.WithMinScore(cfg.Rank.MinScore),
		rank.WithWorkers(cfg.Rank.Workers),
		rank.WithLogger(logger))
	res, err := ranker.Rank(ctx, p, listings)
	if err != nil {
		log.Fatalf("Ranking interrupted: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Fatal(err)
		}
		return
	}
	render(p, res, *limit)
}

func fetch(ctx context.Context, cfg config.Config, ids []string, logger *zap.Logger) []models.Listing {
	registry, err := ingest.LoadRegistry(cfg.Fetch.SourcesFile)
	if err != nil {
		log.Fatalf("Failed to load sources: %v", err)
	}
	sources := registry.Active(ids...)
	if len(sources) == 0 {
		log.Fatal("No enabled sources selected")
	}
	breaker, closeBreaker, err := ingest.NewBreakerFromConfig(ctx, cfg.Fetch, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to set up circuit breaker: %v", err)
	}
	defer closeBreaker()
	fetcher, err := ingest.NewFetcherFromConfig(cfg.Fetch, breaker, nil, logger, nil)
	if err != nil {
		log.Fatalf("Failed to build fetcher: %v", err)
	}

	report := ingest.NewCollector(fetcher, cfg.Fetch.Workers, logger, nil).FetchAll(ctx, sources)
	if len(report.Errors) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stderr)
		t.SetTitle("Failed sources")
		t.AppendHeader(table.Row{"Source", "Kind", "URL", "Error"})
		for _, fe := range report.Errors {
			t.AppendRow(table.Row{fe.Source, fe.Kind, fe.URL, truncate(fe.Error(), 80)})
		}
		t.Render()
	}
	fmt.Fprintf(os.Stderr, "Fetched %d listings from %d/%d sources\n", len(report.Listings), report.Succeeded, report.Sources)
	return report.Listings
}

func render(p models.Profile, res rank.Result, limit int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Matches for " + p.Name)
	t.AppendHeader(table.Row{"#", "Score", "Title", "Source", "Deadline", "Amount", "Matched"})
	for i, m := range res.Matches {
		if i >= limit {
			break
		}
		deadline := "-"
		if m.Listing.Deadline != nil {
			deadline = m.Listing.Deadline.Format("2006-01-02")
		}
		amount := "-"
		if m.Listing.HasAmount() {
			v := m.Listing.AmountMax
			if v == 0 {
				v = m.Listing.AmountMin
			}
			amount = fmt.Sprintf("%.0f %s", v, m.Listing.Currency)
		}
		t.AppendRow(table.Row{
			i + 1,
			fmt.Sprintf("%.3f", m.Score.Score),
			truncate(m.Listing.Title, 60),
			m.Listing.SourceName,
			deadline,
			amount,
			strings.Join(m.Score.MatchedFocusAreas, ", "),
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d considered, %d below min, %d excluded", res.Considered, res.BelowMin, len(res.Excluded))})
	t.Render()
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
