// Command embed backfills embeddings for stored listings and profiles that
// have none, in batches.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/logging"
)

type stats struct {
	Kind     string
	Scanned  int
	Embedded int
	Failed   int
	Duration time.Duration
}

func main() {
	configPath := flag.String("config", "", "YAML config file (default $GRANTMATCH_CONFIG)")
	batchSize := flag.Int("batch-size", 100, "listings per batch")
	maxItems := flag.Int("max-items", 1000, "max listings to embed")
	skipProfiles := flag.Bool("skip-profiles", false, "do not embed profiles")
	dryRun := flag.Bool("dry-run", false, "count pending rows only")
	flag.Parse()

	if *batchSize <= 0 || *maxItems <= 0 {
		exitErr(errors.New("batch-size and max-items must be > 0"))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		exitErr(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		exitErr(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)
	client := ai.NewOllamaClient(cfg.AI.OllamaURL, cfg.AI.EmbedModel, cfg.AI.GenModel)

	results := []stats{embedListings(ctx, store, client, *batchSize, *maxItems, *dryRun, logger)}
	if !*skipProfiles {
		results = append(results, embedProfiles(ctx, store, client, *dryRun, logger))
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Kind", "Scanned", "Embedded", "Failed", "Duration"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Kind, r.Scanned, r.Embedded, r.Failed, r.Duration.Round(time.Millisecond)})
	}
	t.Render()
}

func embedListings(ctx context.Context, store *db.Store, embedder ai.Embedder, batchSize, maxItems int, dryRun bool, logger *zap.Logger) stats {
	st := stats{Kind: "listings"}
	start := time.Now()

	// Failed rows stay without an embedding; skip them so later batches progress.
	// TODO: page by id instead once more than 500 rows can fail in one run.
	failed := map[string]bool{}
	for st.Scanned < maxItems && ctx.Err() == nil {
		batch, err := store.ListingsWithoutEmbedding(ctx, batchSize+len(failed))
		if err != nil {
			logger.Error("failed to load listings", zap.Error(err))
			break
		}
		progressed := false
		for _, l := range batch {
			if failed[l.ID] || st.Scanned >= maxItems {
				continue
			}
			progressed = true
			st.Scanned++
			if dryRun {
				failed[l.ID] = true
				continue
			}
			vec, err := embedder.GenerateEmbedding(ctx, ingest.TruncateText(l.Title+"\n"+l.Description, 4000))
			if err == nil {
				err = store.SetListingEmbedding(ctx, l.ID, vec)
			}
			if err != nil {
				st.Failed++
				failed[l.ID] = true
				logger.Warn("embedding failed", zap.String("listing", l.ID), zap.Error(err))
				continue
			}
			st.Embedded++
		}
		if !progressed {
			break
		}
	}
	st.Duration = time.Since(start)
	return st
}

func embedProfiles(ctx context.Context, store *db.Store, embedder ai.Embedder, dryRun bool, logger *zap.Logger) stats {
	st := stats{Kind: "profiles"}
	start := time.Now()
	profiles, err := store.ListProfiles(ctx, nil)
	if err != nil {
		logger.Error("failed to load profiles", zap.Error(err))
		return st
	}
	for _, p := range profiles {
		if ctx.Err() != nil {
			break
		}
		if len(p.Embedding) > 0 || p.Text() == "" {
			continue
		}
		st.Scanned++
		if dryRun {
			continue
		}
		vec, err := embedder.GenerateEmbedding(ctx, p.Text())
		if err == nil {
			err = store.SetProfileEmbedding(ctx, p.ID, vec)
		}
		if err != nil {
			st.Failed++
			logger.Warn("embedding failed", zap.Stringer("profile", p.ID), zap.Error(err))
			continue
		}
		st.Embedded++
	}
	st.Duration = time.Since(start)
	return st
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
