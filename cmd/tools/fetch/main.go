package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $GRANTMATCH_CONFIG)")
	sourcesCSV := flag.String("source", "", "comma-separated source ids to fetch (default: all enabled)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	registry, err := ingest.LoadRegistry(cfg.Fetch.SourcesFile)
	if err != nil {
		log.Fatalf("Failed to load sources: %v", err)
	}
	var ids []string
	for _, id := range strings.Split(*sourcesCSV, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if _, ok := registry.Get(id); !ok {
			log.Fatalf("Unknown source %q", id)
		}
		ids = append(ids, id)
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

	pipeline := &ingest.Pipeline{Store: db.NewStore(pool), Logger: logger}
	var completer ai.Completer
	if cfg.AI.Enabled {
		client := ai.NewOllamaClient(cfg.AI.OllamaURL, cfg.AI.EmbedModel, cfg.AI.GenModel)
		pipeline.Embedder, pipeline.Classifier, completer = client, client, client
	}
	fetcher, err := ingest.NewFetcherFromConfig(cfg.Fetch, breaker, completer, logger, nil)
	if err != nil {
		log.Fatalf("Failed to build fetcher: %v", err)
	}
	pipeline.Collector = ingest.NewCollector(fetcher, cfg.Fetch.Workers, logger, nil)

	log.Printf("Starting fetch for %d sources", len(sources))
	summary, err := pipeline.Run(ctx, sources)
	if err != nil {
		log.Fatalf("Fetch failed: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Kind", "URL", "Error"})
	interrupted := 0
	for _, fe := range summary.Report.Errors {
		t.AppendRow(table.Row{fe.Source, fe.Kind, fe.URL, fe.Error()})
		if errors.Is(fe, ingest.ErrCanceled) {
			interrupted++
		}
	}
	if len(summary.Report.Errors) > 0 {
		t.Render()
	}
	if interrupted > 0 {
		log.Printf("Interrupted: %d sources did not finish and can be fetched again", interrupted)
	}

	log.Printf("Fetch %s finished: %s. Sources: %d/%d, Found: %d, Saved: %d",
		summary.RunID, summary.Status, summary.Report.Succeeded, summary.Report.Sources,
		len(summary.Report.Listings), summary.Saved)
	if summary.Status == db.RunFailed {
		os.Exit(1)
	}
}
