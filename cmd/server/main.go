package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/api"
	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/logging"
	"github.com/david/grant-matcher/internal/rank"
	"github.com/david/grant-matcher/internal/scoring"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $GRANTMATCH_CONFIG)")
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	store := db.NewStore(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ingest.NewMetrics(reg)

	breaker, closeBreaker, err := ingest.NewBreakerFromConfig(ctx, cfg.Fetch, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to set up circuit breaker", zap.Error(err))
	}
	defer closeBreaker()

	var (
		embedder   ai.Embedder
		classifier ai.Completer
	)
	if cfg.AI.Enabled {
		client := ai.NewOllamaClient(cfg.AI.OllamaURL, cfg.AI.EmbedModel, cfg.AI.GenModel)
		embedder, classifier = client, client
	}

	fetcher, err := ingest.NewFetcherFromConfig(cfg.Fetch, breaker, classifier, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build fetcher", zap.Error(err))
	}
	registry, err := ingest.LoadRegistry(cfg.Fetch.SourcesFile)
	if err != nil {
		logger.Fatal("failed to load sources", zap.Error(err))
	}

	scorer, err := scoring.NewScorer(cfg.Weights)
	if err != nil {
		logger.Fatal("invalid scoring weights", zap.Error(err))
	}
	ranker := rank.New(scorer,
		rank.WithMinScore(cfg.Rank.MinScore),
		rank.WithWorkers(cfg.Rank.Workers),
		rank.WithLogger(logger.Named("rank")))

	jwtSecret, err := auth.ResolveSecret(cfg.JWTSecret, logger)
	if err != nil {
		logger.Fatal("failed to set up auth", zap.Error(err))
	}
	if cfg.AdminSecret == "" {
		logger.Warn("admin secret is not set; admin endpoints are disabled")
	}

	srv := api.NewServer(api.Deps{
		Profiles: store,
		Listings: store,
		Auth:     auth.NewService(auth.NewPGUsers(pool), jwtSecret),
		Ranker:   ranker,
		Pipeline: &ingest.Pipeline{
			Collector:  ingest.NewCollector(fetcher, cfg.Fetch.Workers, logger.Named("collect"), metrics),
			Store:      store,
			Embedder:   embedder,
			Classifier: classifier,
			Logger:     logger.Named("pipeline"),
		},
		Registry:    registry,
		Embedder:    embedder,
		CacheSize:   cfg.Rank.ProfileCacheSize,
		AdminSecret: cfg.AdminSecret,
		Gatherer:    reg,
		Registerer:  reg,
		Logger:      logger.Named("api"),
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("port", cfg.Port), zap.Int("sources", len(registry.Sources)))
	if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
