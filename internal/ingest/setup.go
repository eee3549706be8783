package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/config"
)

// NewFetcherFromConfig builds the configured transport wrapped in a
// RobustFetcher. llm, when non-nil, backs the llm source format.
func NewFetcherFromConfig(cfg config.FetchConfig, breaker BreakerStore, llm ai.Completer, logger *zap.Logger, metrics *Metrics) (*RobustFetcher, error) {
	httpCfg := HTTPConfig{Timeout: cfg.RequestTimeout, ProxyURL: cfg.ProxyURL}

	var transport Fetcher
	switch strings.ToLower(cfg.Engine) {
	case "", config.EngineHTTP:
		transport = NewHTTPFetcher(httpCfg)
	case config.EngineColly:
		transport = NewCollyFetcher(httpCfg)
	default:
		return nil, fmt.Errorf("unknown fetch engine %q", cfg.Engine)
	}

	parsers := DefaultParsers()
	if llm != nil {
		parsers.Register(FormatLLM, NewLLMParser(llm))
	}

	return NewRobustFetcher(transport, Options{
		Retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.BackoffBase,
			Multiplier:  cfg.BackoffMultiplier,
			MaxBackoff:  cfg.BackoffMax,
			Jitter:      DefaultRetryPolicy().Jitter,
		},
		Breaker:    breaker,
		UserAgents: cfg.UserAgents,
		RateLimit:  cfg.RateLimit,
		Parsers:    parsers,
		Logger:     logger,
		Metrics:    metrics,
	}), nil
}

// NewBreakerFromConfig returns a Redis-backed breaker when redisURL is set so
// several processes share one failure table, and an in-memory one otherwise.
// The returned close func is never nil.
func NewBreakerFromConfig(ctx context.Context, cfg config.FetchConfig, redisURL string) (BreakerStore, func() error, error) {
	bc := BreakerConfig{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown}
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryBreaker(bc), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBreaker(client, bc), client.Close, nil
}
