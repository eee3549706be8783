package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grantmatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Fetch.MaxAttempts != def.Fetch.MaxAttempts || cfg.Fetch.Engine != EngineHTTP {
		t.Fatalf("unexpected defaults: %+v", cfg.Fetch)
	}
	if cfg.Weights != def.Weights {
		t.Fatalf("unexpected weights: %+v", cfg.Weights)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9000"
fetch:
  engine: colly
  max_attempts: 5
  breaker_cooldown: 2m
  user_agents: ["a", "b"]
weights:
  lexical: 1
  keyword: 0
  semantic: 0
  temporal: 0
  eligibility: 0
rank:
  min_score: 0.2
`)
	t.Setenv("GRANTMATCH_FETCH_MAX_ATTEMPTS", "7")
	t.Setenv("GRANTMATCH_RANK_MIN_SCORE", "0.4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" || cfg.Fetch.Engine != EngineColly {
		t.Fatalf("file values not applied: port=%q engine=%q", cfg.Port, cfg.Fetch.Engine)
	}
	if cfg.Fetch.MaxAttempts != 7 || cfg.Rank.MinScore != 0.4 {
		t.Fatalf("env should override file: attempts=%d min=%v", cfg.Fetch.MaxAttempts, cfg.Rank.MinScore)
	}
	if cfg.Fetch.BreakerCooldown != 2*time.Minute {
		t.Fatalf("unexpected cooldown %s", cfg.Fetch.BreakerCooldown)
	}
	if len(cfg.Fetch.UserAgents) != 2 {
		t.Fatalf("unexpected user agents %v", cfg.Fetch.UserAgents)
	}
	if cfg.Weights.Lexical != 1 || cfg.Weights.Keyword != 0 {
		t.Fatalf("unexpected weights %+v", cfg.Weights)
	}
	// Untouched settings keep their defaults.
	if cfg.Fetch.Workers != Default().Fetch.Workers {
		t.Fatalf("workers default lost: %d", cfg.Fetch.Workers)
	}
}

func TestLoad_UnprefixedDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example/db")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://example/db" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", cfg.DatabaseURL)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "fetch: [")); err == nil || !strings.Contains(err.Error(), "could not parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
	t.Setenv("GRANTMATCH_FETCH_WORKERS", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric env value")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"engine", func(c *Config) { c.Fetch.Engine = "curl" }},
		{"attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }},
		{"multiplier", func(c *Config) { c.Fetch.BackoffMultiplier = 0.5 }},
		{"breaker", func(c *Config) { c.Fetch.BreakerCooldown = 0 }},
		{"workers", func(c *Config) { c.Rank.Workers = 0 }},
		{"min score", func(c *Config) { c.Rank.MinScore = 1.5 }},
		{"weights", func(c *Config) { c.Weights.Lexical = -1 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
