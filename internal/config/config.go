// Package config loads runtime settings from an optional YAML file and
// GRANTMATCH_* environment variables, in that order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/david/grant-matcher/internal/scoring"
)

// EnvPrefix namespaces every environment variable.
const EnvPrefix = "GRANTMATCH"

const (
	EngineHTTP  = "http"
	EngineColly = "colly"
)

type Config struct {
	Port        string `yaml:"port" envconfig:"PORT"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" envconfig:"REDIS_URL"`
	JWTSecret   string `yaml:"-" envconfig:"JWT_SECRET"`
	AdminSecret string `yaml:"-" envconfig:"ADMIN_SECRET"`

	Log     LogConfig       `yaml:"log"`
	AI      AIConfig        `yaml:"ai"`
	Fetch   FetchConfig     `yaml:"fetch"`
	Weights scoring.Weights `yaml:"weights"`
	Rank    RankConfig      `yaml:"rank"`
}

type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

type AIConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"ENABLED"`
	OllamaURL  string `yaml:"ollama_url" envconfig:"OLLAMA_URL"`
	EmbedModel string `yaml:"embed_model" envconfig:"EMBED_MODEL"`
	GenModel   string `yaml:"gen_model" envconfig:"GEN_MODEL"`
}

type FetchConfig struct {
	Engine            string        `yaml:"engine" envconfig:"ENGINE"`
	SourcesFile       string        `yaml:"sources_file" envconfig:"SOURCES_FILE"`
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ProxyURL          string        `yaml:"proxy_url" envconfig:"PROXY_URL"`
	MaxAttempts       int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BackoffBase       time.Duration `yaml:"backoff_base" envconfig:"BACKOFF_BASE"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" envconfig:"BACKOFF_MULTIPLIER"`
	BackoffMax        time.Duration `yaml:"backoff_max" envconfig:"BACKOFF_MAX"`
	BreakerThreshold  int           `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN"`
	Workers           int           `yaml:"workers" envconfig:"WORKERS"`
	RateLimit         float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	UserAgents        []string      `yaml:"user_agents" envconfig:"USER_AGENTS"`
}

type RankConfig struct {
	MinScore         float64 `yaml:"min_score" envconfig:"MIN_SCORE"`
	Workers          int     `yaml:"workers" envconfig:"WORKERS"`
	ProfileCacheSize int     `yaml:"profile_cache_size" envconfig:"PROFILE_CACHE_SIZE"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port: "8080",
		Log:  LogConfig{Level: "info"},
		AI: AIConfig{
			OllamaURL:  "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			GenModel:   "llama3.2:latest",
		},
		Fetch: FetchConfig{
			Engine:            EngineHTTP,
			RequestTimeout:    30 * time.Second,
			MaxAttempts:       3,
			BackoffBase:       500 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        10 * time.Second,
			BreakerThreshold:  3,
			BreakerCooldown:   5 * time.Minute,
			Workers:           4,
			RateLimit:         2,
		},
		Weights: scoring.DefaultWeights(),
		Rank: RankConfig{
			Workers:          8,
			ProfileCacheSize: 256,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $GRANTMATCH_CONFIG when path is empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "could not read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "could not parse config file %s", path)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "could not read environment")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Fetch.Engine) {
	case EngineHTTP, EngineColly:
	default:
		return errors.Errorf("unknown fetch engine %q", c.Fetch.Engine)
	}
	if c.Fetch.MaxAttempts < 1 {
		return errors.New("fetch.max_attempts must be at least 1")
	}
	if c.Fetch.BackoffBase < 0 || c.Fetch.BackoffMax < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if c.Fetch.BackoffMultiplier < 1 {
		return errors.New("fetch.backoff_multiplier must be at least 1")
	}
	if c.Fetch.BreakerThreshold < 1 || c.Fetch.BreakerCooldown <= 0 {
		return errors.New("breaker threshold and cooldown must be positive")
	}
	if c.Fetch.Workers < 1 || c.Rank.Workers < 1 {
		return errors.New("worker counts must be positive")
	}
	if c.Fetch.RateLimit < 0 {
		return errors.New("fetch.rate_limit must not be negative")
	}
	if c.Rank.MinScore < 0 || c.Rank.MinScore > 1 {
		return errors.Errorf("rank.min_score %v outside [0, 1]", c.Rank.MinScore)
	}
	return errors.Wrap(c.Weights.Validate(), "weights")
}
