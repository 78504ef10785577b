package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Generator GeneratorConfig
	Batch     BatchConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type GeneratorConfig struct {
	BaseURL       string
	APIKey        string
	RatePerSecond float64
	Burst         int
}

type BatchConfig struct {
	Workers              int
	CallsPerRelationship int
	MaxSuggestions       int
	TimeframeHours       int
	RelationshipTimeout  time.Duration
	RunTimeout           time.Duration
	ClaimLease           time.Duration
	SuggestionTTL        time.Duration
	RetryPollInterval    time.Duration
	Strategy             string
	RetryFailed          bool
	Timezone             string
}

type LogConfig struct {
	Level string
}

// Location resolves the batch timezone. "Local" and "" mean the host zone.
func (b BatchConfig) Location() (*time.Location, error) {
	if b.Timezone == "" || b.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("batch.timezone: %w", err)
	}
	return loc, nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generator: GeneratorConfig{
			BaseURL:       "http://localhost:54321/functions/v1",
			RatePerSecond: 2,
			Burst:         2,
		},
		Batch: BatchConfig{
			Workers:              4,
			CallsPerRelationship: 2,
			MaxSuggestions:       3,
			TimeframeHours:       24,
			RelationshipTimeout:  2 * time.Minute,
			RunTimeout:           30 * time.Minute,
			ClaimLease:           time.Hour,
			SuggestionTTL:        7 * 24 * time.Hour,
			RetryPollInterval:    5 * time.Second,
			Strategy:             "per_author",
			Timezone:             "Local",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in layers: defaults, the JSON config file at
// $XDG_CONFIG_HOME/tandem/config.json, a .env file in the working directory
// (never overriding variables already set), TANDEM_* environment variables,
// and finally the secrets file for secrets still unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v\n", err)
	}
	return loadWith(newPlatformBackend(), fileSecrets{path: secretsFilePath()})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if val, err := secrets.Get(s.key); err == nil && val != "" {
			s.apply(&cfg, strings.TrimSpace(val))
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1, got %d", c.Batch.Workers)
	}
	if c.Batch.CallsPerRelationship < 1 {
		return fmt.Errorf("batch.calls_per_relationship must be at least 1, got %d", c.Batch.CallsPerRelationship)
	}
	if c.Batch.RunTimeout <= 0 {
		return fmt.Errorf("batch.run_timeout must be positive, got %s", c.Batch.RunTimeout)
	}
	if c.Batch.ClaimLease <= c.Batch.RunTimeout {
		return fmt.Errorf("batch.claim_lease (%s) must be longer than batch.run_timeout (%s)", c.Batch.ClaimLease, c.Batch.RunTimeout)
	}
	switch c.Batch.Strategy {
	case "per_author", "representative":
	default:
		return fmt.Errorf("batch.strategy must be per_author or representative, got %q", c.Batch.Strategy)
	}
	if _, err := c.Batch.Location(); err != nil {
		return err
	}
	return nil
}

// RequireGenerator reports a missing generator key. Commands that only talk to
// a running server don't need it.
func (c Config) RequireGenerator() error {
	if c.Generator.APIKey == "" {
		return fmt.Errorf("missing required config: generator API key. " +
			"Set it via environment variable TANDEM_GENERATOR_API_KEY or `tandem config set-secret generator.api_key <key>`")
	}
	return nil
}
