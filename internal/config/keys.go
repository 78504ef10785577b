package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TANDEM_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TANDEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TANDEM_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TANDEM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "generator.base_url", typ: kString, env: "TANDEM_GENERATOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generator.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.BaseURL },
	},
	{
		key: "generator.api_key", typ: kString, env: "TANDEM_GENERATOR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generator.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.APIKey },
	},
	{
		key: "generator.rate_per_second", typ: kFloat, env: "TANDEM_GENERATOR_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Generator.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generator.RatePerSecond },
	},
	{
		key: "generator.burst", typ: kInt, env: "TANDEM_GENERATOR_BURST",
		apply:   func(cfg *Config, v any) { cfg.Generator.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Generator.Burst },
	},
	{
		key: "batch.workers", typ: kInt, env: "TANDEM_BATCH_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Batch.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.Workers },
	},
	{
		key: "batch.calls_per_relationship", typ: kInt, env: "TANDEM_BATCH_CALLS_PER_RELATIONSHIP",
		apply:   func(cfg *Config, v any) { cfg.Batch.CallsPerRelationship = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.CallsPerRelationship },
	},
	{
		key: "batch.max_suggestions", typ: kInt, env: "TANDEM_BATCH_MAX_SUGGESTIONS",
		apply:   func(cfg *Config, v any) { cfg.Batch.MaxSuggestions = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.MaxSuggestions },
	},
	{
		key: "batch.timeframe_hours", typ: kInt, env: "TANDEM_BATCH_TIMEFRAME_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Batch.TimeframeHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.TimeframeHours },
	},
	{
		key: "batch.relationship_timeout", typ: kDuration, env: "TANDEM_BATCH_RELATIONSHIP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Batch.RelationshipTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Batch.RelationshipTimeout },
	},
	{
		key: "batch.run_timeout", typ: kDuration, env: "TANDEM_BATCH_RUN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Batch.RunTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Batch.RunTimeout },
	},
	{
		key: "batch.claim_lease", typ: kDuration, env: "TANDEM_BATCH_CLAIM_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Batch.ClaimLease = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Batch.ClaimLease },
	},
	{
		key: "batch.suggestion_ttl", typ: kDuration, env: "TANDEM_BATCH_SUGGESTION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Batch.SuggestionTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Batch.SuggestionTTL },
	},
	{
		key: "batch.retry_poll_interval", typ: kDuration, env: "TANDEM_BATCH_RETRY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Batch.RetryPollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Batch.RetryPollInterval },
	},
	{
		key: "batch.strategy", typ: kString, env: "TANDEM_BATCH_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Batch.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Batch.Strategy },
	},
	{
		key: "batch.retry_failed", typ: kBool, env: "TANDEM_BATCH_RETRY_FAILED",
		apply:   func(cfg *Config, v any) { cfg.Batch.RetryFailed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Batch.RetryFailed },
	},
	{
		key: "batch.timezone", typ: kString, env: "TANDEM_BATCH_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Batch.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Batch.Timezone },
	},
	{
		key: "log.level", typ: kString, env: "TANDEM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string for a non-int key type.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kInt:
		return strconv.Atoi(raw)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		parsed, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}
