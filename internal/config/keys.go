package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "DRILLFORGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DRILLFORGE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "engine.kind", typ: kString, env: "DRILLFORGE_ENGINE_KIND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Kind },
	},
	{
		key: "engine.ollama_base_url", typ: kString, env: "DRILLFORGE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaBaseURL },
	},
	{
		key: "engine.gen_model", typ: kString, env: "DRILLFORGE_GEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.GenModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.GenModel },
	},
	{
		key: "engine.embed_model", typ: kString, env: "DRILLFORGE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "engine.openai_api_key", typ: kString, env: "DRILLFORGE_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIAPIKey },
	},
	{
		key: "engine.openai_base_url", typ: kString, env: "DRILLFORGE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIBaseURL },
	},
	{
		key: "engine.call_timeout", typ: kString, env: "DRILLFORGE_ENGINE_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.CallTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRILLFORGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DRILLFORGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.relax_after", typ: kInt, env: "DRILLFORGE_GENERATION_RELAX_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Generation.RelaxAfter = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.RelaxAfter },
	},
	{
		key: "generation.relax_step", typ: kFloat, env: "DRILLFORGE_GENERATION_RELAX_STEP",
		apply:   func(cfg *Config, v any) { cfg.Generation.RelaxStep = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.RelaxStep },
	},
	{
		key: "generation.relax_floor", typ: kFloat, env: "DRILLFORGE_GENERATION_RELAX_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Generation.RelaxFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.RelaxFloor },
	},
	{
		key: "generation.stall_after", typ: kInt, env: "DRILLFORGE_GENERATION_STALL_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Generation.StallAfter = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.StallAfter },
	},
	{
		key: "generation.stall_step", typ: kFloat, env: "DRILLFORGE_GENERATION_STALL_STEP",
		apply:   func(cfg *Config, v any) { cfg.Generation.StallStep = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.StallStep },
	},
	{
		key: "generation.stall_floor", typ: kFloat, env: "DRILLFORGE_GENERATION_STALL_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Generation.StallFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.StallFloor },
	},
	{
		key: "generation.saturation_limit", typ: kInt, env: "DRILLFORGE_GENERATION_SATURATION_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Generation.SaturationLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.SaturationLimit },
	},
	{
		key: "generation.session_threshold", typ: kFloat, env: "DRILLFORGE_GENERATION_SESSION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Generation.SessionThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.SessionThreshold },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "DRILLFORGE_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "limits.bucket_capacity", typ: kFloat, env: "DRILLFORGE_LIMITS_BUCKET_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Limits.BucketCapacity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Limits.BucketCapacity },
	},
	{
		key: "limits.bucket_refill_per_sec", typ: kFloat, env: "DRILLFORGE_LIMITS_BUCKET_REFILL_PER_SEC",
		apply:   func(cfg *Config, v any) { cfg.Limits.BucketRefillPerSec = v.(float64) },
		extract: func(cfg Config) any { return cfg.Limits.BucketRefillPerSec },
	},
	{
		key: "limits.breaker_failure_threshold", typ: kInt, env: "DRILLFORGE_LIMITS_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Limits.BreakerFailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.BreakerFailureThreshold },
	},
	{
		key: "limits.breaker_success_threshold", typ: kInt, env: "DRILLFORGE_LIMITS_BREAKER_SUCCESS_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Limits.BreakerSuccessThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.BreakerSuccessThreshold },
	},
	{
		key: "limits.breaker_timeout", typ: kString, env: "DRILLFORGE_LIMITS_BREAKER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Limits.BreakerTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Limits.BreakerTimeout },
	},
	{
		key: "limits.retry_max_attempts", typ: kInt, env: "DRILLFORGE_LIMITS_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Limits.RetryMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.RetryMaxAttempts },
	},
	{
		key: "limits.retry_base_delay", typ: kString, env: "DRILLFORGE_LIMITS_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Limits.RetryBaseDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Limits.RetryBaseDelay },
	},
	{
		key: "limits.retry_max_delay", typ: kString, env: "DRILLFORGE_LIMITS_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Limits.RetryMaxDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Limits.RetryMaxDelay },
	},
	{
		key: "cache.semantic_threshold", typ: kFloat, env: "DRILLFORGE_CACHE_SEMANTIC_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.SemanticThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.SemanticThreshold },
	},
	{
		key: "cache.ttl", typ: kString, env: "DRILLFORGE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "dispatcher.concurrency", typ: kInt, env: "DRILLFORGE_DISPATCHER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatcher.Concurrency },
	},
	{
		key: "dispatcher.poll_interval", typ: kString, env: "DRILLFORGE_DISPATCHER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatcher.PollInterval },
	},
	{
		key: "dispatcher.job_max_attempts", typ: kInt, env: "DRILLFORGE_DISPATCHER_JOB_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.JobMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatcher.JobMaxAttempts },
	},
	{
		key: "dispatcher.retain_age", typ: kString, env: "DRILLFORGE_DISPATCHER_RETAIN_AGE",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.RetainAge = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatcher.RetainAge },
	},
	{
		key: "dispatcher.retain_count", typ: kInt, env: "DRILLFORGE_DISPATCHER_RETAIN_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.RetainCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatcher.RetainCount },
	},
	{
		key: "dispatcher.sweep_interval", typ: kString, env: "DRILLFORGE_DISPATCHER_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatcher.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatcher.SweepInterval },
	},
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
