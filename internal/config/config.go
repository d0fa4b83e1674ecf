package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig
	Engine     EngineConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Limits     LimitsConfig
	Cache      CacheConfig
	Dispatcher DispatcherConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type EngineConfig struct {
	Kind          string // "ollama" or "openai"
	OllamaBaseURL string
	GenModel      string
	EmbedModel    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	CallTimeout   string // per external call hard deadline
}

type StorageConfig struct {
	DataDir string
}

// GenerationConfig holds the adaptive-loop tuning knobs. The escalation and
// relaxation constants were calibrated empirically against duplicate-rate
// data from early batches; they are config keys rather than constants so
// they can be recalibrated without a rebuild.
type GenerationConfig struct {
	// Progress-tiered base similarity thresholds.
	ThresholdEarly float64 // progress < 0.3
	ThresholdMid   float64 // progress < 0.6
	ThresholdLate  float64 // progress < 0.85
	ThresholdFinal float64 // otherwise

	// Threshold relaxation when the loop stalls.
	RelaxAfter int     // consecutive failures before first relaxation
	RelaxStep  float64 // subtracted from the base threshold
	RelaxFloor float64
	StallAfter int // consecutive failures before deeper relaxation
	StallStep  float64
	StallFloor float64

	// Sampling-parameter escalation.
	BaseTemperature float64
	MaxTemperature  float64
	TemperatureStep float64
	BaseTopP        float64
	MaxTopP         float64
	TopPStep        float64
	BaseTopK        int
	MaxTopK         int
	TopKStep        int

	// SaturationLimit aborts a batch after this many consecutive rejects.
	SaturationLimit int

	// SessionThreshold, when > 0, pins the intra-batch dedup threshold
	// instead of tracking the adaptive corpus threshold.
	SessionThreshold float64

	MaxTokens int
}

type LimitsConfig struct {
	BucketCapacity     float64
	BucketRefillPerSec float64

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          string

	RetryMaxAttempts int
	RetryBaseDelay   string
	RetryMaxDelay    string
}

type CacheConfig struct {
	SemanticThreshold float64
	TTL               string
}

type DispatcherConfig struct {
	Concurrency    int
	PollInterval   string
	JobMaxAttempts int
	RetainAge      string
	RetainCount    int
	SweepInterval  string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Engine: EngineConfig{
			Kind:          "ollama",
			OllamaBaseURL: "http://localhost:11434",
			GenModel:      "mistral-nemo",
			EmbedModel:    "nomic-embed-text",
			CallTimeout:   "60s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			ThresholdEarly:  0.85,
			ThresholdMid:    0.80,
			ThresholdLate:   0.77,
			ThresholdFinal:  0.73,
			RelaxAfter:      5,
			RelaxStep:       0.05,
			RelaxFloor:      0.70,
			StallAfter:      8,
			StallStep:       0.07,
			StallFloor:      0.68,
			BaseTemperature: 0.9,
			MaxTemperature:  1.3,
			TemperatureStep: 0.05,
			BaseTopP:        0.95,
			MaxTopP:         0.98,
			TopPStep:        0.005,
			BaseTopK:        60,
			MaxTopK:         100,
			TopKStep:        5,
			SaturationLimit: 10,
			MaxTokens:       1024,
		},
		Limits: LimitsConfig{
			BucketCapacity:          10,
			BucketRefillPerSec:      2,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 2,
			BreakerTimeout:          "30s",
			RetryMaxAttempts:        3,
			RetryBaseDelay:          "500ms",
			RetryMaxDelay:           "8s",
		},
		Cache: CacheConfig{
			SemanticThreshold: 0.85,
			TTL:               "24h",
		},
		Dispatcher: DispatcherConfig{
			Concurrency:    4,
			PollInterval:   "500ms",
			JobMaxAttempts: 3,
			RetainAge:      "168h",
			RetainCount:    1000,
			SweepInterval:  "10m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration, before any backend or
// environment overrides are applied.
func Default() Config {
	return defaults()
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/drillforge/config.json, with DRILLFORGE_* environment
// variables overriding backend values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Kind {
	case "ollama":
	case "openai":
		if c.Engine.OpenAIAPIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable DRILLFORGE_OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("invalid engine.kind %q (want \"ollama\" or \"openai\")", c.Engine.Kind)
	}

	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be >= 1, got %d", c.Dispatcher.Concurrency)
	}
	if c.Generation.SaturationLimit < 1 {
		return fmt.Errorf("generation.saturation_limit must be >= 1, got %d", c.Generation.SaturationLimit)
	}
	if c.Limits.BucketCapacity <= 0 || c.Limits.BucketRefillPerSec <= 0 {
		return fmt.Errorf("limits bucket capacity and refill rate must be positive")
	}

	for _, d := range []struct {
		key string
		val string
	}{
		{"engine.call_timeout", c.Engine.CallTimeout},
		{"limits.breaker_timeout", c.Limits.BreakerTimeout},
		{"limits.retry_base_delay", c.Limits.RetryBaseDelay},
		{"limits.retry_max_delay", c.Limits.RetryMaxDelay},
		{"cache.ttl", c.Cache.TTL},
		{"dispatcher.poll_interval", c.Dispatcher.PollInterval},
		{"dispatcher.retain_age", c.Dispatcher.RetainAge},
		{"dispatcher.sweep_interval", c.Dispatcher.SweepInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
	}

	return nil
}

// Duration parses a duration config value that already passed validation.
func Duration(val string) time.Duration {
	d, _ := time.ParseDuration(val)
	return d
}
