package config

import (
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	return "", false, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	if i, isInt := v.(int); isInt {
		return i, true, nil
	}
	return 0, false, nil
}

func (m mapBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m mapBackend) Delete(key string) error          { delete(m, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(mapBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Server.Port = %d, want 4700", cfg.Server.Port)
	}
	if cfg.Engine.Kind != "ollama" {
		t.Errorf("Engine.Kind = %q, want %q", cfg.Engine.Kind, "ollama")
	}
	if cfg.Engine.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("Engine.OllamaBaseURL = %q", cfg.Engine.OllamaBaseURL)
	}
	if cfg.Generation.SaturationLimit != 10 {
		t.Errorf("Generation.SaturationLimit = %d, want 10", cfg.Generation.SaturationLimit)
	}
	if cfg.Generation.ThresholdEarly != 0.85 || cfg.Generation.StallFloor != 0.68 {
		t.Errorf("threshold defaults = %v/%v, want 0.85/0.68",
			cfg.Generation.ThresholdEarly, cfg.Generation.StallFloor)
	}
	if cfg.Dispatcher.Concurrency != 4 {
		t.Errorf("Dispatcher.Concurrency = %d, want 4", cfg.Dispatcher.Concurrency)
	}
	if cfg.Cache.SemanticThreshold != 0.85 {
		t.Errorf("Cache.SemanticThreshold = %v, want 0.85", cfg.Cache.SemanticThreshold)
	}
}

func TestBackendOverride(t *testing.T) {
	b := mapBackend{
		"server.port":                 5100,
		"engine.gen_model":            "llama3.1",
		"generation.saturation_limit": 15,
		"generation.relax_step":       "0.04",
		"dispatcher.concurrency":      8,
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Engine.GenModel != "llama3.1" {
		t.Errorf("Engine.GenModel = %q, want %q", cfg.Engine.GenModel, "llama3.1")
	}
	if cfg.Generation.SaturationLimit != 15 {
		t.Errorf("Generation.SaturationLimit = %d, want 15", cfg.Generation.SaturationLimit)
	}
	if cfg.Generation.RelaxStep != 0.04 {
		t.Errorf("Generation.RelaxStep = %v, want 0.04", cfg.Generation.RelaxStep)
	}
	if cfg.Dispatcher.Concurrency != 8 {
		t.Errorf("Dispatcher.Concurrency = %d, want 8", cfg.Dispatcher.Concurrency)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DRILLFORGE_GEN_MODEL", "env-model")
	t.Setenv("DRILLFORGE_GENERATION_STALL_FLOOR", "0.65")

	cfg, err := loadWith(mapBackend{"engine.gen_model": "file-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Engine.GenModel != "env-model" {
		t.Errorf("Engine.GenModel = %q, want %q", cfg.Engine.GenModel, "env-model")
	}
	if cfg.Generation.StallFloor != 0.65 {
		t.Errorf("Generation.StallFloor = %v, want 0.65", cfg.Generation.StallFloor)
	}
}

func TestValidateEngineKind(t *testing.T) {
	_, err := loadWith(mapBackend{"engine.kind": "grpc"})
	if err == nil {
		t.Fatal("expected error for invalid engine kind, got nil")
	}
	if !strings.Contains(err.Error(), "engine.kind") {
		t.Errorf("error = %q, want mention of engine.kind", err)
	}
}

func TestValidateOpenAIRequiresKey(t *testing.T) {
	t.Setenv("DRILLFORGE_OPENAI_API_KEY", "")
	_, err := loadWith(mapBackend{"engine.kind": "openai"})
	if err == nil {
		t.Fatal("expected error for missing OpenAI API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to contain %q", err, "missing required config")
	}

	t.Setenv("DRILLFORGE_OPENAI_API_KEY", "sk-test")
	if _, err := loadWith(mapBackend{"engine.kind": "openai"}); err != nil {
		t.Errorf("unexpected error with API key set: %v", err)
	}
}

func TestValidateDurations(t *testing.T) {
	_, err := loadWith(mapBackend{"dispatcher.poll_interval": "soon"})
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "dispatcher.poll_interval") {
		t.Errorf("error = %q, want mention of dispatcher.poll_interval", err)
	}
}
