package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	if cfg.Budget.MaxTokens != 200000 || cfg.Budget.ResponseReserve != 8192 {
		t.Errorf("unexpected budget defaults: %+v", cfg.Budget)
	}
	if !cfg.Compaction.ExtractLearnings || cfg.Compaction.PreserveTurns != 4 {
		t.Errorf("unexpected compaction defaults: %+v", cfg.Compaction)
	}
	if cfg.Capabilities.TokenCeiling != 20000 || !cfg.Capabilities.AutoEvict {
		t.Errorf("unexpected capability defaults: %+v", cfg.Capabilities)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	content := `
[agent]
name = "reviewer"
max_iterations = 12

[budget]
max_tokens = 100000

[hitl]
cost_threshold = 0.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Name != "reviewer" || cfg.Agent.MaxIterations != 12 {
		t.Errorf("agent section not applied: %+v", cfg.Agent)
	}
	if cfg.Budget.MaxTokens != 100000 {
		t.Errorf("budget override not applied: %d", cfg.Budget.MaxTokens)
	}
	if cfg.Budget.ResponseReserve != 8192 {
		t.Error("untouched fields should keep defaults")
	}
	if cfg.HITL.CostThreshold != 0.5 {
		t.Errorf("hitl override not applied: %v", cfg.HITL.CostThreshold)
	}
}

func TestAPIKeyEnvFallback(t *testing.T) {
	cfg := New()
	cfg.LLM.Provider = "anthropic"
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	if got := cfg.GetAPIKey(); got != "test-key" {
		t.Errorf("api key = %q", got)
	}

	cfg.LLM.APIKeyEnv = "CUSTOM_KEY"
	t.Setenv("CUSTOM_KEY", "other-key")
	if got := cfg.GetAPIKey(); got != "other-key" {
		t.Errorf("explicit env should win, got %q", got)
	}
}
