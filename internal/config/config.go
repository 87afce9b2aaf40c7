// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the full agent runtime configuration.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	LLM          LLMConfig          `toml:"llm"`
	Budget       BudgetConfig       `toml:"budget"`
	Compaction   CompactionConfig   `toml:"compaction"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	HITL         HITLConfig         `toml:"hitl"`
	Supervision  SupervisionConfig  `toml:"supervision"`
	Storage      StorageConfig      `toml:"storage"`
	Knowledge    KnowledgeConfig    `toml:"knowledge"`
	Notify       NotifyConfig       `toml:"notify"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

// AgentConfig contains run-level settings.
type AgentConfig struct {
	Name          string  `toml:"name"`
	SystemPrompt  string  `toml:"system_prompt"`
	RepoOverview  string  `toml:"repo_overview"`
	MaxIterations int     `toml:"max_iterations"`
	BudgetUSD     float64 `toml:"budget_usd"` // 0 = unbudgeted
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider          string  `toml:"provider"`
	Model             string  `toml:"model"`
	APIKeyEnv         string  `toml:"api_key_env"`
	InputCostPerMTok  float64 `toml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `toml:"output_cost_per_mtok"`
}

// BudgetConfig tunes the token budget assembler.
type BudgetConfig struct {
	MaxTokens       int     `toml:"max_tokens"`
	ResponseReserve int     `toml:"response_reserve"`
	MaxCacheable    int     `toml:"max_cacheable"`
	UsageRatio      float64 `toml:"usage_ratio"`
	IterationGap    int     `toml:"iteration_gap"`
	// Encoding names the tiktoken encoding; empty falls back to the
	// chars/4 heuristic.
	Encoding string `toml:"encoding"`
}

// CompactionConfig tunes the compaction engine.
type CompactionConfig struct {
	PreserveTurns       int     `toml:"preserve_turns"`
	RecentCalls         int     `toml:"recent_calls"`
	ExtractLearnings    bool    `toml:"extract_learnings"`
	MinConfidence       float64 `toml:"min_confidence"`
	MaxLearnings        int     `toml:"max_learnings"`
	UnloadTools         bool    `toml:"unload_tools"`
	MaxMemoryEntryChars int     `toml:"max_memory_entry_chars"`
}

// CapabilitiesConfig tunes the capability loader.
type CapabilitiesConfig struct {
	TokenCeiling int      `toml:"token_ceiling"`
	AutoEvict    bool     `toml:"auto_evict"`
	CoreGroups   []string `toml:"core_groups"`
	// ManifestDir holds YAML group manifests, watched for changes.
	ManifestDir string `toml:"manifest_dir"`
	// InitialGroups are loaded at startup in addition to core groups.
	InitialGroups []string `toml:"initial_groups"`
	// SkillsDir holds skill folders (SKILL.md instruction packs).
	SkillsDir string `toml:"skills_dir"`
}

// SandboxConfig tunes script execution.
type SandboxConfig struct {
	MaxSteps       uint64 `toml:"max_steps"`
	MaxOutputChars int    `toml:"max_output_chars"`
	// Shared serializes all executions through one interpreter slot.
	Shared bool `toml:"shared"`
}

// HITLConfig contains human-in-the-loop thresholds.
type HITLConfig struct {
	CostThreshold      float64 `toml:"cost_threshold"`
	IterationThreshold int     `toml:"iteration_threshold"`
}

// SupervisionConfig tunes the drift-detection supervisor.
type SupervisionConfig struct {
	Enabled bool `toml:"enabled"`
	// Interval schedules a review every N iterations.
	Interval int `toml:"interval"`
	// ErrorStreak forces a review after this many consecutive errors.
	ErrorStreak int `toml:"error_streak"`
}

// StorageConfig contains context persistence settings.
type StorageConfig struct {
	Path string `toml:"path"` // base directory for persisted contexts
}

// KnowledgeConfig contains knowledge store settings.
type KnowledgeConfig struct {
	// Backend is "sqlite", "bleve", or "memory".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// NotifyConfig contains notification channel settings.
type NotifyConfig struct {
	NATSURL string `toml:"nats_url"` // empty = log only
	Subject string `toml:"subject"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Protocol string `toml:"protocol"`
	Endpoint string `toml:"endpoint"`
}

// New creates a config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations: 50,
		},
		LLM: LLMConfig{
			InputCostPerMTok:  3.0,
			OutputCostPerMTok: 15.0,
		},
		Budget: BudgetConfig{
			MaxTokens:       200000,
			ResponseReserve: 8192,
			MaxCacheable:    4,
			UsageRatio:      0.75,
			IterationGap:    10,
			Encoding:        "cl100k_base",
		},
		Compaction: CompactionConfig{
			PreserveTurns:       4,
			RecentCalls:         10,
			ExtractLearnings:    true,
			MinConfidence:       0.6,
			MaxLearnings:        5,
			UnloadTools:         true,
			MaxMemoryEntryChars: 500,
		},
		Capabilities: CapabilitiesConfig{
			TokenCeiling: 20000,
			AutoEvict:    true,
		},
		Sandbox: SandboxConfig{
			MaxSteps:       10_000_000,
			MaxOutputChars: 20000,
			Shared:         true,
		},
		HITL: HITLConfig{
			CostThreshold:      2.0,
			IterationThreshold: 20,
		},
		Supervision: SupervisionConfig{
			Interval:    5,
			ErrorStreak: 3,
		},
		Storage: StorageConfig{
			Path: defaultDataDir("sessions"),
		},
		Knowledge: KnowledgeConfig{
			Backend: "sqlite",
			Path:    defaultDataDir("knowledge.db"),
		},
		Notify: NotifyConfig{
			Subject: "agent.events",
		},
	}
}

// LoadFile loads configuration from a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads agent.toml from the current directory, falling back
// to pure defaults when the file is absent.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "agent.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// GetAPIKey returns the API key from the configured environment
// variable, defaulting per provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the conventional environment variable for a
// provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

func defaultDataDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "typedai-agent", name)
}
