// Package config loads the pipeline configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface for a generation run.
type Config struct {
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Companion CompanionConfig `yaml:"companion"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Limits    LimitsConfig    `yaml:"limits"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InputConfig locates the conversation archive.
type InputConfig struct {
	Dir string `yaml:"dir"`
	// FreshScan ignores the existing scan manifest and starts over.
	FreshScan bool `yaml:"fresh_scan"`
}

// OutputConfig locates run outputs.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// CompanionConfig names the character being preserved.
type CompanionConfig struct {
	Name        string `yaml:"name"`
	Creator     string `yaml:"creator"`
	SourceLabel string `yaml:"source_label"`
}

// SamplingConfig controls conversation selection.
type SamplingConfig struct {
	SampleConversations int    `yaml:"sample_conversations"`
	Strategy            string `yaml:"strategy"`
	Seed                int64  `yaml:"seed"`
}

// LimitsConfig caps transcript sizes and memory counts.
type LimitsConfig struct {
	MaxMemories                int `yaml:"max_memories"`
	MemoryPerChatMax           int `yaml:"memory_per_chat_max"`
	MaxMessagesPerConversation int `yaml:"max_messages_per_conversation"`
	MaxCharsPerConversation    int `yaml:"max_chars_per_conversation"`
	MaxTotalChars              int `yaml:"max_total_chars"`
}

// LLMConfig selects and tunes the model backend. An empty model means a
// heuristic-only run with no LLM calls.
type LLMConfig struct {
	Provider              string  `yaml:"provider"`
	BaseURL               string  `yaml:"base_url"`
	Model                 string  `yaml:"model"`
	APIKey                string  `yaml:"api_key"`
	SiteURL               string  `yaml:"site_url"`
	AppName               string  `yaml:"app_name"`
	Temperature           float64 `yaml:"temperature"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	// ContextWindow overrides inference from catalog metadata or model
	// name when positive.
	ContextWindow    int `yaml:"context_window"`
	MaxParallelCalls int `yaml:"max_parallel_calls"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Dir         string `yaml:"dir"`
	Level       string `yaml:"level"`
	NetworkLogs bool   `yaml:"network_logs"`
}

// RequestTimeout returns the request timeout as a duration.
func (l LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Input:  InputConfig{Dir: "conversations"},
		Output: OutputConfig{Dir: "outputs"},
		Companion: CompanionConfig{
			Name:    "Companion",
			Creator: "unknown",
		},
		Sampling: SamplingConfig{
			SampleConversations: 50,
			Strategy:            "weighted-random",
			Seed:                -1,
		},
		Limits: LimitsConfig{
			MaxMemories:                24,
			MemoryPerChatMax:           12,
			MaxMessagesPerConversation: 50,
			MaxCharsPerConversation:    9000,
			MaxTotalChars:              90000,
		},
		LLM: LLMConfig{
			Provider:              "ollama",
			SiteURL:               "http://localhost",
			AppName:               "companion-keeper",
			Temperature:           0.2,
			RequestTimeoutSeconds: 180,
			MaxParallelCalls:      4,
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
	}
}

// Load reads the config file at path when it exists, layers it over the
// defaults, then applies environment overrides. A missing file is not an
// error; the defaults plus environment stand alone.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides layers COMPANION_KEEPER_* variables and provider API
// keys over the loaded config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COMPANION_KEEPER_INPUT_DIR"); v != "" {
		c.Input.Dir = v
	}
	if v := os.Getenv("COMPANION_KEEPER_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("COMPANION_KEEPER_COMPANION_NAME"); v != "" {
		c.Companion.Name = v
	}
	if v := os.Getenv("COMPANION_KEEPER_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("COMPANION_KEEPER_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("COMPANION_KEEPER_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("COMPANION_KEEPER_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("COMPANION_KEEPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COMPANION_KEEPER_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LLM.MaxParallelCalls = n
		}
	}

	if c.LLM.APIKey == "" {
		c.LLM.APIKey = providerEnvKey(c.LLM.Provider)
	}
	if v := os.Getenv("OPENROUTER_SITE_URL"); v != "" {
		c.LLM.SiteURL = v
	}
	if v := os.Getenv("OPENROUTER_APP_NAME"); v != "" {
		c.LLM.AppName = v
	}
}

func providerEnvKey(provider string) string {
	switch strings.TrimSpace(strings.ToLower(provider)) {
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Validate checks the configuration for values the pipeline cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Input.Dir) == "" {
		return fmt.Errorf("input.dir is required")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if strings.TrimSpace(c.Companion.Name) == "" {
		return fmt.Errorf("companion.name is required")
	}
	if c.Limits.MaxMemories <= 0 {
		return fmt.Errorf("limits.max_memories must be positive")
	}
	if c.Limits.MaxMessagesPerConversation <= 0 || c.Limits.MaxCharsPerConversation <= 0 || c.Limits.MaxTotalChars <= 0 {
		return fmt.Errorf("limits caps must be positive")
	}
	if c.LLM.MaxParallelCalls <= 0 {
		return fmt.Errorf("llm.max_parallel_calls must be positive")
	}
	if c.LLM.Model != "" {
		switch strings.TrimSpace(strings.ToLower(c.LLM.Provider)) {
		case "ollama", "openai", "openrouter", "anthropic":
		default:
			return fmt.Errorf("unsupported llm.provider: %q", c.LLM.Provider)
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2]")
	}
	return nil
}
