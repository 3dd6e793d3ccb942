package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	envConfigPath   = "MURMUR_CONFIG"
	envOpenAIAPIKey = "OPENAI_API_KEY"
	envBusHost      = "MURMUR_BUS_HOST"
	envBusPort      = "MURMUR_BUS_PORT"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bus      BusConfig      `json:"bus"`
	Matching MatchingConfig `json:"matching"`
	Dispatch DispatchConfig `json:"dispatch"`
	Session  SessionConfig  `json:"session"`
	Neural   NeuralConfig   `json:"neural,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BusConfig configures the WebSocket bus endpoint shared by in-process and
// out-of-process collaborators.
type BusConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Route string `json:"route"`
}

// MatchingConfig holds the intent pipeline policy constants. The relative
// ordering guarantees of the pipeline hold regardless of the chosen numbers.
type MatchingConfig struct {
	ExactThreshold      float64 `json:"exact_threshold"`
	AcceptanceThreshold float64 `json:"acceptance_threshold"`
}

// DispatchConfig bounds handler and converse execution time.
type DispatchConfig struct {
	HandlerTimeoutSeconds  int `json:"handler_timeout_seconds"`
	ConverseTimeoutSeconds int `json:"converse_timeout_seconds"`
}

// SessionConfig controls conversational session lifecycle.
type SessionConfig struct {
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes"`
	DefaultLang        string `json:"default_lang"`
}

// NeuralConfig enables the LLM-backed probabilistic matcher. When disabled
// the built-in token classifier serves the probabilistic stage.
type NeuralConfig struct {
	Enabled        bool   `json:"enabled"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Default returns the configuration used when no config.json is present.
func Default() *Config {
	return &Config{
		Bus:      BusConfig{Host: "0.0.0.0", Port: 8181, Route: "/core"},
		Matching: MatchingConfig{ExactThreshold: 0.95, AcceptanceThreshold: 0.5},
		Dispatch: DispatchConfig{HandlerTimeoutSeconds: 15, ConverseTimeoutSeconds: 5},
		Session:  SessionConfig{IdleTimeoutMinutes: 5, DefaultLang: "en-us"},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and
// applies environment overrides. A missing config file is not an error; the
// defaults carry a runnable core.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
		return fmt.Errorf("bus.port out of range: %d", c.Bus.Port)
	}
	if !strings.HasPrefix(c.Bus.Route, "/") {
		return fmt.Errorf("bus.route must start with /: %q", c.Bus.Route)
	}
	if c.Matching.ExactThreshold < 0 || c.Matching.ExactThreshold > 1 {
		return fmt.Errorf("matching.exact_threshold out of range: %v", c.Matching.ExactThreshold)
	}
	if c.Matching.AcceptanceThreshold < 0 || c.Matching.AcceptanceThreshold > 1 {
		return fmt.Errorf("matching.acceptance_threshold out of range: %v", c.Matching.AcceptanceThreshold)
	}
	if c.Dispatch.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.handler_timeout_seconds must be positive: %d", c.Dispatch.HandlerTimeoutSeconds)
	}
	if c.Dispatch.ConverseTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.converse_timeout_seconds must be positive: %d", c.Dispatch.ConverseTimeoutSeconds)
	}
	if c.Neural.Enabled && strings.TrimSpace(c.Neural.Model) == "" {
		return fmt.Errorf("neural.model is required when neural matching is enabled")
	}
	return nil
}

// HandlerTimeout returns the per-invocation dispatch budget.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Dispatch.HandlerTimeoutSeconds) * time.Second
}

// ConverseTimeout returns the budget for one converse offer.
func (c *Config) ConverseTimeout() time.Duration {
	return time.Duration(c.Dispatch.ConverseTimeoutSeconds) * time.Second
}

// IdleTimeout returns the session idle reset threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMinutes) * time.Minute
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if host := strings.TrimSpace(os.Getenv(envBusHost)); host != "" {
		cfg.Bus.Host = host
	}
	if rawPort := strings.TrimSpace(os.Getenv(envBusPort)); rawPort != "" {
		var port int
		if _, err := fmt.Sscanf(rawPort, "%d", &port); err == nil && port > 0 {
			cfg.Bus.Port = port
		}
	}
	if key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey)); key != "" && cfg.Neural.APIKey == "" {
		cfg.Neural.APIKey = key
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is MURMUR_CONFIG first, then cwd-local fallback paths. An empty
// return with nil error means no config file exists and defaults apply.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("MURMUR_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
