// ABOUTME: Configuration loading and parsing for the agent runtime
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Tuning    TuningConfig    `yaml:"tuning"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the chat server connection settings
type ServerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AgentConfig holds the agent's identity and scope
type AgentConfig struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	MachineName  string `yaml:"machine_name"`
	// Projects restricts the agent to the named projects. Empty means
	// every project the account can see.
	Projects []string `yaml:"projects"`
}

// AnthropicConfig holds generation backend settings
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// TuningConfig holds routing and streaming knobs
type TuningConfig struct {
	MaxResponseDepth int `yaml:"max_response_depth"`
	ContextWindow    int `yaml:"context_window"`

	ChunkWindow       time.Duration `yaml:"-"`
	GenerationTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ChunkWindowRaw       string `yaml:"chunk_window"`
	GenerationTimeoutRaw string `yaml:"generation_timeout"`
}

// ArchiveConfig holds the local message archive settings
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Username == "" {
		return fmt.Errorf("server.username is required")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}

	if c.Tuning.MaxResponseDepth < 0 {
		return fmt.Errorf("tuning.max_response_depth must not be negative")
	}
	if c.Tuning.ContextWindow < 0 {
		return fmt.Errorf("tuning.context_window must not be negative")
	}

	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required when archive is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Tuning.ChunkWindowRaw != "" {
		cfg.Tuning.ChunkWindow, err = time.ParseDuration(cfg.Tuning.ChunkWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing chunk_window %q: %w", cfg.Tuning.ChunkWindowRaw, err)
		}
	}

	if cfg.Tuning.GenerationTimeoutRaw != "" {
		cfg.Tuning.GenerationTimeout, err = time.ParseDuration(cfg.Tuning.GenerationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing generation_timeout %q: %w", cfg.Tuning.GenerationTimeoutRaw, err)
		}
	}

	return nil
}
