// Package config loads reweave configuration from YAML with environment
// overrides for secrets. A missing config file yields the defaults, so the
// server can start with nothing but an API key in the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all reweave configuration.
type Config struct {
	// HTTP/websocket listener
	Server ServerConfig `yaml:"server"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// SQLite persistence
	Store StoreConfig `yaml:"store"`

	// Worker pacing
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StoreConfig configures the SQLite job store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`

	// Completed and aborted jobs older than this are swept.
	JobTTL string `yaml:"job_ttl"`

	// How often the sweeper runs.
	SweepInterval string `yaml:"sweep_interval"`
}

// PipelineConfig tunes the pacing of chunk processing.
type PipelineConfig struct {
	ChunkPauseMin     string `yaml:"chunk_pause_min"`
	ChunkPauseMax     string `yaml:"chunk_pause_max"`
	ContinuationPause string `yaml:"continuation_pause"`
}

// LoggingConfig configures category file logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8700,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			Timeout:  "600s",
		},
		Store: StoreConfig{
			DatabasePath:  filepath.Join("data", "reweave.db"),
			JobTTL:        "24h",
			SweepInterval: "1h",
		},
		Pipeline: PipelineConfig{
			ChunkPauseMin:     "500ms",
			ChunkPauseMax:     "2s",
			ContinuationPause: "300ms",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("REWEAVE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}

	// Database path from environment
	if path := os.Getenv("REWEAVE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// GetLLMTimeout returns the LLM request timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 600 * time.Second
	}
	return d
}

// GetJobTTL returns the job retention window as a duration.
func (c *Config) GetJobTTL() time.Duration {
	d, err := time.ParseDuration(c.Store.JobTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetSweepInterval returns the sweep cadence as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Store.SweepInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetPipelinePauses returns the pacing values as durations. An inverted
// min/max pair collapses to min.
func (c *Config) GetPipelinePauses() (chunkMin, chunkMax, continuation time.Duration) {
	chunkMin = parseDuration(c.Pipeline.ChunkPauseMin, 500*time.Millisecond)
	chunkMax = parseDuration(c.Pipeline.ChunkPauseMax, 2*time.Second)
	if chunkMax < chunkMin {
		chunkMax = chunkMin
	}
	continuation = parseDuration(c.Pipeline.ContinuationPause, 300*time.Millisecond)
	return chunkMin, chunkMax, continuation
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY, GEMINI_API_KEY, or REWEAVE_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}
