package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reweave/internal/config"
	"reweave/internal/llm"
)

var (
	// Global flags
	configPath string
	verbose    bool
	apiKey     string

	// Boot logger. Per-category file logging takes over once the server
	// is up; this one covers startup and shutdown.
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reweave",
	Short: "reweave - coherent document reconstruction server",
	Long: `reweave rebuilds long documents chunk by chunk with an LLM while
holding the whole piece together: a skeleton extracted up front anchors
every chunk, and per-chunk deltas carry claims and terminology forward
so later chunks stay consistent with earlier ones.

Jobs are durable in SQLite and resumable after a crash. Progress streams
over websocket at chunk granularity.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if apiKey != "" {
			cfg.LLM.APIKey = apiKey
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLLMClient builds the provider client the config names.
func newLLMClient(cfg *config.Config) (llm.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.GetLLMTimeout()

	switch cfg.LLM.Provider {
	case "openai":
		oc := llm.DefaultOpenAIConfig(cfg.LLM.APIKey)
		oc.Timeout = timeout
		if cfg.LLM.Model != "" {
			oc.Model = cfg.LLM.Model
		}
		if cfg.LLM.BaseURL != "" {
			oc.BaseURL = cfg.LLM.BaseURL
		}
		return llm.NewOpenAIClient(oc), nil
	case "gemini":
		gc := llm.DefaultGeminiConfig(cfg.LLM.APIKey)
		gc.Timeout = timeout
		if cfg.LLM.Model != "" {
			gc.Model = cfg.LLM.Model
		}
		if cfg.LLM.BaseURL != "" {
			gc.BaseURL = cfg.LLM.BaseURL
		}
		return llm.NewGeminiClient(gc), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLM.Provider)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "reweave.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (overrides config and environment)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(configCmd)
}

// configCmd writes the current effective configuration to disk.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write the effective configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

func main() {
	start := time.Now()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if logger != nil {
			logger.Error("command failed", zap.Error(err), zap.Duration("uptime", time.Since(start)))
		}
		os.Exit(1)
	}
}
