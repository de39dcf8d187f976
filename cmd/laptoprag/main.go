package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"laptoprag/internal/config"
	"laptoprag/internal/logger"
)

var (
	cfgPath  string
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "laptoprag",
	Short: "Grounded question answering over a laptop catalog",
	Long: "Builds a BM25 index over the laptop catalog, answers questions with cited evidence " +
		"and verifies every answer sentence before returning it.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (default: ./config.yaml or ~/.config/laptoprag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(demoCmd(), singleCmd(), evalCmd(), tuiCmd(), serveCmd())
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config file and the logger the flags ask for.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, logger.Logger, error) {
	var (
		cfg  *config.AppConfig
		path = cfgPath
		err  error
	)
	if path == "" {
		cfg, path, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	lc := logger.DefaultConfig()
	lc.Level, lc.JSON, lc.Output = cfg.Log.Level, cfg.Log.JSON, cmd.ErrOrStderr()
	log := logger.New(lc)
	log.Debug("config loaded", "path", path)
	return cfg, log, nil
}
