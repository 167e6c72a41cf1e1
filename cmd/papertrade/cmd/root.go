package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/config"
	"github.com/rustyeddy/papertrade/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "Paper trading and backtesting against candle data",
	Long: `Papertrade simulates a strategy against price candles and keeps a
virtual account with a full audit trail.

It provides tools for:
  - Backtesting a strategy over a CSV or Binance candle history
  - Running the same engine live on candle close boundaries
  - Circuit breakers for drawdown, daily loss, losing streaks and bad data
  - Journaling accounts, trades and equity to SQLite or Postgres
  - Exporting runs as CSV and Org-mode reports`,
	SilenceUsage: true,
}

var (
	cfgFile string
	envFile string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON; defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with PAPERTRADE_* overrides")
}

// loadConfig reads the config file, applies environment overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}
