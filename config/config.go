package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/papertrade/internal/logging"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/notify"
	"github.com/rustyeddy/papertrade/risk"
	"github.com/rustyeddy/papertrade/sim"
	"github.com/rustyeddy/papertrade/strategy"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "PAPERTRADE_"

// Config represents the complete papertrade configuration
type Config struct {
	Account   AccountConfig   `json:"account" yaml:"account"`
	Market    MarketConfig    `json:"market" yaml:"market"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Strategy  StrategyConfig  `json:"strategy" yaml:"strategy"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
	Leverage float64 `json:"leverage" yaml:"leverage"`
}

// MarketConfig selects the candle source.
type MarketConfig struct {
	Symbol     string   `json:"symbol" yaml:"symbol"`
	Timeframes []string `json:"timeframes" yaml:"timeframes"`
	Source     string   `json:"source" yaml:"source"` // "csv" or "binance"
	CSVPath    string   `json:"csv_path,omitempty" yaml:"csv_path,omitempty"`
	BinanceURL string   `json:"binance_url,omitempty" yaml:"binance_url,omitempty"`
	Timeout    string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type ExecutionConfig struct {
	Window           int     `json:"window" yaml:"window"`
	PositionFraction float64 `json:"position_fraction" yaml:"position_fraction"`
	FeeRate          float64 `json:"fee_rate" yaml:"fee_rate"`
	SlippageBps      float64 `json:"slippage_bps" yaml:"slippage_bps"`
	CloseAtEnd       bool    `json:"close_at_end" yaml:"close_at_end"`
	Seed             int64   `json:"seed" yaml:"seed"`
}

// StrategyConfig picks the signal source. Name is "ema_cross" or "http".
type StrategyConfig struct {
	Name          string  `json:"name" yaml:"name"`
	FastPeriod    int     `json:"fast_period,omitempty" yaml:"fast_period,omitempty"`
	SlowPeriod    int     `json:"slow_period,omitempty" yaml:"slow_period,omitempty"`
	MinSpread     float64 `json:"min_spread,omitempty" yaml:"min_spread,omitempty"`
	StopLossPct   float64 `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct,omitempty"`
	TakeProfitPct float64 `json:"take_profit_pct,omitempty" yaml:"take_profit_pct,omitempty"`
	Confidence    float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	ADXPeriod     int     `json:"adx_period,omitempty" yaml:"adx_period,omitempty"`
	ADXThreshold  float64 `json:"adx_threshold,omitempty" yaml:"adx_threshold,omitempty"`
	RequireDI     bool    `json:"require_di,omitempty" yaml:"require_di,omitempty"`
	URL           string  `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout       string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RiskConfig holds the entry rules and circuit breaker thresholds.
type RiskConfig struct {
	ConfidenceThreshold  float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MinRR                float64 `json:"min_rr,omitempty" yaml:"min_rr,omitempty"`
	MaxRiskPct           float64 `json:"max_risk_pct,omitempty" yaml:"max_risk_pct,omitempty"`
	RiskPerTrade         float64 `json:"risk_per_trade,omitempty" yaml:"risk_per_trade,omitempty"`
	MaxDrawdown          float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MaxDailyLoss         float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxFetchLatency      string  `json:"max_fetch_latency" yaml:"max_fetch_latency"`
	MaxFetchFailures     int     `json:"max_fetch_failures" yaml:"max_fetch_failures"`
}

// JournalConfig contains persistence and export parameters
type JournalConfig struct {
	Driver     string `json:"driver" yaml:"driver"` // "memory", "sqlite3" or "postgres"
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	OrgFile    string `json:"org_file,omitempty" yaml:"org_file,omitempty"`
}

type NotifyConfig struct {
	Log           bool   `json:"log" yaml:"log"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"-" yaml:"-"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisChannel  string `json:"redis_channel,omitempty" yaml:"redis_channel,omitempty"`
	Buffer        int    `json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// ScheduleConfig tunes the live runner.
type ScheduleConfig struct {
	FetchDelay string `json:"fetch_delay" yaml:"fetch_delay"`
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", errors.Join(err, jerr))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadEnv reads a dotenv file into the process environment. A missing file
// is not an error. Variables already set win over the file.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides endpoints and secrets from PAPERTRADE_* variables.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DB_DRIVER":      &c.Journal.Driver,
		"DB_DSN":         &c.Journal.DSN,
		"REDIS_ADDR":     &c.Notify.RedisAddr,
		"REDIS_PASSWORD": &c.Notify.RedisPassword,
		"REDIS_CHANNEL":  &c.Notify.RedisChannel,
		"STRATEGY_URL":   &c.Strategy.URL,
		"BINANCE_URL":    &c.Market.BinanceURL,
		"SYMBOL":         &c.Market.Symbol,
		"LOG_LEVEL":      &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Notify.RedisDB = n
	}
	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_JSON: %w", EnvPrefix, err)
		}
		c.Log.JSON = b
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := money.ParseCurrency(c.Account.Currency); err != nil {
		return fmt.Errorf("account.currency: %w", err)
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	lev := decimal.NewFromFloat(c.Account.Leverage)
	if lev.LessThan(ledger.MinLeverage) || lev.GreaterThan(ledger.MaxLeverage) {
		return fmt.Errorf("account.leverage must be between %s and %s", ledger.MinLeverage, ledger.MaxLeverage)
	}

	if c.Market.Symbol == "" {
		return fmt.Errorf("market.symbol is required")
	}
	if _, err := c.Timeframes(); err != nil {
		return err
	}
	switch c.Market.Source {
	case "csv":
		if c.Market.CSVPath == "" {
			return fmt.Errorf("market.csv_path required for csv source")
		}
	case "binance":
	default:
		return fmt.Errorf("market.source must be 'csv' or 'binance'")
	}

	switch c.Strategy.Name {
	case "ema_cross":
		if _, err := strategy.NewEMACross(c.EMACross()); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	case "http":
		if c.Strategy.URL == "" {
			return fmt.Errorf("strategy.url required for http strategy")
		}
	default:
		return fmt.Errorf("strategy.name must be 'ema_cross' or 'http'")
	}

	switch c.Journal.Driver {
	case "memory":
	case journal.SQLite, journal.Postgres:
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn required for %s", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal.driver must be 'memory', 'sqlite3' or 'postgres'")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, d := range map[string]string{
		"market.timeout":         c.Market.Timeout,
		"strategy.timeout":       c.Strategy.Timeout,
		"risk.max_fetch_latency": c.Risk.MaxFetchLatency,
		"schedule.fetch_delay":   c.Schedule.FetchDelay,
	} {
		if _, err := duration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	sc, err := c.Sim()
	if err != nil {
		return err
	}
	return sc.Validate()
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	sc := sim.DefaultConfig()
	ema := strategy.DefaultEMACross()
	breakers := risk.DefaultConfig()
	return &Config{
		Account: AccountConfig{
			ID:       "paper-001",
			Name:     sc.AccountName,
			Currency: string(sc.Quote),
			Balance:  sc.InitialCapital.InexactFloat64(),
			Leverage: sc.Leverage.InexactFloat64(),
		},
		Market: MarketConfig{
			Symbol:     sc.Symbol,
			Timeframes: []string{string(sc.Timeframe)},
			Source:     "binance",
			BinanceURL: "https://api.binance.com",
			Timeout:    "10s",
		},
		Execution: ExecutionConfig{
			Window:           sc.Window,
			PositionFraction: sc.PositionFraction.InexactFloat64(),
			FeeRate:          sc.FeeRate.InexactFloat64(),
			SlippageBps:      sc.SlippageBps.InexactFloat64(),
			CloseAtEnd:       sc.CloseAtEnd,
			Seed:             sc.Seed,
		},
		Strategy: StrategyConfig{
			Name:          "ema_cross",
			FastPeriod:    ema.FastPeriod,
			SlowPeriod:    ema.SlowPeriod,
			StopLossPct:   ema.StopLossPct,
			TakeProfitPct: ema.TakeProfitPct,
			Confidence:    ema.Confidence,
			Timeout:       "10s",
		},
		Risk: RiskConfig{
			ConfidenceThreshold:  sc.Entry.ConfidenceThreshold,
			MaxDrawdown:          breakers.MaxDrawdown,
			MaxDailyLoss:         breakers.MaxDailyLoss,
			MaxConsecutiveLosses: breakers.MaxConsecutiveLosses,
			MaxFetchLatency:      breakers.MaxFetchLatency.String(),
			MaxFetchFailures:     breakers.MaxFetchFailures,
		},
		Journal: JournalConfig{
			Driver: journal.SQLite,
			DSN:    "./papertrade.db",
		},
		Notify: NotifyConfig{
			Log:          true,
			RedisChannel: notify.DefaultChannel,
			Buffer:       64,
		},
		Log:      LogConfig{Level: "info"},
		Schedule: ScheduleConfig{FetchDelay: "2s"},
	}
}

// Timeframes parses market.timeframes. The first entry drives backtests.
func (c *Config) Timeframes() ([]market.Timeframe, error) {
	if len(c.Market.Timeframes) == 0 {
		return nil, fmt.Errorf("market.timeframes is required")
	}
	out := make([]market.Timeframe, 0, len(c.Market.Timeframes))
	for _, s := range c.Market.Timeframes {
		tf, err := market.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("market.timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// Sim builds the engine configuration.
func (c *Config) Sim() (sim.Config, error) {
	quote, err := money.ParseCurrency(c.Account.Currency)
	if err != nil {
		return sim.Config{}, fmt.Errorf("account.currency: %w", err)
	}
	tfs, err := c.Timeframes()
	if err != nil {
		return sim.Config{}, err
	}
	latency, err := duration(c.Risk.MaxFetchLatency)
	if err != nil {
		return sim.Config{}, fmt.Errorf("risk.max_fetch_latency: %w", err)
	}

	return sim.Config{
		AccountID:        c.Account.ID,
		AccountName:      c.Account.Name,
		Symbol:           strings.ToUpper(c.Market.Symbol),
		Quote:            quote,
		Timeframe:        tfs[0],
		InitialCapital:   decimal.NewFromFloat(c.Account.Balance),
		Leverage:         decimal.NewFromFloat(c.Account.Leverage),
		Window:           c.Execution.Window,
		PositionFraction: decimal.NewFromFloat(c.Execution.PositionFraction),
		FeeRate:          decimal.NewFromFloat(c.Execution.FeeRate),
		SlippageBps:      decimal.NewFromFloat(c.Execution.SlippageBps),
		Entry: risk.Policy{
			ConfidenceThreshold: c.Risk.ConfidenceThreshold,
			MinRR:               c.Risk.MinRR,
			MaxRiskPct:          c.Risk.MaxRiskPct,
		},
		RiskPerTrade: c.Risk.RiskPerTrade,
		Breakers: risk.Config{
			MaxDrawdown:          c.Risk.MaxDrawdown,
			MaxDailyLoss:         c.Risk.MaxDailyLoss,
			MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
			MaxFetchLatency:      latency,
			MaxFetchFailures:     c.Risk.MaxFetchFailures,
			Timing:               risk.DefaultTiming(),
		},
		CloseAtEnd: c.Execution.CloseAtEnd,
		Seed:       c.Execution.Seed,
	}, nil
}

func (c *Config) EMACross() strategy.EMACrossConfig {
	return strategy.EMACrossConfig{
		FastPeriod:    c.Strategy.FastPeriod,
		SlowPeriod:    c.Strategy.SlowPeriod,
		MinSpread:     c.Strategy.MinSpread,
		StopLossPct:   c.Strategy.StopLossPct,
		TakeProfitPct: c.Strategy.TakeProfitPct,
		Confidence:    c.Strategy.Confidence,
		ADXPeriod:     c.Strategy.ADXPeriod,
		ADXThreshold:  c.Strategy.ADXThreshold,
		RequireDI:     c.Strategy.RequireDI,
	}
}

// Duration parses one of the string durations, "" meaning zero.
func Duration(s string) time.Duration {
	d, _ := duration(s)
	return d
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
