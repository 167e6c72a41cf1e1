package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/risk"
)

// QuantityPlaces is the precision positions are sized to.
const QuantityPlaces = 8

// Config describes one account trading one symbol.
type Config struct {
	AccountID   string
	AccountName string
	Symbol      string
	Quote       money.Currency
	Timeframe   market.Timeframe

	InitialCapital decimal.Decimal
	Leverage       decimal.Decimal

	// Window is how many trailing candles the strategy sees.
	Window int

	// PositionFraction of buying power committed per entry, (0, 1].
	PositionFraction decimal.Decimal
	// FeeRate is charged on the notional of every fill, e.g. 0.001.
	FeeRate decimal.Decimal
	// SlippageBps moves signal fills against us, 1bp = 0.01%.
	SlippageBps decimal.Decimal

	// ConfidenceThreshold, MinRR and MaxRiskPct gate entries.
	Entry risk.Policy
	// RiskPerTrade caps the position so that hitting the stop loses this
	// fraction of equity. 0 disables.
	RiskPerTrade float64

	Breakers risk.Config

	// CloseAtEnd closes an open trade on the last backtest candle.
	CloseAtEnd bool
	// Seed drives trade and transaction ids. Runs with the same seed and
	// candles produce identical ids.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		AccountID:        "backtest",
		AccountName:      "paper",
		Symbol:           "BTCUSDT",
		Quote:            money.USDT,
		Timeframe:        market.H1,
		InitialCapital:   decimal.NewFromInt(10000),
		Leverage:         decimal.NewFromInt(1),
		Window:           100,
		PositionFraction: decimal.NewFromInt(1),
		FeeRate:          decimal.RequireFromString("0.001"),
		SlippageBps:      decimal.NewFromInt(5),
		Entry:            risk.Policy{ConfidenceThreshold: 0.6},
		Breakers:         risk.DefaultConfig(),
		CloseAtEnd:       true,
		Seed:             1,
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("sim config: symbol is required")
	}
	if !c.Quote.Valid() {
		return fmt.Errorf("sim config: %w: %q", money.ErrUnknownCurrency, c.Quote)
	}
	if c.Timeframe != "" && !c.Timeframe.Valid() {
		return fmt.Errorf("sim config: unsupported timeframe %q", c.Timeframe)
	}
	if c.Window <= 0 {
		return fmt.Errorf("sim config: window must be > 0")
	}
	if c.PositionFraction.Sign() <= 0 || c.PositionFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("sim config: position fraction %s outside (0, 1]", c.PositionFraction)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("sim config: fee rate %s outside [0, 1)", c.FeeRate)
	}
	if c.SlippageBps.IsNegative() || c.SlippageBps.GreaterThanOrEqual(decimal.NewFromInt(10000)) {
		return fmt.Errorf("sim config: slippage %s bps outside [0, 10000)", c.SlippageBps)
	}
	if c.Leverage.LessThan(ledger.MinLeverage) || c.Leverage.GreaterThan(ledger.MaxLeverage) {
		return fmt.Errorf("sim config: %w: %s", ledger.ErrInvalidLeverage, c.Leverage)
	}
	if c.Entry.ConfidenceThreshold < 0 || c.Entry.ConfidenceThreshold > 1 {
		return fmt.Errorf("sim config: confidence threshold %v outside [0, 1]", c.Entry.ConfidenceThreshold)
	}
	if c.RiskPerTrade < 0 || c.RiskPerTrade >= 1 {
		return fmt.Errorf("sim config: risk per trade %v outside [0, 1)", c.RiskPerTrade)
	}
	return nil
}

func (c Config) slippage() decimal.Decimal {
	return c.SlippageBps.Div(decimal.NewFromInt(10000))
}
