package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/metrics"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/risk"
	"github.com/rustyeddy/papertrade/strategy"
)

// Result is everything a backtest produced.
type Result struct {
	AccountID    string
	Symbol       string
	Timeframe    market.Timeframe
	Start        time.Time
	End          time.Time
	Candles      int
	Trades       []Trade
	Open         *Trade
	Equity       []EquityPoint
	Transactions []ledger.Transaction
	Account      ledger.Account
	Breakers     []risk.State
	Metrics      metrics.Report
}

// RunBacktest replays candles through strat on a fresh in-memory account
// funded with cfg.InitialCapital. Every candle is processed exactly as it
// would be live, with the account clock set to the candle close. Runs with
// the same candles, strategy and config are identical, ids included.
func RunBacktest(ctx context.Context, candles []market.Candle, strat strategy.Strategy, cfg Config, opts ...Option) (Result, error) {
	if len(candles) == 0 {
		return Result{}, errors.New("backtest: no candles")
	}
	if err := market.ValidateSeries(candles); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}
	if cfg.Timeframe == "" {
		return Result{}, errors.New("backtest: timeframe is required")
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}
	if cfg.InitialCapital.Sign() <= 0 {
		return Result{}, fmt.Errorf("backtest: initial capital %s must be positive", cfg.InitialCapital)
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "backtest"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = zap.NewNop()
	}

	tf := cfg.Timeframe
	now := candles[0].OpenTime
	ids := id.NewGenerator(cfg.Seed)

	lopts := []ledger.Option{
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithIDs(ids),
		ledger.WithLogger(log),
	}
	if o.store != nil {
		lopts = append(lopts, ledger.WithStore(o.store))
	}
	l := ledger.New(lopts...)

	if _, err := l.Open(ctx, cfg.AccountID, cfg.AccountName, cfg.Quote, cfg.Leverage); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}
	if err := l.Deposit(ctx, cfg.AccountID, money.New(cfg.InitialCapital, cfg.Quote)); err != nil {
		return Result{}, fmt.Errorf("backtest: initial deposit: %w", err)
	}

	eng, err := NewEngine(l, strat, cfg, append(opts, WithIDs(ids))...)
	if err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}

	log.Info("backtest started",
		zap.String("symbol", cfg.Symbol),
		zap.String("timeframe", string(tf)),
		zap.Int("candles", len(candles)),
		zap.String("capital", cfg.InitialCapital.String()))

	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("backtest: %w", err)
		}
		now = c.CloseTime(tf)

		lo := i + 1 - cfg.Window
		if lo < 0 {
			lo = 0
		}
		if err := eng.Step(ctx, tf, candles[lo:i+1]); err != nil {
			return Result{}, fmt.Errorf("backtest: %w", err)
		}
	}

	last := candles[len(candles)-1]
	if cfg.CloseAtEnd {
		if err := eng.CloseOpen(ctx, tf, last, ExitEndOfData); err != nil {
			return Result{}, fmt.Errorf("backtest: close at end: %w", err)
		}
	}

	res := Result{
		AccountID: cfg.AccountID,
		Symbol:    cfg.Symbol,
		Timeframe: tf,
		Start:     candles[0].OpenTime,
		End:       last.CloseTime(tf),
		Candles:   len(candles),
		Trades:    eng.Trades(),
		Equity:    eng.Equity(),
		Breakers:  eng.Breakers().States(),
	}
	if t, ok := eng.OpenTrade(); ok {
		res.Open = &t
	}
	if res.Account, err = l.Snapshot(cfg.AccountID); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}
	if res.Transactions, err = l.Transactions(cfg.AccountID); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}

	pnls := make([]float64, len(res.Trades))
	for i, t := range res.Trades {
		pnls[i] = t.PnL.Float64()
	}
	curve := make([]float64, len(res.Equity))
	for i, p := range res.Equity {
		curve[i] = p.Equity.Float64()
	}
	res.Metrics = metrics.Compute(pnls, curve, cfg.InitialCapital.InexactFloat64(), tf.PeriodsPerYear())

	log.Info("backtest finished",
		zap.Int("trades", res.Metrics.Trades),
		zap.Float64("net_pnl", res.Metrics.NetPnL),
		zap.Float64("total_return", res.Metrics.TotalReturn),
		zap.Float64("max_drawdown", res.Metrics.MaxDrawdown))
	return res, nil
}
