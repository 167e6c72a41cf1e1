package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/metrics"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/sim"
	"github.com/rustyeddy/papertrade/strategy"
)

var t0 = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

// forEachGateway runs fn against a fresh Memory and a fresh sqlite SQL.
func forEachGateway(t *testing.T, fn func(t *testing.T, g Gateway)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "journal.db")
		g, err := OpenSQL(context.Background(), SQLite, path, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		fn(t, g)
	})
}

func newLedger(g Gateway) *ledger.Ledger {
	return ledger.New(ledger.WithStore(g), ledger.WithClock(func() time.Time { return t0 }))
}

func usdt(s string) money.Money { return money.MustParse(s, money.USDT) }

func TestGatewayLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		l := newLedger(g)

		_, err := l.Open(ctx, "acct-1", "paper", money.USDT, decimal.RequireFromString("2.5"))
		require.NoError(t, err)
		require.NoError(t, l.Deposit(ctx, "acct-1", usdt("10000")))
		require.NoError(t, l.ApplyTrade(ctx, "acct-1", ledger.Fill{
			TradeID: "trade-1",
			Legs:    []ledger.Leg{{Type: ledger.TxBuy, Amount: usdt("-2000.5"), Reserved: usdt("2000.5")}},
			Fee:     usdt("5.00125"),
		}))

		want, err := l.Snapshot("acct-1")
		require.NoError(t, err)
		got, err := g.FindAccount(ctx, "acct-1")
		require.NoError(t, err)

		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Quote, got.Quote)
		assert.Equal(t, want.Status, got.Status)
		assert.True(t, want.Leverage.Equal(got.Leverage))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, want.Available(money.USDT).Equal(got.Available(money.USDT)), "available %s", got.Available(money.USDT))
		assert.True(t, want.Reserved(money.USDT).Equal(got.Reserved(money.USDT)))

		b, err := g.QueryBalance(ctx, "acct-1", money.USDT)
		require.NoError(t, err)
		assert.Equal(t, "7994.49875", b.Available.Amount().String())
		assert.Equal(t, "2000.5", b.Reserved.Amount().String())

		b, err = g.QueryBalance(ctx, "acct-1", money.BTC)
		require.NoError(t, err)
		assert.True(t, b.Total().IsZero())

		wantTxs, err := l.Transactions("acct-1")
		require.NoError(t, err)
		gotTxs, err := g.ListTransactions(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, gotTxs, len(wantTxs))
		for i := range wantTxs {
			assert.Equal(t, wantTxs[i].ID, gotTxs[i].ID)
			assert.Equal(t, wantTxs[i].Type, gotTxs[i].Type)
			assert.Equal(t, wantTxs[i].TradeID, gotTxs[i].TradeID)
			assert.True(t, wantTxs[i].Amount.Equal(gotTxs[i].Amount))
			assert.True(t, wantTxs[i].Time.Equal(gotTxs[i].Time))
		}

		restored := ledger.New()
		acct, err := Restore(ctx, g, restored, "acct-1")
		require.NoError(t, err)
		assert.True(t, acct.Available(money.USDT).Equal(want.Available(money.USDT)))
		bp, err := restored.BuyingPower("acct-1")
		require.NoError(t, err)
		assert.Equal(t, "19986.246875", bp.Amount().String())
		txs, err := restored.Transactions("acct-1")
		require.NoError(t, err)
		assert.Len(t, txs, 3)
	})
}

func TestGatewayFailedUpdateWritesNothing(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		l := newLedger(g)
		_, err := l.Open(ctx, "acct-1", "paper", money.USDT, decimal.NewFromInt(1))
		require.NoError(t, err)
		require.NoError(t, l.Deposit(ctx, "acct-1", usdt("100")))

		err = l.Update(ctx, "acct-1", func(b *ledger.Book) error {
			if err := b.Deposit(usdt("50")); err != nil {
				return err
			}
			b.OnCommit(func(ctx context.Context, s ledger.Store) error {
				ts, ok := s.(sim.TradeStore)
				require.True(t, ok, "commit hooks see a trade store")
				if err := ts.SaveEquity(ctx, "acct-1", sim.EquityPoint{Time: t0, Equity: usdt("150")}); err != nil {
					return err
				}
				return errors.New("disk full")
			})
			return nil
		})
		require.ErrorIs(t, err, ErrPersistence)

		b, err := g.QueryBalance(ctx, "acct-1", money.USDT)
		require.NoError(t, err)
		assert.Equal(t, "100", b.Available.Amount().String())

		txs, err := g.ListTransactions(ctx, "acct-1")
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		eq, err := g.ListEquity(ctx, "acct-1")
		require.NoError(t, err)
		assert.Empty(t, eq)
	})
}

func sampleTrade() sim.Trade {
	return sim.Trade{
		ID:          "01JPAPERTRADE0000000000001",
		AccountID:   "acct-1",
		Symbol:      "BTCUSDT",
		Side:        sim.Long,
		EntryTime:   t0.Add(time.Hour),
		EntryPrice:  decimal.RequireFromString("100.05"),
		Quantity:    decimal.RequireFromString("99.85007496"),
		Margin:      usdt("9990.00999"),
		StopLoss:    strategy.Price(95),
		TakeProfit1: strategy.Price(110),
		Confidence:  0.8,
		Fees:        usdt("9.99000999"),
		PnL:         usdt("0"),
	}
}

func TestGatewayTrades(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		tr := sampleTrade()
		require.NoError(t, g.SaveTrade(ctx, tr))

		open, err := g.OpenTrade(ctx, "acct-1", "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, tr.ID, open.ID)
		assert.True(t, open.IsOpen())
		assert.True(t, tr.EntryPrice.Equal(open.EntryPrice))
		assert.True(t, tr.Quantity.Equal(open.Quantity))
		require.NotNil(t, open.StopLoss)
		assert.Equal(t, 95.0, *open.StopLoss)
		assert.Nil(t, open.TakeProfit2)
		assert.True(t, open.ExitTime.IsZero())

		_, err = g.OpenTrade(ctx, "acct-1", "ETHUSDT")
		assert.ErrorIs(t, err, ErrNotFound)

		tr.ExitTime = t0.Add(3 * time.Hour)
		tr.ExitPrice = decimal.NewFromInt(95)
		tr.ExitReason = sim.ExitStopLoss
		tr.Fees = usdt("19.47551423")
		tr.PnL = usdt("-518.72588903")
		require.NoError(t, g.SaveTrade(ctx, tr))

		_, err = g.OpenTrade(ctx, "acct-1", "BTCUSDT")
		assert.ErrorIs(t, err, ErrNotFound)

		trades, err := g.ListTrades(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, trades, 1)
		got := trades[0]
		assert.Equal(t, sim.ExitStopLoss, got.ExitReason)
		assert.True(t, tr.ExitTime.Equal(got.ExitTime))
		assert.True(t, tr.ExitPrice.Equal(got.ExitPrice))
		assert.True(t, tr.PnL.Equal(got.PnL))
		assert.True(t, tr.Fees.Equal(got.Fees))
		assert.True(t, tr.Margin.Equal(got.Margin))
	})
}

func TestGatewayEquityUpserts(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		require.NoError(t, g.SaveEquity(ctx, "acct-1", sim.EquityPoint{Time: t0.Add(2 * time.Hour), Equity: usdt("10010")}))
		require.NoError(t, g.SaveEquity(ctx, "acct-1", sim.EquityPoint{Time: t0.Add(time.Hour), Equity: usdt("10000")}))
		require.NoError(t, g.SaveEquity(ctx, "acct-1", sim.EquityPoint{Time: t0.Add(2 * time.Hour), Equity: usdt("9990")}))
		require.NoError(t, g.SaveEquity(ctx, "acct-2", sim.EquityPoint{Time: t0, Equity: usdt("1")}))

		pts, err := g.ListEquity(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, pts, 2)
		assert.True(t, pts[0].Time.Equal(t0.Add(time.Hour)))
		assert.Equal(t, "9990", pts[1].Equity.Amount().String())
	})
}

func TestGatewayRuns(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		sharpe := 1.25
		run := Run{
			ID:        "run-1",
			AccountID: "backtest",
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			Strategy:  "EMA_CROSS(12,26)",
			Dataset:   "btc.csv",
			Start:     t0,
			End:       t0.Add(48 * time.Hour),
			Candles:   48,
			Metrics:   metrics.Report{Trades: 2, Wins: 1, Losses: 1, NetPnL: 12.5, Sharpe: &sharpe},
			Created:   t0.Add(72 * time.Hour),
		}
		require.NoError(t, g.SaveRun(ctx, run))

		got, err := g.FindRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, run.Strategy, got.Strategy)
		assert.Equal(t, run.Candles, got.Candles)
		assert.True(t, run.End.Equal(got.End))
		assert.Equal(t, run.Metrics, got.Metrics)

		_, err = g.FindRun(ctx, "run-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGatewayMissingAccount(t *testing.T) {
	t.Parallel()

	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		_, err := g.FindAccount(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = g.QueryBalance(ctx, "nobody", money.USDT)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = Restore(ctx, g, ledger.New(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func waveCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		step := 1.5
		if (i/7)%2 == 1 {
			step = -1.5
		}
		open := price
		price += step
		out[i] = market.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     open,
			High:     max(open, price) + 0.25,
			Low:      min(open, price) - 0.25,
			Close:    price,
			Volume:   1,
		}
	}
	return out
}

func TestBacktestPersistsToSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g, err := OpenSQL(ctx, SQLite, filepath.Join(t.TempDir(), "bt.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	cfgStrat := strategy.DefaultEMACross()
	cfgStrat.FastPeriod, cfgStrat.SlowPeriod = 2, 5
	strat, err := strategy.NewEMACross(cfgStrat)
	require.NoError(t, err)

	cfg := sim.DefaultConfig()
	cfg.Window = 20
	res, err := sim.RunBacktest(ctx, waveCandles(80), strat, cfg, sim.WithStore(g))
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	trades, err := g.ListTrades(ctx, res.AccountID)
	require.NoError(t, err)
	require.Len(t, trades, len(res.Trades))
	for i, tr := range res.Trades {
		assert.Equal(t, tr.ID, trades[i].ID)
		assert.Equal(t, tr.ExitReason, trades[i].ExitReason)
		assert.True(t, tr.PnL.Equal(trades[i].PnL))
	}

	eq, err := g.ListEquity(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Len(t, eq, len(res.Equity))

	txs, err := g.ListTransactions(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Len(t, txs, len(res.Transactions))

	b, err := g.QueryBalance(ctx, res.AccountID, money.USDT)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(res.Account.Available(money.USDT)))
}
