// Package journal persists accounts, transactions, trades and equity, and
// exports finished runs for review.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/metrics"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/sim"
)

var ErrNotFound = errors.New("not found")

// ErrPersistence marks a failed write. Ledger updates that fail to persist
// carry it too.
var ErrPersistence = ledger.ErrPersistence

// Gateway is where a paper account lives between runs. Writes made through
// a ledger update land together: every Gateway is a ledger.AtomicStore.
type Gateway interface {
	ledger.AtomicStore
	sim.TradeStore

	FindAccount(ctx context.Context, accountID string) (ledger.Account, error)
	QueryBalance(ctx context.Context, accountID string, c money.Currency) (ledger.Bucket, error)
	ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error)
	// ListTrades returns open and closed trades by entry time.
	ListTrades(ctx context.Context, accountID string) ([]sim.Trade, error)
	// OpenTrade returns the trade still open for symbol, or ErrNotFound.
	OpenTrade(ctx context.Context, accountID, symbol string) (sim.Trade, error)
	ListEquity(ctx context.Context, accountID string) ([]sim.EquityPoint, error)

	SaveRun(ctx context.Context, r Run) error
	FindRun(ctx context.Context, runID string) (Run, error)

	Close() error
}

// Run summarises one backtest.
type Run struct {
	ID        string
	AccountID string
	Symbol    string
	Timeframe string
	Strategy  string
	Dataset   string
	Start     time.Time
	End       time.Time
	Candles   int
	Metrics   metrics.Report
	Created   time.Time

	Notes []string
}

// NewRun describes res for storage and reporting.
func NewRun(res sim.Result, strategy, dataset string, created time.Time) Run {
	return Run{
		ID:        id.UUID(),
		AccountID: res.AccountID,
		Symbol:    res.Symbol,
		Timeframe: string(res.Timeframe),
		Strategy:  strategy,
		Dataset:   dataset,
		Start:     res.Start,
		End:       res.End,
		Candles:   res.Candles,
		Metrics:   res.Metrics,
		Created:   created.UTC(),
	}
}

// Restore loads an account and its history from g into l.
func Restore(ctx context.Context, g Gateway, l *ledger.Ledger, accountID string) (ledger.Account, error) {
	acct, err := g.FindAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("restore %s: %w", accountID, err)
	}
	txs, err := g.ListTransactions(ctx, accountID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("restore %s: %w", accountID, err)
	}
	if err := l.Adopt(acct, txs); err != nil {
		return ledger.Account{}, fmt.Errorf("restore %s: %w", accountID, err)
	}
	return acct, nil
}
