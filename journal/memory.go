package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/sim"
)

// Memory is a Gateway that keeps everything in process. Atomic stages
// writes on a copy and swaps it in only when the whole unit succeeds.
type Memory struct {
	mu sync.Mutex
	st memState
}

var _ Gateway = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

type memState struct {
	accounts map[string]ledger.Account
	txs      map[string][]ledger.Transaction
	trades   map[string]map[string]sim.Trade
	equity   map[string][]sim.EquityPoint
	runs     map[string]Run
}

func newMemState() memState {
	return memState{
		accounts: map[string]ledger.Account{},
		txs:      map[string][]ledger.Transaction{},
		trades:   map[string]map[string]sim.Trade{},
		equity:   map[string][]sim.EquityPoint{},
		runs:     map[string]Run{},
	}
}

func (s memState) clone() memState {
	c := newMemState()
	for k, v := range s.accounts {
		c.accounts[k] = cloneAccount(v)
	}
	for k, v := range s.txs {
		c.txs[k] = append([]ledger.Transaction(nil), v...)
	}
	for k, v := range s.trades {
		m := make(map[string]sim.Trade, len(v))
		for id, t := range v {
			m[id] = t
		}
		c.trades[k] = m
	}
	for k, v := range s.equity {
		c.equity[k] = append([]sim.EquityPoint(nil), v...)
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

func cloneAccount(a ledger.Account) ledger.Account {
	bal := make(ledger.Balance, len(a.Balance))
	for k, v := range a.Balance {
		bal[k] = v
	}
	a.Balance = bal
	return a
}

func (s memState) saveAccount(a ledger.Account) {
	s.accounts[a.ID] = cloneAccount(a)
}

func (s memState) appendTransaction(tx ledger.Transaction) error {
	for _, have := range s.txs[tx.AccountID] {
		if have.ID == tx.ID {
			return fmt.Errorf("append transaction %s: duplicate id", tx.ID)
		}
	}
	s.txs[tx.AccountID] = append(s.txs[tx.AccountID], tx)
	return nil
}

func (s memState) saveTrade(t sim.Trade) {
	m, ok := s.trades[t.AccountID]
	if !ok {
		m = map[string]sim.Trade{}
		s.trades[t.AccountID] = m
	}
	m[t.ID] = t
}

func (s memState) saveEquity(accountID string, p sim.EquityPoint) {
	pts := s.equity[accountID]
	for i := range pts {
		if pts[i].Time.Equal(p.Time) {
			pts[i] = p
			return
		}
	}
	pts = append(pts, p)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Time.Before(pts[j].Time) })
	s.equity[accountID] = pts
}

// memTx is the store handed to Atomic callbacks.
type memTx struct{ st memState }

func (t memTx) SaveAccount(_ context.Context, a ledger.Account) error {
	t.st.saveAccount(a)
	return nil
}

func (t memTx) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return t.st.appendTransaction(tx)
}

func (t memTx) SaveTrade(_ context.Context, tr sim.Trade) error {
	t.st.saveTrade(tr)
	return nil
}

func (t memTx) SaveEquity(_ context.Context, accountID string, p sim.EquityPoint) error {
	t.st.saveEquity(accountID, p)
	return nil
}

func (m *Memory) Atomic(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.st.clone()
	if err := fn(memTx{st: staged}); err != nil {
		return err
	}
	m.st = staged
	return nil
}

func (m *Memory) SaveAccount(ctx context.Context, a ledger.Account) error {
	return m.Atomic(ctx, func(s ledger.Store) error { return s.SaveAccount(ctx, a) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return m.Atomic(ctx, func(s ledger.Store) error { return s.AppendTransaction(ctx, tx) })
}

func (m *Memory) SaveTrade(_ context.Context, t sim.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.saveTrade(t)
	return nil
}

func (m *Memory) SaveEquity(_ context.Context, accountID string, p sim.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.saveEquity(accountID, p)
	return nil
}

func (m *Memory) FindAccount(_ context.Context, accountID string) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.accounts[accountID]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (m *Memory) QueryBalance(ctx context.Context, accountID string, c money.Currency) (ledger.Bucket, error) {
	a, err := m.FindAccount(ctx, accountID)
	if err != nil {
		return ledger.Bucket{}, err
	}
	return a.Balance.Get(c), nil
}

func (m *Memory) ListTransactions(_ context.Context, accountID string) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Transaction(nil), m.st.txs[accountID]...), nil
}

func (m *Memory) ListTrades(_ context.Context, accountID string) ([]sim.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sim.Trade, 0, len(m.st.trades[accountID]))
	for _, t := range m.st.trades[accountID] {
		out = append(out, t)
	}
	sortTrades(out)
	return out, nil
}

func (m *Memory) OpenTrade(ctx context.Context, accountID, symbol string) (sim.Trade, error) {
	trades, err := m.ListTrades(ctx, accountID)
	if err != nil {
		return sim.Trade{}, err
	}
	for i := len(trades) - 1; i >= 0; i-- {
		if t := trades[i]; t.IsOpen() && t.Symbol == symbol {
			return t, nil
		}
	}
	return sim.Trade{}, fmt.Errorf("open %s trade for %s: %w", symbol, accountID, ErrNotFound)
}

func (m *Memory) ListEquity(_ context.Context, accountID string) ([]sim.EquityPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sim.EquityPoint(nil), m.st.equity[accountID]...), nil
}

func (m *Memory) SaveRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.runs[r.ID] = r
	return nil
}

func (m *Memory) FindRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) Close() error { return nil }

func sortTrades(ts []sim.Trade) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].EntryTime.Equal(ts[j].EntryTime) {
			return ts[i].EntryTime.Before(ts[j].EntryTime)
		}
		return ts[i].ID < ts[j].ID
	})
}
