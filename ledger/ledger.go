// Package ledger owns paper trading accounts: their balances, the audit
// trail of transactions, and the rules that keep both consistent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountClosed     = errors.New("account closed")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrInvariant         = errors.New("ledger invariant violated")
	ErrPersistence       = errors.New("persistence failed")
)

// Store persists accounts and their transactions.
type Store interface {
	SaveAccount(ctx context.Context, a Account) error
	AppendTransaction(ctx context.Context, tx Transaction) error
}

// AtomicStore can run several writes as one unit.
type AtomicStore interface {
	Store
	Atomic(ctx context.Context, fn func(Store) error) error
}

// IDSource hands out identifiers stamped with a time.
type IDSource interface {
	New(t time.Time) string
}

// Ledger serializes mutation per account. Accounts are independent: an
// update on one never waits for another.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*entry

	store Store
	clock func() time.Time
	ids   IDSource
	log   *zap.Logger
}

type entry struct {
	mu   sync.Mutex
	acct Account
	txs  []Transaction
}

type Option func(*Ledger)

func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

// WithClock sets the time stamped on transactions and accounts.
func WithClock(fn func() time.Time) Option { return func(l *Ledger) { l.clock = fn } }

func WithIDs(ids IDSource) Option { return func(l *Ledger) { l.ids = ids } }

func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*entry),
		clock:    time.Now,
		ids:      id.NewGenerator(0),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// Open creates an empty ACTIVE account. An empty id gets a random UUID.
func (l *Ledger) Open(ctx context.Context, accountID, name string, quote money.Currency, leverage decimal.Decimal) (Account, error) {
	if accountID == "" {
		accountID = id.UUID()
	}
	now := l.clock().UTC()
	acct := Account{
		ID:        accountID,
		Name:      name,
		Quote:     quote,
		Leverage:  leverage,
		Status:    StatusActive,
		Balance:   Balance{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := acct.Validate(); err != nil {
		return Account{}, fmt.Errorf("open account %s: %w", accountID, err)
	}

	l.mu.Lock()
	if _, ok := l.accounts[accountID]; ok {
		l.mu.Unlock()
		return Account{}, fmt.Errorf("open account %s: %w", accountID, ErrAccountExists)
	}
	e := &entry{acct: acct}
	e.mu.Lock()
	l.accounts[accountID] = e
	l.mu.Unlock()
	defer e.mu.Unlock()

	if err := l.persist(ctx, acct, nil, nil); err != nil {
		l.mu.Lock()
		delete(l.accounts, accountID)
		l.mu.Unlock()
		return Account{}, fmt.Errorf("open account %s: %w", accountID, err)
	}

	l.log.Info("account opened",
		zap.String("account", accountID),
		zap.String("quote", string(quote)),
		zap.String("leverage", leverage.String()))
	return acct.clone(), nil
}

// Adopt registers an account restored from storage together with its
// transaction history. Nothing is written back.
func (l *Ledger) Adopt(acct Account, txs []Transaction) error {
	if acct.Balance == nil {
		acct.Balance = Balance{}
	}
	if err := acct.Validate(); err != nil {
		return fmt.Errorf("adopt account %s: %w", acct.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[acct.ID]; ok {
		return fmt.Errorf("adopt account %s: %w", acct.ID, ErrAccountExists)
	}
	l.accounts[acct.ID] = &entry{acct: acct.clone(), txs: append([]Transaction(nil), txs...)}
	return nil
}

// Close marks the account CLOSED. Balances are kept for the record.
func (l *Ledger) Close(ctx context.Context, accountID string) error {
	e, err := l.entry(accountID)
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acct.Status == StatusClosed {
		return fmt.Errorf("close account %s: %w", accountID, ErrAccountClosed)
	}
	acct := e.acct.clone()
	acct.Status = StatusClosed
	acct.UpdatedAt = l.clock().UTC()

	if err := l.persist(ctx, acct, nil, nil); err != nil {
		return fmt.Errorf("close account %s: %w", accountID, err)
	}
	e.acct = acct
	l.log.Info("account closed", zap.String("account", accountID))
	return nil
}

// Update runs fn against a staged copy of the account under the account's
// lock. When fn succeeds the account, its new transactions and the commit
// hooks are persisted (atomically if the store supports it) and the staged
// state becomes current. Any error leaves the account exactly as it was.
//
// fn must not block: fetch data and compute decisions before calling Update.
func (l *Ledger) Update(ctx context.Context, accountID string, fn func(*Book) error) error {
	e, err := l.entry(accountID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acct.Status == StatusClosed {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountClosed)
	}

	now := l.clock().UTC()
	b := &Book{acct: e.acct.clone(), now: now, ids: l.ids}
	if err := fn(b); err != nil {
		return err
	}
	if err := b.acct.Validate(); err != nil {
		l.log.Error("update rejected", zap.String("account", accountID), zap.Error(err))
		return err
	}
	b.acct.UpdatedAt = now

	if err := l.persist(ctx, b.acct, b.pending, b.hooks); err != nil {
		l.log.Error("update rolled back",
			zap.String("account", accountID),
			zap.Int("transactions", len(b.pending)),
			zap.Error(err))
		return err
	}

	e.acct = b.acct
	e.txs = append(e.txs, b.pending...)
	return nil
}

func (l *Ledger) persist(ctx context.Context, acct Account, txs []Transaction, hooks []CommitHook) error {
	write := func(s Store) error {
		if s != nil {
			if err := s.SaveAccount(ctx, acct); err != nil {
				return fmt.Errorf("save account: %w", err)
			}
			for _, tx := range txs {
				if err := s.AppendTransaction(ctx, tx); err != nil {
					return fmt.Errorf("append transaction %s: %w", tx.ID, err)
				}
			}
		}
		for _, h := range hooks {
			if err := h(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if as, ok := l.store.(AtomicStore); ok {
		err = as.Atomic(ctx, func(s Store) error { return write(s) })
	} else {
		err = write(l.store)
	}
	if err != nil {
		return fmt.Errorf("%w: account %s: %w", ErrPersistence, acct.ID, err)
	}
	return nil
}

func (l *Ledger) Deposit(ctx context.Context, accountID string, m money.Money) error {
	return l.Update(ctx, accountID, func(b *Book) error { return b.Deposit(m) })
}

func (l *Ledger) Withdraw(ctx context.Context, accountID string, m money.Money) error {
	return l.Update(ctx, accountID, func(b *Book) error { return b.Withdraw(m) })
}

func (l *Ledger) Reserve(ctx context.Context, accountID string, m money.Money) error {
	return l.Update(ctx, accountID, func(b *Book) error { return b.Reserve(m) })
}

func (l *Ledger) Release(ctx context.Context, accountID string, m money.Money) error {
	return l.Update(ctx, accountID, func(b *Book) error { return b.Release(m) })
}

func (l *Ledger) ApplyTrade(ctx context.Context, accountID string, f Fill) error {
	return l.Update(ctx, accountID, func(b *Book) error { return b.ApplyTrade(f) })
}

// BuyingPower returns available quote balance times leverage.
func (l *Ledger) BuyingPower(accountID string) (money.Money, error) {
	a, err := l.Snapshot(accountID)
	if err != nil {
		return money.Money{}, err
	}
	return a.BuyingPower(), nil
}

// Snapshot returns a copy of the account's current state.
func (l *Ledger) Snapshot(accountID string) (Account, error) {
	e, err := l.entry(accountID)
	if err != nil {
		return Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.clone(), nil
}

// Transactions returns the account's committed transactions, oldest first.
func (l *Ledger) Transactions(accountID string) ([]Transaction, error) {
	e, err := l.entry(accountID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Transaction(nil), e.txs...), nil
}

// Accounts lists known account ids in sorted order.
func (l *Ledger) Accounts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.accounts))
	for k := range l.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) entry(accountID string) (*entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return e, nil
}
