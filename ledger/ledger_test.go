package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/money"
)

var t0 = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func usdt(s string) money.Money { return money.MustParse(s, money.USDT) }

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, string) {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return t0 }),
		WithIDs(id.NewGenerator(1)),
	}
	l := New(append(base, opts...)...)
	acct, err := l.Open(context.Background(), "acct-1", "paper", money.USDT, decimal.NewFromInt(1))
	require.NoError(t, err)
	return l, acct.ID
}

// recordingStore keeps everything written to it and can be told to fail.
type recordingStore struct {
	mu       sync.Mutex
	accounts []Account
	txs      []Transaction
	failOn   string
}

func (s *recordingStore) SaveAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "account" {
		return errors.New("disk full")
	}
	s.accounts = append(s.accounts, a)
	return nil
}

func (s *recordingStore) AppendTransaction(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "tx" {
		return errors.New("disk full")
	}
	s.txs = append(s.txs, tx)
	return nil
}

// atomicStore stages writes and only keeps them when fn succeeds.
type atomicStore struct {
	recordingStore
	commits, rollbacks int
}

func (s *atomicStore) Atomic(ctx context.Context, fn func(Store) error) error {
	stage := &recordingStore{failOn: s.failOn}
	if err := fn(stage); err != nil {
		s.rollbacks++
		return err
	}
	s.commits++
	s.accounts = append(s.accounts, stage.accounts...)
	s.txs = append(s.txs, stage.txs...)
	return nil
}

func TestDepositWithdraw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)

	require.NoError(t, l.Deposit(ctx, acct, usdt("10000")))
	require.NoError(t, l.Withdraw(ctx, acct, usdt("2500.50")))

	a, err := l.Snapshot(acct)
	require.NoError(t, err)
	assert.True(t, a.Available(money.USDT).Equal(usdt("7499.50")))
	assert.True(t, a.Reserved(money.USDT).IsZero())

	txs, err := l.Transactions(acct)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxDeposit, txs[0].Type)
	assert.Equal(t, TxWithdraw, txs[1].Type)
	assert.True(t, txs[1].Amount.Equal(usdt("-2500.50")))
	assert.Equal(t, t0, txs[1].Time)
	assert.Equal(t, acct, txs[1].AccountID)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

	err := l.Withdraw(ctx, acct, usdt("100.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	a, _ := l.Snapshot(acct)
	assert.True(t, a.Available(money.USDT).Equal(usdt("100")))
	txs, _ := l.Transactions(acct)
	assert.Len(t, txs, 1)
}

func TestReserveRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

	require.NoError(t, l.Reserve(ctx, acct, usdt("60")))
	assert.ErrorIs(t, l.Reserve(ctx, acct, usdt("41")), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Release(ctx, acct, usdt("61")), ErrInsufficientFunds)
	require.NoError(t, l.Release(ctx, acct, usdt("10")))

	a, _ := l.Snapshot(acct)
	assert.True(t, a.Available(money.USDT).Equal(usdt("50")))
	assert.True(t, a.Reserved(money.USDT).Equal(usdt("50")))
	assert.True(t, a.Balance.Get(money.USDT).Total().Equal(usdt("100")))

	txs, _ := l.Transactions(acct)
	assert.Len(t, txs, 1, "moving between buckets writes no transaction")
}

func TestInvalidAmounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"zero deposit", func() error { return l.Deposit(ctx, acct, usdt("0")) }, ErrInvalidAmount},
		{"negative deposit", func() error { return l.Deposit(ctx, acct, usdt("-1")) }, ErrInvalidAmount},
		{"negative reserve", func() error { return l.Reserve(ctx, acct, usdt("-1")) }, ErrInvalidAmount},
		{"unknown currency", func() error { return l.Deposit(ctx, acct, money.MustParse("1", "DOGE")) }, money.ErrUnknownCurrency},
		{"no legs", func() error { return l.ApplyTrade(ctx, acct, Fill{Fee: usdt("0")}) }, ErrInvalidAmount},
		{"missing account", func() error { return l.Deposit(ctx, "nope", usdt("1")) }, ErrAccountNotFound},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.op(), tt.want, tt.name)
	}
}

func TestApplyTradeBuy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("10000")))

	order := usdt("9990.00999000")
	fee := usdt("9.99000999")
	err := l.ApplyTrade(ctx, acct, Fill{
		TradeID: "trade-1",
		Legs:    []Leg{{Type: TxBuy, Amount: order.Neg(), Reserved: order}},
		Fee:     fee,
	})
	require.NoError(t, err)

	a, _ := l.Snapshot(acct)
	spent, _ := order.Add(fee)
	want, _ := usdt("10000").Sub(spent)
	assert.True(t, a.Available(money.USDT).Equal(want), "available %s", a.Available(money.USDT))
	assert.True(t, a.Reserved(money.USDT).Equal(order))

	txs, _ := l.Transactions(acct)
	require.Len(t, txs, 3)
	assert.Equal(t, TxBuy, txs[1].Type)
	assert.Equal(t, TxFee, txs[2].Type)
	assert.Equal(t, "trade-1", txs[1].TradeID)
	assert.Equal(t, "trade-1", txs[2].TradeID)
	assert.True(t, txs[2].Amount.Equal(fee.Neg()))
	assert.Less(t, txs[1].ID, txs[2].ID)
}

func TestApplyTradeIsAllOrNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

	tests := []struct {
		name string
		fill Fill
		want error
	}{
		{
			name: "fee exceeds what is left",
			fill: Fill{Legs: []Leg{{Type: TxBuy, Amount: usdt("-99"), Reserved: usdt("99")}}, Fee: usdt("2")},
			want: ErrInsufficientFunds,
		},
		{
			name: "second leg overdraws",
			fill: Fill{Legs: []Leg{
				{Type: TxBuy, Amount: usdt("-50"), Reserved: usdt("50")},
				{Type: TxBuy, Amount: usdt("-51"), Reserved: usdt("51")},
			}, Fee: usdt("0")},
			want: ErrInsufficientFunds,
		},
		{
			name: "release more than reserved",
			fill: Fill{Legs: []Leg{{Type: TxSell, Amount: usdt("10"), Reserved: usdt("-10")}}, Fee: usdt("0")},
			want: ErrInsufficientFunds,
		},
		{
			name: "mixed currencies in a leg",
			fill: Fill{Legs: []Leg{{Type: TxBuy, Amount: usdt("-1"), Reserved: money.MustParse("1", money.BTC)}}, Fee: usdt("0")},
			want: money.ErrCurrencyMismatch,
		},
		{
			name: "deposit leg",
			fill: Fill{Legs: []Leg{{Type: TxDeposit, Amount: usdt("1"), Reserved: usdt("0")}}, Fee: usdt("0")},
			want: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		err := l.ApplyTrade(ctx, acct, tt.fill)
		assert.ErrorIs(t, err, tt.want, tt.name)

		a, _ := l.Snapshot(acct)
		assert.True(t, a.Available(money.USDT).Equal(usdt("100")), tt.name)
		assert.True(t, a.Reserved(money.USDT).IsZero(), tt.name)
		txs, _ := l.Transactions(acct)
		assert.Len(t, txs, 1, tt.name)
	}
}

func TestApplyTradeTwoCurrencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("1000")))

	err := l.ApplyTrade(ctx, acct, Fill{
		TradeID: "spot",
		Legs: []Leg{
			{Type: TxBuy, Amount: usdt("-500"), Reserved: usdt("0")},
			{Type: TxBuy, Amount: money.MustParse("0.01", money.BTC), Reserved: money.MustParse("0", money.BTC)},
		},
		Fee: usdt("0.5"),
	})
	require.NoError(t, err)

	a, _ := l.Snapshot(acct)
	assert.True(t, a.Available(money.USDT).Equal(usdt("499.5")))
	assert.True(t, a.Available(money.BTC).Equal(money.MustParse("0.01", money.BTC)))
	assert.Equal(t, []money.Currency{money.BTC, money.USDT}, a.Balance.Currencies())

	txs, _ := l.Transactions(acct)
	assert.Len(t, txs, 4)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

	boom := errors.New("strategy exploded")
	err := l.Update(ctx, acct, func(b *Book) error {
		require.NoError(t, b.Deposit(usdt("50")))
		require.NoError(t, b.Reserve(usdt("120")))
		assert.Len(t, b.Pending(), 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, _ := l.Snapshot(acct)
	assert.True(t, a.Available(money.USDT).Equal(usdt("100")))
	assert.True(t, a.Reserved(money.USDT).IsZero())
	txs, _ := l.Transactions(acct)
	assert.Len(t, txs, 1)
}

func TestUpdatePersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, failOn := range []string{"account", "tx"} {
		store := &recordingStore{}
		l, acct := newTestLedger(t, WithStore(store))
		require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

		store.failOn = failOn
		err := l.Deposit(ctx, acct, usdt("5"))
		require.ErrorIs(t, err, ErrPersistence, failOn)

		a, _ := l.Snapshot(acct)
		assert.True(t, a.Available(money.USDT).Equal(usdt("100")), failOn)
		txs, _ := l.Transactions(acct)
		assert.Len(t, txs, 1, failOn)
	}
}

func TestUpdateCommitHooksShareTheTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &atomicStore{}
	l, acct := newTestLedger(t, WithStore(store))
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))

	var hookStore Store
	err := l.Update(ctx, acct, func(b *Book) error {
		if err := b.Withdraw(usdt("10")); err != nil {
			return err
		}
		b.OnCommit(func(ctx context.Context, s Store) error {
			hookStore = s
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	assert.NotNil(t, hookStore)
	assert.NotSame(t, &store.recordingStore, hookStore)

	before := len(store.txs)
	err = l.Update(ctx, acct, func(b *Book) error {
		if err := b.Withdraw(usdt("10")); err != nil {
			return err
		}
		b.OnCommit(func(context.Context, Store) error { return errors.New("trade insert failed") })
		return nil
	})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, before, len(store.txs))
	assert.Equal(t, 1, store.rollbacks)

	a, _ := l.Snapshot(acct)
	assert.True(t, a.Available(money.USDT).Equal(usdt("90")))
}

func TestClosedAccountRejectsMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, acct := newTestLedger(t)
	require.NoError(t, l.Deposit(ctx, acct, usdt("100")))
	require.NoError(t, l.Close(ctx, acct))

	assert.ErrorIs(t, l.Deposit(ctx, acct, usdt("1")), ErrAccountClosed)
	assert.ErrorIs(t, l.Withdraw(ctx, acct, usdt("1")), ErrAccountClosed)
	assert.ErrorIs(t, l.Close(ctx, acct), ErrAccountClosed)

	a, _ := l.Snapshot(acct)
	assert.Equal(t, StatusClosed, a.Status)
	assert.True(t, a.Available(money.USDT).Equal(usdt("100")))
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New()

	tests := []struct {
		name     string
		leverage string
		quote    money.Currency
		want     error
	}{
		{"too low", "0.5", money.USDT, ErrInvalidLeverage},
		{"too high", "3.01", money.USDT, ErrInvalidLeverage},
		{"bad quote", "1", "XYZ", ErrInvariant},
	}
	for _, tt := range tests {
		_, err := l.Open(ctx, "", "x", tt.quote, decimal.RequireFromString(tt.leverage))
		assert.ErrorIs(t, err, tt.want, tt.name)
	}

	a, err := l.Open(ctx, "", "x", money.USDT, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	_, err = l.Open(ctx, a.ID, "again", money.USDT, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestBuyingPower(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New()

	for _, lev := range []string{"1", "2.5", "3"} {
		a, err := l.Open(ctx, "", "x", money.USDT, decimal.RequireFromString(lev))
		require.NoError(t, err)
		require.NoError(t, l.Deposit(ctx, a.ID, usdt("1000")))
		require.NoError(t, l.Reserve(ctx, a.ID, usdt("200")))

		bp, err := l.BuyingPower(a.ID)
		require.NoError(t, err)
		want := usdt("800").Mul(decimal.RequireFromString(lev))
		assert.True(t, bp.Equal(want), "leverage %s: %s", lev, bp)
	}
}

func TestAdopt(t *testing.T) {
	t.Parallel()
	l := New()

	acct := Account{
		ID:       "restored",
		Quote:    money.USDT,
		Leverage: decimal.NewFromInt(2),
		Status:   StatusActive,
		Balance:  Balance{money.USDT: {Available: usdt("40"), Reserved: usdt("60")}},
	}
	require.NoError(t, l.Adopt(acct, []Transaction{{ID: "a"}}))
	assert.ErrorIs(t, l.Adopt(acct, nil), ErrAccountExists)

	bad := acct
	bad.ID = "bad"
	bad.Balance = Balance{money.USDT: {Available: usdt("-1"), Reserved: usdt("0")}}
	assert.ErrorIs(t, l.Adopt(bad, nil), ErrInvariant)

	txs, err := l.Transactions("restored")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, []string{"restored"}, l.Accounts())
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New()
	a, err := l.Open(ctx, "", "x", money.USDT, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, a.ID, usdt("100")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Deposit(ctx, a.ID, usdt("1")))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Withdraw(ctx, a.ID, usdt("1")))
		}()
	}
	wg.Wait()

	got, _ := l.Snapshot(a.ID)
	assert.True(t, got.Available(money.USDT).Equal(usdt("100")))
	txs, _ := l.Transactions(a.ID)
	assert.Len(t, txs, 101)
}
