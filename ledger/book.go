package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/papertrade/money"
)

// Leg is one side of a fill as it lands on the account: a signed change to
// the available balance and a signed change to the reserved balance of the
// same currency.
type Leg struct {
	Type     TxType
	Amount   money.Money
	Reserved money.Money
}

// Fill is everything one execution does to an account.
type Fill struct {
	TradeID string
	Legs    []Leg
	Fee     money.Money
}

// Book is the staged state of one account inside Ledger.Update. Changes are
// only visible to others once Update commits.
type Book struct {
	acct    Account
	now     time.Time
	ids     IDSource
	pending []Transaction
	hooks   []CommitHook
}

// CommitHook runs while Update persists the account, with the same store
// (or store transaction) the account and its transactions are written to.
// s is nil when the Ledger has no store.
type CommitHook func(ctx context.Context, s Store) error

func (b *Book) Account() Account { return b.acct.clone() }

func (b *Book) Now() time.Time { return b.now }

func (b *Book) Available(c money.Currency) money.Money { return b.acct.Available(c) }
func (b *Book) Reserved(c money.Currency) money.Money  { return b.acct.Reserved(c) }
func (b *Book) BuyingPower() money.Money              { return b.acct.BuyingPower() }

// Pending returns the transactions staged so far.
func (b *Book) Pending() []Transaction {
	return append([]Transaction(nil), b.pending...)
}

// OnCommit registers fn to run when the update is persisted. A hook error
// fails the update.
func (b *Book) OnCommit(fn CommitHook) { b.hooks = append(b.hooks, fn) }

func (b *Book) Deposit(m money.Money) error {
	if err := b.checkAmount("deposit", m); err != nil {
		return err
	}
	return b.apply("deposit", "", []change{{TxDeposit, m, money.Zero(m.Currency())}})
}

func (b *Book) Withdraw(m money.Money) error {
	if err := b.checkAmount("withdraw", m); err != nil {
		return err
	}
	return b.apply("withdraw", "", []change{{TxWithdraw, m.Neg(), money.Zero(m.Currency())}})
}

// Reserve moves m from available to reserved. No transaction is written.
func (b *Book) Reserve(m money.Money) error {
	if err := b.checkAmount("reserve", m); err != nil {
		return err
	}
	return b.apply("reserve", "", []change{{"", m.Neg(), m}})
}

// Release moves m from reserved back to available.
func (b *Book) Release(m money.Money) error {
	if err := b.checkAmount("release", m); err != nil {
		return err
	}
	return b.apply("release", "", []change{{"", m, m.Neg()}})
}

// ApplyTrade applies every leg of f plus its fee, writing one transaction per
// leg and one FEE transaction. On error the book is unchanged.
func (b *Book) ApplyTrade(f Fill) error {
	if len(f.Legs) == 0 {
		return fmt.Errorf("apply trade %s: %w: no legs", f.TradeID, ErrInvalidAmount)
	}
	if f.Fee.IsNegative() || !f.Fee.Currency().Valid() {
		return fmt.Errorf("apply trade %s: %w: fee %s", f.TradeID, ErrInvalidAmount, f.Fee)
	}

	changes := make([]change, 0, len(f.Legs)+1)
	for _, leg := range f.Legs {
		if leg.Type != TxBuy && leg.Type != TxSell {
			return fmt.Errorf("apply trade %s: %w: leg type %q", f.TradeID, ErrInvalidAmount, leg.Type)
		}
		if leg.Amount.Currency() != leg.Reserved.Currency() {
			return fmt.Errorf("apply trade %s: %w", f.TradeID, money.ErrCurrencyMismatch)
		}
		changes = append(changes, change{leg.Type, leg.Amount, leg.Reserved})
	}
	changes = append(changes, change{TxFee, f.Fee.Neg(), money.Zero(f.Fee.Currency())})

	return b.apply("apply trade", f.TradeID, changes)
}

type change struct {
	tx       TxType // empty: no transaction
	avail    money.Money
	reserved money.Money
}

// apply stages changes on a copy of the balance and swaps it in only when
// every bucket stays non-negative.
func (b *Book) apply(op, tradeID string, changes []change) error {
	if b.acct.Status == StatusClosed {
		return fmt.Errorf("%s: account %s: %w", op, b.acct.ID, ErrAccountClosed)
	}

	bal := b.acct.Balance.clone()
	for _, c := range changes {
		cur := c.avail.Currency()
		bk := bal.Get(cur)

		avail, err := bk.Available.Add(c.avail)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		reserved, err := bk.Reserved.Add(c.reserved)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if avail.IsNegative() {
			return fmt.Errorf("%s: account %s: %w: available %s, need %s",
				op, b.acct.ID, ErrInsufficientFunds, bk.Available, c.avail.Neg())
		}
		if reserved.IsNegative() {
			return fmt.Errorf("%s: account %s: %w: reserved %s, need %s",
				op, b.acct.ID, ErrInsufficientFunds, bk.Reserved, c.reserved.Neg())
		}
		bal[cur] = Bucket{Available: avail, Reserved: reserved}
	}
	if err := bal.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	b.acct.Balance = bal
	for _, c := range changes {
		if c.tx == "" {
			continue
		}
		b.pending = append(b.pending, Transaction{
			ID:        b.ids.New(b.now),
			AccountID: b.acct.ID,
			Type:      c.tx,
			Amount:    c.avail,
			TradeID:   tradeID,
			Time:      b.now,
		})
	}
	return nil
}

func (b *Book) checkAmount(op string, m money.Money) error {
	if !m.Currency().Valid() {
		return fmt.Errorf("%s: %w: %q", op, money.ErrUnknownCurrency, m.Currency())
	}
	if m.Sign() <= 0 {
		return fmt.Errorf("%s: %w: %s must be positive", op, ErrInvalidAmount, m)
	}
	return nil
}
