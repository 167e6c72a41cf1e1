package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/papertrade/money"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

var (
	MinLeverage = decimal.NewFromInt(1)
	MaxLeverage = decimal.NewFromInt(3)
)

// Bucket holds the funds of one currency. Available funds can be spent;
// reserved funds back open positions.
type Bucket struct {
	Available money.Money
	Reserved  money.Money
}

func (b Bucket) Total() money.Money {
	t, _ := b.Available.Add(b.Reserved)
	return t
}

// Balance maps each currency an account has touched to its bucket.
type Balance map[money.Currency]Bucket

func (b Balance) Get(c money.Currency) Bucket {
	if bk, ok := b[c]; ok {
		return bk
	}
	return Bucket{Available: money.Zero(c), Reserved: money.Zero(c)}
}

func (b Balance) Currencies() []money.Currency {
	out := make([]money.Currency, 0, len(b))
	for c := range b {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b Balance) clone() Balance {
	out := make(Balance, len(b))
	for c, bk := range b {
		out[c] = bk
	}
	return out
}

func (b Balance) check() error {
	for c, bk := range b {
		if bk.Available.Currency() != c || bk.Reserved.Currency() != c {
			return fmt.Errorf("%w: %s bucket holds %s/%s", ErrInvariant, c,
				bk.Available.Currency(), bk.Reserved.Currency())
		}
		if bk.Available.IsNegative() {
			return fmt.Errorf("%w: available %s is negative", ErrInvariant, bk.Available)
		}
		if bk.Reserved.IsNegative() {
			return fmt.Errorf("%w: reserved %s is negative", ErrInvariant, bk.Reserved)
		}
	}
	return nil
}

// Account is a paper trading account. Values handed out by the Ledger are
// copies; mutate through Ledger operations only.
type Account struct {
	ID        string
	Name      string
	Quote     money.Currency
	Leverage  decimal.Decimal
	Status    Status
	Balance   Balance
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Account) Available(c money.Currency) money.Money { return a.Balance.Get(c).Available }
func (a Account) Reserved(c money.Currency) money.Money  { return a.Balance.Get(c).Reserved }

// BuyingPower is the available quote balance scaled by leverage.
func (a Account) BuyingPower() money.Money {
	return a.Available(a.Quote).Mul(a.Leverage)
}

func (a Account) clone() Account {
	a.Balance = a.Balance.clone()
	return a
}

// Validate checks the invariants every stored account satisfies.
func (a Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty account id", ErrInvariant)
	}
	if !a.Quote.Valid() {
		return fmt.Errorf("%w: quote currency %q", ErrInvariant, a.Quote)
	}
	if err := checkLeverage(a.Leverage); err != nil {
		return err
	}
	if a.Status != StatusActive && a.Status != StatusClosed {
		return fmt.Errorf("%w: status %q", ErrInvariant, a.Status)
	}
	return a.Balance.check()
}

func checkLeverage(l decimal.Decimal) error {
	if l.LessThan(MinLeverage) || l.GreaterThan(MaxLeverage) {
		return fmt.Errorf("%w: leverage %s outside [%s, %s]", ErrInvalidLeverage, l, MinLeverage, MaxLeverage)
	}
	return nil
}

type TxType string

const (
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
	TxBuy      TxType = "BUY"
	TxSell     TxType = "SELL"
	TxFee      TxType = "FEE"
)

// Transaction is an append-only audit entry. Amount is the signed change it
// made to the available balance of its currency.
type Transaction struct {
	ID        string
	AccountID string
	Type      TxType
	Amount    money.Money
	TradeID   string
	Time      time.Time
}
