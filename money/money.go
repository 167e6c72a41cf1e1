package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when two amounts in different currencies
// are combined. With a valid configuration it never happens.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// ErrUnknownCurrency is returned by ParseCurrency for symbols we don't carry.
var ErrUnknownCurrency = errors.New("unknown currency")

// Currency is an asset symbol with a fixed display precision.
type Currency string

const (
	USD  Currency = "USD"
	USDT Currency = "USDT"
	EUR  Currency = "EUR"
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
)

// Currencies maps every supported symbol to its decimal precision.
var Currencies = map[Currency]int32{
	USD:  2,
	USDT: 2,
	EUR:  2,
	BTC:  8,
	ETH:  8,
}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := Currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := Currencies[c]
	return ok
}

// Precision returns the number of decimal places for c (8 for unknown symbols).
func (c Currency) Precision() int32 {
	if p, ok := Currencies[c]; ok {
		return p
	}
	return 8
}

func (c Currency) String() string { return string(c) }

// Money is an immutable amount in a single currency.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

func New(amount decimal.Decimal, c Currency) Money {
	return Money{amount: amount, currency: c}
}

func Zero(c Currency) Money {
	return Money{amount: decimal.Zero, currency: c}
}

func FromFloat(f float64, c Currency) Money {
	return Money{amount: decimal.NewFromFloat(f), currency: c}
}

// MustParse builds a Money from a decimal string and panics on bad input.
// Meant for tests and constants.
func MustParse(s string, c Currency) Money {
	return Money{amount: decimal.RequireFromString(s), currency: c}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }
func (m Money) IsNegative() bool        { return m.amount.IsNegative() }
func (m Money) Sign() int               { return m.amount.Sign() }
func (m Money) Float64() float64        { return m.amount.InexactFloat64() }

func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.same(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.same(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(o.amount), currency: m.currency}, nil
}

// Mul scales m by a dimensionless factor.
func (m Money) Mul(f decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(f), currency: m.currency}
}

// Cmp returns -1, 0 or +1 like decimal.Cmp.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.same(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

func (m Money) LessThan(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c < 0, err
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

// Round rounds half away from zero to the currency precision.
func (m Money) Round() Money {
	return Money{amount: m.amount.Round(m.currency.Precision()), currency: m.currency}
}

func (m Money) String() string {
	return m.amount.StringFixed(m.currency.Precision()) + " " + string(m.currency)
}

func (m Money) same(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}
