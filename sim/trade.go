package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/money"
)

type Side string

const Long Side = "LONG"

type ExitReason string

const (
	ExitSignal     ExitReason = "SIGNAL"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitEndOfData  ExitReason = "END_OF_DATA"
)

// Trade is one round trip in a single symbol. ExitReason is empty while the
// trade is open.
type Trade struct {
	ID        string
	AccountID string
	Symbol    string
	Side      Side

	EntryTime  time.Time
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	Margin     money.Money

	StopLoss    *float64
	TakeProfit1 *float64
	TakeProfit2 *float64
	Confidence  float64

	ExitTime   time.Time
	ExitPrice  decimal.Decimal
	ExitReason ExitReason

	// Fees is every fee paid so far; PnL is realised, net of fees.
	Fees money.Money
	PnL  money.Money
}

func (t Trade) IsOpen() bool { return t.ExitReason == "" }

// TakeProfit is the level the trade exits at on the upside.
func (t Trade) TakeProfit() *float64 {
	if t.TakeProfit1 != nil {
		return t.TakeProfit1
	}
	return t.TakeProfit2
}

// Unrealized is the mark-to-market gain at price, before exit fees.
func (t Trade) Unrealized(price decimal.Decimal) decimal.Decimal {
	return price.Sub(t.EntryPrice).Mul(t.Quantity)
}

func hitStopLoss(t *Trade, c market.Candle) bool {
	return t.StopLoss != nil && c.Low <= *t.StopLoss
}

func hitTakeProfit(t *Trade, c market.Candle) bool {
	tp := t.TakeProfit()
	return tp != nil && c.High >= *tp
}

// checkExit reports whether c reaches one of t's exit levels and at which
// price. When a candle spans both, the stop loss is assumed to fill first.
func checkExit(t *Trade, c market.Candle) (ExitReason, float64, bool) {
	if t == nil || !t.IsOpen() {
		return "", 0, false
	}
	if hitStopLoss(t, c) {
		return ExitStopLoss, *t.StopLoss, true
	}
	if hitTakeProfit(t, c) {
		return ExitTakeProfit, *t.TakeProfit(), true
	}
	return "", 0, false
}

// EquityPoint is total account value at the close of one candle.
type EquityPoint struct {
	Time   time.Time
	Equity money.Money
}
