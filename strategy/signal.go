// Package strategy defines the contract between the execution engine and
// whatever decides what to trade.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rustyeddy/papertrade/market"
)

var ErrInvalidSignal = errors.New("invalid signal")

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

func (a Action) Valid() bool { return a == Buy || a == Sell || a == Hold }

// Signal is a strategy's recommendation for the latest candle. It comes from
// code we do not control and is validated before the engine acts on it.
type Signal struct {
	Action      Action   `json:"action"`
	Confidence  float64  `json:"confidence"`
	StopLoss    *float64 `json:"stop_loss,omitempty"`
	TakeProfit1 *float64 `json:"take_profit_1,omitempty"`
	TakeProfit2 *float64 `json:"take_profit_2,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// HoldSignal returns a HOLD with the given reason.
func HoldSignal(reason string) Signal {
	return Signal{Action: Hold, Reasoning: reason}
}

// Validate checks the action, the confidence range and that every price
// level present is a positive finite number.
func (s Signal) Validate() error {
	if !s.Action.Valid() {
		return fmt.Errorf("%w: action %q", ErrInvalidSignal, s.Action)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSignal, s.Confidence)
	}
	for _, lvl := range []struct {
		name string
		p    *float64
	}{
		{"stop_loss", s.StopLoss},
		{"take_profit_1", s.TakeProfit1},
		{"take_profit_2", s.TakeProfit2},
	} {
		name, p := lvl.name, lvl.p
		if p == nil {
			continue
		}
		if math.IsNaN(*p) || math.IsInf(*p, 0) || *p <= 0 {
			return fmt.Errorf("%w: %s %v", ErrInvalidSignal, name, *p)
		}
	}
	return nil
}

// CheckEntry validates exit levels of a long entry at price: a stop must be
// below it and take profits above it.
func (s Signal) CheckEntry(price float64) error {
	if s.StopLoss != nil && *s.StopLoss >= price {
		return fmt.Errorf("%w: stop_loss %v not below entry %v", ErrInvalidSignal, *s.StopLoss, price)
	}
	if s.TakeProfit1 != nil && *s.TakeProfit1 <= price {
		return fmt.Errorf("%w: take_profit_1 %v not above entry %v", ErrInvalidSignal, *s.TakeProfit1, price)
	}
	if s.TakeProfit2 != nil && *s.TakeProfit2 <= price {
		return fmt.Errorf("%w: take_profit_2 %v not above entry %v", ErrInvalidSignal, *s.TakeProfit2, price)
	}
	return nil
}

// TakeProfit is the level the engine exits at: take profit 1, or take
// profit 2 when only that is set.
func (s Signal) TakeProfit() *float64 {
	if s.TakeProfit1 != nil {
		return s.TakeProfit1
	}
	return s.TakeProfit2
}

// Strategy evaluates a window of closed candles, oldest first, whose last
// element is the candle that just closed.
type Strategy interface {
	Evaluate(ctx context.Context, window []market.Candle) (Signal, error)
}

// Func adapts a plain function to Strategy.
type Func func(ctx context.Context, window []market.Candle) (Signal, error)

func (f Func) Evaluate(ctx context.Context, window []market.Candle) (Signal, error) {
	return f(ctx, window)
}

// Price returns a pointer to p, for filling optional levels.
func Price(p float64) *float64 { return &p }
