package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/rustyeddy/papertrade/market"
)

// EMACrossConfig configures EMACross.
type EMACrossConfig struct {
	FastPeriod int
	SlowPeriod int

	// MinSpread requires |fast-slow| >= MinSpread (price units). 0 disables.
	MinSpread float64

	// StopLossPct and TakeProfitPct place exits relative to the close, e.g.
	// 0.02 for 2%. 0 leaves the level unset. Take profit 2 sits at twice the
	// take profit distance.
	StopLossPct   float64
	TakeProfitPct float64

	Confidence float64

	// ADXPeriod > 0 gates entries on trend strength: a bullish cross is
	// only taken when ADX >= ADXThreshold and, with RequireDI, +DI > -DI.
	// Exits are never gated.
	ADXPeriod    int
	ADXThreshold float64
	RequireDI    bool
}

func DefaultEMACross() EMACrossConfig {
	return EMACrossConfig{
		FastPeriod:    12,
		SlowPeriod:    26,
		StopLossPct:   0.02,
		TakeProfitPct: 0.04,
		Confidence:    0.75,
	}
}

// EMACross buys when the fast EMA crosses above the slow EMA and sells on
// the cross back down. It only signals on the candle where the cross
// happens, not while the averages stay crossed.
//
// The averages are recomputed from the window on every call, so the result
// depends on the window alone.
type EMACross struct {
	cfg  EMACrossConfig
	name string
}

func NewEMACross(cfg EMACrossConfig) (*EMACross, error) {
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 {
		return nil, fmt.Errorf("ema cross: periods must be > 0")
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("ema cross: fast period %d must be below slow period %d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("ema cross: confidence %v outside [0,1]", cfg.Confidence)
	}
	if cfg.StopLossPct < 0 || cfg.StopLossPct >= 1 || cfg.TakeProfitPct < 0 {
		return nil, fmt.Errorf("ema cross: exit percentages out of range")
	}
	if cfg.ADXPeriod < 0 || cfg.ADXThreshold < 0 || cfg.ADXThreshold > 100 {
		return nil, fmt.Errorf("ema cross: adx period %d / threshold %v out of range", cfg.ADXPeriod, cfg.ADXThreshold)
	}
	name := fmt.Sprintf("EMA_CROSS(%d,%d)", cfg.FastPeriod, cfg.SlowPeriod)
	if cfg.ADXPeriod > 0 {
		name = fmt.Sprintf("EMA_CROSS_ADX(%d,%d,%d)", cfg.FastPeriod, cfg.SlowPeriod, cfg.ADXPeriod)
	}
	return &EMACross{cfg: cfg, name: name}, nil
}

func (x *EMACross) Name() string { return x.name }

// Warmup is the number of candles needed before a cross can be reported.
func (x *EMACross) Warmup() int { return x.cfg.SlowPeriod + 1 }

func (x *EMACross) Evaluate(ctx context.Context, window []market.Candle) (Signal, error) {
	if len(window) < x.Warmup() {
		return HoldSignal("warming up"), nil
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}
	fast := EMA(closes, x.cfg.FastPeriod)
	slow := EMA(closes, x.cfg.SlowPeriod)

	n := len(closes) - 1
	diff := fast[n] - slow[n]
	if x.cfg.MinSpread > 0 && math.Abs(diff) < x.cfg.MinSpread {
		return HoldSignal("min-spread filter"), nil
	}

	prev := relation(fast[n-1] - slow[n-1])
	rel := relation(diff)
	last := closes[n]

	switch {
	case prev <= 0 && rel > 0:
		if reason, ok := x.trendConfirmed(window); !ok {
			return HoldSignal(reason), nil
		}
		sig := Signal{
			Action:     Buy,
			Confidence: x.cfg.Confidence,
			Reasoning:  fmt.Sprintf("fast EMA %.6g crossed above slow EMA %.6g", fast[n], slow[n]),
		}
		if x.cfg.StopLossPct > 0 {
			sig.StopLoss = Price(last * (1 - x.cfg.StopLossPct))
		}
		if x.cfg.TakeProfitPct > 0 {
			sig.TakeProfit1 = Price(last * (1 + x.cfg.TakeProfitPct))
			sig.TakeProfit2 = Price(last * (1 + 2*x.cfg.TakeProfitPct))
		}
		return sig, nil

	case prev >= 0 && rel < 0:
		return Signal{
			Action:     Sell,
			Confidence: x.cfg.Confidence,
			Reasoning:  fmt.Sprintf("fast EMA %.6g crossed below slow EMA %.6g", fast[n], slow[n]),
		}, nil
	}
	return HoldSignal("no cross"), nil
}

func (x *EMACross) trendConfirmed(window []market.Candle) (string, bool) {
	if x.cfg.ADXPeriod <= 0 {
		return "", true
	}
	dmi, ready := ADX(window, x.cfg.ADXPeriod)
	switch {
	case !ready:
		return "ADX warming up", false
	case dmi.ADX < x.cfg.ADXThreshold:
		return fmt.Sprintf("ADX %.1f below threshold %.1f", dmi.ADX, x.cfg.ADXThreshold), false
	case x.cfg.RequireDI && dmi.PlusDI <= dmi.MinusDI:
		return "DI confirmation failed", false
	}
	return "", true
}

func relation(diff float64) int {
	switch {
	case diff > 0:
		return 1
	case diff < 0:
		return -1
	}
	return 0
}
