// Package metrics summarises a finished run. Statistics that are undefined
// for the input (no trades, no losses, a flat equity curve) are nil rather
// than zero.
package metrics

import (
	"fmt"
	"math"
)

// Report is the performance summary of one run.
type Report struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"`
	NetPnL      float64 `json:"net_pnl"`

	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	MaxDrawdown    float64 `json:"max_drawdown"`

	Sharpe       *float64 `json:"sharpe"`
	WinRate      *float64 `json:"win_rate"`
	ProfitFactor *float64 `json:"profit_factor"`
}

// Compute derives a Report from realised trade PnLs (in close order), the
// equity curve (one value per period) and the starting capital. The
// capital is treated as the equity just before the first period.
func Compute(pnls, equity []float64, initialCapital, periodsPerYear float64) Report {
	r := Report{
		Trades:         len(pnls),
		InitialCapital: initialCapital,
		FinalEquity:    initialCapital,
	}

	for _, p := range pnls {
		r.NetPnL += p
		switch {
		case p > 0:
			r.Wins++
			r.GrossProfit += p
		case p < 0:
			r.Losses++
			r.GrossLoss += -p
		}
	}
	if r.Trades > 0 {
		r.WinRate = ptr(float64(r.Wins) / float64(r.Trades))
	}
	if r.GrossLoss > 0 {
		r.ProfitFactor = ptr(r.GrossProfit / r.GrossLoss)
	}

	if n := len(equity); n > 0 {
		r.FinalEquity = equity[n-1]
	}
	if initialCapital > 0 {
		r.TotalReturn = (r.FinalEquity - initialCapital) / initialCapital
	}

	curve := make([]float64, 0, len(equity)+1)
	curve = append(curve, initialCapital)
	curve = append(curve, equity...)

	r.MaxDrawdown = MaxDrawdown(curve)
	r.Sharpe = Sharpe(Returns(curve), periodsPerYear)
	return r
}

// Returns gives the simple return of each period. Periods that start from a
// non-positive value are skipped.
func Returns(curve []float64) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, curve[i]/prev-1)
	}
	return out
}

// Sharpe is mean/stdev of returns scaled by sqrt(periodsPerYear), using the
// sample standard deviation and a zero risk-free rate. Nil with fewer than
// two returns or zero deviation.
func Sharpe(returns []float64, periodsPerYear float64) *float64 {
	n := len(returns)
	if n < 2 {
		return nil
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(n-1))
	if sd == 0 || math.IsNaN(sd) {
		return nil
	}

	s := mean / sd
	if periodsPerYear > 0 {
		s *= math.Sqrt(periodsPerYear)
	}
	return &s
}

// MaxDrawdown is the largest fall from a running peak, as a fraction of
// that peak.
func MaxDrawdown(curve []float64) float64 {
	var peak, maxDD float64
	for i, v := range curve {
		if i == 0 || v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Fmt renders an optional value, "n/a" when undefined.
func Fmt(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func ptr(f float64) *float64 { return &f }
