package risk

import (
	"fmt"
	"math"
)

// Policy holds the per-trade entry rules.
type Policy struct {
	ConfidenceThreshold float64 // reject signals below this confidence
	MinRR               float64 // reward/risk floor when both exits are set; 0 disables
	MaxRiskPct          float64 // loss at the stop as a fraction of equity; 0 disables
}

// Intent describes a long entry the engine is about to make.
type Intent struct {
	Confidence float64
	Quantity   float64
	Entry      float64
	Stop       *float64
	TakeProfit *float64
	Equity     float64
}

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation

	PlannedRisk    float64
	PlannedRiskPct float64
	PlannedRR      float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Codes lists the violation codes, for logging.
func (d Decision) Codes() []string {
	out := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		out[i] = v.Code
	}
	return out
}

func (d Decision) Summary() string {
	if d.Allowed {
		return ""
	}
	msg := ""
	for i, v := range d.Violations {
		if i > 0 {
			msg += "; "
		}
		msg += v.Msg
	}
	return msg
}

// EvaluateEntry applies p to in. Every rule is checked so the caller sees
// all the reasons an entry was refused.
func EvaluateEntry(p Policy, in Intent) Decision {
	d := Decision{Allowed: true}

	if in.Confidence < p.ConfidenceThreshold {
		d.add("CONFIDENCE_TOO_LOW",
			fmt.Sprintf("confidence %.2f below threshold %.2f", in.Confidence, p.ConfidenceThreshold))
	}
	if in.Quantity <= 0 || in.Entry <= 0 {
		d.add("NO_SIZE", "entry price and quantity must be positive")
		return d
	}

	if in.Stop != nil {
		d.PlannedRisk = PlannedRisk(in.Quantity, in.Entry, *in.Stop)
		d.PlannedRiskPct = RiskPct(d.PlannedRisk, in.Equity)
		if p.MaxRiskPct > 0 && d.PlannedRiskPct > p.MaxRiskPct {
			d.add("RISK_TOO_HIGH",
				fmt.Sprintf("planned risk %.2f%% exceeds max %.2f%%", 100*d.PlannedRiskPct, 100*p.MaxRiskPct))
		}
		if in.TakeProfit != nil {
			d.PlannedRR = RR(in.Entry, *in.Stop, *in.TakeProfit)
			if p.MinRR > 0 && d.PlannedRR < p.MinRR {
				d.add("RR_TOO_LOW", fmt.Sprintf("RR %.2f below minimum %.2f", d.PlannedRR, p.MinRR))
			}
		}
	}
	return d
}

// PlannedRisk is the quote currency lost if the stop is hit.
func PlannedRisk(quantity, entry, stop float64) float64 {
	return quantity * math.Abs(entry-stop)
}

func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / risk
}

func RiskPct(plannedRisk, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return plannedRisk / equity
}

// RiskSizedQuantity is the quantity that loses riskPct of equity when the
// stop is hit. It returns 0 when the stop sits at the entry.
func RiskSizedQuantity(equity, riskPct, entry, stop float64) float64 {
	dist := math.Abs(entry - stop)
	if dist == 0 || equity <= 0 || riskPct <= 0 {
		return 0
	}
	return equity * riskPct / dist
}
