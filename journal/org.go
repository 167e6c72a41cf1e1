package journal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/rustyeddy/papertrade/metrics"
	"github.com/rustyeddy/papertrade/sim"
)

var orgFuncs = template.FuncMap{
	"pct": func(x float64) string { return fmt.Sprintf("%.2f", 100*x) },
	"opt": func(p *float64) string { return metrics.Fmt(p, "%.2f") },
	"optPct": func(p *float64) string {
		if p == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f", 100*(*p))
	},
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now().UTC()
		}
		return t
	},
}

var runOrg = template.Must(template.New("run").Funcs(orgFuncs).Parse(runOrgTemplate))

// WriteOrg renders r as an Org-mode heading for a research journal.
func (r Run) WriteOrg(w io.Writer) error {
	return runOrg.Execute(w, r)
}

// SaveOrg writes the Org report for r, followed by its trades, to path.
func (r Run) SaveOrg(path string, trades []sim.Trade) error {
	var b strings.Builder
	if err := r.WriteOrg(&b); err != nil {
		return fmt.Errorf("org report: %w", err)
	}
	if len(trades) > 0 {
		b.WriteString("\n** Trades\n")
		b.WriteString(FormatTradesOrg(trades))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

const runOrgTemplate = `* BACKTEST: {{if .Strategy}}{{.Strategy}}{{else}}(strategy?){{end}} {{.Symbol}} {{.Timeframe}}
:PROPERTIES:
:RUN_ID:      {{.ID}}
:ACCOUNT:     {{.AccountID}}
:STRATEGY:    {{.Strategy}}
:TIMEFRAME:   {{.Timeframe}}
:SYMBOL:      {{.Symbol}}
:DATASET:     {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}}
:START_DATE:  {{.Start.Format "2006-01-02 15:04"}}
:END_DATE:    {{.End.Format "2006-01-02 15:04"}}
:CANDLES:     {{.Candles}}
:START_BAL:   {{printf "%.2f" .Metrics.InitialCapital}}
:END_BAL:     {{printf "%.2f" .Metrics.FinalEquity}}
:NET_PL:      {{printf "%.2f" .Metrics.NetPnL}}
:RETURN_PCT:  {{pct .Metrics.TotalReturn}}
:MAX_DD_PCT:  {{pct .Metrics.MaxDrawdown}}
:TRADES:      {{.Metrics.Trades}}
:WINS:        {{.Metrics.Wins}}
:LOSSES:      {{.Metrics.Losses}}
:WIN_RATE:    {{optPct .Metrics.WinRate}}
:PROFIT_FAC:  {{opt .Metrics.ProfitFactor}}
:SHARPE:      {{opt .Metrics.Sharpe}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Performance Summary
- Net P/L:          *{{printf "%.2f" .Metrics.NetPnL}}*
- Return:           *{{pct .Metrics.TotalReturn}}%*
- Max Drawdown:     *{{pct .Metrics.MaxDrawdown}}%*
- Win Rate:         *{{optPct .Metrics.WinRate}}%*
- Profit Factor:    *{{opt .Metrics.ProfitFactor}}*
- Sharpe:           *{{opt .Metrics.Sharpe}}*

** Trade Distribution
| Outcome | Count |
|---------+-------|
| Wins    | {{.Metrics.Wins}} |
| Losses  | {{.Metrics.Losses}} |
| Total   | {{.Metrics.Trades}} |
{{- if .Notes }}

** Observations
{{- range .Notes }}
- {{.}}
{{- end }}
{{- end }}
`

// FormatTradeOrg renders a trade as an Org-mode block with the facts in a
// PROPERTIES drawer and empty narrative sections.
func FormatTradeOrg(t sim.Trade) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*** Trade: %s (%s)\n", t.Symbol, shortID(t.ID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", t.ID)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", t.Symbol)
	fmt.Fprintf(&b, ":SIDE: %s\n", t.Side)
	fmt.Fprintf(&b, ":QUANTITY: %s\n", t.Quantity)
	fmt.Fprintf(&b, ":ENTRY_PRICE: %s\n", t.EntryPrice)
	fmt.Fprintf(&b, ":OPEN_TIME: %s\n", t.EntryTime.UTC().Format(time.RFC3339))
	if !t.IsOpen() {
		fmt.Fprintf(&b, ":EXIT_PRICE: %s\n", t.ExitPrice)
		fmt.Fprintf(&b, ":CLOSE_TIME: %s\n", t.ExitTime.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, ":REASON: %s\n", t.ExitReason)
	}
	fmt.Fprintf(&b, ":CONFIDENCE: %.2f\n", t.Confidence)
	fmt.Fprintf(&b, ":FEES: %s\n", t.Fees.Round())
	fmt.Fprintf(&b, ":REALIZED_PL: %s\n", t.PnL.Round())
	b.WriteString(":END:\n\n")
	b.WriteString("**** Thesis\n- \n\n")
	b.WriteString("**** Execution\n- \n\n")
	b.WriteString("**** Review\n- \n")
	return b.String()
}

// FormatTradesOrg renders trades separated by blank lines.
func FormatTradesOrg(trades []sim.Trade) string {
	var b strings.Builder
	for i, t := range trades {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatTradeOrg(t))
	}
	return b.String()
}

// shortID keeps the tail of an id: ULIDs from one run share their leading
// time characters.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
