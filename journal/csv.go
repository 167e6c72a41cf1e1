package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rustyeddy/papertrade/sim"
)

var (
	tradeHeader  = []string{"trade_id", "symbol", "side", "quantity", "entry_time", "entry_price", "stop_loss", "take_profit_1", "take_profit_2", "confidence", "exit_time", "exit_price", "exit_reason", "fees", "pnl"}
	equityHeader = []string{"time", "equity"}
)

// WriteTradesCSV writes one row per trade. Open trades have empty exit
// columns.
func WriteTradesCSV(w io.Writer, trades []sim.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.ID,
			t.Symbol,
			string(t.Side),
			t.Quantity.String(),
			t.EntryTime.Format(time.RFC3339),
			t.EntryPrice.String(),
			level(t.StopLoss),
			level(t.TakeProfit1),
			level(t.TakeProfit2),
			strconv.FormatFloat(t.Confidence, 'f', -1, 64),
			"", "", "",
			t.Fees.Amount().String(),
			t.PnL.Amount().String(),
		}
		if !t.IsOpen() {
			row[10] = t.ExitTime.Format(time.RFC3339)
			row[11] = t.ExitPrice.String()
			row[12] = string(t.ExitReason)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteEquityCSV(w io.Writer, points []sim.EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityHeader); err != nil {
		return err
	}
	for _, p := range points {
		if err := cw.Write([]string{p.Time.Format(time.RFC3339), p.Equity.Amount().String()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes trades and equity to two files. An empty path skips
// that file.
func ExportCSV(tradesPath, equityPath string, trades []sim.Trade, equity []sim.EquityPoint) error {
	if tradesPath != "" {
		if err := writeFile(tradesPath, func(w io.Writer) error { return WriteTradesCSV(w, trades) }); err != nil {
			return fmt.Errorf("export trades: %w", err)
		}
	}
	if equityPath != "" {
		if err := writeFile(equityPath, func(w io.Writer) error { return WriteEquityCSV(w, equity) }); err != nil {
			return fmt.Errorf("export equity: %w", err)
		}
	}
	return nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func level(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
