package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/papertrade/config"
	"github.com/rustyeddy/papertrade/market"
)

// execute runs the root command. Commands share package level flag state,
// so these tests do not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append(args, "--env", filepath.Join(t.TempDir(), "none.env")))
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeCandles(t *testing.T, dir string) string {
	t.Helper()
	return writeSeries(t, dir, time.Hour, 120)
}

func writeSeries(t *testing.T, dir string, step time.Duration, n int) string {
	t.Helper()
	t0 := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, n)
	price := 100.0
	for i := range candles {
		delta := 1.5
		if (i/8)%2 == 1 {
			delta = -1.5
		}
		open := price
		price += delta
		candles[i] = market.Candle{
			OpenTime: t0.Add(time.Duration(i) * step),
			Open:     open,
			High:     max(open, price) + 0.25,
			Low:      min(open, price) - 0.25,
			Close:    price,
			Volume:   1,
		}
	}

	path := filepath.Join(dir, "candles.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, market.WriteCSV(f, candles))
	require.NoError(t, f.Close())
	return path
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Notify.Log = false
	cfg.Strategy.FastPeriod, cfg.Strategy.SlowPeriod = 3, 8
	cfg.Execution.Window = 30
	cfg.Journal.DSN = filepath.Join(dir, "journal.db")

	path := filepath.Join(dir, "papertrade.yaml")
	require.NoError(t, cfg.SaveToFile(path))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "papertrade version "+version+"\n", out)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Market:   BTCUSDT 1h via binance")

	require.NoError(t, os.WriteFile(path, []byte("account:\n  currency: XYZ\n"), 0o644))
	_, err = execute(t, "config", "validate", "-f", path)
	assert.ErrorContains(t, err, "validation failed")
}

func TestBacktestJournalsAndExports(t *testing.T) {
	dir := t.TempDir()
	data := writeCandles(t, dir)
	cfgPath := writeConfig(t, dir)
	orgPath := filepath.Join(dir, "run.org")
	tradesPath := filepath.Join(dir, "trades.csv")

	out, err := execute(t, "backtest", "-c", cfgPath, "--data", data,
		"--seed", "7", "--org", orgPath, "--trades-csv", tradesPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Running backtest: EMA_CROSS(3,8) on BTCUSDT 1h")
	assert.Contains(t, out, "Backtest Complete")

	m := regexp.MustCompile(`Run saved: (\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	runID := m[1]

	org, err := os.ReadFile(orgPath)
	require.NoError(t, err)
	assert.Contains(t, string(org), ":RUN_ID:      "+runID)
	assert.Contains(t, string(org), "- seed 7")
	_, err = os.Stat(tradesPath)
	assert.NoError(t, err)

	out, err = execute(t, "journal", "run", runID, "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "* BACKTEST: EMA_CROSS(3,8) BTCUSDT 1h")

	out, err = execute(t, "journal", "trades", "-c", cfgPath, "--account", "backtest-"+runID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "*** Trade: BTCUSDT")

	out, err = execute(t, "journal", "equity", "-c", cfgPath, "--account", "backtest-"+runID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "time,equity\n")
}

func TestBacktestRejectsBadTimeframe(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "backtest", "-c", writeConfig(t, dir), "--data", writeCandles(t, dir), "-t", "2h")
	assert.ErrorContains(t, err, "unsupported timeframe")
}

func TestDayBounds(t *testing.T) {
	start, end, err := dayBounds("2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	_, _, err = dayBounds("14/03/2025")
	assert.Error(t, err)
}

// Runs last: it leaves --source-tf and --no-journal set.
func TestBacktestResamplesSourceData(t *testing.T) {
	dir := t.TempDir()
	data := writeSeries(t, dir, 15*time.Minute, 480)

	out, err := execute(t, "backtest", "-c", writeConfig(t, dir), "--data", data,
		"-t", "1h", "--source-tf", "15m", "--no-journal", "--org", "", "--trades-csv", "")
	require.NoError(t, err)
	assert.Contains(t, out, "(15m→1h) (120 candles, 0 missing)")
	assert.NotContains(t, out, "Run saved")
}
