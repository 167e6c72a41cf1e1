package market

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `time,open,high,low,close,volume
2025-03-14T00:00:00Z,100,105,99,104,10
2025-03-14T01:00:00Z,104,106,101,102,12

1741917600000,102,103,98,99,8
`

func TestReadCSV(t *testing.T) {
	t.Parallel()

	candles, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, candles, 3)

	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), candles[0].OpenTime)
	assert.Equal(t, time.Date(2025, 3, 14, 2, 0, 0, 0, time.UTC), candles[2].OpenTime)
	assert.InDelta(t, 99.0, candles[2].Close, 1e-12)
	assert.InDelta(t, 12.0, candles[1].Volume, 1e-12)
}

func TestReadCSVRejectsBadSeries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"short row", "2025-03-14T00:00:00Z,1,2,3\n"},
		{"bad number", "2025-03-14T00:00:00Z,1,x,1,1\n"},
		{"bad time", "yesterday,1,1,1,1\n"},
		{"high below low", "2025-03-14T00:00:00Z,100,90,95,92\n"},
		{"out of order", "2025-03-14T01:00:00Z,1,1,1,1\n2025-03-14T00:00:00Z,1,1,1,1\n"},
		{"duplicate", "2025-03-14T01:00:00Z,1,1,1,1\n2025-03-14T01:00:00Z,1,1,1,1\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadCSV(strings.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	t.Parallel()

	in, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))

	out, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCSVSourceOnlyReturnsClosedCandles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "candles.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	src := NewCSVSource(path)
	src.Now = func() time.Time { return time.Date(2025, 3, 14, 2, 30, 0, 0, time.UTC) }

	got, err := src.Candles(context.Background(), "BTCUSDT", H1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2025, 3, 14, 1, 0, 0, 0, time.UTC), got[1].OpenTime)

	got, err = src.Candles(context.Background(), "BTCUSDT", H1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2025, 3, 14, 1, 0, 0, 0, time.UTC), got[0].OpenTime)
}

func TestCSVSourceMissingFile(t *testing.T) {
	t.Parallel()

	src := NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"))
	_, err := src.Candles(context.Background(), "BTCUSDT", H1, 10)
	assert.ErrorIs(t, err, ErrDataFetch)
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	for _, tf := range Timeframes {
		got, err := ParseTimeframe(strings.ToUpper(string(tf)))
		require.NoError(t, err)
		assert.Equal(t, tf, got)
	}

	_, err := ParseTimeframe("2h")
	assert.Error(t, err)

	assert.Equal(t, 7*24*time.Hour, W1.Duration())
	assert.InDelta(t, 8760.0, H1.PeriodsPerYear(), 1e-9)
	assert.InDelta(t, 365.0, D1.PeriodsPerYear(), 1e-9)
}
