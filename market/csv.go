package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadCSV reads candle rows:
//
//	time,open,high,low,close[,volume]
//
// where time is RFC3339, RFC3339Nano or unix milliseconds. A header row
// ("time,...") is allowed and empty rows are skipped. The series is
// validated before it is returned.
func ReadCSV(r io.Reader) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var out []Candle
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		c, err := parseCandleRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if err := ValidateSeries(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadCSV reads a candle file from disk.
func LoadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	candles, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return candles, nil
}

// WriteCSV writes candles in the format ReadCSV accepts.
func WriteCSV(w io.Writer, candles []Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		if err := cw.Write([]string{
			c.OpenTime.UTC().Format(time.RFC3339),
			ff(c.Open), ff(c.High), ff(c.Low), ff(c.Close), ff(c.Volume),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseCandleRow(row []string) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, fmt.Errorf("bad row (need time,open,high,low,close): %v", row)
	}

	t, err := parseTime(strings.TrimSpace(row[0]))
	if err != nil {
		return Candle{}, err
	}

	vals := make([]float64, 5)
	for i := 1; i < len(row) && i <= 5; i++ {
		s := strings.TrimSpace(row[i])
		if s == "" && i == 5 {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bad value %q in column %d: %w", row[i], i, err)
		}
		vals[i-1] = v
	}

	return Candle{
		OpenTime: t,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func parseTime(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t2, err2 := time.Parse(time.RFC3339Nano, ts)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("bad time %q: %w", ts, err)
		}
		t = t2
	}
	return t.UTC(), nil
}

func ff(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

// CSVSource serves candles from a file that is re-read on every call, so
// an external process can keep appending rows. Only candles closed at the
// time of the call are returned.
type CSVSource struct {
	Path string
	Now  func() time.Time
}

func NewCSVSource(path string) *CSVSource {
	return &CSVSource{Path: path, Now: time.Now}
}

func (s *CSVSource) Candles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(symbol, tf, "%v", err)
	}
	candles, err := LoadCSV(s.Path)
	if err != nil {
		return nil, fetchErr(symbol, tf, "%v", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().UTC()
	closed := candles[:0:0]
	for _, c := range candles {
		if c.CloseTime(tf).After(cutoff) {
			break
		}
		closed = append(closed, c)
	}
	if len(closed) == 0 {
		return nil, fetchErr(symbol, tf, "no closed candles in %s", s.Path)
	}
	return lastN(closed, limit), nil
}
