package market

import (
	"context"
	"errors"
	"fmt"
)

// ErrDataFetch marks a failure to obtain complete, fresh candles. Callers
// retry on the next scheduled boundary rather than immediately.
var ErrDataFetch = errors.New("data fetch failed")

// Source supplies closed candles, oldest first and newest last. It fails with
// ErrDataFetch instead of returning partial or stale data.
type Source interface {
	Candles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
}

func fetchErr(symbol string, tf Timeframe, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s: %s", ErrDataFetch, symbol, tf, fmt.Sprintf(format, args...))
}

// lastN returns the trailing n candles (all of them when n <= 0).
func lastN(candles []Candle, n int) []Candle {
	if n <= 0 || n >= len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}
