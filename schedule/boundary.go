package schedule

import (
	"fmt"
	"time"

	"github.com/rustyeddy/papertrade/market"
)

// NextBoundary returns the next candle close for tf strictly after now, in
// UTC with no sub-second part.
//
//   - minute and hour timeframes: the smallest multiple of the interval
//     (counted from the unix epoch) greater than now
//   - 1d: the next midnight UTC
//   - 1w: the next Monday 00:00 UTC
func NextBoundary(tf market.Timeframe, now time.Time) (time.Time, error) {
	now = now.UTC()

	switch tf {
	case market.D1:
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC), nil

	case market.W1:
		y, m, d := now.Date()
		days := (8 - int(now.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return time.Date(y, m, d+days, 0, 0, 0, 0, time.UTC), nil
	}

	step := tf.Minutes() * 60
	if step <= 0 {
		return time.Time{}, fmt.Errorf("next boundary: unsupported timeframe %q", tf)
	}

	// Unix() floors to the second, so a sub-second remainder can never make
	// an earlier multiple look "after" now.
	secs := now.Unix()
	next := (floorDiv(secs, step) + 1) * step
	return time.Unix(next, 0).UTC(), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
