package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval such as "1m" or "1d".
type Timeframe string

const (
	M1  Timeframe = "1m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	M30 Timeframe = "30m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	H12 Timeframe = "12h"
	D1  Timeframe = "1d"
	W1  Timeframe = "1w"
)

var timeframeMinutes = map[Timeframe]int64{
	M1:  1,
	M5:  5,
	M15: 15,
	M30: 30,
	H1:  60,
	H4:  240,
	H12: 720,
	D1:  1440,
	W1:  10080,
}

// Timeframes lists the supported timeframes, shortest first.
var Timeframes = []Timeframe{M1, M5, M15, M30, H1, H4, H12, D1, W1}

func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q (supported: 1m,5m,15m,30m,1h,4h,12h,1d,1w)", s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the interval length in minutes, 0 when tf is unsupported.
func (tf Timeframe) Minutes() int64 { return timeframeMinutes[tf] }

func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// PeriodsPerYear is the number of candles in a 365 day year. Crypto
// markets trade around the clock so there is no session calendar.
func (tf Timeframe) PeriodsPerYear() float64 {
	m := tf.Minutes()
	if m == 0 {
		return 0
	}
	return float64(365*24*60) / float64(m)
}

func (tf Timeframe) String() string { return string(tf) }
