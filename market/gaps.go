package market

import (
	"fmt"
	"time"
)

// Gap is a run of missing candles between two present ones.
type Gap struct {
	Start   time.Time // open time of the first missing candle
	Missing int       // number of missing candles
	Kind    string    // "minor", "weekend" or "suspicious"
}

type GapStats struct {
	Expected       int
	Present        int
	Missing        int
	GapCount       int
	WeekendGaps    int
	SuspiciousGaps int
	LongestGap     int
	LongestGapKind string
}

// FindGaps reports the holes in a series of tf candles. Open times must be
// increasing, as ValidateSeries checks.
func FindGaps(candles []Candle, tf Timeframe) []Gap {
	step := tf.Duration()
	if step <= 0 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(candles); i++ {
		want := candles[i-1].OpenTime.Add(step)
		if !candles[i].OpenTime.After(want) {
			continue
		}
		missing := int(candles[i].OpenTime.Sub(want) / step)
		if missing == 0 {
			continue
		}
		gaps = append(gaps, Gap{Start: want, Missing: missing, Kind: classifyGap(want, time.Duration(missing)*step)})
	}
	return gaps
}

// classifyGap calls a day or more missing from Friday to Sunday (UTC) a
// weekend; anything else of ten minutes or more is suspicious.
func classifyGap(start time.Time, span time.Duration) string {
	if span >= 24*time.Hour {
		switch start.UTC().Weekday() {
		case time.Friday, time.Saturday, time.Sunday:
			return "weekend"
		}
		return "suspicious"
	}
	if span >= 10*time.Minute {
		return "suspicious"
	}
	return "minor"
}

func Stats(candles []Candle, tf Timeframe) GapStats {
	s := GapStats{Present: len(candles)}
	for _, g := range FindGaps(candles, tf) {
		s.GapCount++
		s.Missing += g.Missing
		if g.Missing > s.LongestGap {
			s.LongestGap = g.Missing
			s.LongestGapKind = g.Kind
		}
		switch g.Kind {
		case "weekend":
			s.WeekendGaps++
		case "suspicious":
			s.SuspiciousGaps++
		}
	}
	s.Expected = s.Present + s.Missing
	return s
}

// Resample aggregates candles into the longer timeframe to. Buckets start
// on the boundaries the scheduler closes candles on (Mondays for 1w). A
// bucket is kept only when at least minValid source
// candles fell into it; minValid is clamped to [1, candles per bucket].
func Resample(candles []Candle, from, to Timeframe, minValid int) ([]Candle, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("resample %s to %s: unsupported timeframe", from, to)
	}
	if to.Minutes() <= from.Minutes() || to.Minutes()%from.Minutes() != 0 {
		return nil, fmt.Errorf("resample %s to %s: target must be a multiple of the source", from, to)
	}
	per := int(to.Minutes() / from.Minutes())
	if minValid < 1 {
		minValid = 1
	}
	if minValid > per {
		minValid = per
	}

	var (
		out   []Candle
		cur   Candle
		count int
	)
	flush := func() {
		if count >= minValid {
			out = append(out, cur)
		}
		count = 0
	}
	for _, c := range candles {
		bucket := c.OpenTime.UTC().Truncate(to.Duration())
		if count > 0 && !bucket.Equal(cur.OpenTime) {
			flush()
		}
		if count == 0 {
			cur = Candle{OpenTime: bucket, Open: c.Open, High: c.High, Low: c.Low}
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
		count++
	}
	if count > 0 {
		flush()
	}
	return out, nil
}
