package market

import (
	"fmt"
	"math"
	"time"
)

// Candle represents OHLCV data for one time bucket. OpenTime is the UTC
// start of the bucket.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// CloseTime is the end of the bucket for timeframe tf.
func (c Candle) CloseTime(tf Timeframe) time.Time {
	return c.OpenTime.Add(tf.Duration())
}

// Validate checks the OHLC relationship of a single candle.
func (c Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s: non-finite value", c.OpenTime.Format(time.RFC3339))
		}
	}
	if c.Low <= 0 {
		return fmt.Errorf("candle %s: low must be positive", c.OpenTime.Format(time.RFC3339))
	}
	if c.High < c.Low || c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s: inconsistent OHLC %.8g/%.8g/%.8g/%.8g",
			c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s: negative volume", c.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// ValidateSeries checks every candle and that open times strictly increase.
func ValidateSeries(candles []Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return err
		}
		if i > 0 && !c.OpenTime.After(candles[i-1].OpenTime) {
			return fmt.Errorf("candle %d (%s) is not after %s", i,
				c.OpenTime.Format(time.RFC3339), candles[i-1].OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}
