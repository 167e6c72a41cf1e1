package strategy

import (
	"math"

	"github.com/rustyeddy/papertrade/market"
)

// DMI is Wilder's directional movement for the last candle of a window.
type DMI struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes Wilder's Average Directional Index over window. The first
// period deltas seed the smoothed true range and directional movement, the
// next period DX values seed the ADX, so ok is false until the window holds
// 2*period+1 candles.
func ADX(window []market.Candle, period int) (DMI, bool) {
	if period <= 0 || len(window) < 2*period+1 {
		return DMI{}, false
	}
	n := float64(period)

	var (
		smTR, smPlus, smMinus float64
		adx, dxSum            float64
		dxCount               int
		plusDI, minusDI       float64
	)
	for i := 1; i < len(window); i++ {
		prev, c := window[i-1], window[i]
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))

		up := c.High - prev.High
		down := prev.Low - c.Low
		var plusDM, minusDM float64
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}

		if i <= period {
			smTR += tr
			smPlus += plusDM
			smMinus += minusDM
			if i < period {
				continue
			}
		} else {
			smTR = smTR - smTR/n + tr
			smPlus = smPlus - smPlus/n + plusDM
			smMinus = smMinus - smMinus/n + minusDM
		}

		plusDI, minusDI = directional(smPlus, smMinus, smTR)
		dx := directionalIndex(plusDI, minusDI)
		if dxCount < period {
			dxSum += dx
			dxCount++
			if dxCount == period {
				adx = dxSum / n
			}
			continue
		}
		adx = (adx*(n-1) + dx) / n
	}
	return DMI{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}, dxCount == period
}

func directional(smPlus, smMinus, smTR float64) (float64, float64) {
	if smTR <= 0 {
		return 0, 0
	}
	return 100 * smPlus / smTR, 100 * smMinus / smTR
}

func directionalIndex(plusDI, minusDI float64) float64 {
	den := plusDI + minusDI
	if den <= 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / den
}
