package indicator

import (
	"fmt"
	"math"

	"github.com/amirphl/sweep-trader/internal/candle"
)

// CalculateATR computes the Average True Range as a simple mean of true
// ranges over the period. The first period-1 entries are NaN (invalid).
// The first bar's true range falls back to high-low since it has no
// previous close.
func CalculateATR(candles []candle.Candle, period int) []float64 {
	if len(candles) < period || period <= 0 {
		return nil
	}

	trs := TrueRanges(candles)

	atr := make([]float64, len(candles))
	for i := 0; i < period-1; i++ {
		atr[i] = math.NaN()
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr[period-1] = sum / float64(period)

	for i := period; i < len(trs); i++ {
		sum += trs[i] - trs[i-period]
		atr[i] = sum / float64(period)
	}

	return atr
}

// CalculateLastATR computes only the most recent ATR value.
func CalculateLastATR(candles []candle.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period: %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("insufficient candles for ATR: need %d, got %d", period, len(candles))
	}

	trs := TrueRanges(candles)

	var sum float64
	for i := len(trs) - period; i < len(trs); i++ {
		sum += trs[i]
	}
	return sum / float64(period), nil
}

// TrueRanges returns the per-bar true range series.
func TrueRanges(candles []candle.Candle) []float64 {
	trs := make([]float64, len(candles))
	prevClose := math.NaN()
	for i := range candles {
		trs[i] = candles[i].TrueRange(prevClose)
		prevClose = candles[i].Close
	}
	return trs
}
