// Package candle
package candle

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/amirphl/sweep-trader/internal/tfutils"
)

// Candle represents a single OHLCV bar for a symbol and timeframe.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
}

// Validate checks OHLC consistency and required fields.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is zero")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	if !tfutils.IsValidTimeframe(c.Timeframe) {
		return fmt.Errorf("invalid timeframe: %s", c.Timeframe)
	}
	if c.High < c.Low {
		return fmt.Errorf("high (%f) is less than low (%f)", c.High, c.Low)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("open (%f) is outside high/low range", c.Open)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("close (%f) is outside high/low range", c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("volume is negative")
	}
	return nil
}

// IsComplete checks if the bar's period has fully elapsed.
func (c *Candle) IsComplete(now time.Time) bool {
	dur := tfutils.GetTimeframeDuration(c.Timeframe)
	if dur == 0 {
		return false
	}
	return !now.Before(c.Timestamp.Add(dur))
}

// IsBullish checks if the candle closed above its open.
func (c *Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish checks if the candle closed below its open.
func (c *Candle) IsBearish() bool {
	return c.Close < c.Open
}

// Body returns the absolute size of the candle body.
func (c *Candle) Body() float64 {
	return math.Abs(c.Close - c.Open)
}

// Range returns the high-to-low extent of the candle.
func (c *Candle) Range() float64 {
	return c.High - c.Low
}

// TrueRange returns the true range of the candle given the previous close.
// With no previous candle, pass NaN; the plain high-low range is used.
func (c *Candle) TrueRange(prevClose float64) float64 {
	hl := c.High - c.Low
	if math.IsNaN(prevClose) {
		return hl
	}
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// Aggregate groups candles of a smaller timeframe into buckets of the target
// timeframe. Input candles must share one symbol and one source timeframe
// that divides the target evenly.
func Aggregate(candles []Candle, targetTimeframe string) ([]Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}

	targetDur := tfutils.GetTimeframeDuration(targetTimeframe)
	if targetDur == 0 {
		return nil, fmt.Errorf("unsupported target timeframe: %s", targetTimeframe)
	}

	srcTimeframe := candles[0].Timeframe
	srcDur := tfutils.GetTimeframeDuration(srcTimeframe)
	if srcDur == 0 {
		return nil, fmt.Errorf("unsupported source timeframe: %s", srcTimeframe)
	}
	if targetDur <= srcDur || targetDur%srcDur != 0 {
		return nil, fmt.Errorf("cannot aggregate %s into %s", srcTimeframe, targetTimeframe)
	}

	buckets := make(map[time.Time][]Candle)
	for i := range candles {
		c := candles[i]
		if c.Timeframe != srcTimeframe {
			return nil, fmt.Errorf("mixed source timeframes: %s and %s", srcTimeframe, c.Timeframe)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid candle at %s: %w", c.Timestamp, err)
		}
		bucket := c.Timestamp.UTC().Truncate(targetDur)
		buckets[bucket] = append(buckets[bucket], c)
	}

	var result []Candle
	for bucket, group := range buckets {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		agg := Candle{
			Timestamp: bucket,
			Open:      group[0].Open,
			High:      group[0].High,
			Low:       group[0].Low,
			Close:     group[len(group)-1].Close,
			Symbol:    group[0].Symbol,
			Timeframe: targetTimeframe,
			Source:    "constructed",
		}
		for _, c := range group {
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
			agg.Volume += c.Volume
		}

		if err := agg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid aggregated candle for bucket %v: %w", bucket, err)
		}

		result = append(result, agg)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

// CompleteOnly filters out candles whose period has not fully elapsed by now.
func CompleteOnly(candles []Candle, now time.Time) []Candle {
	out := make([]Candle, 0, len(candles))
	for i := range candles {
		if candles[i].IsComplete(now) {
			out = append(out, candles[i])
		}
	}
	return out
}
