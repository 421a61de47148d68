package pattern

import (
	"fmt"
	"math"

	"github.com/amirphl/sweep-trader/internal/candle"
)

// DefaultChochLookback is the number of trailing M1 candles examined for a structure break.
const DefaultChochLookback = 5

// chochMinCandles is the smallest window in which a structure break is meaningful.
const chochMinCandles = 3

// ChochDetector detects an M1 change of character: the latest candle failing to
// extend the swing structure built by the candles before it.
type ChochDetector struct {
	name        string
	description string
	lookback    int
}

// NewChochDetector creates a change-of-character detector over the last lookback candles.
func NewChochDetector(lookback int) *ChochDetector {
	if lookback < chochMinCandles {
		lookback = DefaultChochLookback
	}
	return &ChochDetector{
		name:        "CHOCH",
		description: "Detects a change of character where the latest candle breaks the swing structure of the preceding candles",
		lookback:    lookback,
	}
}

// Name returns the pattern name
func (c *ChochDetector) Name() string {
	return c.name
}

// Description returns the pattern description
func (c *ChochDetector) Description() string {
	return c.description
}

// Lookback returns the number of trailing candles examined.
func (c *ChochDetector) Lookback() int {
	return c.lookback
}

// Bearish reports whether the latest candle shows a bearish change of character:
// its high stays below every prior high in the look-back window.
func (c *ChochDetector) Bearish(candles []candle.Candle) (bool, error) {
	window, err := c.window(candles)
	if err != nil {
		return false, err
	}

	last := window[len(window)-1]
	return last.High < HighestHigh(window[:len(window)-1]), nil
}

// Bullish reports whether the latest candle shows a bullish change of character:
// its low stays above every prior low in the look-back window.
func (c *ChochDetector) Bullish(candles []candle.Candle) (bool, error) {
	window, err := c.window(candles)
	if err != nil {
		return false, err
	}

	last := window[len(window)-1]
	return last.Low > LowestLow(window[:len(window)-1]), nil
}

// window returns the trailing lookback candles.
func (c *ChochDetector) window(candles []candle.Candle) ([]candle.Candle, error) {
	if len(candles) < chochMinCandles {
		return nil, fmt.Errorf("need at least %d candles to detect a change of character, got %d", chochMinCandles, len(candles))
	}
	if len(candles) > c.lookback {
		candles = candles[len(candles)-c.lookback:]
	}
	return candles, nil
}

// HighestHigh returns the highest high of the given candles.
func HighestHigh(candles []candle.Candle) float64 {
	highest := math.Inf(-1)
	for _, cd := range candles {
		if cd.High > highest {
			highest = cd.High
		}
	}
	return highest
}

// LowestLow returns the lowest low of the given candles.
func LowestLow(candles []candle.Candle) float64 {
	lowest := math.Inf(1)
	for _, cd := range candles {
		if cd.Low < lowest {
			lowest = cd.Low
		}
	}
	return lowest
}
