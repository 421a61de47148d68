package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/amirphl/sweep-trader/internal/candle"
)

func bars(hlc ...[3]float64) []candle.Candle {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, len(hlc))
	for i, v := range hlc {
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      v[2],
			High:      v[0],
			Low:       v[1],
			Close:     v[2],
			Symbol:    "XAUUSD",
			Timeframe: "5m",
		}
	}
	return out
}

func TestCalculateATR(t *testing.T) {
	tests := []struct {
		name     string
		candles  []candle.Candle
		period   int
		expected []float64
		isNil    bool
	}{
		{
			name: "Basic ATR calculation",
			// True ranges: 2, 2, 3, 3, 4
			candles: bars(
				[3]float64{12, 10, 11},
				[3]float64{13, 11, 12},
				[3]float64{15, 12, 14},
				[3]float64{14, 11, 12},
				[3]float64{16, 13, 15},
			),
			period: 3,
			expected: []float64{
				math.NaN(), math.NaN(),
				7.0 / 3, 8.0 / 3, 10.0 / 3,
			},
		},
		{
			name: "Gap up uses previous close",
			// TRs: 1, max(0.5, |12-9.5|, |11.5-9.5|) = 2.5
			candles: bars(
				[3]float64{10, 9, 9.5},
				[3]float64{12, 11.5, 11.8},
			),
			period:   2,
			expected: []float64{math.NaN(), 1.75},
		},
		{
			name: "Flat bars give zero ATR",
			candles: bars(
				[3]float64{10, 10, 10},
				[3]float64{10, 10, 10},
				[3]float64{10, 10, 10},
			),
			period:   2,
			expected: []float64{math.NaN(), 0, 0},
		},
		{
			name:    "Insufficient data",
			candles: bars([3]float64{12, 10, 11}),
			period:  3,
			isNil:   true,
		},
		{
			name:    "Invalid period",
			candles: bars([3]float64{12, 10, 11}),
			period:  0,
			isNil:   true,
		},
		{
			name:    "Empty candles",
			candles: nil,
			period:  14,
			isNil:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateATR(tt.candles, tt.period)

			if tt.isNil {
				assert.Nil(t, result)
				return
			}

			assert.Equal(t, len(tt.expected), len(result), "ATR array length mismatch")

			for i := 0; i < len(tt.expected); i++ {
				if math.IsNaN(tt.expected[i]) {
					assert.True(t, math.IsNaN(result[i]), "Expected NaN at index %d", i)
				} else {
					assert.InDelta(t, tt.expected[i], result[i], 1e-9, "ATR mismatch at index %d", i)
				}
			}
		})
	}
}

func TestCalculateLastATR(t *testing.T) {
	tests := []struct {
		name        string
		candles     []candle.Candle
		period      int
		expected    float64
		expectError bool
	}{
		{
			name: "Basic last ATR",
			candles: bars(
				[3]float64{12, 10, 11},
				[3]float64{13, 11, 12},
				[3]float64{15, 12, 14},
				[3]float64{14, 11, 12},
				[3]float64{16, 13, 15},
			),
			period:   3,
			expected: 10.0 / 3,
		},
		{
			name: "Exact minimum data length",
			candles: bars(
				[3]float64{12, 10, 11},
				[3]float64{13, 11, 12},
			),
			period:   2,
			expected: 2,
		},
		{
			name:        "Insufficient data",
			candles:     bars([3]float64{12, 10, 11}),
			period:      3,
			expectError: true,
		},
		{
			name:        "Invalid period",
			candles:     bars([3]float64{12, 10, 11}),
			period:      -1,
			expectError: true,
		},
		{
			name:        "Empty candles",
			candles:     nil,
			period:      14,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := CalculateLastATR(tt.candles, tt.period)

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.InDelta(t, tt.expected, result, 1e-9)
		})
	}
}

func TestATRConsistency(t *testing.T) {
	// CalculateLastATR must match the last element of CalculateATR.
	candles := bars(
		[3]float64{12, 10, 11},
		[3]float64{13, 11, 12},
		[3]float64{15, 12, 14},
		[3]float64{14, 11, 12},
		[3]float64{16, 13, 15},
		[3]float64{17, 14, 16},
		[3]float64{16, 12, 13},
	)

	for _, period := range []int{2, 3, 5} {
		full := CalculateATR(candles, period)
		last, err := CalculateLastATR(candles, period)

		assert.NoError(t, err)
		assert.InDelta(t, full[len(full)-1], last, 1e-9, "period %d", period)
	}
}

func BenchmarkCalculateATR(b *testing.B) {
	candles := make([]candle.Candle, 1000)
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		price := 2000 + float64(i%50)
		candles[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      price + 2,
			Low:       price - 2,
			Close:     price + 1,
			Symbol:    "XAUUSD",
			Timeframe: "5m",
		}
	}

	b.ResetTimer()
	for b.Loop() {
		CalculateATR(candles, 14)
	}
}
