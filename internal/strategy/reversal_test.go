package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

func reversalConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:        "EURUSD",
		PipSize:       0.0001,
		ATRPeriod:     3,
		ATRMultiplier: 1.3,
		ChochLookback: 5,
		CallTimeout:   time.Second,
	}
}

func testBar(ts time.Time, timeframe string, o, h, l, c float64) candle.Candle {
	return candle.Candle{
		Timestamp: ts,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    100,
		Symbol:    "EURUSD",
		Timeframe: timeframe,
	}
}

// Three M5 bars with a steady 10 pip true range, last close at the given
// price. Highs stay under the 1.1058 sweep extreme.
func fadeM5Bars(base time.Time, lastClose float64) []candle.Candle {
	return []candle.Candle{
		testBar(base, "5m", 1.1052, 1.1056, 1.1046, 1.1048),
		testBar(base.Add(5*time.Minute), "5m", 1.1048, 1.1050, 1.1040, 1.1044),
		testBar(base.Add(10*time.Minute), "5m", lastClose+0.0004, lastClose+0.0006, lastClose-0.0004, lastClose),
	}
}

// Five M1 bars stepping down so the last high undercuts the window's
// highest high.
func bearishM1Bars(base time.Time) []candle.Candle {
	return []candle.Candle{
		testBar(base.Add(5*time.Minute), "1m", 1.1052, 1.1058, 1.1050, 1.1054),
		testBar(base.Add(6*time.Minute), "1m", 1.1054, 1.1056, 1.1048, 1.1050),
		testBar(base.Add(7*time.Minute), "1m", 1.1050, 1.1052, 1.1044, 1.1046),
		testBar(base.Add(8*time.Minute), "1m", 1.1046, 1.1048, 1.1040, 1.1042),
		testBar(base.Add(9*time.Minute), "1m", 1.1042, 1.1044, 1.1038, 1.1040),
	}
}

func TestReversalValidator(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	now := base.Add(16 * time.Minute)
	r := &AsianRange{High: 1.1050, Low: 1.1000, Midpoint: 1.1025, Size: 0.0050}
	sweep := &SweepEvent{Direction: DirectionAbove, SweepPrice: 1.1058, SweepTime: base}

	t.Run("confirms when all three checks pass", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", fadeM5Bars(base, 1.1040))
		sim.SetBars("1m", bearishM1Bars(base))
		rv := NewReversalValidator(reversalConfig(), sim)

		ev, err := rv.Validate(ctx, r, sweep, now)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !ev.ChochConfirmed {
			t.Fatal("expected the structure break to be recorded")
		}
		if math.Abs(ev.ATRM5-0.0010) > 1e-9 {
			t.Fatalf("expected 10 pip ATR, got %v", ev.ATRM5)
		}
		if math.Abs(ev.M5Displacement-0.0018) > 1e-9 {
			t.Fatalf("expected 18 pip displacement, got %v", ev.M5Displacement)
		}
		wantClose := base.Add(15 * time.Minute)
		if !ev.CloseBackInsideTime.Equal(wantClose) {
			t.Fatalf("expected close-back time %v, got %v", wantClose, ev.CloseBackInsideTime)
		}
	})

	t.Run("waits while price stays outside the range", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", fadeM5Bars(base, 1.1052))
		sim.SetBars("1m", bearishM1Bars(base))
		rv := NewReversalValidator(reversalConfig(), sim)

		_, err := rv.Validate(ctx, r, sweep, now)
		var vErr *ValidationFailedError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationFailedError, got %v", err)
		}
		if vErr.Check != "re-entry" {
			t.Fatalf("expected the re-entry check to fail first, got %q", vErr.Check)
		}
	})

	t.Run("waits while displacement lags ATR", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		// 10 pips from the 1.1058 extreme, below the 13 pip requirement.
		sim.SetBars("5m", fadeM5Bars(base, 1.1048))
		sim.SetBars("1m", bearishM1Bars(base))
		rv := NewReversalValidator(reversalConfig(), sim)

		_, err := rv.Validate(ctx, r, sweep, now)
		var vErr *ValidationFailedError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationFailedError, got %v", err)
		}
		if vErr.Check != "displacement" {
			t.Fatalf("expected the displacement check to fail, got %q", vErr.Check)
		}
	})

	t.Run("waits without an M1 structure break", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", fadeM5Bars(base, 1.1040))
		m1 := bearishM1Bars(base)
		last := len(m1) - 1
		m1[last].High = 1.1060
		m1[last].Open = 1.1058
		m1[last].Close = 1.1059
		m1[last].Low = 1.1054
		sim.SetBars("1m", m1)
		rv := NewReversalValidator(reversalConfig(), sim)

		_, err := rv.Validate(ctx, r, sweep, now)
		var vErr *ValidationFailedError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationFailedError, got %v", err)
		}
		if vErr.Check != "choch" {
			t.Fatalf("expected the structure check to fail, got %q", vErr.Check)
		}
	})

	t.Run("short M5 history is retryable", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", fadeM5Bars(base, 1.1040)[:2])
		rv := NewReversalValidator(reversalConfig(), sim)

		_, err := rv.Validate(ctx, r, sweep, now)
		if !IsDataUnavailable(err) {
			t.Fatalf("expected a data availability error, got %v", err)
		}
		if IsValidationFailed(err) {
			t.Fatal("missing bars are not a failed validation")
		}
	})

	t.Run("feed errors are retryable", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", fadeM5Bars(base, 1.1040))
		sim.SetBars("1m", bearishM1Bars(base))
		sim.FailNext(errors.New("feed down"))
		rv := NewReversalValidator(reversalConfig(), sim)

		_, err := rv.Validate(ctx, r, sweep, now)
		if !IsDataUnavailable(err) {
			t.Fatalf("expected a data availability error, got %v", err)
		}
	})

	t.Run("below sweep confirms with bullish structure", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", []candle.Candle{
			testBar(base, "5m", 1.0998, 1.1004, 1.0994, 1.1002),
			testBar(base.Add(5*time.Minute), "5m", 1.1002, 1.1010, 1.1000, 1.1004),
			testBar(base.Add(10*time.Minute), "5m", 1.1004, 1.1012, 1.1002, 1.1006),
		})
		sim.SetBars("1m", []candle.Candle{
			testBar(base.Add(5*time.Minute), "1m", 1.0996, 1.0998, 1.0992, 1.0994),
			testBar(base.Add(6*time.Minute), "1m", 1.0994, 1.1000, 1.0993, 1.0998),
			testBar(base.Add(7*time.Minute), "1m", 1.0998, 1.1004, 1.0996, 1.1002),
			testBar(base.Add(8*time.Minute), "1m", 1.1002, 1.1008, 1.1000, 1.1006),
		})
		rv := NewReversalValidator(reversalConfig(), sim)
		below := &SweepEvent{Direction: DirectionBelow, SweepPrice: 1.0992, SweepTime: base}

		ev, err := rv.Validate(ctx, r, below, now)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if math.Abs(ev.M5Displacement-0.0014) > 1e-9 {
			t.Fatalf("expected 14 pip displacement off the low, got %v", ev.M5Displacement)
		}
	})
}
