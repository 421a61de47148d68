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

func rangeConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:             "EURUSD",
		PipSize:            0.0001,
		AsianSessionWindow: "00:00-06:00",
		RangeTimeframe:     "5m",
		GradeTightRatio:    0.6,
		GradeWideRatio:     1.4,
		GradeTightPips:     30,
		GradeWidePips:      150,
		GradeLookbackDays:  10,
		CallTimeout:        time.Second,
	}
}

func TestRangeCalculatorCompute(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("reduces session bars to the range", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", []candle.Candle{
			testBar(day.Add(1*time.Hour), "5m", 1.1020, 1.1035, 1.1010, 1.1030),
			testBar(day.Add(2*time.Hour), "5m", 1.1030, 1.1050, 1.1025, 1.1045),
			testBar(day.Add(3*time.Hour), "5m", 1.1045, 1.1048, 1.1000, 1.1005),
			testBar(day.Add(7*time.Hour), "5m", 1.1100, 1.1200, 1.1090, 1.1150),
		})
		st := newStubStorage()
		rc := NewRangeCalculator(rangeConfig(), sim, st)

		r, err := rc.Compute(ctx, day)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if r.High != 1.1050 {
			t.Fatalf("expected high 1.1050 ignoring bars outside the window, got %v", r.High)
		}
		if r.Low != 1.1000 {
			t.Fatalf("expected low 1.1000, got %v", r.Low)
		}
		if math.Abs(r.Midpoint-1.1025) > 1e-9 {
			t.Fatalf("expected midpoint 1.1025, got %v", r.Midpoint)
		}
		if math.Abs(r.SizePips(0.0001)-50) > 1e-6 {
			t.Fatalf("expected a 50 pip range, got %v", r.SizePips(0.0001))
		}
		if !r.Date.Equal(day) {
			t.Fatalf("expected range date %v, got %v", day, r.Date)
		}
		if len(st.ranges) != 1 {
			t.Fatalf("expected the observation to be persisted, got %d", len(st.ranges))
		}
	})

	t.Run("no bars in the window is insufficient data", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		rc := NewRangeCalculator(rangeConfig(), sim, newStubStorage())

		_, err := rc.Compute(ctx, day)
		var insErr *InsufficientDataError
		if !errors.As(err, &insErr) {
			t.Fatalf("expected InsufficientDataError, got %v", err)
		}
		if !IsDataUnavailable(err) {
			t.Fatal("missing session bars must read as unavailable data")
		}
	})

	t.Run("feed failure is retryable", func(t *testing.T) {
		sim := terminal.NewSimTerminal(10000)
		sim.FailNext(errors.New("feed down"))
		rc := NewRangeCalculator(rangeConfig(), sim, newStubStorage())

		_, err := rc.Compute(ctx, day)
		if !IsDataUnavailable(err) {
			t.Fatalf("expected a data availability error, got %v", err)
		}
	})

	t.Run("grades against rolling history", func(t *testing.T) {
		st := newStubStorage()
		for i := 1; i <= 5; i++ {
			st.ranges = append(st.ranges, RangeObservation{
				Date: day.AddDate(0, 0, -i), Symbol: "EURUSD", SizePips: 50,
			})
		}
		// A same-day record must not feed its own baseline.
		st.ranges = append(st.ranges, RangeObservation{Date: day, Symbol: "EURUSD", SizePips: 1000})

		cases := []struct {
			name string
			high float64
			low  float64
			want Grade
		}{
			{"tight", 1.1040, 1.1020, GradeTight},
			{"normal", 1.1050, 1.1000, GradeNormal},
			{"wide", 1.1100, 1.1020, GradeWide},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				sim := terminal.NewSimTerminal(10000)
				sim.SetBars("5m", []candle.Candle{
					testBar(day.Add(time.Hour), "5m", tc.low, tc.high, tc.low, tc.high),
				})
				rc := NewRangeCalculator(rangeConfig(), sim, st)

				r, err := rc.Compute(ctx, day)
				if err != nil {
					t.Fatalf("Compute failed: %v", err)
				}
				if r.Grade != tc.want {
					t.Fatalf("expected grade %s, got %s", tc.want, r.Grade)
				}
			})
		}
	})

	t.Run("absolute fallback without history", func(t *testing.T) {
		cases := []struct {
			name string
			high float64
			low  float64
			want Grade
		}{
			{"tight", 1.1040, 1.1020, GradeTight},
			{"normal", 1.1050, 1.1000, GradeNormal},
			{"wide", 1.1180, 1.1020, GradeWide},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				sim := terminal.NewSimTerminal(10000)
				sim.SetBars("5m", []candle.Candle{
					testBar(day.Add(time.Hour), "5m", tc.low, tc.high, tc.low, tc.high),
				})
				rc := NewRangeCalculator(rangeConfig(), sim, newStubStorage())

				r, err := rc.Compute(ctx, day)
				if err != nil {
					t.Fatalf("Compute failed: %v", err)
				}
				if r.Grade != tc.want {
					t.Fatalf("expected grade %s, got %s", tc.want, r.Grade)
				}
			})
		}
	})

	t.Run("history failure degrades to the fallback", func(t *testing.T) {
		st := newStubStorage()
		st.failRanges = true
		sim := terminal.NewSimTerminal(10000)
		sim.SetBars("5m", []candle.Candle{
			testBar(day.Add(time.Hour), "5m", 1.1000, 1.1050, 1.1000, 1.1050),
		})
		rc := NewRangeCalculator(rangeConfig(), sim, st)

		r, err := rc.Compute(ctx, day)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if r.Grade != GradeNormal {
			t.Fatalf("expected the absolute fallback grade, got %s", r.Grade)
		}
	})
}
