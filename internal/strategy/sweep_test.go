package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
)

func TestSweepDetectorThresholdBoundary(t *testing.T) {
	cfg := config.StrategyConfig{
		PipSize:            0.0001,
		SweepThresholdMode: "fixed",
		SweepThresholdPips: 5,
	}
	sd := NewSweepDetector(cfg)
	r := &AsianRange{High: 1.1050, Low: 1.1000, Midpoint: 1.1025, Size: 0.0050}
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	th := sd.Threshold(r)
	const eps = 1e-9

	t.Run("exactly at threshold is not a sweep", func(t *testing.T) {
		if ev := sd.Detect(r, r.High+th, at); ev != nil {
			t.Fatalf("expected no sweep exactly at threshold, got %+v", ev)
		}
		if ev := sd.Detect(r, r.High+th-eps, at); ev != nil {
			t.Fatalf("expected no sweep just inside threshold, got %+v", ev)
		}
	})

	t.Run("beyond threshold sweeps above", func(t *testing.T) {
		price := r.High + th + eps
		ev := sd.Detect(r, price, at)
		if ev == nil {
			t.Fatal("expected a sweep just beyond threshold")
		}
		if ev.Direction != DirectionAbove {
			t.Fatalf("expected direction %s, got %s", DirectionAbove, ev.Direction)
		}
		if ev.SweepPrice != price {
			t.Fatalf("expected sweep price %v, got %v", price, ev.SweepPrice)
		}
		if ev.ThresholdUsed != th {
			t.Fatalf("expected threshold %v, got %v", th, ev.ThresholdUsed)
		}
		if !ev.SweepTime.Equal(at) {
			t.Fatalf("expected sweep time %v, got %v", at, ev.SweepTime)
		}
	})

	t.Run("beyond threshold sweeps below", func(t *testing.T) {
		ev := sd.Detect(r, r.Low-th-eps, at)
		if ev == nil {
			t.Fatal("expected a sweep below the low")
		}
		if ev.Direction != DirectionBelow {
			t.Fatalf("expected direction %s, got %s", DirectionBelow, ev.Direction)
		}
	})

	t.Run("inside the range holds", func(t *testing.T) {
		for _, price := range []float64{r.Midpoint, r.High, r.Low, r.High + th/2, r.Low - th/2} {
			if ev := sd.Detect(r, price, at); ev != nil {
				t.Fatalf("expected no sweep at %v, got %+v", price, ev)
			}
		}
	})
}

func TestSweepDetectorDynamicThreshold(t *testing.T) {
	cfg := config.StrategyConfig{
		PipSize:            0.0001,
		SweepThresholdMode: "dynamic",
		SweepFloorPips:     10,
		SweepRangePct:      0.1,
	}
	sd := NewSweepDetector(cfg)

	t.Run("scales with the range", func(t *testing.T) {
		r := &AsianRange{High: 1.1200, Low: 1.1000, Size: 0.0200}
		if got := sd.Threshold(r); math.Abs(got-0.0020) > 1e-9 {
			t.Fatalf("expected 20 pip threshold for a 200 pip range, got %v", got)
		}
	})

	t.Run("floor wins on tight ranges", func(t *testing.T) {
		r := &AsianRange{High: 1.1050, Low: 1.1000, Size: 0.0050}
		if got := sd.Threshold(r); math.Abs(got-0.0010) > 1e-9 {
			t.Fatalf("expected the 10 pip floor, got %v", got)
		}
	})
}
