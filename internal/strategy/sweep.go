package strategy

import (
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
)

// SweepDetector watches for price breaching the session range boundary.
type SweepDetector struct {
	cfg config.StrategyConfig
}

func NewSweepDetector(cfg config.StrategyConfig) *SweepDetector {
	return &SweepDetector{cfg: cfg}
}

// Threshold returns the required breach distance in price units. In dynamic
// mode the distance scales with the range size but never drops below the
// configured floor.
func (sd *SweepDetector) Threshold(r *AsianRange) float64 {
	if sd.cfg.SweepThresholdMode == "dynamic" {
		pips := sd.cfg.SweepRangePct * r.SizePips(sd.cfg.PipSize)
		if pips < sd.cfg.SweepFloorPips {
			pips = sd.cfg.SweepFloorPips
		}
		return sd.cfg.PipsToPrice(pips)
	}
	return sd.cfg.PipsToPrice(sd.cfg.SweepThresholdPips)
}

// Detect returns the sweep event for price, or nil while the boundary holds.
// The comparison is strict: price exactly at boundary plus threshold is not
// a sweep.
func (sd *SweepDetector) Detect(r *AsianRange, price float64, at time.Time) *SweepEvent {
	th := sd.Threshold(r)
	switch {
	case price > r.High+th:
		return &SweepEvent{Direction: DirectionAbove, SweepPrice: price, SweepTime: at, ThresholdUsed: th}
	case price < r.Low-th:
		return &SweepEvent{Direction: DirectionBelow, SweepPrice: price, SweepTime: at, ThresholdUsed: th}
	default:
		return nil
	}
}
