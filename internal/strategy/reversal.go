package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/indicator"
	"github.com/amirphl/sweep-trader/internal/pattern"
	"github.com/amirphl/sweep-trader/internal/terminal"
	"github.com/amirphl/sweep-trader/internal/tfutils"
)

// Reversal checks run on two fixed finer timeframes regardless of the
// range timeframe.
const (
	reversalTimeframe  = "5m"
	structureTimeframe = "1m"
)

// ReversalValidator runs the three post-sweep checks in order: M5 close back
// inside the range, displacement from the sweep extreme versus M5 ATR, and
// an M1 change of character against the sweep direction.
type ReversalValidator struct {
	cfg   config.StrategyConfig
	feed  terminal.Feed
	choch *pattern.ChochDetector
}

func NewReversalValidator(cfg config.StrategyConfig, feed terminal.Feed) *ReversalValidator {
	return &ReversalValidator{
		cfg:   cfg,
		feed:  feed,
		choch: pattern.NewChochDetector(cfg.ChochLookback),
	}
}

// Validate short-circuits on the first failing check. A ValidationFailed
// result means keep waiting on this stage; DataUnavailable means the inputs
// could not be read and the same evaluation should be retried.
func (rv *ReversalValidator) Validate(ctx context.Context, r *AsianRange, sweep *SweepEvent, now time.Time) (*ReversalEvidence, error) {
	m5From := now.Add(-time.Duration(rv.cfg.ATRPeriod+3) * 5 * time.Minute)
	if sweep.SweepTime.Before(m5From) {
		m5From = sweep.SweepTime
	}
	m5, err := rv.completeBars(ctx, reversalTimeframe, m5From, now)
	if err != nil {
		return nil, err
	}
	if len(m5) < rv.cfg.ATRPeriod {
		return nil, &DataUnavailableError{
			What: "M5 bars",
			Err:  fmt.Errorf("need %d complete bars, got %d", rv.cfg.ATRPeriod, len(m5)),
		}
	}

	last := m5[len(m5)-1]
	if !r.Contains(last.Close) {
		return nil, &ValidationFailedError{
			Check:  "re-entry",
			Reason: fmt.Sprintf("waiting for M5 close inside range, last close %.5f", last.Close),
		}
	}

	atr, err := indicator.CalculateLastATR(m5, rv.cfg.ATRPeriod)
	if err != nil {
		return nil, &DataUnavailableError{What: "M5 ATR", Err: err}
	}

	displacement := rv.displacement(m5, sweep, last.Close)
	required := rv.cfg.ATRMultiplier * atr
	if displacement < required {
		return nil, &ValidationFailedError{
			Check: "displacement",
			Reason: fmt.Sprintf("moved %.1f pips, need %.1f (%.2fx ATR %.1f)",
				rv.cfg.PriceToPips(displacement), rv.cfg.PriceToPips(required),
				rv.cfg.ATRMultiplier, rv.cfg.PriceToPips(atr)),
		}
	}

	m1, err := rv.completeBars(ctx, structureTimeframe, sweep.SweepTime, now)
	if err != nil {
		return nil, err
	}

	var confirmed bool
	if sweep.Direction == DirectionAbove {
		confirmed, err = rv.choch.Bearish(m1)
	} else {
		confirmed, err = rv.choch.Bullish(m1)
	}
	if err != nil {
		return nil, &DataUnavailableError{What: "M1 structure bars", Err: err}
	}
	if !confirmed {
		return nil, &ValidationFailedError{
			Check:  "choch",
			Reason: "no M1 change of character against the sweep yet",
		}
	}

	return &ReversalEvidence{
		CloseBackInsideTime: last.Timestamp.Add(tfutils.GetTimeframeDuration(last.Timeframe)),
		M5Displacement:      displacement,
		ATRM5:               atr,
		ChochConfirmed:      true,
	}, nil
}

// displacement measures how far price has traveled from the sweep extreme
// back toward the range. The extreme includes any post-sweep wicks that ran
// beyond the triggering tick.
func (rv *ReversalValidator) displacement(m5 []candle.Candle, sweep *SweepEvent, lastClose float64) float64 {
	extreme := sweep.SweepPrice
	for _, b := range m5 {
		if b.Timestamp.Before(sweep.SweepTime.Add(-tfutils.GetTimeframeDuration(reversalTimeframe))) {
			continue
		}
		if sweep.Direction == DirectionAbove && b.High > extreme {
			extreme = b.High
		}
		if sweep.Direction == DirectionBelow && b.Low < extreme {
			extreme = b.Low
		}
	}
	if sweep.Direction == DirectionAbove {
		return extreme - lastClose
	}
	return lastClose - extreme
}

// completeBars fetches bars on the timeframe and drops any still-forming
// tail bar so checks never act on a partial candle.
func (rv *ReversalValidator) completeBars(ctx context.Context, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	cctx, cancel := context.WithTimeout(ctx, rv.cfg.CallTimeout)
	defer cancel()

	bars, err := rv.feed.GetBars(cctx, rv.cfg.Symbol, timeframe, from, to)
	if err != nil {
		return nil, &DataUnavailableError{What: timeframe + " bars", Err: err}
	}
	return candle.CompleteOnly(bars, to), nil
}
