package strategy

import (
	"context"
	"log"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/terminal"
	"github.com/amirphl/sweep-trader/internal/tfutils"
)

// RangeCalculator builds the Asian session range for a trading day.
type RangeCalculator struct {
	cfg     config.StrategyConfig
	feed    terminal.Feed
	storage Storage
}

func NewRangeCalculator(cfg config.StrategyConfig, feed terminal.Feed, storage Storage) *RangeCalculator {
	return &RangeCalculator{cfg: cfg, feed: feed, storage: storage}
}

// Compute fetches the session-window bars for day and reduces them to the
// range. Callers must not invoke this before the window has ended; the
// result is immutable for the rest of the day.
func (rc *RangeCalculator) Compute(ctx context.Context, day time.Time) (*AsianRange, error) {
	win := rc.cfg.SessionWindow()
	start, end := win.BoundsFor(day)

	cctx, cancel := context.WithTimeout(ctx, rc.cfg.CallTimeout)
	defer cancel()

	bars, err := rc.feed.GetBars(cctx, rc.cfg.Symbol, rc.cfg.RangeTimeframe, start, end)
	if err != nil {
		return nil, &DataUnavailableError{What: "session bars", Err: err}
	}
	if len(bars) == 0 {
		return nil, &InsufficientDataError{Date: day, Window: win.String()}
	}

	high := bars[0].High
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}

	r := &AsianRange{
		Date:     tfutils.DayStartUTC(day),
		High:     high,
		Low:      low,
		Midpoint: (high + low) / 2,
		Size:     high - low,
	}
	r.Grade = rc.grade(ctx, r)

	obs := RangeObservation{Date: r.Date, Symbol: rc.cfg.Symbol, SizePips: r.SizePips(rc.cfg.PipSize)}
	if err := rc.storage.SaveRangeObservation(ctx, obs); err != nil {
		// The grade baseline degrades without history but the cycle goes on.
		log.Printf("Range | Failed to save range observation for %s: %v", r.Date.Format("2006-01-02"), err)
	}

	log.Printf("Range | [%s %s] High=%.5f Low=%.5f Size=%.1f pips Grade=%s",
		rc.cfg.Symbol, r.Date.Format("2006-01-02"), r.High, r.Low, r.SizePips(rc.cfg.PipSize), r.Grade)
	return r, nil
}

// grade buckets the range size against the rolling average of recent days.
// With no history it falls back to absolute pip thresholds.
func (rc *RangeCalculator) grade(ctx context.Context, r *AsianRange) Grade {
	sizePips := r.SizePips(rc.cfg.PipSize)

	since := r.Date.AddDate(0, 0, -rc.cfg.GradeLookbackDays)
	history, err := rc.storage.GetRangeObservations(ctx, rc.cfg.Symbol, since)
	if err != nil {
		log.Printf("Range | Failed to load range history: %v", err)
		history = nil
	}

	var sum float64
	var n int
	for _, o := range history {
		// Today's own observation must not feed its baseline.
		if tfutils.SameDayUTC(o.Date, r.Date) {
			continue
		}
		sum += o.SizePips
		n++
	}

	if n == 0 {
		switch {
		case sizePips < rc.cfg.GradeTightPips:
			return GradeTight
		case sizePips > rc.cfg.GradeWidePips:
			return GradeWide
		default:
			return GradeNormal
		}
	}

	ratio := sizePips / (sum / float64(n))
	switch {
	case ratio < rc.cfg.GradeTightRatio:
		return GradeTight
	case ratio > rc.cfg.GradeWideRatio:
		return GradeWide
	default:
		return GradeNormal
	}
}
