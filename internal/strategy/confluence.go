package strategy

import (
	"fmt"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

// ConfluenceChecker gates signal generation on spread width and
// time-of-day liquidity conditions. Results are recomputed on every call
// and must never be cached across cycles.
type ConfluenceChecker struct {
	cfg config.StrategyConfig
}

func NewConfluenceChecker(cfg config.StrategyConfig) *ConfluenceChecker {
	return &ConfluenceChecker{cfg: cfg}
}

// Check evaluates the current quote and clock. A failed result is a normal
// wait condition, not an error.
func (cc *ConfluenceChecker) Check(quote terminal.Quote, now time.Time) ConfluenceResult {
	res := ConfluenceResult{SpreadPips: quote.SpreadPips(cc.cfg.PipSize)}

	if res.SpreadPips > cc.cfg.MaxSpreadPips {
		res.Reason = fmt.Sprintf("spread %.1f pips above max %.1f", res.SpreadPips, cc.cfg.MaxSpreadPips)
		return res
	}

	if blocked, why := cc.InBlackout(now); blocked {
		res.InBlackoutWindow = true
		res.Reason = why
		return res
	}

	res.Passed = true
	return res
}

// InBlackout reports whether now falls inside a configured blackout window
// or within the news buffer around a high-impact event. The trade manager
// also consults this for forced exits.
func (cc *ConfluenceChecker) InBlackout(now time.Time) (bool, string) {
	for _, w := range cc.cfg.Blackouts() {
		if w.Contains(now) {
			return true, fmt.Sprintf("inside blackout window %s", w.String())
		}
	}

	buffer := time.Duration(cc.cfg.NewsBufferMin) * time.Minute
	for _, ev := range cc.cfg.NewsEvents {
		if ev.Severity != "HIGH" && ev.Severity != "CRITICAL" {
			continue
		}
		if now.After(ev.Time.Add(-buffer)) && now.Before(ev.Time.Add(buffer)) {
			return true, fmt.Sprintf("within %dm of %s", cc.cfg.NewsBufferMin, ev.Name)
		}
	}
	return false, ""
}
