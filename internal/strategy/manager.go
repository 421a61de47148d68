package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/indicator"
	"github.com/amirphl/sweep-trader/internal/metrics"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

// Exit reasons reported by the trade manager.
const (
	ExitStopLoss     = "stop_loss"
	ExitTakeProfit   = "take_profit"
	ExitMaxHold      = "max_hold"
	ExitSessionClose = "session_close"
	ExitBlackout     = "blackout"
)

// ManageOutcome reports what one management tick observed or did.
type ManageOutcome struct {
	Closed bool
	PnL    float64
	Reason string
	Action string
}

// TradeManager supervises the open position: forced exits, client-side
// stop enforcement, breakeven, and ATR trailing. It never touches the
// session stage; the state machine interprets the outcome.
type TradeManager struct {
	cfg        config.StrategyConfig
	feed       terminal.Feed
	term       terminal.Terminal
	confluence *ConfluenceChecker
}

func NewTradeManager(cfg config.StrategyConfig, feed terminal.Feed, term terminal.Terminal, confluence *ConfluenceChecker) *TradeManager {
	return &TradeManager{cfg: cfg, feed: feed, term: term, confluence: confluence}
}

// Manage runs one supervision pass over the position referenced by state.
// A position missing at the terminal means it closed there; the realized
// result is looked up and reported.
func (tm *TradeManager) Manage(ctx context.Context, state *SessionState, now time.Time) (ManageOutcome, error) {
	pos, found, err := tm.findPosition(ctx, state.OpenPositionRef)
	if err != nil {
		return ManageOutcome{}, &DataUnavailableError{What: "open positions", Err: err}
	}
	if !found {
		return tm.closedAtTerminal(ctx, state)
	}

	// Forced exits need no quote and run first.
	if blocked, why := tm.confluence.InBlackout(now); blocked {
		return tm.closeAtMarket(ctx, pos, ExitBlackout, why)
	}
	if tm.cfg.MaxHold > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= tm.cfg.MaxHold {
		return tm.closeAtMarket(ctx, pos, ExitMaxHold, fmt.Sprintf("held %s", now.Sub(pos.OpenedAt).Round(time.Minute)))
	}
	if closeMin, ok := tm.cfg.TradeCloseMinute(); ok {
		nowMin := now.UTC().Hour()*60 + now.UTC().Minute()
		if nowMin >= closeMin {
			return tm.closeAtMarket(ctx, pos, ExitSessionClose, tm.cfg.TradeCloseTime)
		}
	}

	quote, err := tm.getQuote(ctx)
	if err != nil {
		return ManageOutcome{}, &DataUnavailableError{What: "quote", Err: err}
	}

	// Venues without server-side stops rely on this check.
	if reason, hit := stopHit(pos, quote); hit {
		return tm.closeAtMarket(ctx, pos, reason, fmt.Sprintf("level crossed at bid %.5f ask %.5f", quote.Bid, quote.Ask))
	}

	if state.Signal == nil {
		return ManageOutcome{}, nil
	}
	r := math.Abs(state.Signal.Entry - state.Signal.StopLoss)
	if r <= 0 {
		return ManageOutcome{}, nil
	}
	profit := favorableMove(pos, quote)

	if !state.BreakevenSet && profit >= 0.5*r {
		if err := tm.modifyStop(ctx, pos.Ref, pos.EntryPrice); err != nil {
			log.Printf("Manager | [%s] Breakeven move failed, retrying next tick: %v", tm.cfg.Symbol, err)
			return ManageOutcome{}, nil
		}
		state.BreakevenSet = true
		return ManageOutcome{Action: fmt.Sprintf("breakeven stop set at %.5f", pos.EntryPrice)}, nil
	}

	if profit >= r {
		state.TrailingArmed = true
	}
	if state.TrailingArmed {
		return tm.trail(ctx, pos, quote, now)
	}
	return ManageOutcome{}, nil
}

// trail tightens the stop behind price by an ATR distance on M1. The stop
// only ever moves in the protective direction and never crosses entry.
func (tm *TradeManager) trail(ctx context.Context, pos terminal.PositionInfo, quote terminal.Quote, now time.Time) (ManageOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()
	bars, err := tm.feed.GetBars(cctx, tm.cfg.Symbol, structureTimeframe, now.Add(-time.Hour), now)
	if err != nil {
		log.Printf("Manager | [%s] Trailing skipped, no M1 bars: %v", tm.cfg.Symbol, err)
		return ManageOutcome{}, nil
	}
	atr, err := indicator.CalculateLastATR(bars, tm.cfg.ATRPeriod)
	if err != nil {
		log.Printf("Manager | [%s] Trailing skipped: %v", tm.cfg.Symbol, err)
		return ManageOutcome{}, nil
	}

	dist := tm.cfg.ATRMultiplier * atr
	var newSL float64
	if pos.Side == terminal.SideBuy {
		newSL = quote.Bid - dist
		if newSL < pos.EntryPrice || (pos.StopLoss > 0 && newSL <= pos.StopLoss) {
			return ManageOutcome{}, nil
		}
	} else {
		newSL = quote.Ask + dist
		if newSL > pos.EntryPrice || (pos.StopLoss > 0 && newSL >= pos.StopLoss) {
			return ManageOutcome{}, nil
		}
	}

	if err := tm.modifyStop(ctx, pos.Ref, newSL); err != nil {
		log.Printf("Manager | [%s] Trailing move failed, retrying next tick: %v", tm.cfg.Symbol, err)
		return ManageOutcome{}, nil
	}
	return ManageOutcome{Action: fmt.Sprintf("trailing stop moved to %.5f", newSL)}, nil
}

func (tm *TradeManager) closedAtTerminal(ctx context.Context, state *SessionState) (ManageOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()

	reason := ExitStopLoss
	var pnl float64
	done, err := tm.term.ClosedPosition(cctx, state.OpenPositionRef)
	if err != nil {
		log.Printf("Manager | [%s] Position %s gone, no closed record: %v", tm.cfg.Symbol, state.OpenPositionRef, err)
	} else {
		pnl = done.PnL
		reason = tm.exitReason(state, done)
	}

	metrics.IncExit(reason)
	log.Printf("Manager | [%s] Position %s closed at terminal (%s) PnL=%.2f", tm.cfg.Symbol, state.OpenPositionRef, reason, pnl)
	return ManageOutcome{Closed: true, PnL: pnl, Reason: reason}, nil
}

// exitReason classifies a terminal-side close by reconstructing the exit
// price and picking the nearer managed level. After a breakeven move the
// original stop is still the closer level, which reads as a stop exit.
func (tm *TradeManager) exitReason(state *SessionState, done terminal.PositionInfo) string {
	sig := state.Signal
	if sig == nil || done.Volume <= 0 {
		if done.PnL >= 0 {
			return ExitTakeProfit
		}
		return ExitStopLoss
	}

	exit := done.EntryPrice + done.PnL/done.Volume
	if done.Side == terminal.SideSell {
		exit = done.EntryPrice - done.PnL/done.Volume
	}
	if math.Abs(exit-sig.TakeProfit) <= math.Abs(exit-sig.StopLoss) {
		return ExitTakeProfit
	}
	return ExitStopLoss
}

func (tm *TradeManager) closeAtMarket(ctx context.Context, pos terminal.PositionInfo, reason, detail string) (ManageOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()
	if err := tm.term.ClosePosition(cctx, pos.Ref, 0); err != nil {
		return ManageOutcome{}, &ExecutionFailedError{Attempt: 1, Err: fmt.Errorf("closing %s: %w", pos.Ref, err)}
	}

	pnl := pos.PnL
	dctx, dcancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer dcancel()
	if done, err := tm.term.ClosedPosition(dctx, pos.Ref); err == nil {
		pnl = done.PnL
	}

	metrics.IncExit(reason)
	log.Printf("Manager | [%s] Closed %s (%s: %s) PnL=%.2f", tm.cfg.Symbol, pos.Ref, reason, detail, pnl)
	return ManageOutcome{Closed: true, PnL: pnl, Reason: reason}, nil
}

func (tm *TradeManager) findPosition(ctx context.Context, ref string) (terminal.PositionInfo, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()
	positions, err := tm.term.OpenPositions(cctx, tm.cfg.Symbol)
	if err != nil {
		return terminal.PositionInfo{}, false, err
	}
	for _, p := range positions {
		if p.Ref == ref {
			return p, true, nil
		}
	}
	return terminal.PositionInfo{}, false, nil
}

func (tm *TradeManager) getQuote(ctx context.Context) (terminal.Quote, error) {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()
	return tm.feed.GetQuote(cctx, tm.cfg.Symbol)
}

func (tm *TradeManager) modifyStop(ctx context.Context, ref string, sl float64) error {
	cctx, cancel := context.WithTimeout(ctx, tm.cfg.CallTimeout)
	defer cancel()
	return tm.term.ModifyPosition(cctx, ref, sl, 0)
}

// stopHit checks the quote against the position's own levels on the side
// the position would close on.
func stopHit(pos terminal.PositionInfo, q terminal.Quote) (string, bool) {
	if pos.Side == terminal.SideBuy {
		if pos.StopLoss > 0 && q.Bid <= pos.StopLoss {
			return ExitStopLoss, true
		}
		if pos.TakeProfit > 0 && q.Bid >= pos.TakeProfit {
			return ExitTakeProfit, true
		}
		return "", false
	}
	if pos.StopLoss > 0 && q.Ask >= pos.StopLoss {
		return ExitStopLoss, true
	}
	if pos.TakeProfit > 0 && q.Ask <= pos.TakeProfit {
		return ExitTakeProfit, true
	}
	return "", false
}

// favorableMove returns how far the closing side of the book has moved in
// the position's favor, in price units.
func favorableMove(pos terminal.PositionInfo, q terminal.Quote) float64 {
	if pos.Side == terminal.SideBuy {
		return q.Bid - pos.EntryPrice
	}
	return pos.EntryPrice - q.Ask
}
