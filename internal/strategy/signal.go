package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/metrics"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

// SignalGenerator turns confirmed reversal evidence into a sized trade
// signal fading the sweep direction.
type SignalGenerator struct {
	cfg  config.StrategyConfig
	term terminal.Terminal
}

func NewSignalGenerator(cfg config.StrategyConfig, term terminal.Terminal) *SignalGenerator {
	return &SignalGenerator{cfg: cfg, term: term}
}

// Generate prices the trade and sizes it from live account equity. Risk
// parameter failures are fatal for the cycle; sizes are floored to the lot
// step, never rounded up.
func (sg *SignalGenerator) Generate(ctx context.Context, r *AsianRange, sweep *SweepEvent, quote terminal.Quote, now time.Time) (*TradeSignal, error) {
	// Every sizing formula below divides by these.
	switch {
	case sg.cfg.PipSize <= 0:
		return nil, &ConfigInvalidError{Field: "pip_size", Reason: "must be positive"}
	case sg.cfg.PipValue <= 0:
		return nil, &ConfigInvalidError{Field: "pip_value", Reason: "must be positive"}
	case sg.cfg.LotStep <= 0:
		return nil, &ConfigInvalidError{Field: "lot_step", Reason: "must be positive"}
	}

	var side string
	var entry float64
	if sweep.Direction == DirectionAbove {
		side = terminal.SideSell
		entry = quote.Bid
		if sg.cfg.EntryMode == "boundary" {
			entry = r.High
		}
	} else {
		side = terminal.SideBuy
		entry = quote.Ask
		if sg.cfg.EntryMode == "boundary" {
			entry = r.Low
		}
	}

	// The stop sits beyond the sweep extreme; a revisit invalidates the fade.
	buffer := sg.cfg.PipsToPrice(sg.cfg.StopLossPips)
	var stopLoss float64
	if side == terminal.SideSell {
		stopLoss = sweep.SweepPrice + buffer
	} else {
		stopLoss = sweep.SweepPrice - buffer
	}

	stopDist := math.Abs(entry - stopLoss)
	if stopDist <= 0 {
		return nil, &InvalidRiskParametersError{Reason: "stop distance is zero"}
	}

	var takeProfit float64
	if side == terminal.SideSell {
		takeProfit = entry - sg.cfg.RRMultiple*stopDist
	} else {
		takeProfit = entry + sg.cfg.RRMultiple*stopDist
	}

	cctx, cancel := context.WithTimeout(ctx, sg.cfg.CallTimeout)
	defer cancel()
	equity, err := sg.term.AccountEquity(cctx)
	if err != nil {
		return nil, &DataUnavailableError{What: "account equity", Err: err}
	}
	if equity <= 0 {
		return nil, &InvalidRiskParametersError{Reason: fmt.Sprintf("non-positive equity %.2f", equity)}
	}
	metrics.SetEquity(equity)

	riskPct := sg.cfg.RiskPercent * sg.cfg.RiskMultiplier(string(r.Grade))
	stopPips := sg.cfg.PriceToPips(stopDist)
	riskAmount := equity * riskPct / 100

	size := riskAmount / (stopPips * sg.cfg.PipValue)
	if sg.cfg.MaxLot > 0 && size > sg.cfg.MaxLot {
		size = sg.cfg.MaxLot
	}
	// The epsilon keeps exact step multiples from flooring down a step.
	size = math.Floor(size/sg.cfg.LotStep+1e-9) * sg.cfg.LotStep
	if size < sg.cfg.MinLot || size <= 0 {
		return nil, &InvalidRiskParametersError{
			Reason: fmt.Sprintf("size %.4f below min lot %.2f at %.1f pip stop", size, sg.cfg.MinLot, stopPips),
		}
	}

	sig := &TradeSignal{
		Side:         side,
		Entry:        entry,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		PositionSize: size,
		RiskPercent:  riskPct,
		ClientID:     uuid.NewString(),
		CreatedAt:    now,
	}
	log.Printf("Signal | [%s %s] Entry=%.5f SL=%.5f TP=%.5f Size=%.2f Risk=%.2f%%",
		sg.cfg.Symbol, sig.Side, sig.Entry, sig.StopLoss, sig.TakeProfit, sig.PositionSize, sig.RiskPercent)
	return sig, nil
}
