package strategy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/metrics"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

// TradeExecutor submits armed signals to the terminal. One submission per
// call; the state machine owns the retry budget across ticks.
type TradeExecutor struct {
	cfg  config.StrategyConfig
	term terminal.Terminal
}

func NewTradeExecutor(cfg config.StrategyConfig, term terminal.Terminal) *TradeExecutor {
	return &TradeExecutor{cfg: cfg, term: term}
}

// Execute submits the signal once. attempt is 1-based; retries wait out the
// configured delay first so consecutive ticks do not hammer the venue.
// Cancellation surfaces as the context error, not an execution failure.
func (te *TradeExecutor) Execute(ctx context.Context, sig *TradeSignal, attempt int) (terminal.OrderResult, error) {
	if attempt > 1 && te.cfg.OrderRetryDelay > 0 {
		select {
		case <-ctx.Done():
			return terminal.OrderResult{}, ctx.Err()
		case <-time.After(te.cfg.OrderRetryDelay):
		}
	}

	req := terminal.OrderRequest{
		Symbol:     te.cfg.Symbol,
		Side:       sig.Side,
		Type:       terminal.OrderTypeMarket,
		Volume:     sig.PositionSize,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ClientID:   sig.ClientID,
		Comment:    "asian-sweep",
	}

	cctx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	defer cancel()

	res, err := te.term.PlaceOrder(cctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &ExecutionFailedError{Attempt: attempt, Err: err}
	}
	metrics.IncOrder(res.Status)

	if !res.Filled() {
		return res, &ExecutionFailedError{
			Attempt: attempt,
			Err:     fmt.Errorf("order %s at the terminal", strings.ToLower(res.Status)),
		}
	}

	log.Printf("Executor | [%s %s] Filled %.2f @ %.5f ticket=%s",
		te.cfg.Symbol, sig.Side, res.FilledVolume, res.AvgPrice, res.Ticket)
	return res, nil
}
