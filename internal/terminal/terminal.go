// Package terminal
package terminal

import (
	"context"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	OrderTypeMarket = "market"
)

// Order statuses.
const (
	StatusPending   = "PENDING"
	StatusFilled    = "FILLED"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
)

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns the ask-bid distance in price units.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadPips returns the spread in pips for the given pip size.
func (q Quote) SpreadPips(pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / pipSize
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
	ClientID   string  `json:"client_order_id,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// OrderResult is the terminal's response to a submitted order.
type OrderResult struct {
	Ticket       string    `json:"ticket"`
	Status       string    `json:"status"`
	FilledVolume float64   `json:"filled_volume"`
	AvgPrice     float64   `json:"avg_price"`
	Timestamp    time.Time `json:"time"`
}

// Filled reports whether the order is fully confirmed.
func (r OrderResult) Filled() bool {
	return r.Status == StatusFilled
}

// PositionInfo describes a position at the terminal.
type PositionInfo struct {
	Ref        string    `json:"ref"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	OpenedAt   time.Time `json:"opened_at"`
	PnL        float64   `json:"pnl"`
}

// floatingPnL marks a position to market against the side it would close on.
func floatingPnL(p PositionInfo, q Quote) float64 {
	if p.Side == SideSell {
		return (p.EntryPrice - q.Ask) * p.Volume
	}
	return (q.Bid - p.EntryPrice) * p.Volume
}

// Feed delivers market data. Implementations report feed gaps as errors or
// empty slices, never as zero-filled bars.
type Feed interface {
	GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Terminal executes and manages orders. Calls may be slow; callers guard
// them with a timeout context.
type Terminal interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	AccountEquity(ctx context.Context) (float64, error)
	OpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	ClosedPosition(ctx context.Context, ref string) (PositionInfo, error)
	ModifyPosition(ctx context.Context, ref string, stopLoss, takeProfit float64) error
	ClosePosition(ctx context.Context, ref string, volume float64) error
}
