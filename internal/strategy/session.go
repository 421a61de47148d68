// Package strategy implements the Asian-range liquidity sweep state machine:
// range calculation, sweep detection, reversal validation, confluence gates,
// signal generation, order execution, and in-trade management, orchestrated
// by a single serialized stage machine.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/sweep-trader/internal/journal"
)

// Stage is the cycle position of the current trading session.
type Stage string

const (
	// StageIdle - waiting for the session range and a sweep beyond it
	StageIdle Stage = "IDLE"

	// StageSwept - price breached the range boundary beyond the threshold
	StageSwept Stage = "SWEPT"

	// StageConfirmed - reversal evidence complete on M5 and M1
	StageConfirmed Stage = "CONFIRMED"

	// StageArmed - trade signal computed, awaiting execution
	StageArmed Stage = "ARMED"

	// StageInTrade - order filled, position under management
	StageInTrade Stage = "IN_TRADE"
)

// Direction of a sweep relative to the session range.
type Direction string

const (
	DirectionAbove Direction = "ABOVE"
	DirectionBelow Direction = "BELOW"
)

// Grade buckets a session range by size relative to its rolling baseline.
type Grade string

const (
	GradeTight  Grade = "tight"
	GradeNormal Grade = "normal"
	GradeWide   Grade = "wide"
)

// AsianRange is the session's reference band. Computed once per trading day
// after the window closes; immutable for that day.
type AsianRange struct {
	Date     time.Time `json:"date"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Midpoint float64   `json:"midpoint"`
	Size     float64   `json:"size"`
	Grade    Grade     `json:"grade"`
}

// Contains reports whether price is inside [Low, High].
func (r AsianRange) Contains(price float64) bool {
	return price >= r.Low && price <= r.High
}

// SizePips converts the range size to pips.
func (r AsianRange) SizePips(pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	return r.Size / pipSize
}

// SweepEvent records a breach of the range boundary beyond the threshold.
// Immutable; exactly one per session cycle.
type SweepEvent struct {
	Direction     Direction `json:"direction"`
	SweepPrice    float64   `json:"sweep_price"`
	SweepTime     time.Time `json:"sweep_time"`
	ThresholdUsed float64   `json:"threshold_used"`
}

// ReversalEvidence is filled in as each reversal sub-check passes. A cycle
// only reaches CONFIRMED when every field is populated and valid.
type ReversalEvidence struct {
	CloseBackInsideTime time.Time `json:"close_back_inside_time"`
	M5Displacement      float64   `json:"m5_displacement"`
	ATRM5               float64   `json:"atr_m5"`
	ChochConfirmed      bool      `json:"choch_confirmed"`
}

// ConfluenceResult is recomputed on every evaluation and never persisted
// across cycles; a stale favorable result must not be reused.
type ConfluenceResult struct {
	SpreadPips       float64 `json:"spread_pips"`
	InBlackoutWindow bool    `json:"in_blackout_window"`
	Passed           bool    `json:"passed"`
	Reason           string  `json:"reason,omitempty"`
}

// TradeSignal is created once per armed cycle and consumed exactly once by
// the executor. The client order id is part of the signal identity so
// retried submissions cannot double-fill.
type TradeSignal struct {
	Side         string    `json:"side"`
	Entry        float64   `json:"entry"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	PositionSize float64   `json:"position_size"`
	RiskPercent  float64   `json:"risk_percent"`
	ClientID     string    `json:"client_order_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RangeObservation is one day's range size, kept as the rolling baseline for
// grading.
type RangeObservation struct {
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	SizePips float64   `json:"size_pips"`
}

// OrderRecord is one order submission outcome for the audit trail.
type OrderRecord struct {
	Day       time.Time `json:"day"`
	Ticket    string    `json:"ticket"`
	ClientID  string    `json:"client_order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Volume    float64   `json:"volume"`
	AvgPrice  float64   `json:"avg_price"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionState is the aggregate root for one trading day. All stage
// mutations go through the state machine; no other component may touch
// Stage.
type SessionState struct {
	TradingDate time.Time `json:"trading_date"`
	Stage       Stage     `json:"stage"`

	Range    *AsianRange       `json:"range,omitempty"`
	Sweep    *SweepEvent       `json:"sweep,omitempty"`
	Reversal *ReversalEvidence `json:"reversal,omitempty"`
	Signal   *TradeSignal      `json:"signal,omitempty"`

	OpenPositionRef string `json:"open_position_ref,omitempty"`

	// Cycle bookkeeping.
	ExecAttempts  int     `json:"exec_attempts"`
	Halted        bool    `json:"halted"`
	BreakevenSet  bool    `json:"breakeven_set"`
	TrailingArmed bool    `json:"trailing_armed"`
	TradeClosed   bool    `json:"trade_closed"`
	ClosedPnL     float64 `json:"closed_pnl"`

	// Daily facts; survive reset, discarded on day rollover.
	DailyTrades int `json:"daily_trades"`
	DailyLosses int `json:"daily_losses"`

	LastReason string    `json:"last_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSessionState creates a fresh IDLE session for the given trading day.
func NewSessionState(day time.Time) *SessionState {
	return &SessionState{
		TradingDate: day,
		Stage:       StageIdle,
	}
}

// Clone returns a deep copy safe to hand out as a status snapshot.
func (s *SessionState) Clone() *SessionState {
	out := *s
	if s.Range != nil {
		r := *s.Range
		out.Range = &r
	}
	if s.Sweep != nil {
		sw := *s.Sweep
		out.Sweep = &sw
	}
	if s.Reversal != nil {
		rv := *s.Reversal
		out.Reversal = &rv
	}
	if s.Signal != nil {
		sig := *s.Signal
		out.Signal = &sig
	}
	return &out
}

// CheckInvariants verifies the stage/evidence coupling. A violation is a
// bug, not a recoverable condition.
func (s *SessionState) CheckInvariants() error {
	sweptOrLater := s.Stage == StageSwept || s.Stage == StageConfirmed ||
		s.Stage == StageArmed || s.Stage == StageInTrade
	armedOrLater := s.Stage == StageArmed || s.Stage == StageInTrade

	if (s.Sweep != nil) != sweptOrLater {
		return fmt.Errorf("sweep evidence does not match stage %s", s.Stage)
	}
	if (s.Signal != nil) != armedOrLater {
		return fmt.Errorf("signal does not match stage %s", s.Stage)
	}
	if (s.OpenPositionRef != "") != (s.Stage == StageInTrade) {
		return fmt.Errorf("open position ref does not match stage %s", s.Stage)
	}
	return nil
}

// Storage persists session state and the audit trail.
type Storage interface {
	SaveSession(ctx context.Context, state SessionState) error
	LoadSession(ctx context.Context, day time.Time) (*SessionState, error)
	SaveRangeObservation(ctx context.Context, obs RangeObservation) error
	GetRangeObservations(ctx context.Context, symbol string, since time.Time) ([]RangeObservation, error)
	SaveSignal(ctx context.Context, day time.Time, sig TradeSignal) error
	SaveOrder(ctx context.Context, rec OrderRecord) error
	LogEvent(ctx context.Context, event journal.Event) error
}
