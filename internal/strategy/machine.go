package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/journal"
	"github.com/amirphl/sweep-trader/internal/metrics"
	"github.com/amirphl/sweep-trader/internal/terminal"
	"github.com/amirphl/sweep-trader/internal/tfutils"
)

// Step kinds, one per stage. A step request naming any other kind for the
// current stage is rejected without touching state.
const (
	StepSweep    = "sweep"
	StepReversal = "reversal"
	StepSignal   = "signal"
	StepExecute  = "execute"
	StepManage   = "manage"
)

var stepKinds = map[Stage]string{
	StageIdle:      StepSweep,
	StageSwept:     StepReversal,
	StageConfirmed: StepSignal,
	StageArmed:     StepExecute,
	StageInTrade:   StepManage,
}

const maxHistorySize = 1000

// StageTransition records one stage change for the history ring.
type StageTransition struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult reports what a single step evaluation did.
type StepResult struct {
	From           Stage   `json:"from"`
	To             Stage   `json:"to"`
	Transitioned   bool    `json:"transitioned"`
	Reason         string  `json:"reason,omitempty"`
	PositionClosed bool    `json:"position_closed,omitempty"`
	PnL            float64 `json:"pnl,omitempty"`
}

// StrategyStateMachine owns the session state and serializes every mutation
// behind one mutex. Manual calls and the auto poller drive the identical
// step contract; each step evaluates only the one transition valid for the
// current stage.
type StrategyStateMachine struct {
	mu      sync.Mutex
	cfg     config.StrategyConfig
	feed    terminal.Feed
	storage Storage

	ranges     *RangeCalculator
	sweeps     *SweepDetector
	reversal   *ReversalValidator
	confluence *ConfluenceChecker
	signals    *SignalGenerator
	executor   *TradeExecutor
	manager    *TradeManager

	session *SessionState
	history []StageTransition

	now func() time.Time
}

func NewStrategyStateMachine(cfg config.StrategyConfig, feed terminal.Feed, term terminal.Terminal, storage Storage) *StrategyStateMachine {
	confluence := NewConfluenceChecker(cfg)
	m := &StrategyStateMachine{
		cfg:        cfg,
		feed:       feed,
		storage:    storage,
		ranges:     NewRangeCalculator(cfg, feed, storage),
		sweeps:     NewSweepDetector(cfg),
		reversal:   NewReversalValidator(cfg, feed),
		confluence: confluence,
		signals:    NewSignalGenerator(cfg, term),
		executor:   NewTradeExecutor(cfg, term),
		manager:    NewTradeManager(cfg, feed, term, confluence),
		now:        func() time.Time { return time.Now().UTC() },
	}
	m.session = NewSessionState(tfutils.DayStartUTC(m.now()))
	return m
}

// Step evaluates one transition. kind may be empty to run whatever the
// current stage needs; a non-empty kind must match the stage's operation.
func (m *StrategyStateMachine) Step(ctx context.Context, kind string) (StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepLocked(ctx, kind)
}

// TryStep runs a step only if no other step is in flight. The skipped
// return is false when the machine was busy; overlapping ticks are dropped,
// never queued.
func (m *StrategyStateMachine) TryStep(ctx context.Context) (StepResult, bool, error) {
	if !m.mu.TryLock() {
		return StepResult{}, false, nil
	}
	defer m.mu.Unlock()
	res, err := m.stepLocked(ctx, "")
	return res, true, err
}

// Reset abandons the current cycle and returns to IDLE. The day's range and
// trade counters survive; sweep, reversal, signal, and all latches do not.
func (m *StrategyStateMachine) Reset(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(reason)
}

// Restore loads today's persisted session so a restart resumes mid-cycle
// instead of re-trading a finished one.
func (m *StrategyStateMachine) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := tfutils.DayStartUTC(m.now())
	st, err := m.storage.LoadSession(ctx, day)
	if err != nil {
		return fmt.Errorf("loading session for %s: %w", day.Format("2006-01-02"), err)
	}
	if st == nil {
		return nil
	}
	if err := st.CheckInvariants(); err != nil {
		log.Printf("Machine | Discarding persisted session: %v", err)
		m.journal(journal.New(journal.TypeError, "persisted session discarded", map[string]any{"error": err.Error()}))
		return nil
	}
	m.session = st
	log.Printf("Machine | [%s %s] Restored session at stage %s", m.cfg.Symbol, st.TradingDate.Format("2006-01-02"), st.Stage)
	return nil
}

// Status returns a snapshot of the session state.
func (m *StrategyStateMachine) Status() *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// History returns a copy of the recorded stage transitions.
func (m *StrategyStateMachine) History() []StageTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StageTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Halted reports whether a fatal error latched the current cycle.
func (m *StrategyStateMachine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Halted
}

func (m *StrategyStateMachine) stepLocked(ctx context.Context, kind string) (StepResult, error) {
	started := time.Now()
	defer func() { metrics.ObserveStep(time.Since(started)) }()

	// A mismatched kind is rejected before any bookkeeping runs.
	if expected := stepKinds[m.session.Stage]; kind != "" && kind != expected {
		metrics.IncStepOutcome(string(m.session.Stage), "error")
		return StepResult{From: m.session.Stage, To: m.session.Stage},
			&StateViolationError{Operation: kind, Stage: m.session.Stage}
	}

	now := m.now()

	// Day rollover happens only between cycles.
	if m.session.Stage == StageIdle && !tfutils.SameDayUTC(m.session.TradingDate, now) {
		day := tfutils.DayStartUTC(now)
		log.Printf("Machine | [%s] New trading day %s", m.cfg.Symbol, day.Format("2006-01-02"))
		m.journal(journal.New(journal.TypeSession, "new trading day", map[string]any{
			"day": day.Format("2006-01-02"),
		}))
		m.session = NewSessionState(day)
	}

	from := m.session.Stage
	var res StepResult
	var err error
	switch from {
	case StageIdle:
		res, err = m.stepIdle(ctx, now)
	case StageSwept:
		res, err = m.stepSwept(ctx, now)
	case StageConfirmed:
		res, err = m.stepConfirmed(ctx, now)
	case StageArmed:
		res, err = m.stepArmed(ctx, now)
	case StageInTrade:
		res, err = m.stepInTrade(ctx, now)
	default:
		res = StepResult{From: from, To: from}
		err = fmt.Errorf("unknown stage %s", from)
	}

	if err != nil {
		if IsFatal(err) && !m.session.Halted {
			m.session.Halted = true
			m.journal(journal.New(journal.TypeHalt, err.Error(), map[string]any{"stage": string(from)}))
		}
		m.session.LastReason = err.Error()
		metrics.IncStepOutcome(string(from), "error")
	} else {
		m.session.LastReason = res.Reason
		outcome := "hold"
		if res.Transitioned {
			outcome = "advance"
		}
		metrics.IncStepOutcome(string(from), outcome)
	}
	m.session.UpdatedAt = now
	m.saveSession()

	if ierr := m.session.CheckInvariants(); ierr != nil {
		log.Printf("Machine | State invariant violated: %v", ierr)
		m.journal(journal.New(journal.TypeError, "state invariant violated", map[string]any{"error": ierr.Error()}))
	}
	return res, err
}

// stepIdle computes the day's range once the session window has closed,
// then watches for a sweep beyond it.
func (m *StrategyStateMachine) stepIdle(ctx context.Context, now time.Time) (StepResult, error) {
	res := StepResult{From: StageIdle, To: StageIdle}

	if m.session.Range == nil {
		win := m.cfg.SessionWindow()
		if !win.EndedBy(now) {
			res.Reason = fmt.Sprintf("session window %s still open", win.String())
			return res, nil
		}
		r, err := m.ranges.Compute(ctx, m.session.TradingDate)
		if err != nil {
			return res, err
		}
		m.session.Range = r
		metrics.SetRangePips(r.SizePips(m.cfg.PipSize))
		m.journal(journal.New(journal.TypeRange, "session range computed", map[string]any{
			"high":      r.High,
			"low":       r.Low,
			"size_pips": r.SizePips(m.cfg.PipSize),
			"grade":     string(r.Grade),
		}))
	}

	quote, err := m.getQuote(ctx)
	if err != nil {
		return res, &DataUnavailableError{What: "quote", Err: err}
	}

	sweep := m.sweeps.Detect(m.session.Range, quote.Mid(), now)
	if sweep == nil {
		res.Reason = "no sweep beyond the range"
		return res, nil
	}

	m.session.Sweep = sweep
	metrics.IncSweep(string(sweep.Direction))
	m.journal(journal.New(journal.TypeSweep, "range boundary swept", map[string]any{
		"direction": string(sweep.Direction),
		"price":     sweep.SweepPrice,
		"threshold": sweep.ThresholdUsed,
	}))

	reason := fmt.Sprintf("sweep %s at %.5f", sweep.Direction, sweep.SweepPrice)
	m.transition(StageSwept, reason)
	res.To = StageSwept
	res.Transitioned = true
	res.Reason = reason
	return res, nil
}

func (m *StrategyStateMachine) stepSwept(ctx context.Context, now time.Time) (StepResult, error) {
	res := StepResult{From: StageSwept, To: StageSwept}

	ev, err := m.reversal.Validate(ctx, m.session.Range, m.session.Sweep, now)
	if err != nil {
		return res, err
	}

	m.session.Reversal = ev
	m.journal(journal.New(journal.TypeReversal, "reversal confirmed", map[string]any{
		"displacement":      ev.M5Displacement,
		"atr_m5":            ev.ATRM5,
		"close_back_inside": ev.CloseBackInsideTime,
	}))

	m.transition(StageConfirmed, "reversal evidence complete")
	res.To = StageConfirmed
	res.Transitioned = true
	res.Reason = "reversal evidence complete"
	return res, nil
}

func (m *StrategyStateMachine) stepConfirmed(ctx context.Context, now time.Time) (StepResult, error) {
	res := StepResult{From: StageConfirmed, To: StageConfirmed}

	quote, err := m.getQuote(ctx)
	if err != nil {
		return res, &DataUnavailableError{What: "quote", Err: err}
	}

	conf := m.confluence.Check(quote, now)
	m.journal(journal.New(journal.TypeConfluence, "confluence evaluated", map[string]any{
		"spread_pips": conf.SpreadPips,
		"blackout":    conf.InBlackoutWindow,
		"passed":      conf.Passed,
	}))
	if !conf.Passed {
		return res, &ValidationFailedError{Check: "confluence", Reason: conf.Reason}
	}

	sig, err := m.signals.Generate(ctx, m.session.Range, m.session.Sweep, quote, now)
	if err != nil {
		return res, err
	}

	m.session.Signal = sig
	if serr := m.storage.SaveSignal(ctx, m.session.TradingDate, *sig); serr != nil {
		log.Printf("Machine | Failed to save signal: %v", serr)
	}
	metrics.IncSignal(sig.Side)
	m.journal(journal.New(journal.TypeSignal, "trade signal armed", map[string]any{
		"side":  sig.Side,
		"entry": sig.Entry,
		"sl":    sig.StopLoss,
		"tp":    sig.TakeProfit,
		"size":  sig.PositionSize,
	}))

	reason := fmt.Sprintf("%s signal armed at %.5f", sig.Side, sig.Entry)
	m.transition(StageArmed, reason)
	res.To = StageArmed
	res.Transitioned = true
	res.Reason = reason
	return res, nil
}

// stepArmed submits the signal once per step. The retry budget spans steps;
// exhausting it latches the cycle until an explicit reset.
func (m *StrategyStateMachine) stepArmed(ctx context.Context, now time.Time) (StepResult, error) {
	res := StepResult{From: StageArmed, To: StageArmed}

	if m.session.ExecAttempts >= m.cfg.OrderMaxRetries {
		return res, &ExecutionFailedError{
			Attempt:   m.session.ExecAttempts,
			Exhausted: true,
			Err:       errors.New("order retry budget exhausted"),
		}
	}

	attempt := m.session.ExecAttempts + 1
	result, err := m.executor.Execute(ctx, m.session.Signal, attempt)

	if result.Status != "" {
		vol := m.session.Signal.PositionSize
		if result.FilledVolume > 0 {
			vol = result.FilledVolume
		}
		rec := OrderRecord{
			Day:       m.session.TradingDate,
			Ticket:    result.Ticket,
			ClientID:  m.session.Signal.ClientID,
			Symbol:    m.cfg.Symbol,
			Side:      m.session.Signal.Side,
			Volume:    vol,
			AvgPrice:  result.AvgPrice,
			Status:    result.Status,
			CreatedAt: now,
		}
		if serr := m.storage.SaveOrder(ctx, rec); serr != nil {
			log.Printf("Machine | Failed to save order record: %v", serr)
		}
	}

	if err != nil {
		var execErr *ExecutionFailedError
		if !errors.As(err, &execErr) {
			// Cancellation does not consume an attempt.
			return res, err
		}
		m.session.ExecAttempts = attempt
		m.journal(journal.New(journal.TypeExecution, "order attempt failed", map[string]any{
			"attempt": attempt,
			"error":   execErr.Err.Error(),
		}))
		if attempt >= m.cfg.OrderMaxRetries {
			return res, &ExecutionFailedError{Attempt: attempt, Exhausted: true, Err: execErr.Err}
		}
		return res, err
	}

	m.session.OpenPositionRef = result.Ticket
	m.session.DailyTrades++
	m.journal(journal.New(journal.TypeExecution, "order filled", map[string]any{
		"ticket": result.Ticket,
		"price":  result.AvgPrice,
		"volume": result.FilledVolume,
	}))

	reason := fmt.Sprintf("filled ticket %s at %.5f", result.Ticket, result.AvgPrice)
	m.transition(StageInTrade, reason)
	res.To = StageInTrade
	res.Transitioned = true
	res.Reason = reason
	return res, nil
}

// stepInTrade supervises the open position. Stage stays IN_TRADE even after
// the position closes; the driver decides when to reset for a new cycle.
func (m *StrategyStateMachine) stepInTrade(ctx context.Context, now time.Time) (StepResult, error) {
	res := StepResult{From: StageInTrade, To: StageInTrade}

	if m.session.TradeClosed {
		res.PositionClosed = true
		res.PnL = m.session.ClosedPnL
		res.Reason = "trade closed, awaiting reset"
		return res, nil
	}

	outcome, err := m.manager.Manage(ctx, m.session, now)
	if err != nil {
		return res, err
	}

	if outcome.Action != "" {
		m.journal(journal.New(journal.TypeManage, outcome.Action, map[string]any{
			"ref": m.session.OpenPositionRef,
		}))
		res.Reason = outcome.Action
	}

	if outcome.Closed {
		m.session.TradeClosed = true
		m.session.ClosedPnL = outcome.PnL
		if outcome.PnL < 0 {
			m.session.DailyLosses++
		}
		switch {
		case outcome.PnL > 0:
			metrics.IncTrade("win")
		case outcome.PnL < 0:
			metrics.IncTrade("loss")
		default:
			metrics.IncTrade("flat")
		}
		m.journal(journal.New(journal.TypeManage, "position closed", map[string]any{
			"ref":    m.session.OpenPositionRef,
			"pnl":    outcome.PnL,
			"reason": outcome.Reason,
		}))
		res.PositionClosed = true
		res.PnL = outcome.PnL
		res.Reason = fmt.Sprintf("position closed: %s, pnl %.2f", outcome.Reason, outcome.PnL)
	}

	if res.Reason == "" {
		res.Reason = "position under management"
	}
	return res, nil
}

func (m *StrategyStateMachine) resetLocked(reason string) {
	from := m.session.Stage

	next := NewSessionState(m.session.TradingDate)
	next.Range = m.session.Range
	next.DailyTrades = m.session.DailyTrades
	next.DailyLosses = m.session.DailyLosses
	next.LastReason = fmt.Sprintf("reset: %s", reason)
	next.UpdatedAt = m.now()
	m.session = next

	m.recordTransition(from, StageIdle, fmt.Sprintf("reset: %s", reason))
	metrics.IncTransition(string(from), string(StageIdle))
	log.Printf("Machine | [%s] %s -> %s (reset: %s)", m.cfg.Symbol, from, StageIdle, reason)
	m.journal(journal.New(journal.TypeReset, reason, map[string]any{"from": string(from)}))
	m.saveSession()
}

func (m *StrategyStateMachine) transition(to Stage, reason string) {
	from := m.session.Stage
	m.session.Stage = to
	m.recordTransition(from, to, reason)
	metrics.IncTransition(string(from), string(to))
	log.Printf("Machine | [%s] %s -> %s (%s)", m.cfg.Symbol, from, to, reason)
}

func (m *StrategyStateMachine) recordTransition(from, to Stage, reason string) {
	m.history = append(m.history, StageTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: m.now(),
	})
	if len(m.history) > maxHistorySize {
		m.history = m.history[len(m.history)-maxHistorySize:]
	}
}

func (m *StrategyStateMachine) getQuote(ctx context.Context) (terminal.Quote, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.feed.GetQuote(cctx, m.cfg.Symbol)
}

// saveSession detaches from the step context so a cancelled step still
// persists its final state.
func (m *StrategyStateMachine) saveSession() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.storage.SaveSession(ctx, *m.session); err != nil {
		log.Printf("Machine | Failed to persist session: %v", err)
	}
}

func (m *StrategyStateMachine) journal(ev journal.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.storage.LogEvent(ctx, ev); err != nil {
		log.Printf("Machine | Failed to journal %s event: %v", ev.Type, err)
	}
}
