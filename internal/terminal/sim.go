package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
)

// SimTerminal is a deterministic in-process feed and terminal for tests and
// dry runs. Quotes and bars are scripted by the caller; market orders fill at
// the current quote, and stop-loss/take-profit levels are emulated on every
// quote update. PnL is reported in price units times volume.
type SimTerminal struct {
	mu         sync.Mutex
	equity     float64
	quote      Quote
	bars       map[string][]candle.Candle
	positions  map[string]*PositionInfo
	closed     map[string]PositionInfo
	nextTicket int
	rejectNext int
	failNext   error
	delay      time.Duration
}

// NewSimTerminal creates a simulated terminal with the given starting equity.
func NewSimTerminal(equity float64) *SimTerminal {
	return &SimTerminal{
		equity:    equity,
		bars:      make(map[string][]candle.Candle),
		positions: make(map[string]*PositionInfo),
		closed:    make(map[string]PositionInfo),
	}
}

func (s *SimTerminal) Name() string {
	return "sim"
}

// SetQuote publishes a new top-of-book snapshot and emulates SL/TP fills
// against it.
func (s *SimTerminal) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = q
	s.checkStops(q)
}

// SetBars replaces the scripted bars for a timeframe.
func (s *SimTerminal) SetBars(timeframe string, bars []candle.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[timeframe] = append([]candle.Candle(nil), bars...)
}

// AppendBar appends one bar to its timeframe series.
func (s *SimTerminal) AppendBar(bar candle.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[bar.Timeframe] = append(s.bars[bar.Timeframe], bar)
}

// SetEquity overrides the account equity.
func (s *SimTerminal) SetEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = equity
}

// RejectNext makes the next n orders come back REJECTED.
func (s *SimTerminal) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// FailNext makes the next terminal call return err, simulating a transport
// failure.
func (s *SimTerminal) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// SetDelay adds artificial latency to every call.
func (s *SimTerminal) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *SimTerminal) GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	var out []candle.Candle
	for _, b := range s.bars[timeframe] {
		if b.Symbol != symbol {
			continue
		}
		if b.Timestamp.Before(from) || !b.Timestamp.Before(to) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SimTerminal) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := s.wait(ctx); err != nil {
		return Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Quote{}, err
	}
	if s.quote.Time.IsZero() {
		return Quote{}, fmt.Errorf("no quote available for %s", symbol)
	}
	return s.quote, nil
}

func (s *SimTerminal) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := s.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return OrderResult{}, err
	}

	if s.rejectNext > 0 {
		s.rejectNext--
		return OrderResult{Status: StatusRejected, Timestamp: s.quote.Time}, nil
	}
	if s.quote.Time.IsZero() {
		return OrderResult{}, fmt.Errorf("no quote available for %s", req.Symbol)
	}

	fill := s.quote.Ask
	if req.Side == SideSell {
		fill = s.quote.Bid
	}

	s.nextTicket++
	ref := fmt.Sprintf("SIM-%d", s.nextTicket)
	s.positions[ref] = &PositionInfo{
		Ref:        ref,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   s.quote.Time,
	}

	return OrderResult{
		Ticket:       ref,
		Status:       StatusFilled,
		FilledVolume: req.Volume,
		AvgPrice:     fill,
		Timestamp:    s.quote.Time,
	}, nil
}

func (s *SimTerminal) AccountEquity(ctx context.Context) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	return s.equity, nil
}

func (s *SimTerminal) OpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	var out []PositionInfo
	for _, p := range s.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		pp := *p
		if !s.quote.Time.IsZero() {
			pp.PnL = floatingPnL(pp, s.quote)
		}
		out = append(out, pp)
	}
	return out, nil
}

func (s *SimTerminal) ClosedPosition(ctx context.Context, ref string) (PositionInfo, error) {
	if err := s.wait(ctx); err != nil {
		return PositionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return PositionInfo{}, err
	}

	p, ok := s.closed[ref]
	if !ok {
		return PositionInfo{}, fmt.Errorf("closed position not found: %s", ref)
	}
	return p, nil
}

func (s *SimTerminal) ModifyPosition(ctx context.Context, ref string, stopLoss, takeProfit float64) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	p, ok := s.positions[ref]
	if !ok {
		return fmt.Errorf("position not found: %s", ref)
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	return nil
}

func (s *SimTerminal) ClosePosition(ctx context.Context, ref string, volume float64) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	p, ok := s.positions[ref]
	if !ok {
		return fmt.Errorf("position not found: %s", ref)
	}

	exit := s.quote.Bid
	if p.Side == SideSell {
		exit = s.quote.Ask
	}
	if volume <= 0 || volume >= p.Volume {
		volume = p.Volume
	}
	s.closeLocked(p, exit, volume)
	return nil
}

// checkStops emulates terminal-side SL/TP fills against a fresh quote.
func (s *SimTerminal) checkStops(q Quote) {
	for _, p := range s.positions {
		switch p.Side {
		case SideBuy:
			if p.StopLoss > 0 && q.Bid <= p.StopLoss {
				s.closeLocked(p, p.StopLoss, p.Volume)
			} else if p.TakeProfit > 0 && q.Bid >= p.TakeProfit {
				s.closeLocked(p, p.TakeProfit, p.Volume)
			}
		case SideSell:
			if p.StopLoss > 0 && q.Ask >= p.StopLoss {
				s.closeLocked(p, p.StopLoss, p.Volume)
			} else if p.TakeProfit > 0 && q.Ask <= p.TakeProfit {
				s.closeLocked(p, p.TakeProfit, p.Volume)
			}
		}
	}
}

// closeLocked realizes PnL on (part of) a position. Caller holds the mutex.
func (s *SimTerminal) closeLocked(p *PositionInfo, exit float64, volume float64) {
	pnl := (exit - p.EntryPrice) * volume
	if p.Side == SideSell {
		pnl = (p.EntryPrice - exit) * volume
	}
	s.equity += pnl

	if volume >= p.Volume {
		done := *p
		done.PnL = pnl
		done.Volume = volume
		if prev, ok := s.closed[p.Ref]; ok {
			done.PnL += prev.PnL
			done.Volume += prev.Volume
		}
		s.closed[p.Ref] = done
		delete(s.positions, p.Ref)
		return
	}

	p.Volume -= volume
	partial := *p
	partial.Volume = volume
	partial.PnL = pnl
	if prev, ok := s.closed[p.Ref]; ok {
		partial.PnL += prev.PnL
		partial.Volume += prev.Volume
	}
	s.closed[p.Ref] = partial
}

func (s *SimTerminal) takeFailure() error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	return nil
}

func (s *SimTerminal) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
