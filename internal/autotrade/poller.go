// Package autotrade drives the strategy state machine from a fixed-interval
// poller. Each tick attempts exactly one step; ticks that find the machine
// busy are dropped, never queued. Daily guardrails and the confirmation TTL
// live in the driver so manual stepping through the control API stays
// unrestricted.
package autotrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/metrics"
	"github.com/amirphl/sweep-trader/internal/notifier"
	"github.com/amirphl/sweep-trader/internal/strategy"
	"github.com/amirphl/sweep-trader/internal/tfutils"
)

// Status is the auto-mode snapshot served by the control API.
type Status struct {
	Running    bool      `json:"running"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	Interval   string    `json:"interval"`
	Ticks      uint64    `json:"ticks"`
	LastTick   time.Time `json:"last_tick,omitzero"`
}

// Poller owns auto mode. A fatal step error stops the loop and latches a
// halt reason; the operator resets the machine and starts auto mode again.
// Zero-valued guardrail limits disable the corresponding guardrail.
type Poller struct {
	cfg      config.PollerConfig
	machine  *strategy.StrategyStateMachine
	notifier notifier.Notifier

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	halted   bool
	haltErr  string
	ticks    uint64
	lastTick time.Time

	// Touched only by the run goroutine; Start happens after the previous
	// run's done channel closes.
	lastDay     time.Time
	pauseLogged bool

	now func() time.Time
}

func NewPoller(cfg config.PollerConfig, machine *strategy.StrategyStateMachine, n notifier.Notifier) *Poller {
	return &Poller{
		cfg:      cfg,
		machine:  machine,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the poll loop. Starting clears a previous halt; it does not
// clear the machine's own halt latch, so a halted session fatals again on
// the first tick until it is reset.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("auto mode already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.halted = false
	p.haltErr = ""
	go p.run(runCtx, p.done)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	log.Println("Poller | Auto mode stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:    p.running,
		Halted:     p.halted,
		HaltReason: p.haltErr,
		Interval:   p.cfg.PollInterval.String(),
		Ticks:      p.ticks,
		LastTick:   p.lastTick,
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("Poller | Auto mode started, interval %s", p.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.halt(err)
				return
			}
		}
	}
}

// tick runs one poll cycle. A non-nil return is a fatal error that halts
// auto mode; everything else keeps the loop ticking.
func (p *Poller) tick(ctx context.Context) error {
	p.mu.Lock()
	p.ticks++
	p.lastTick = p.now()
	p.mu.Unlock()

	st := p.machine.Status()

	if !st.TradingDate.Equal(p.lastDay) {
		p.lastDay = st.TradingDate
		p.pauseLogged = false
	}

	// A cycle stuck in CONFIRMED past the TTL is abandoned before it can arm.
	if ttl := p.cfg.ConfirmationTTL; ttl > 0 && st.Stage == strategy.StageConfirmed && st.Reversal != nil {
		if age := p.now().Sub(st.Reversal.CloseBackInsideTime); age > ttl {
			log.Printf("Poller | Confirmation stale for %s, resetting", age.Round(time.Second))
			p.machine.Reset(ctx, fmt.Sprintf("confirmation expired after %s", age.Round(time.Second)))
			metrics.IncPollTick("step")
			return nil
		}
	}

	// Guardrails pause new cycles for the rest of the trading day. An open
	// trade is still managed, and the pause lifts itself by letting the
	// day-rollover step through once the date changes.
	if st.Stage != strategy.StageInTrade && tfutils.SameDayUTC(st.TradingDate, p.now()) {
		if reason := p.guardrailReason(st); reason != "" {
			if !p.pauseLogged {
				log.Printf("Poller | Pausing new cycles: %s", reason)
				p.pauseLogged = true
			}
			metrics.IncPollTick("skip")
			return nil
		}
	}

	res, ran, err := p.machine.TryStep(ctx)
	if !ran {
		metrics.IncPollTick("skip")
		return nil
	}
	metrics.IncPollTick("step")

	if err != nil {
		if strategy.IsFatal(err) {
			return err
		}
		// Waiting conditions recur every tick and are not worth a log line.
		if !strategy.IsDataUnavailable(err) && !strategy.IsValidationFailed(err) {
			log.Printf("Poller | Step error: %v", err)
		}
		return nil
	}

	if res.PositionClosed {
		log.Printf("Poller | Trade closed with pnl %.2f, resetting for a new cycle", res.PnL)
		if p.notifier != nil {
			if nerr := p.notifier.SendWithRetry(fmt.Sprintf("Trade closed, pnl %.2f", res.PnL)); nerr != nil {
				log.Printf("Poller | Close notification failed: %v", nerr)
			}
		}
		p.machine.Reset(ctx, fmt.Sprintf("trade closed, pnl %.2f", res.PnL))
	}
	return nil
}

func (p *Poller) guardrailReason(st *strategy.SessionState) string {
	if p.cfg.MaxDailyTrades > 0 && st.DailyTrades >= p.cfg.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached (%d/%d)", st.DailyTrades, p.cfg.MaxDailyTrades)
	}
	if p.cfg.MaxDailyLosses > 0 && st.DailyLosses >= p.cfg.MaxDailyLosses {
		return fmt.Sprintf("daily loss limit reached (%d/%d)", st.DailyLosses, p.cfg.MaxDailyLosses)
	}
	return ""
}

func (p *Poller) halt(err error) {
	reason := haltReason(err)
	metrics.IncAutoHalt(reason)
	log.Printf("Poller | Halting auto mode (%s): %v", reason, err)

	p.mu.Lock()
	p.halted = true
	p.haltErr = err.Error()
	cancel := p.cancel
	p.mu.Unlock()
	cancel()

	if p.notifier != nil {
		if nerr := p.notifier.SendWithRetry(fmt.Sprintf("Auto trading halted: %v", err)); nerr != nil {
			log.Printf("Poller | Halt notification failed: %v", nerr)
		}
	}
}

func haltReason(err error) string {
	var exec *strategy.ExecutionFailedError
	if errors.As(err, &exec) {
		return "execution"
	}
	return "config"
}
