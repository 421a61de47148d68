// Package metrics exposes the Prometheus series the strategy updates during
// operation:
//   - sweep_stage_transitions_total{from,to} – Stage machine transitions
//   - sweep_step_outcomes_total{stage,outcome} – Step results (advance|hold|error)
//   - sweep_sweeps_total{direction}          – Detected sweeps (ABOVE|BELOW)
//   - sweep_signals_total{side}              – Armed signals (BUY|SELL)
//   - sweep_orders_total{status}             – Order submissions by final status
//   - sweep_trades_total{result}             – Closed trades (win|loss|flat)
//   - sweep_exits_total{reason}              – Exits split by reason
//   - sweep_equity                           – Account equity snapshot (gauge)
//   - sweep_range_pips                       – Last computed session range (gauge)
//   - sweep_step_duration_seconds            – Step latency histogram
//   - sweep_auto_halts_total{reason}         – Automation halts
//   - sweep_poll_ticks_total{result}         – Poller ticks (step|skip)
//
// All series are registered in init() and served at /metrics by the control
// server (Prometheus text exposition format).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_stage_transitions_total",
			Help: "Stage machine transitions",
		},
		[]string{"from", "to"},
	)

	stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_step_outcomes_total",
			Help: "Step results per stage (advance|hold|error)",
		},
		[]string{"stage", "outcome"},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_sweeps_total",
			Help: "Detected liquidity sweeps by direction",
		},
		[]string{"direction"}, // ABOVE|BELOW
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_signals_total",
			Help: "Armed trade signals by side",
		},
		[]string{"side"}, // BUY|SELL
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_orders_total",
			Help: "Order submissions by final status",
		},
		[]string{"status"}, // FILLED|REJECTED|ERROR
	)

	trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_trades_total",
			Help: "Closed trades by result (win|loss|flat)",
		},
		[]string{"result"},
	)

	// Exit reasons are things like stop_loss, take_profit, max_hold,
	// session_close, blackout, manual.
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_exits_total",
			Help: "Trade exits split by reason",
		},
		[]string{"reason"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_equity",
			Help: "Account equity snapshot in account currency",
		},
	)

	rangePips = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_range_pips",
			Help: "Size of the last computed session range in pips",
		},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_step_duration_seconds",
			Help:    "Latency of one strategy step",
			Buckets: prometheus.DefBuckets,
		},
	)

	autoHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_auto_halts_total",
			Help: "Automation halts by reason",
		},
		[]string{"reason"}, // config|execution
	)

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_poll_ticks_total",
			Help: "Poller ticks by result (step|skip)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(stageTransitions, stepOutcomes)
	prometheus.MustRegister(sweeps, signals, orders, trades, exits)
	prometheus.MustRegister(equity, rangePips, stepDuration)
	prometheus.MustRegister(autoHalts, pollTicks)
}

func IncTransition(from, to string)      { stageTransitions.WithLabelValues(from, to).Inc() }
func IncStepOutcome(stage, out string)   { stepOutcomes.WithLabelValues(stage, out).Inc() }
func IncSweep(direction string)          { sweeps.WithLabelValues(direction).Inc() }
func IncSignal(side string)              { signals.WithLabelValues(side).Inc() }
func IncOrder(status string)             { orders.WithLabelValues(status).Inc() }
func IncTrade(result string)             { trades.WithLabelValues(result).Inc() }
func IncExit(reason string)              { exits.WithLabelValues(reason).Inc() }
func SetEquity(v float64)                { equity.Set(v) }
func SetRangePips(v float64)             { rangePips.Set(v) }
func ObserveStep(d time.Duration)        { stepDuration.Observe(d.Seconds()) }
func IncAutoHalt(reason string)          { autoHalts.WithLabelValues(reason).Inc() }
func IncPollTick(result string)          { pollTicks.WithLabelValues(result).Inc() }
