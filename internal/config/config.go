// Package config
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/sweep-trader/internal/tfutils"
)

/*
YAML config example:
mode: "manual"
terminal: "sim"
strategy:
  symbol: "XAUUSD"
  pip_size: 0.1
  pip_value: 10.0
  asian_session_window: "00:00-06:00"
  sweep_threshold_pips: 5
  max_spread_pips: 2.0
  blackout_windows: ["14:55-15:10"]
  risk_percent: 1.0
  stop_loss_pips: 5
  rr_multiple: 2.0
poller:
  poll_interval: 2s
  max_daily_trades: 3
  max_daily_losses: 2
db:
  driver: "memory"
server:
  addr: ":8080"
*/

type Config struct {
	Mode     string         `yaml:"mode" default:"manual" validate:"oneof=manual auto"`
	Terminal string         `yaml:"terminal" default:"sim" validate:"oneof=bridge wallex sim"`
	Strategy StrategyConfig `yaml:"strategy"`
	Poller   PollerConfig   `yaml:"poller"`
	Server   ServerConfig   `yaml:"server"`
	DB       DBConfig       `yaml:"db"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Wallex   WallexConfig   `yaml:"wallex"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type StrategyConfig struct {
	Symbol             string  `yaml:"symbol" default:"XAUUSD" validate:"required"`
	PipSize            float64 `yaml:"pip_size" default:"0.1" validate:"gt=0"`
	PipValue           float64 `yaml:"pip_value" default:"10.0" validate:"gt=0"`
	LotStep            float64 `yaml:"lot_step" default:"0.01" validate:"gt=0"`
	MinLot             float64 `yaml:"min_lot" default:"0.01" validate:"gte=0"`
	MaxLot             float64 `yaml:"max_lot" default:"0.5" validate:"gte=0"`
	AsianSessionWindow string  `yaml:"asian_session_window" default:"00:00-06:00"`
	RangeTimeframe     string  `yaml:"range_timeframe" default:"5m"`

	SweepThresholdMode string  `yaml:"sweep_threshold_mode" default:"fixed" validate:"oneof=fixed dynamic"`
	SweepThresholdPips float64 `yaml:"sweep_threshold_pips" default:"5" validate:"gt=0"`
	SweepFloorPips     float64 `yaml:"sweep_floor_pips" default:"10" validate:"gt=0"`
	SweepRangePct      float64 `yaml:"sweep_range_pct" default:"0.09" validate:"gt=0"`

	ATRPeriod     int     `yaml:"atr_period" default:"14" validate:"gt=0"`
	ATRMultiplier float64 `yaml:"atr_multiplier" default:"1.3" validate:"gt=0"`
	ChochLookback int     `yaml:"choch_lookback" default:"5" validate:"gte=3"`

	MaxSpreadPips   float64     `yaml:"max_spread_pips" default:"2.0" validate:"gt=0"`
	BlackoutWindows []string    `yaml:"blackout_windows"`
	NewsBufferMin   int         `yaml:"news_buffer_min" default:"30" validate:"gte=0"`
	NewsEvents      []NewsEvent `yaml:"news_events" validate:"dive"`

	RiskPercent  float64         `yaml:"risk_percent" default:"1.0" validate:"gt=0,lte=100"`
	GradeRisk    GradeRiskConfig `yaml:"grade_risk_multipliers"`
	StopLossPips float64         `yaml:"stop_loss_pips" default:"5" validate:"gt=0"`
	RRMultiple   float64         `yaml:"rr_multiple" default:"2.0" validate:"gt=0"`
	EntryMode    string          `yaml:"entry_mode" default:"market" validate:"oneof=market boundary"`

	GradeTightRatio   float64 `yaml:"grade_tight_ratio" default:"0.6" validate:"gt=0"`
	GradeWideRatio    float64 `yaml:"grade_wide_ratio" default:"1.4" validate:"gt=0"`
	GradeTightPips    float64 `yaml:"grade_tight_pips" default:"30" validate:"gt=0"`
	GradeWidePips     float64 `yaml:"grade_wide_pips" default:"150" validate:"gt=0"`
	GradeLookbackDays int     `yaml:"grade_lookback_days" default:"10" validate:"gt=0"`

	CallTimeout     time.Duration `yaml:"call_timeout" default:"10s" validate:"gt=0"`
	OrderMaxRetries int           `yaml:"order_max_retries" default:"3" validate:"gte=1"`
	OrderRetryDelay time.Duration `yaml:"order_retry_delay" default:"2s" validate:"gte=0"`

	MaxHold        time.Duration `yaml:"max_hold" default:"4h" validate:"gte=0"`
	TradeCloseTime string        `yaml:"trade_close_time"`
}

type GradeRiskConfig struct {
	Tight  float64 `yaml:"tight" default:"0.5" validate:"gt=0"`
	Normal float64 `yaml:"normal" default:"1.0" validate:"gt=0"`
	Wide   float64 `yaml:"wide" default:"1.0" validate:"gt=0"`
}

// NewsEvent is a dated high-impact release; HIGH and CRITICAL events
// blackout trading within the configured buffer around their time.
type NewsEvent struct {
	Name     string    `yaml:"name"`
	Time     time.Time `yaml:"time"`
	Severity string    `yaml:"severity" default:"HIGH" validate:"oneof=LOW MEDIUM HIGH CRITICAL"`
}

type PollerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" default:"2s" validate:"gt=0"`
	MaxDailyTrades  int           `yaml:"max_daily_trades" default:"3" validate:"gte=0"`
	MaxDailyLosses  int           `yaml:"max_daily_losses" default:"2" validate:"gte=0"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl" validate:"gte=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" default:":8080"`
}

type DBConfig struct {
	Driver  string `yaml:"driver" default:"memory" validate:"oneof=postgres sqlite memory"`
	ConnStr string `yaml:"conn_str"`
	MaxOpen int    `yaml:"max_open" default:"10" validate:"gt=0"`
	MaxIdle int    `yaml:"max_idle" default:"5" validate:"gte=0"`
}

type BridgeConfig struct {
	BaseURL   string  `yaml:"base_url" default:"http://127.0.0.1:8787"`
	StreamURL string  `yaml:"stream_url"`
	RateLimit float64 `yaml:"rate_limit" default:"10" validate:"gt=0"`
	Burst     int     `yaml:"burst" default:"20" validate:"gt=0"`
}

type WallexConfig struct {
	APIKey string `yaml:"api_key"`
}

type TelegramConfig struct {
	Token      string        `yaml:"token"`
	ChatID     string        `yaml:"chat_id"`
	ProxyURL   string        `yaml:"proxy_url"`
	Retries    int           `yaml:"retries" default:"3" validate:"gte=1"`
	RetryDelay time.Duration `yaml:"retry_delay" default:"5s" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// MustLoadConfig parses flags, loads the YAML config, and exits on any error.
func MustLoadConfig() Config {
	configFile := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Override mode: manual or auto")
	flag.Parse()

	cfg, err := Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := validate.Struct(&cfg); err != nil {
			log.Fatalf("Invalid mode %q: %v", *mode, err)
		}
	}
	return cfg
}

// Load reads the YAML config at path (defaults apply when path is empty),
// overlays credentials from the environment, and validates the result.
func Load(path string) (Config, error) {
	// .env is optional; credentials may come from the real environment.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply config defaults: %w", err)
	}
	applyEnv(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WALLEX_API_KEY"); v != "" {
		cfg.Wallex.APIKey = v
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DB.ConnStr = v
	}
	if v := os.Getenv("BRIDGE_URL"); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("TELEGRAM_PROXY"); v != "" {
		cfg.Telegram.ProxyURL = v
	}
}

// Validate checks the cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	s := c.Strategy

	w, err := tfutils.ParseWindow(s.AsianSessionWindow)
	if err != nil {
		return fmt.Errorf("asian_session_window: %w", err)
	}
	if w.StartMin >= w.EndMin {
		return fmt.Errorf("asian_session_window %q: start must precede end", s.AsianSessionWindow)
	}

	if !tfutils.IsValidTimeframe(s.RangeTimeframe) {
		return fmt.Errorf("range_timeframe %q is not supported", s.RangeTimeframe)
	}

	for _, b := range s.BlackoutWindows {
		if _, err := tfutils.ParseWindow(b); err != nil {
			return fmt.Errorf("blackout_windows: %w", err)
		}
	}

	if s.TradeCloseTime != "" {
		if _, err := tfutils.ParseClock(s.TradeCloseTime); err != nil {
			return fmt.Errorf("trade_close_time: %w", err)
		}
	}

	if s.MaxLot > 0 && s.MinLot > s.MaxLot {
		return fmt.Errorf("min_lot %.2f exceeds max_lot %.2f", s.MinLot, s.MaxLot)
	}
	if s.GradeTightRatio >= s.GradeWideRatio {
		return fmt.Errorf("grade_tight_ratio %.2f must be below grade_wide_ratio %.2f", s.GradeTightRatio, s.GradeWideRatio)
	}
	if s.GradeTightPips >= s.GradeWidePips {
		return fmt.Errorf("grade_tight_pips %.1f must be below grade_wide_pips %.1f", s.GradeTightPips, s.GradeWidePips)
	}

	if c.DB.Driver != "memory" && c.DB.ConnStr == "" {
		return fmt.Errorf("db driver %q requires conn_str", c.DB.Driver)
	}
	return nil
}

// SessionWindow returns the parsed Asian session window.
// Load guarantees the window is parseable.
func (s StrategyConfig) SessionWindow() tfutils.Window {
	w, _ := tfutils.ParseWindow(s.AsianSessionWindow)
	return w
}

// Blackouts returns the parsed daily blackout windows, skipping malformed entries.
func (s StrategyConfig) Blackouts() []tfutils.Window {
	out := make([]tfutils.Window, 0, len(s.BlackoutWindows))
	for _, b := range s.BlackoutWindows {
		w, err := tfutils.ParseWindow(b)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TradeCloseMinute returns the configured daily close as minutes from UTC
// midnight, or false when no close time is configured.
func (s StrategyConfig) TradeCloseMinute() (int, bool) {
	if s.TradeCloseTime == "" {
		return 0, false
	}
	m, err := tfutils.ParseClock(s.TradeCloseTime)
	if err != nil {
		return 0, false
	}
	return m, true
}

// PipsToPrice converts a pip count into price units.
func (s StrategyConfig) PipsToPrice(pips float64) float64 {
	return pips * s.PipSize
}

// PriceToPips converts a price distance into pips.
func (s StrategyConfig) PriceToPips(price float64) float64 {
	return price / s.PipSize
}

// RiskMultiplier returns the risk scaling for a range grade.
func (s StrategyConfig) RiskMultiplier(grade string) float64 {
	switch grade {
	case "tight":
		return s.GradeRisk.Tight
	case "wide":
		return s.GradeRisk.Wide
	case "normal":
		return s.GradeRisk.Normal
	default:
		return 1.0
	}
}
