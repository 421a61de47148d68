package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/journal"
	"github.com/amirphl/sweep-trader/internal/strategy"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Postgres stores the session as one snapshot row per trading day and the
// rest of the audit trail in append-mostly tables.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(cfg config.DBConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithDB wraps an existing connection. The caller owns its
// lifecycle and schema.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables if they do not exist. Statements are
// idempotent so restarts are safe.
func (p *Postgres) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			trading_date DATE PRIMARY KEY,
			stage TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS range_history (
			symbol TEXT NOT NULL,
			day DATE NOT NULL,
			size_pips DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, day)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			client_order_id TEXT PRIMARY KEY,
			trading_date DATE NOT NULL,
			side TEXT NOT NULL,
			entry DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			position_size DOUBLE PRECISION NOT NULL,
			risk_percent DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			day DATE NOT NULL,
			ticket TEXT,
			client_order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			avg_price DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_day ON orders (day)`,
		`CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events (time)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Postgres) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Postgres) GetDB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveSession upserts the day's session snapshot. The stage column is
// denormalized for ad hoc queries; the JSONB blob is authoritative.
func (p *Postgres) SaveSession(ctx context.Context, state strategy.SessionState) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (trading_date, stage, state, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (trading_date) DO UPDATE SET
				stage=EXCLUDED.stage, state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
			state.TradingDate, string(state.Stage), snapshot, state.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save session for %s: %w", state.TradingDate.Format("2006-01-02"), err)
		}
		return nil
	})
}

func (p *Postgres) LoadSession(ctx context.Context, day time.Time) (*strategy.SessionState, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT state FROM sessions WHERE trading_date=$1`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var st strategy.SessionState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		return &st, nil
	}
	return nil, rows.Err()
}

func (p *Postgres) SaveRangeObservation(ctx context.Context, obs strategy.RangeObservation) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO range_history (symbol, day, size_pips)
			VALUES ($1,$2,$3)
			ON CONFLICT (symbol, day) DO UPDATE SET size_pips=EXCLUDED.size_pips`,
			obs.Symbol, obs.Date, obs.SizePips)
		if err != nil {
			return fmt.Errorf("failed to save range observation: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetRangeObservations(ctx context.Context, symbol string, since time.Time) ([]strategy.RangeObservation, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT symbol, day, size_pips FROM range_history
		WHERE symbol=$1 AND day >= $2 ORDER BY day ASC`,
		symbol, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query range history: %w", err)
	}
	defer rows.Close()

	var out []strategy.RangeObservation
	for rows.Next() {
		var o strategy.RangeObservation
		if err := rows.Scan(&o.Symbol, &o.Date, &o.SizePips); err != nil {
			return nil, fmt.Errorf("failed to scan range observation: %w", err)
		}
		o.Date = o.Date.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSignal(ctx context.Context, day time.Time, sig strategy.TradeSignal) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals (client_order_id, trading_date, side, entry, stop_loss, take_profit, position_size, risk_percent, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (client_order_id) DO UPDATE SET
				side=EXCLUDED.side, entry=EXCLUDED.entry, stop_loss=EXCLUDED.stop_loss,
				take_profit=EXCLUDED.take_profit, position_size=EXCLUDED.position_size,
				risk_percent=EXCLUDED.risk_percent, created_at=EXCLUDED.created_at`,
			sig.ClientID, day, sig.Side, sig.Entry, sig.StopLoss, sig.TakeProfit, sig.PositionSize, sig.RiskPercent, sig.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save signal %s: %w", sig.ClientID, err)
		}
		return nil
	})
}

// SaveOrder appends one submission outcome. Every attempt is kept, so a
// rejection followed by a fill leaves two rows with the same client id.
func (p *Postgres) SaveOrder(ctx context.Context, rec strategy.OrderRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (day, ticket, client_order_id, symbol, side, volume, avg_price, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			rec.Day, rec.Ticket, rec.ClientID, rec.Symbol, rec.Side, rec.Volume, rec.AvgPrice, rec.Status, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func (p *Postgres) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Postgres) RecentEvents(ctx context.Context, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		ORDER BY time DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			json.Unmarshal(data, &e.Data)
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
