package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/journal"
	"github.com/amirphl/sweep-trader/internal/strategy"
)

const (
	sqliteDayFormat  = "2006-01-02"
	sqliteTimeFormat = time.RFC3339Nano
)

// SQLite keeps the same layout as the postgres store in a single file.
// Dates are stored as ISO-8601 text so range comparisons stay
// lexicographic; recency ordering uses the rowid.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(cfg config.DBConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLite) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			trading_date TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS range_history (
			symbol TEXT NOT NULL,
			day TEXT NOT NULL,
			size_pips REAL NOT NULL,
			PRIMARY KEY (symbol, day)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			client_order_id TEXT PRIMARY KEY,
			trading_date TEXT NOT NULL,
			side TEXT NOT NULL,
			entry REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			position_size REAL NOT NULL,
			risk_percent REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			day TEXT NOT NULL,
			ticket TEXT,
			client_order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume REAL NOT NULL,
			avg_price REAL NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_day ON orders (day)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			data TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLite) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := s.db.Begin()
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

func (s *SQLite) GetDB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveSession(ctx context.Context, state strategy.SessionState) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (trading_date, stage, state, updated_at)
			VALUES (?,?,?,?)
			ON CONFLICT (trading_date) DO UPDATE SET
				stage=excluded.stage, state=excluded.state, updated_at=excluded.updated_at`,
			state.TradingDate.UTC().Format(sqliteDayFormat), string(state.Stage),
			string(snapshot), state.UpdatedAt.UTC().Format(sqliteTimeFormat))
		if err != nil {
			return fmt.Errorf("failed to save session for %s: %w", state.TradingDate.Format(sqliteDayFormat), err)
		}
		return nil
	})
}

func (s *SQLite) LoadSession(ctx context.Context, day time.Time) (*strategy.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM sessions WHERE trading_date=?`,
		day.UTC().Format(sqliteDayFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var st strategy.SessionState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		return &st, nil
	}
	return nil, rows.Err()
}

func (s *SQLite) SaveRangeObservation(ctx context.Context, obs strategy.RangeObservation) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO range_history (symbol, day, size_pips)
			VALUES (?,?,?)
			ON CONFLICT (symbol, day) DO UPDATE SET size_pips=excluded.size_pips`,
			obs.Symbol, obs.Date.UTC().Format(sqliteDayFormat), obs.SizePips)
		if err != nil {
			return fmt.Errorf("failed to save range observation: %w", err)
		}
		return nil
	})
}

func (s *SQLite) GetRangeObservations(ctx context.Context, symbol string, since time.Time) ([]strategy.RangeObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, day, size_pips FROM range_history
		WHERE symbol=? AND day >= ? ORDER BY day ASC`,
		symbol, since.UTC().Format(sqliteDayFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query range history: %w", err)
	}
	defer rows.Close()

	var out []strategy.RangeObservation
	for rows.Next() {
		var o strategy.RangeObservation
		var day string
		if err := rows.Scan(&o.Symbol, &day, &o.SizePips); err != nil {
			return nil, fmt.Errorf("failed to scan range observation: %w", err)
		}
		d, err := time.Parse(sqliteDayFormat, day)
		if err != nil {
			return nil, fmt.Errorf("failed to parse range day %q: %w", day, err)
		}
		o.Date = d
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSignal(ctx context.Context, day time.Time, sig strategy.TradeSignal) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals (client_order_id, trading_date, side, entry, stop_loss, take_profit, position_size, risk_percent, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT (client_order_id) DO UPDATE SET
				side=excluded.side, entry=excluded.entry, stop_loss=excluded.stop_loss,
				take_profit=excluded.take_profit, position_size=excluded.position_size,
				risk_percent=excluded.risk_percent, created_at=excluded.created_at`,
			sig.ClientID, day.UTC().Format(sqliteDayFormat), sig.Side, sig.Entry, sig.StopLoss,
			sig.TakeProfit, sig.PositionSize, sig.RiskPercent, sig.CreatedAt.UTC().Format(sqliteTimeFormat))
		if err != nil {
			return fmt.Errorf("failed to save signal %s: %w", sig.ClientID, err)
		}
		return nil
	})
}

func (s *SQLite) SaveOrder(ctx context.Context, rec strategy.OrderRecord) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (day, ticket, client_order_id, symbol, side, volume, avg_price, status, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			rec.Day.UTC().Format(sqliteDayFormat), rec.Ticket, rec.ClientID, rec.Symbol, rec.Side,
			rec.Volume, rec.AvgPrice, rec.Status, rec.CreatedAt.UTC().Format(sqliteTimeFormat))
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func (s *SQLite) LogEvent(ctx context.Context, event journal.Event) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES (?,?,?,?)`,
			event.Time.UTC().Format(sqliteTimeFormat), event.Type, event.Description, string(data))
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (s *SQLite) RecentEvents(ctx context.Context, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, type, description, data FROM events
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var ts, data string
		if err := rows.Scan(&ts, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		when, err := time.Parse(sqliteTimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event time %q: %w", ts, err)
		}
		e.Time = when
		if data != "" {
			json.Unmarshal([]byte(data), &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
