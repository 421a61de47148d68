package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/sweep-trader/internal/journal"
	"github.com/amirphl/sweep-trader/internal/strategy"
)

// MemoryStorage backs sim runs and tests. Session snapshots are deep
// copied on both save and load so callers never share pointers with the
// stored state.
type MemoryStorage struct {
	mu sync.RWMutex

	// Sessions keyed by trading day
	sessions map[string]strategy.SessionState

	// Range history keyed by symbol|day
	ranges map[string]strategy.RangeObservation

	// Signals keyed by client order id
	signals map[string]strategy.TradeSignal

	// Orders and events (append-only)
	orders []strategy.OrderRecord
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]strategy.SessionState),
		ranges:   make(map[string]strategy.RangeObservation),
		signals:  make(map[string]strategy.TradeSignal),
		events:   make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) Close() error { return nil }

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func rangeKey(symbol string, day time.Time) string {
	return symbol + "|" + dayKey(day)
}

func (m *MemoryStorage) SaveSession(ctx context.Context, state strategy.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[dayKey(state.TradingDate)] = *state.Clone()
	return nil
}

func (m *MemoryStorage) LoadSession(ctx context.Context, day time.Time) (*strategy.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.sessions[dayKey(day)]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveRangeObservation(ctx context.Context, obs strategy.RangeObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges[rangeKey(obs.Symbol, obs.Date)] = obs
	return nil
}

func (m *MemoryStorage) GetRangeObservations(ctx context.Context, symbol string, since time.Time) ([]strategy.RangeObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []strategy.RangeObservation
	for _, o := range m.ranges {
		if o.Symbol != symbol || o.Date.Before(since) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStorage) SaveSignal(ctx context.Context, day time.Time, sig strategy.TradeSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.ClientID] = sig
	return nil
}

func (m *MemoryStorage) SaveOrder(ctx context.Context, rec strategy.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, rec)
	return nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) RecentEvents(ctx context.Context, limit int) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	if limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]journal.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// Orders returns a copy of every recorded submission, oldest first.
func (m *MemoryStorage) Orders() []strategy.OrderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]strategy.OrderRecord, len(m.orders))
	copy(out, m.orders)
	return out
}

// Signal looks up a stored signal by client order id.
func (m *MemoryStorage) Signal(clientID string) (strategy.TradeSignal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[clientID]
	return sig, ok
}
