package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// quoteFreshness is how recent a streamed quote must be to serve reads.
const quoteFreshness = time.Second

// streamReadTimeout bounds the silence on a live stream before reconnecting.
const streamReadTimeout = 60 * time.Second

// Stream subscribes to the sidecar's quote stream and stores only the last
// quote. Consumers poll LastQuote on demand, so high-frequency ticks cannot
// overwhelm them.
type Stream struct {
	url    string
	symbol string

	mu        sync.RWMutex
	conn      *websocket.Conn
	closed    bool
	state     ConnectionState
	healthErr error
	lastQuote Quote
	lastAt    time.Time
}

// NewStream creates a quote stream for one symbol.
func NewStream(url, symbol string) *Stream {
	return &Stream{
		url:    url,
		symbol: symbol,
		state:  Disconnected,
	}
}

// Start connects and consumes quotes until ctx is cancelled, reconnecting
// with capped backoff on failures.
func (s *Stream) Start(ctx context.Context) {
	retryDelay := time.Second
	for {
		select {
		case <-ctx.Done():
			s.logState("Context cancelled, stopping quote stream")
			return
		default:
			if err := s.connectAndStream(ctx); err != nil {
				s.setHealthErr(err)
				s.setConnState(Reconnecting)
				s.logState("Disconnected, retrying in %v: %v", retryDelay, err)
				time.Sleep(retryDelay)
				if retryDelay < streamReadTimeout {
					retryDelay *= 2
				} else {
					retryDelay = streamReadTimeout
				}
				continue
			}
			return
		}
	}
}

func (s *Stream) connectAndStream(ctx context.Context) error {
	s.setConnState(Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.setConn(conn)
	s.setConnState(Connected)
	s.setHealthErr(nil)
	s.logState("Connection established for %s", s.symbol)

	defer func() {
		conn.Close()
		s.setConn(nil)
		s.setConnState(Disconnected)
	}()

	sub := map[string]string{"action": "subscribe", "symbol": s.symbol}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.symbol, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// A silent stream is a dead stream; time out and reconnect.
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var row struct {
			Symbol string `json:"symbol"`
			Bid    any    `json:"bid"`
			Ask    any    `json:"ask"`
			Time   string `json:"time"`
		}
		if err := json.Unmarshal(msg, &row); err != nil {
			continue
		}
		if row.Symbol != s.symbol {
			continue
		}

		q := Quote{
			Symbol: row.Symbol,
			Bid:    parseFloat(row.Bid),
			Ask:    parseFloat(row.Ask),
			Time:   parseTimestamp(row.Time),
		}
		if q.Bid <= 0 || q.Ask <= 0 {
			continue
		}
		if q.Time.IsZero() {
			q.Time = time.Now().UTC()
		}
		s.setLastQuote(q)
	}
}

// LastQuote returns the most recent streamed quote and whether it is fresh
// enough to serve instead of an HTTP round trip.
func (s *Stream) LastQuote() (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastAt.IsZero() {
		return Quote{}, false
	}
	return s.lastQuote, time.Since(s.lastAt) < quoteFreshness
}

// HasFreshQuote returns true if a quote arrived within the freshness window.
func (s *Stream) HasFreshQuote() bool {
	_, ok := s.LastQuote()
	return ok
}

// IsConnected reports whether the stream is currently connected.
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Connected
}

// Health returns the last connection error, if any.
func (s *Stream) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthErr
}

// Close closes the websocket connection.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if s.conn != nil {
			s.conn.Close()
		}
		s.closed = true
	}
}

func (s *Stream) setLastQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuote = q
	s.lastAt = time.Now()
}

func (s *Stream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *Stream) setConnState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Stream) setHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

func (s *Stream) logState(format string, args ...interface{}) {
	log.Printf("Stream | "+format, args...)
}
