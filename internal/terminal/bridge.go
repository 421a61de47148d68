package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/amirphl/sweep-trader/internal/candle"
	"github.com/amirphl/sweep-trader/internal/tfutils"
	"github.com/amirphl/sweep-trader/internal/utils"
)

// Bridge talks to a local terminal sidecar over HTTP. The sidecar fronts the
// actual trading terminal and normalizes its REST surface:
//   - GET  /price/{symbol}           -> {"symbol","bid","ask","time"}
//   - GET  /bars?symbol=&timeframe=&from=&to= -> [{"time","open",...,"volume"}]
//   - POST /order                    -> {"ticket","status","filled_volume","avg_price","time"}
//   - GET  /order/{ticket}           -> same shape, for fill polling
//   - GET  /account                  -> {"equity"}
//   - GET  /positions?symbol=        -> [position rows]
//   - GET  /position/closed/{ref}    -> position row with realized pnl
//   - POST /position/modify          -> {"ticket","sl","tp"}
//   - POST /position/close           -> {"ticket","volume"}
type Bridge struct {
	base   string
	hc     *http.Client
	lim    *rate.Limiter
	stream *Stream
}

// NewBridge creates a sidecar adapter. rps and burst bound the request rate
// against the sidecar.
func NewBridge(base string, rps float64, burst int) *Bridge {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Bridge{
		base: base,
		hc:   &http.Client{Timeout: 15 * time.Second},
		lim:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// WithStream attaches a quote stream; GetQuote serves from it while fresh and
// falls back to HTTP otherwise.
func (b *Bridge) WithStream(s *Stream) *Bridge {
	b.stream = s
	return b
}

func (b *Bridge) Name() string {
	return "bridge"
}

func (b *Bridge) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if b.stream != nil {
		if q, ok := b.stream.LastQuote(); ok && q.Symbol == symbol {
			return q, nil
		}
	}

	var out struct {
		Symbol string `json:"symbol"`
		Bid    any    `json:"bid"`
		Ask    any    `json:"ask"`
		Time   string `json:"time"`
	}
	if err := b.get(ctx, "/price/"+url.PathEscape(symbol), &out); err != nil {
		return Quote{}, fmt.Errorf("fetching quote: %w", err)
	}

	q := Quote{
		Symbol: symbol,
		Bid:    parseFloat(out.Bid),
		Ask:    parseFloat(out.Ask),
		Time:   parseTimestamp(out.Time),
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return Quote{}, fmt.Errorf("sidecar returned empty quote for %s", symbol)
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	return q, nil
}

func (b *Bridge) GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	// The sidecar normalizes rows to string/number fields; parse defensively.
	type row struct {
		Time   string `json:"time"`
		Open   any    `json:"open"`
		High   any    `json:"high"`
		Low    any    `json:"low"`
		Close  any    `json:"close"`
		Volume any    `json:"volume"`
	}
	var rows []row
	if err := b.get(ctx, "/bars?"+q.Encode(), &rows); err != nil {
		return nil, fmt.Errorf("fetching bars: %w", err)
	}

	candles := make([]candle.Candle, 0, len(rows))
	for _, r := range rows {
		c := candle.Candle{
			Timestamp: parseTimestamp(r.Time),
			Open:      parseFloat(r.Open),
			High:      parseFloat(r.High),
			Low:       parseFloat(r.Low),
			Close:     parseFloat(r.Close),
			Volume:    parseFloat(r.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    b.Name(),
		}
		// Skip malformed rows rather than poisoning the series.
		if err := c.Validate(); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

func (b *Bridge) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientID == "" {
		// Dedupe-safe ID so a retried submission cannot double-fill.
		req.ClientID = uuid.New().String()
	}

	var out orderRow
	if err := b.post(ctx, "/order", req, &out); err != nil {
		return OrderResult{}, fmt.Errorf("submitting order: %w", err)
	}

	res := out.toResult()
	if res.Status == StatusPending && res.Ticket != "" {
		res = b.pollFill(ctx, res)
	}
	return res, nil
}

// pollFill briefly re-reads a pending order so the caller sees the fill that
// usually lands within the first second.
func (b *Bridge) pollFill(ctx context.Context, res OrderResult) OrderResult {
	const attempts = 6
	const pause = 250 * time.Millisecond

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return res
		case <-time.After(pause):
		}

		var out orderRow
		if err := b.get(ctx, "/order/"+url.PathEscape(res.Ticket), &out); err != nil {
			utils.GetLogger().Printf("Terminal | %s order %s poll failed: %v", b.Name(), res.Ticket, err)
			continue
		}
		next := out.toResult()
		if next.Status != StatusPending {
			return next
		}
	}
	return res
}

func (b *Bridge) AccountEquity(ctx context.Context) (float64, error) {
	var out struct {
		Equity any `json:"equity"`
	}
	if err := b.get(ctx, "/account", &out); err != nil {
		return 0, fmt.Errorf("fetching account: %w", err)
	}
	equity := parseFloat(out.Equity)
	if equity <= 0 {
		return 0, fmt.Errorf("sidecar returned non-positive equity")
	}
	return equity, nil
}

func (b *Bridge) OpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var rows []positionRow
	if err := b.get(ctx, "/positions?"+q.Encode(), &rows); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	out := make([]PositionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInfo())
	}
	return out, nil
}

func (b *Bridge) ClosedPosition(ctx context.Context, ref string) (PositionInfo, error) {
	var row positionRow
	if err := b.get(ctx, "/position/closed/"+url.PathEscape(ref), &row); err != nil {
		return PositionInfo{}, fmt.Errorf("fetching closed position: %w", err)
	}
	return row.toInfo(), nil
}

func (b *Bridge) ModifyPosition(ctx context.Context, ref string, stopLoss, takeProfit float64) error {
	body := map[string]any{"ticket": ref, "sl": stopLoss, "tp": takeProfit}
	if err := b.post(ctx, "/position/modify", body, nil); err != nil {
		return fmt.Errorf("modifying position %s: %w", ref, err)
	}
	return nil
}

func (b *Bridge) ClosePosition(ctx context.Context, ref string, volume float64) error {
	body := map[string]any{"ticket": ref, "volume": volume}
	if err := b.post(ctx, "/position/close", body, nil); err != nil {
		return fmt.Errorf("closing position %s: %w", ref, err)
	}
	return nil
}

type orderRow struct {
	Ticket       string `json:"ticket"`
	Status       string `json:"status"`
	FilledVolume any    `json:"filled_volume"`
	AvgPrice     any    `json:"avg_price"`
	Time         string `json:"time"`
}

func (r orderRow) toResult() OrderResult {
	status := strings.ToUpper(strings.TrimSpace(r.Status))
	if status == "" {
		status = StatusPending
	}
	ts := parseTimestamp(r.Time)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return OrderResult{
		Ticket:       r.Ticket,
		Status:       status,
		FilledVolume: parseFloat(r.FilledVolume),
		AvgPrice:     parseFloat(r.AvgPrice),
		Timestamp:    ts,
	}
}

type positionRow struct {
	Ref        string `json:"ref"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Volume     any    `json:"volume"`
	EntryPrice any    `json:"entry_price"`
	StopLoss   any    `json:"sl"`
	TakeProfit any    `json:"tp"`
	OpenedAt   string `json:"opened_at"`
	PnL        any    `json:"pnl"`
}

func (r positionRow) toInfo() PositionInfo {
	return PositionInfo{
		Ref:        r.Ref,
		Symbol:     r.Symbol,
		Side:       strings.ToUpper(strings.TrimSpace(r.Side)),
		Volume:     parseFloat(r.Volume),
		EntryPrice: parseFloat(r.EntryPrice),
		StopLoss:   parseFloat(r.StopLoss),
		TakeProfit: parseFloat(r.TakeProfit),
		OpenedAt:   parseTimestamp(r.OpenedAt),
		PnL:        parseFloat(r.PnL),
	}
}

func (b *Bridge) get(ctx context.Context, path string, out any) error {
	if err := b.lim.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *Bridge) post(ctx context.Context, path string, body any, out any) error {
	if err := b.lim.Wait(ctx); err != nil {
		return err
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(bs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Bridge) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", "sweep-trader/bridge")

	res, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("sidecar %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// parseFloat accepts the number-or-string values the sidecar emits.
func parseFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

// parseTimestamp accepts RFC3339 or unix seconds.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}
