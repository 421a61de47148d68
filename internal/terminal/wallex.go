package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
	"github.com/amirphl/sweep-trader/internal/tfutils"
	"github.com/amirphl/sweep-trader/internal/utils"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexTerminal adapts the Wallex spot API to the Terminal interface.
//
// Wallex is a spot venue with no server-side stop loss or take profit, so
// positions live in a client-side ledger: PlaceOrder records the fill with
// its protective levels, ModifyPosition rewrites them, and ClosePosition
// submits the opposite market order and realizes the PnL. The protective
// levels are enforced by whoever manages the trade, not by the venue.
type WallexTerminal struct {
	client *wallex.Client
	symbol string

	mu        sync.Mutex
	positions map[string]*PositionInfo
	closed    map[string]PositionInfo
	nextRef   int
}

// NewWallexTerminal builds an adapter bound to one trading pair. The pair
// determines which quote asset AccountEquity is measured in.
func NewWallexTerminal(apiKey, symbol string) *WallexTerminal {
	return &WallexTerminal{
		client:    wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		symbol:    symbol,
		positions: make(map[string]*PositionInfo),
		closed:    make(map[string]PositionInfo),
	}
}

func (w *WallexTerminal) Name() string {
	return "wallex"
}

// retryCall wraps a function with retry logic for transient errors, using
// exponential backoff and error logging.
func retryCall(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Terminal | %s Retry attempt %d/%d failed: %v. Backing off for %v", "wallex", i, attempts, err, backoff)
		time.Sleep(backoff)
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return errors.New("all retry attempts failed")
}

// normalizeSymbol converts "BTC-USDT" style symbols to Wallex's "BTCUSDT".
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// normalizeTimeframe converts "5m" style timeframes to Wallex's "5".
func normalizeTimeframe(timeframe string) string {
	return strings.TrimSuffix(timeframe, "m")
}

// splitPair splits a normalized Wallex symbol into base and quote assets.
func splitPair(symbol string) (base, quote string) {
	s := normalizeSymbol(symbol)
	switch {
	case strings.HasSuffix(s, "USDT"):
		return strings.TrimSuffix(s, "USDT"), "USDT"
	case strings.HasSuffix(s, "TMN"):
		return strings.TrimSuffix(s, "TMN"), "TMN"
	default:
		if len(s) > 3 {
			return s[:len(s)-3], s[len(s)-3:]
		}
		return s, ""
	}
}

func (w *WallexTerminal) GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}

	var rows []*wallex.Candle

	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Terminal | %s GetBars timeout", w.Name())
		return nil, ctx.Err()

	default:
		err := retryCall(3, 2*time.Second, func() error {
			var err error
			rows, err = w.client.Candles(normalizeSymbol(symbol), normalizeTimeframe(timeframe), from, to)
			if err != nil {
				return fmt.Errorf("fetching candles: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("GetBars failed: %w", err)
		}
	}

	var candles []candle.Candle
	for _, row := range rows {
		c := candle.Candle{
			Timestamp: row.Timestamp.UTC().Truncate(time.Minute),
			Open:      num(row.Open),
			High:      num(row.High),
			Low:       num(row.Low),
			Close:     num(row.Close),
			Volume:    num(row.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    w.Name(),
		}

		// Skip malformed rows rather than poisoning the series.
		if err := c.Validate(); err != nil {
			continue
		}

		candles = append(candles, c)
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return candles, nil
}

func (w *WallexTerminal) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Terminal | %s GetQuote timeout", w.Name())
		return Quote{}, ctx.Err()

	default:
		var markets []*wallex.Market
		err := retryCall(3, 2*time.Second, func() error {
			var err error
			markets, err = w.client.Markets()
			if err != nil {
				return fmt.Errorf("fetching markets: %w", err)
			}
			return nil
		})
		if err != nil {
			return Quote{}, fmt.Errorf("GetQuote failed: %w", err)
		}

		want := normalizeSymbol(symbol)
		for _, market := range markets {
			if normalizeSymbol(market.Symbol) != want {
				continue
			}
			q := Quote{
				Symbol: symbol,
				Bid:    num(market.Stats.BidPrice),
				Ask:    num(market.Stats.AskPrice),
				Time:   time.Now().UTC(),
			}
			if q.Bid <= 0 || q.Ask <= 0 {
				return Quote{}, fmt.Errorf("empty book for %s", symbol)
			}
			return q, nil
		}
		return Quote{}, fmt.Errorf("market not found: %s", symbol)
	}
}

func (w *WallexTerminal) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Terminal | %s PlaceOrder timeout", w.Name())
		return OrderResult{}, ctx.Err()

	default:
		res, err := w.submit(req.Symbol, req.Side, req.Type, req.Price, req.Volume)
		if err != nil {
			return OrderResult{}, err
		}

		if res.Status == StatusFilled && res.FilledVolume > 0 {
			w.openPosition(req, res)
		}
		return res, nil
	}
}

// submit sends one order to the venue and maps the response.
func (w *WallexTerminal) submit(symbol, side, orderType string, price, volume float64) (OrderResult, error) {
	params := &wallex.OrderParams{
		Symbol:   normalizeSymbol(symbol),
		Type:     strings.ToUpper(orderType),
		Side:     strings.ToUpper(side),
		Price:    wallex.Number(strconv.FormatFloat(price, 'f', 8, 64)),
		Quantity: wallex.Number(strconv.FormatFloat(volume, 'f', 8, 64)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return OrderResult{}, err
	}

	res := OrderResult{
		Ticket:       resp.ClientOrderID,
		Status:       mapWallexStatus(resp.Status),
		FilledVolume: numPtr(resp.ExecutedQty),
		AvgPrice:     numPtr(resp.ExecutedPrice),
		Timestamp:    resp.CreatedAt.UTC(),
	}

	// Market orders usually fill immediately; poll briefly when they don't.
	for i := 0; i < 6 && res.Status == StatusPending; i++ {
		time.Sleep(250 * time.Millisecond)
		order, err := w.client.Order(res.Ticket)
		if err != nil {
			utils.GetLogger().Printf("Terminal | %s order %s poll failed: %v", w.Name(), res.Ticket, err)
			continue
		}
		res.Status = mapWallexStatus(order.Status)
		res.FilledVolume = numPtr(order.ExecutedQty)
		res.AvgPrice = numPtr(order.ExecutedPrice)
	}

	return res, nil
}

func (w *WallexTerminal) openPosition(req OrderRequest, res OrderResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// The order ticket doubles as the position ref, matching the other
	// terminal adapters.
	ref := res.Ticket
	if ref == "" {
		w.nextRef++
		ref = fmt.Sprintf("WLX-%d", w.nextRef)
	}
	w.positions[ref] = &PositionInfo{
		Ref:        ref,
		Symbol:     req.Symbol,
		Side:       strings.ToUpper(req.Side),
		Volume:     res.FilledVolume,
		EntryPrice: res.AvgPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   res.Timestamp,
	}
}

func (w *WallexTerminal) AccountEquity(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Terminal | %s AccountEquity timeout", w.Name())
		return 0, ctx.Err()

	default:
		var balances map[string]*wallex.Balance
		err := retryCall(3, 2*time.Second, func() error {
			var err error
			balances, err = w.client.Balances()
			if err != nil {
				return fmt.Errorf("fetching balances: %w", err)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("AccountEquity failed: %w", err)
		}

		base, quote := splitPair(w.symbol)
		equity := balanceTotal(balances[quote])

		baseTotal := balanceTotal(balances[base])
		if baseTotal > 0 {
			q, err := w.GetQuote(ctx, w.symbol)
			if err != nil {
				return 0, fmt.Errorf("valuing %s holdings: %w", base, err)
			}
			equity += baseTotal * q.Bid
		}

		if equity <= 0 {
			return 0, fmt.Errorf("no %s equity on account", quote)
		}
		return equity, nil
	}
}

func (w *WallexTerminal) OpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	quote, quoteErr := w.GetQuote(ctx, symbol)

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []PositionInfo
	for _, pos := range w.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		info := *pos
		if quoteErr == nil {
			info.PnL = floatingPnL(info, quote)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (w *WallexTerminal) ClosedPosition(ctx context.Context, ref string) (PositionInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.closed[ref]
	if !ok {
		return PositionInfo{}, fmt.Errorf("closed position not found: %s", ref)
	}
	return info, nil
}

func (w *WallexTerminal) ModifyPosition(ctx context.Context, ref string, stopLoss, takeProfit float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos, ok := w.positions[ref]
	if !ok {
		return fmt.Errorf("position not found: %s", ref)
	}
	if stopLoss > 0 {
		pos.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.TakeProfit = takeProfit
	}
	return nil
}

func (w *WallexTerminal) ClosePosition(ctx context.Context, ref string, volume float64) error {
	w.mu.Lock()
	pos, ok := w.positions[ref]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("position not found: %s", ref)
	}
	closing := *pos
	w.mu.Unlock()

	if volume <= 0 || volume > closing.Volume {
		volume = closing.Volume
	}

	side := SideSell
	if closing.Side == SideSell {
		side = SideBuy
	}

	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Terminal | %s ClosePosition timeout", w.Name())
		return ctx.Err()

	default:
		res, err := w.submit(closing.Symbol, side, OrderTypeMarket, 0, volume)
		if err != nil {
			return fmt.Errorf("closing %s: %w", ref, err)
		}
		if res.Status != StatusFilled {
			return fmt.Errorf("closing %s: order status %s", ref, res.Status)
		}
		w.realize(ref, volume, res.AvgPrice)
		return nil
	}
}

// realize books a fill against the ledger, moving the position to the closed
// map once its volume is gone.
func (w *WallexTerminal) realize(ref string, volume, exitPrice float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, ok := w.positions[ref]
	if !ok {
		return
	}

	pnl := (exitPrice - pos.EntryPrice) * volume
	if pos.Side == SideSell {
		pnl = -pnl
	}

	done := w.closed[ref]
	done.Ref = ref
	done.Symbol = pos.Symbol
	done.Side = pos.Side
	done.Volume += volume
	done.EntryPrice = pos.EntryPrice
	done.StopLoss = pos.StopLoss
	done.TakeProfit = pos.TakeProfit
	done.OpenedAt = pos.OpenedAt
	done.PnL += pnl
	w.closed[ref] = done

	pos.Volume -= volume
	if pos.Volume <= 0 {
		delete(w.positions, ref)
	}
}

func mapWallexStatus(status string) string {
	switch strings.ToUpper(status) {
	case "FILLED", "DONE":
		return StatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusPending
	}
}

func balanceTotal(b *wallex.Balance) float64 {
	if b == nil {
		return 0
	}
	available, _ := strconv.ParseFloat(string(b.Value), 64)
	locked, _ := strconv.ParseFloat(string(b.Locked), 64)
	return available + locked
}

// num parses a wallex.Number, returning 0 on malformed input.
func num(n wallex.Number) float64 {
	out, _ := strconv.ParseFloat(string(n), 64)
	return out
}

// numPtr safely dereferences a *wallex.Number.
func numPtr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	return num(*n)
}
