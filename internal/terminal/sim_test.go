package terminal

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/amirphl/sweep-trader/internal/candle"
)

func simQuote(bid, ask float64) Quote {
	return Quote{
		Symbol: "XAUUSD",
		Bid:    bid,
		Ask:    ask,
		Time:   time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSimTerminalOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("Market buy fills at the ask", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))

		res, err := sim.PlaceOrder(ctx, OrderRequest{
			Symbol: "XAUUSD",
			Side:   SideBuy,
			Type:   OrderTypeMarket,
			Volume: 0.1,
		})
		if err != nil {
			t.Fatalf("PlaceOrder failed: %v", err)
		}
		if !res.Filled() {
			t.Errorf("Expected a filled order, got status %s", res.Status)
		}
		if res.Ticket != "SIM-1" {
			t.Errorf("Expected ticket SIM-1, got %s", res.Ticket)
		}
		if !almostEqual(res.AvgPrice, 2000.5) {
			t.Errorf("Expected fill at ask 2000.5, got %.4f", res.AvgPrice)
		}

		open, err := sim.OpenPositions(ctx, "XAUUSD")
		if err != nil {
			t.Fatalf("OpenPositions failed: %v", err)
		}
		if len(open) != 1 {
			t.Fatalf("Expected 1 open position, got %d", len(open))
		}
		if open[0].Side != SideBuy || !almostEqual(open[0].EntryPrice, 2000.5) {
			t.Errorf("Unexpected position %+v", open[0])
		}
	})

	t.Run("Market sell fills at the bid", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))

		res, err := sim.PlaceOrder(ctx, OrderRequest{
			Symbol: "XAUUSD",
			Side:   SideSell,
			Type:   OrderTypeMarket,
			Volume: 0.2,
		})
		if err != nil {
			t.Fatalf("PlaceOrder failed: %v", err)
		}
		if !almostEqual(res.AvgPrice, 2000.0) {
			t.Errorf("Expected fill at bid 2000.0, got %.4f", res.AvgPrice)
		}
	})

	t.Run("Rejection is a result, not an error", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		sim.RejectNext(1)

		res, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.1})
		if err != nil {
			t.Fatalf("Rejection should not be a transport error, got %v", err)
		}
		if res.Status != StatusRejected {
			t.Errorf("Expected status %s, got %s", StatusRejected, res.Status)
		}

		open, _ := sim.OpenPositions(ctx, "XAUUSD")
		if len(open) != 0 {
			t.Errorf("Rejected order must not open a position, got %d", len(open))
		}

		res, err = sim.PlaceOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.1})
		if err != nil || !res.Filled() {
			t.Errorf("Next order should fill, got status=%s err=%v", res.Status, err)
		}
	})

	t.Run("Transport failure is an error", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		sim.FailNext(errors.New("gateway down"))

		_, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.1})
		if err == nil {
			t.Fatal("Expected a transport error")
		}

		// The failure is consumed; the next call succeeds.
		if _, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.1}); err != nil {
			t.Errorf("Expected the failure to be consumed, got %v", err)
		}
	})

	t.Run("No quote means no fill", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		if _, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.1}); err == nil {
			t.Error("Expected an error without a quote")
		}
		if _, err := sim.GetQuote(ctx, "XAUUSD"); err == nil {
			t.Error("Expected GetQuote to fail without a quote")
		}
	})
}

func TestSimTerminalStops(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, sim *SimTerminal, side string, sl, tp float64) string {
		t.Helper()
		res, err := sim.PlaceOrder(ctx, OrderRequest{
			Symbol:     "XAUUSD",
			Side:       side,
			Type:       OrderTypeMarket,
			Volume:     0.1,
			StopLoss:   sl,
			TakeProfit: tp,
		})
		if err != nil || !res.Filled() {
			t.Fatalf("Open failed: status=%s err=%v", res.Status, err)
		}
		return res.Ticket
	}

	t.Run("Buy stop loss closes at the stop", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		ref := open(t, sim, SideBuy, 1995.0, 2010.0)

		sim.SetQuote(simQuote(1994.5, 1995.0))

		openPos, _ := sim.OpenPositions(ctx, "XAUUSD")
		if len(openPos) != 0 {
			t.Fatalf("Expected the stop to close the position, still open: %d", len(openPos))
		}

		done, err := sim.ClosedPosition(ctx, ref)
		if err != nil {
			t.Fatalf("ClosedPosition failed: %v", err)
		}
		wantPnL := (1995.0 - 2000.5) * 0.1
		if !almostEqual(done.PnL, wantPnL) {
			t.Errorf("Expected PnL %.4f, got %.4f", wantPnL, done.PnL)
		}

		equity, _ := sim.AccountEquity(ctx)
		if !almostEqual(equity, 10000+wantPnL) {
			t.Errorf("Expected equity %.4f, got %.4f", 10000+wantPnL, equity)
		}
	})

	t.Run("Buy take profit closes at the target", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		ref := open(t, sim, SideBuy, 1995.0, 2010.0)

		sim.SetQuote(simQuote(2010.2, 2010.6))

		done, err := sim.ClosedPosition(ctx, ref)
		if err != nil {
			t.Fatalf("ClosedPosition failed: %v", err)
		}
		wantPnL := (2010.0 - 2000.5) * 0.1
		if !almostEqual(done.PnL, wantPnL) {
			t.Errorf("Expected PnL %.4f, got %.4f", wantPnL, done.PnL)
		}
	})

	t.Run("Sell stop loss closes when the ask reaches it", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		ref := open(t, sim, SideSell, 2005.0, 1990.0)

		sim.SetQuote(simQuote(2004.8, 2005.2))

		done, err := sim.ClosedPosition(ctx, ref)
		if err != nil {
			t.Fatalf("ClosedPosition failed: %v", err)
		}
		wantPnL := (2000.0 - 2005.0) * 0.1
		if !almostEqual(done.PnL, wantPnL) {
			t.Errorf("Expected PnL %.4f, got %.4f", wantPnL, done.PnL)
		}
	})

	t.Run("Quotes inside the levels leave the position open", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		open(t, sim, SideBuy, 1995.0, 2010.0)

		sim.SetQuote(simQuote(1998.0, 1998.5))
		sim.SetQuote(simQuote(2005.0, 2005.5))

		openPos, _ := sim.OpenPositions(ctx, "XAUUSD")
		if len(openPos) != 1 {
			t.Errorf("Expected the position to stay open, got %d", len(openPos))
		}
	})
}

func TestSimTerminalModifyAndClose(t *testing.T) {
	ctx := context.Background()

	t.Run("Modify rewrites only the given levels", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		res, _ := sim.PlaceOrder(ctx, OrderRequest{
			Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket,
			Volume: 0.1, StopLoss: 1995.0, TakeProfit: 2010.0,
		})

		if err := sim.ModifyPosition(ctx, res.Ticket, 1998.0, 0); err != nil {
			t.Fatalf("ModifyPosition failed: %v", err)
		}

		open, _ := sim.OpenPositions(ctx, "XAUUSD")
		if !almostEqual(open[0].StopLoss, 1998.0) {
			t.Errorf("Expected stop loss 1998.0, got %.4f", open[0].StopLoss)
		}
		if !almostEqual(open[0].TakeProfit, 2010.0) {
			t.Errorf("Take profit should be untouched, got %.4f", open[0].TakeProfit)
		}
	})

	t.Run("Unknown ref errors", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		if err := sim.ModifyPosition(ctx, "SIM-99", 1.0, 2.0); err == nil {
			t.Error("Expected an error for an unknown position")
		}
		if err := sim.ClosePosition(ctx, "SIM-99", 0); err == nil {
			t.Error("Expected an error for an unknown position")
		}
		if _, err := sim.ClosedPosition(ctx, "SIM-99"); err == nil {
			t.Error("Expected an error for an unknown closed position")
		}
	})

	t.Run("Partial close realizes part of the volume", func(t *testing.T) {
		sim := NewSimTerminal(10000)
		sim.SetQuote(simQuote(2000.0, 2000.5))
		res, _ := sim.PlaceOrder(ctx, OrderRequest{
			Symbol: "XAUUSD", Side: SideBuy, Type: OrderTypeMarket, Volume: 0.3,
		})

		sim.SetQuote(simQuote(2004.0, 2004.5))
		if err := sim.ClosePosition(ctx, res.Ticket, 0.1); err != nil {
			t.Fatalf("Partial close failed: %v", err)
		}

		open, _ := sim.OpenPositions(ctx, "XAUUSD")
		if len(open) != 1 || !almostEqual(open[0].Volume, 0.2) {
			t.Fatalf("Expected 0.2 still open, got %+v", open)
		}

		firstPnL := (2004.0 - 2000.5) * 0.1
		done, _ := sim.ClosedPosition(ctx, res.Ticket)
		if !almostEqual(done.PnL, firstPnL) || !almostEqual(done.Volume, 0.1) {
			t.Errorf("Unexpected partial record %+v", done)
		}

		sim.SetQuote(simQuote(2006.0, 2006.5))
		if err := sim.ClosePosition(ctx, res.Ticket, 0); err != nil {
			t.Fatalf("Final close failed: %v", err)
		}

		open, _ = sim.OpenPositions(ctx, "XAUUSD")
		if len(open) != 0 {
			t.Fatalf("Expected no open positions, got %d", len(open))
		}

		totalPnL := firstPnL + (2006.0-2000.5)*0.2
		done, _ = sim.ClosedPosition(ctx, res.Ticket)
		if !almostEqual(done.PnL, totalPnL) || !almostEqual(done.Volume, 0.3) {
			t.Errorf("Expected accumulated PnL %.4f over 0.3 lots, got %+v", totalPnL, done)
		}

		equity, _ := sim.AccountEquity(ctx)
		if !almostEqual(equity, 10000+totalPnL) {
			t.Errorf("Expected equity %.4f, got %.4f", 10000+totalPnL, equity)
		}
	})
}

func TestSimTerminalBars(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	bar := func(offset time.Duration) candle.Candle {
		ts := base.Add(offset)
		return candle.Candle{
			Timestamp: ts,
			Open:      2000, High: 2001, Low: 1999, Close: 2000.5,
			Volume: 10, Symbol: "XAUUSD", Timeframe: "5m", Source: "sim",
		}
	}

	sim := NewSimTerminal(10000)
	sim.SetBars("5m", []candle.Candle{bar(0), bar(5 * time.Minute), bar(10 * time.Minute)})
	sim.AppendBar(bar(15 * time.Minute))

	t.Run("Range is inclusive of from and exclusive of to", func(t *testing.T) {
		got, err := sim.GetBars(ctx, "XAUUSD", "5m", base, base.Add(15*time.Minute))
		if err != nil {
			t.Fatalf("GetBars failed: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("Expected 3 bars in [from,to), got %d", len(got))
		}
	})

	t.Run("Other symbols are filtered out", func(t *testing.T) {
		got, err := sim.GetBars(ctx, "EURUSD", "5m", base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("GetBars failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Expected no EURUSD bars, got %d", len(got))
		}
	})

	t.Run("Unknown timeframe yields no bars", func(t *testing.T) {
		got, _ := sim.GetBars(ctx, "XAUUSD", "1m", base, base.Add(time.Hour))
		if len(got) != 0 {
			t.Errorf("Expected no 1m bars, got %d", len(got))
		}
	})
}

func TestSimTerminalDelayHonorsContext(t *testing.T) {
	sim := NewSimTerminal(10000)
	sim.SetQuote(simQuote(2000.0, 2000.5))
	sim.SetDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := sim.GetQuote(ctx, "XAUUSD"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}
