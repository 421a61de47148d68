package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amirphl/sweep-trader/internal/autotrade"
	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/control"
	"github.com/amirphl/sweep-trader/internal/db"
	"github.com/amirphl/sweep-trader/internal/notifier"
	"github.com/amirphl/sweep-trader/internal/strategy"
	"github.com/amirphl/sweep-trader/internal/terminal"
)

const defaultSimEquity = 10_000

func main() {
	cfg := config.MustLoadConfig()
	log.Printf("Starting sweep trader | mode=%s terminal=%s symbol=%s", cfg.Mode, cfg.Terminal, cfg.Strategy.Symbol)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	storage, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	feed, term := buildTerminal(ctx, cfg)
	log.Printf("Terminal ready: %s", term.Name())

	var tg notifier.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		tg = notifier.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID,
			cfg.Telegram.ProxyURL, cfg.Telegram.Retries, cfg.Telegram.RetryDelay)
		log.Println("Telegram notifications enabled")
	}

	machine := strategy.NewStrategyStateMachine(cfg.Strategy, feed, term, storage)
	if err := machine.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore session: %v", err)
	}

	poller := autotrade.NewPoller(cfg.Poller, machine, tg)

	gin.SetMode(gin.ReleaseMode)
	server := control.NewServer(ctx, cfg.Server, machine, poller, storage)
	go func() {
		log.Printf("Control server listening on %s", cfg.Server.Addr)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Control server failed: %v", err)
		}
	}()

	if cfg.Mode == "auto" {
		if err := poller.Start(ctx); err != nil {
			log.Fatalf("Failed to start auto mode: %v", err)
		}
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	poller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := storage.Close(); err != nil {
		log.Printf("Closing storage: %v", err)
	}
	log.Println("Shutdown complete")
}

// buildTerminal wires the configured feed and execution terminal. The sim
// terminal serves both roles for dry runs; the bridge optionally layers a
// websocket quote stream over its HTTP API.
func buildTerminal(ctx context.Context, cfg config.Config) (terminal.Feed, terminal.Terminal) {
	switch cfg.Terminal {
	case "bridge":
		b := terminal.NewBridge(cfg.Bridge.BaseURL, cfg.Bridge.RateLimit, cfg.Bridge.Burst)
		if cfg.Bridge.StreamURL != "" {
			s := terminal.NewStream(cfg.Bridge.StreamURL, cfg.Strategy.Symbol)
			go s.Start(ctx)
			b = b.WithStream(s)
			log.Printf("Quote stream attached: %s", cfg.Bridge.StreamURL)
		}
		return b, b
	case "wallex":
		w := terminal.NewWallexTerminal(cfg.Wallex.APIKey, cfg.Strategy.Symbol)
		return w, w
	default:
		sim := terminal.NewSimTerminal(defaultSimEquity)
		return sim, sim
	}
}
