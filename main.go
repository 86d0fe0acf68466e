package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/api"
	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/events"
	"mindmap-trading-bot/internal/executor"
	"mindmap-trading-bot/internal/filter"
	"mindmap-trading-bot/internal/logging"
	"mindmap-trading-bot/internal/orchestrator"
	"mindmap-trading-bot/internal/paper"
	"mindmap-trading-bot/internal/prediction"
	"mindmap-trading-bot/internal/pricing"
	"mindmap-trading-bot/internal/stream"
	"mindmap-trading-bot/internal/swap"
	"mindmap-trading-bot/internal/watcher"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// shutdownDeadline bounds the drain of in-flight operations.
const shutdownDeadline = 10 * time.Second

func main() {
	godotenv.Load()

	command := "start"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "start":
		os.Exit(runStart())
	case "verify":
		os.Exit(runVerify())
	case "reset-paper-trading":
		os.Exit(runResetPaper())
	case "generate-config":
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config.json: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote config.json")
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (start|verify|reset-paper-trading|generate-config)\n", command)
		os.Exit(1)
	}
}

func runStart() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "engine",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	}))
	log := logging.Default()

	client := newRedisClient(cfg)
	bus := events.NewBus()

	store := database.NewPositionStore(client, bus)
	kv := cache.NewStore(client)
	prices := cache.NewPriceCache(kv)
	mindmaps := cache.NewMindmapCache(kv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archive *database.TradeArchive
	if cfg.ArchiveConfig.Enabled && cfg.ArchiveConfig.URL != "" {
		archive, err = database.NewTradeArchive(ctx, cfg.ArchiveConfig.URL)
		if err != nil {
			log.Warn("trade archive unavailable, continuing without it", "error", err)
			archive = nil
		} else {
			defer archive.Close()
			// Closed trades flow into the archive off the bus, so a slow
			// insert never blocks the watcher.
			bus.Subscribe(events.EventTradeUpdate, func(event events.Event) {
				if pos, ok := event.Data["position"].(*database.Position); ok {
					archive.Archive(context.Background(), pos)
				}
			})
		}
	}

	oracle := pricing.NewClient(cfg.APIConfig.ServerURL, cfg.APIConfig.APIKey)
	monitor := pricing.NewMonitor(oracle, prices)

	native := cfg.TradingConfig.NativeQuoteMint

	var backend swap.Backend
	var balance executor.BalanceSource
	var ledger *paper.Ledger
	if cfg.SimulationConfig.Enabled {
		ledger = paper.NewLedger()
		ledger.Reset(native, cfg.SimulationConfig.InitialBalance)
		paperBackend := paper.NewBackend(ledger, prices, native)
		backend = paperBackend
		balance = paperBackend
		log.Info("simulation mode enabled", "initial_balance", cfg.SimulationConfig.InitialBalance)
	} else {
		swapClient := swap.NewClient(cfg.APIConfig.ServerURL, cfg.APIConfig.APIKey, native)
		backend = swapClient
		balance = swapClient
	}

	exec := executor.New(store, kv, mindmaps, backend, oracle, balance,
		cfg.TradingConfig, cfg.RiskConfig, cfg.SimulationConfig.Enabled)

	verifier := filter.NewOracleVerifier(oracle, prices)
	filterEngine := filter.NewEngine(cfg.FilterConfig, native, verifier)

	predictor := prediction.NewClient(
		prediction.NewHTTPService(cfg.APIConfig.ServerURL, cfg.APIConfig.APIKey), kv)

	orch := orchestrator.New(mindmaps, filterEngine, predictor, exec, native)
	streamClient := stream.NewClient(
		streamURL(cfg.APIConfig.ServerURL), cfg.APIConfig.APIKey,
		cfg.MonitoringConfig.Mode, cfg.MonitoringConfig.Actors, orch)

	watch := watcher.New(store, prices, exec, bus)

	hub := api.NewHub(bus)
	server := api.NewServer(cfg.ServerConfig, store, archive, ledger, hub,
		native, cfg.SimulationConfig.InitialBalance)

	monitor.Start(ctx)
	watch.Start(ctx)
	streamClient.Start(ctx)
	if err := server.Start(ctx); err != nil {
		log.Error("failed to start status server", "error", err)
		return 1
	}

	bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"simulation": cfg.SimulationConfig.Enabled,
	}})
	log.Info("engine started",
		"simulation", cfg.SimulationConfig.Enabled,
		"monitoring_mode", cfg.MonitoringConfig.Mode,
		"actors", len(cfg.MonitoringConfig.Actors))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})

	drained := make(chan struct{})
	go func() {
		streamClient.Stop()
		monitor.Stop()
		watch.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		server.Shutdown(shutdownCtx)
		close(drained)
	}()

	select {
	case <-drained:
		log.Info("engine stopped")
		return 0
	case <-time.After(shutdownDeadline):
		log.Error("drain deadline exceeded, forcing disconnect")
		return 1
	}
}

func runVerify() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := newRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "store unreachable at %s: %v\n", cfg.StoreConfig.URL, err)
		return 1
	}
	fmt.Printf("store ok (%s)\n", cfg.StoreConfig.URL)

	if cfg.ArchiveConfig.Enabled && cfg.ArchiveConfig.URL != "" {
		archive, err := database.NewTradeArchive(ctx, cfg.ArchiveConfig.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive unreachable: %v\n", err)
			return 1
		}
		archive.Close()
		fmt.Println("archive ok")
	}

	fmt.Println("configuration ok")
	return 0
}

func runResetPaper() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newRedisClient(cfg)
	store := database.NewPositionStore(client, nil)
	if err := store.ClearAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to clear positions: %v\n", err)
		return 1
	}
	fmt.Println("paper trading state cleared")
	return 0
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.StoreConfig.URL,
		Password: cfg.StoreConfig.Password,
		DB:       cfg.StoreConfig.DB,
		PoolSize: cfg.StoreConfig.PoolSize,
	})
}

// streamURL derives the WebSocket endpoint from the RPC base URL.
func streamURL(base string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/stream"
}
