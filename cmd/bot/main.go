// Polyfade — an automated fade bot for Polymarket sports moneyline markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires subsystems, handles signals
//	engine/               — dispatcher: shock → classification → fade cycle → exit, all state single-threaded
//	detector/             — rolling z-score price-shock detector over the book mirror
//	classifier/           — matches shocks against live score feeds (single event vs scoring run)
//	scores/               — per-sport score feed adapters
//	market/               — local top-of-book mirror + market registry
//	exchange/             — CLOB REST client, EIP-712 order signing, WS feeds
//	chain/                — Safe split/merge transactions over raw JSON-RPC
//	risk/                 — cycle admission gate (per-market/global caps, halt)
//	store/                — JSON snapshot persistence for restart reconciliation
//	api/                  — dashboard HTTP/WS server
//
// How it makes money:
//
//	A big score (touchdown, three-pointer run) spikes one team's moneyline
//	price; the market routinely overshoots and retraces a few cents. The bot
//	detects the spike, confirms a single scoring event caused it, splits USDC
//	into outcome-share pairs through a Gnosis Safe, and sells the spiked side
//	into the overshoot. The complementary side it keeps rides the retracement
//	to a take-profit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyfade/internal/api"
	"polyfade/internal/chain"
	"polyfade/internal/config"
	"polyfade/internal/engine"
	"polyfade/internal/exchange"
	"polyfade/internal/market"
	"polyfade/internal/scores"
	"polyfade/internal/store"
	"polyfade/pkg/types"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, apiServer, chainCancel, err := build(*cfg, logger)
	if err != nil {
		logger.Error("failed to build bot", "error", err)
		os.Exit(1)
	}

	if apiServer != nil {
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders or transactions")
	}
	logger.Info("polyfade started",
		"markets", len(cfg.Markets),
		"ladder_levels", cfg.Ladder.Levels,
		"max_global_cycles", cfg.Engine.MaxGlobalCycles,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			reload(cfgPath, eng, logger)
			continue
		}
		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	eng.Stop()
	chainCancel()
}

// build wires every subsystem and returns the engine ready to start.
func build(cfg config.Config, logger *slog.Logger) (*engine.Engine, *api.Server, context.CancelFunc, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wallet auth: %w", err)
	}

	venue := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		creds, err := venue.DeriveAPIKey(ctx)
		cancel()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
		logger.Info("derived L2 api credentials")
	}

	keySigner, err := chain.NewKeySigner(cfg.Wallet.PrivateKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chain signer: %w", err)
	}
	chainClient := chain.NewClient(cfg, auth, keySigner, logger)
	chainCtx, chainCancel := context.WithCancel(context.Background())
	go func() {
		if err := chainClient.Run(chainCtx); err != nil && chainCtx.Err() == nil {
			logger.Error("chain client stopped", "error", err)
		}
	}()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		chainCancel()
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	feedURLs := make(map[string]string, len(cfg.Feeds.Sports))
	for sport, sp := range cfg.Feeds.Sports {
		feedURLs[sport] = sp.BaseURL
	}

	eng := engine.New(cfg, engine.Deps{
		Venue:   venue,
		Chain:   chainClient,
		Mirror:  market.NewMirror(),
		Cache:   market.NewCache(),
		Store:   st,
		Feeds:   scores.BuildRegistry(feedURLs, logger),
		MktFeed: exchange.NewMarketFeed(cfg.API.WSMarketURL, logger),
		UsrFeed: exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger),
	}, logger)

	for _, mc := range cfg.Markets {
		eng.TrackMarket(toMarket(mc))
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg, eng, logger)
	}

	return eng, apiServer, chainCancel, nil
}

// reload re-reads the config file and swaps the hot-swappable sections.
// A bad file is rejected without touching the running engine.
func reload(cfgPath string, eng *engine.Engine, logger *slog.Logger) {
	logger.Info("SIGHUP: reloading config", "path", cfgPath)
	next, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("reload failed, keeping current config", "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		logger.Error("reloaded config invalid, keeping current config", "error", err)
		return
	}
	eng.Reload(next.TradingView())
}

func toMarket(mc config.MarketConfig) types.Market {
	m := types.Market{
		Slug:        mc.Slug,
		Sport:       types.Sport(mc.Sport),
		ConditionID: mc.ConditionID,
		TokenIDs:    [2]string{mc.TokenIDs[0], mc.TokenIDs[1]},
		NegRisk:     mc.NegRisk,
		State:       types.MarketActive,
		TickSize:    types.Tick001,
	}
	if len(mc.Outcomes) == 2 {
		m.Outcomes = [2]string{mc.Outcomes[0], mc.Outcomes[1]}
	}
	if mc.TickSize != "" {
		m.TickSize = types.TickSize(mc.TickSize)
	}
	if mc.GameStartTime != "" {
		if ts, err := time.Parse(time.RFC3339, mc.GameStartTime); err == nil {
			m.GameStartTime = ts
		}
	}
	return m
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
