// Package config defines all configuration for the shock-fade engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
//
// The Detector, Classifier, Ladder and Exit sections are hot-swappable:
// a SIGHUP re-runs Load and the engine swaps them in atomically. Cycles
// already in flight keep the values they were born with.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Ladder     LadderConfig     `mapstructure:"ladder"`
	Exit       ExitConfig       `mapstructure:"exit"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Markets    []MarketConfig   `mapstructure:"markets"`
}

// WalletConfig holds the Ethereum wallet used for signing.
// PrivateKey signs L1 (EIP-712) auth, CTF exchange orders and Safe
// transactions. FunderAddress is the on-chain address that holds funds
// (the Safe when signature_type is 2).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// DetectorConfig tunes the price-shock detector.
//
//   - SigmaThreshold: z-score a move must exceed against the rolling window.
//   - MinAbsoluteMove: absolute price delta floor, filters quiet-window noise.
//   - RollingWindow: time-bounded sample window per token.
//   - Cooldown: per-token quiet period after an emitted shock.
//   - PriceBandLow/High: post-move mid must land inside this band.
//   - WarmupSamples: minimum samples before the window is trusted.
type DetectorConfig struct {
	SigmaThreshold  float64       `mapstructure:"sigma_threshold"`
	MinAbsoluteMove float64       `mapstructure:"min_absolute_move"`
	RollingWindow   time.Duration `mapstructure:"rolling_window"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	PriceBandLow    float64       `mapstructure:"price_band_low"`
	PriceBandHigh   float64       `mapstructure:"price_band_high"`
	WarmupSamples   int           `mapstructure:"warmup_samples"`
}

// ClassifierConfig tunes shock classification against the score feeds.
//
//   - Window: how long to keep polling the feed for a matching score event.
//   - Interval: poll spacing inside the window.
//   - MaxEventAge: a score event older than this cannot explain the shock.
//   - RunShockCount: shocks within RunWindow on one market = scoring run.
type ClassifierConfig struct {
	Window        time.Duration `mapstructure:"window"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxEventAge   time.Duration `mapstructure:"max_event_age"`
	RunShockCount int           `mapstructure:"run_shock_count"`
	RunWindow     time.Duration `mapstructure:"run_window"`
}

// LadderConfig shapes the laddered SELL entry placed into a fade.
//
//   - Levels: number of rungs above the post-shock price.
//   - Spacing: price distance between rungs.
//   - Shares: per-rung share sizes, len must equal Levels.
//   - FadeWindow: rungs unfilled after this are cancelled.
//   - FadeTargetCents: expected retracement, sets the take-profit offset.
type LadderConfig struct {
	Levels          int           `mapstructure:"levels"`
	Spacing         float64       `mapstructure:"spacing"`
	Shares          []float64     `mapstructure:"shares"`
	FadeWindow      time.Duration `mapstructure:"fade_window"`
	FadeTargetCents int           `mapstructure:"fade_target_cents"`
}

// ExitConfig controls the position exit state machine.
//
//   - PositionTimeout: max hold time before a forced market exit.
//   - ExitOrderTimeout: GTC exit order unfilled this long falls back to FAK.
//   - NearSettlementBid: held-side bid at/above this triggers immediate close.
type ExitConfig struct {
	PositionTimeout   time.Duration `mapstructure:"position_timeout"`
	ExitOrderTimeout  time.Duration `mapstructure:"exit_order_timeout"`
	NearSettlementBid float64       `mapstructure:"near_settlement_bid"`
}

// EngineConfig caps concurrent activity.
type EngineConfig struct {
	MaxCyclesPerMarket int `mapstructure:"max_cycles_per_market"`
	MaxGlobalCycles    int `mapstructure:"max_global_cycles"`
	QueueSize          int `mapstructure:"queue_size"`
}

// ChainConfig holds the Polygon RPC endpoint and contract addresses used
// for Safe split/merge transactions.
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	SafeAddress        string        `mapstructure:"safe_address"`
	USDCAddress        string        `mapstructure:"usdc_address"`
	CTFAddress         string        `mapstructure:"ctf_address"`
	NegRiskAdapter     string        `mapstructure:"neg_risk_adapter"`
	MultiSendAddress   string        `mapstructure:"multisend_address"`
	TxTimeout          time.Duration `mapstructure:"tx_timeout"`
	ReceiptPollEvery   time.Duration `mapstructure:"receipt_poll_every"`
	GasLimit           uint64        `mapstructure:"gas_limit"`
	MaxFeeGwei         float64       `mapstructure:"max_fee_gwei"`
	MaxPriorityFeeGwei float64       `mapstructure:"max_priority_fee_gwei"`
}

// SportFeedConfig points at one league's score feed.
type SportFeedConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// FeedsConfig maps sport name ("nba", "nfl", ...) to its score feed.
type FeedsConfig struct {
	Sports map[string]SportFeedConfig `mapstructure:"sports"`
}

// MarketConfig declares one tracked game market. Sports markets settle
// within hours, so the slate is static per run; a restart picks up the
// day's games.
type MarketConfig struct {
	Slug          string   `mapstructure:"slug"`
	Sport         string   `mapstructure:"sport"`
	ConditionID   string   `mapstructure:"condition_id"`
	TokenIDs      []string `mapstructure:"token_ids"`
	Outcomes      []string `mapstructure:"outcomes"`
	NegRisk       bool     `mapstructure:"neg_risk"`
	TickSize      string   `mapstructure:"tick_size"`
	GameStartTime string   `mapstructure:"game_start_time"` // RFC3339, optional
}

// StoreConfig sets where engine snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_RPC_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if rpc := os.Getenv("POLY_RPC_URL"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.sigma_threshold", 2.0)
	v.SetDefault("detector.min_absolute_move", 0.03)
	v.SetDefault("detector.rolling_window", "60s")
	v.SetDefault("detector.cooldown", "30s")
	v.SetDefault("detector.price_band_low", 0.07)
	v.SetDefault("detector.price_band_high", 0.91)
	v.SetDefault("detector.warmup_samples", 10)

	v.SetDefault("classifier.window", "10s")
	v.SetDefault("classifier.interval", "1s")
	v.SetDefault("classifier.max_event_age", "90s")
	v.SetDefault("classifier.run_shock_count", 3)
	v.SetDefault("classifier.run_window", "60s")

	v.SetDefault("ladder.levels", 3)
	v.SetDefault("ladder.spacing", 0.03)
	v.SetDefault("ladder.shares", []float64{5, 10, 20})
	v.SetDefault("ladder.fade_window", "120s")
	v.SetDefault("ladder.fade_target_cents", 4)

	v.SetDefault("exit.position_timeout", "600s")
	v.SetDefault("exit.exit_order_timeout", "120s")
	v.SetDefault("exit.near_settlement_bid", 0.97)

	v.SetDefault("engine.max_cycles_per_market", 2)
	v.SetDefault("engine.max_global_cycles", 8)
	v.SetDefault("engine.queue_size", 1024)

	v.SetDefault("chain.tx_timeout", "90s")
	v.SetDefault("chain.receipt_poll_every", "2s")
	v.SetDefault("chain.gas_limit", 1_500_000)
	v.SetDefault("chain.max_fee_gwei", 200.0)
	v.SetDefault("chain.max_priority_fee_gwei", 35.0)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if err := c.validateTrading(); err != nil {
		return err
	}
	for i, m := range c.Markets {
		if m.Slug == "" || m.ConditionID == "" || m.Sport == "" {
			return fmt.Errorf("markets[%d]: slug, sport and condition_id are required", i)
		}
		if len(m.TokenIDs) != 2 {
			return fmt.Errorf("markets[%d]: token_ids must list exactly the two outcome tokens", i)
		}
		if m.GameStartTime != "" {
			if _, err := time.Parse(time.RFC3339, m.GameStartTime); err != nil {
				return fmt.Errorf("markets[%d]: game_start_time: %w", i, err)
			}
		}
	}
	if !c.DryRun {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required (set POLY_RPC_URL)")
		}
		if c.Chain.SafeAddress == "" {
			return fmt.Errorf("chain.safe_address is required")
		}
		if c.Chain.USDCAddress == "" || c.Chain.CTFAddress == "" {
			return fmt.Errorf("chain.usdc_address and chain.ctf_address are required")
		}
	}
	return nil
}

// validateTrading covers the hot-swappable sections so a SIGHUP reload can
// reject a bad file without touching the rest of the config.
func (c *Config) validateTrading() error {
	if c.Detector.SigmaThreshold <= 0 {
		return fmt.Errorf("detector.sigma_threshold must be > 0")
	}
	if c.Detector.MinAbsoluteMove <= 0 {
		return fmt.Errorf("detector.min_absolute_move must be > 0")
	}
	if c.Detector.RollingWindow <= 0 {
		return fmt.Errorf("detector.rolling_window must be > 0")
	}
	if c.Detector.PriceBandLow < 0 || c.Detector.PriceBandHigh > 1 ||
		c.Detector.PriceBandLow >= c.Detector.PriceBandHigh {
		return fmt.Errorf("detector.price_band must satisfy 0 <= low < high <= 1")
	}
	if c.Classifier.Window <= 0 || c.Classifier.Interval <= 0 {
		return fmt.Errorf("classifier.window and classifier.interval must be > 0")
	}
	if c.Classifier.Interval > c.Classifier.Window {
		return fmt.Errorf("classifier.interval must not exceed classifier.window")
	}
	if c.Ladder.Levels <= 0 {
		return fmt.Errorf("ladder.levels must be > 0")
	}
	if len(c.Ladder.Shares) != c.Ladder.Levels {
		return fmt.Errorf("ladder.shares must have exactly ladder.levels entries (%d != %d)",
			len(c.Ladder.Shares), c.Ladder.Levels)
	}
	for i, s := range c.Ladder.Shares {
		if s <= 0 {
			return fmt.Errorf("ladder.shares[%d] must be > 0", i)
		}
	}
	if c.Ladder.Spacing <= 0 {
		return fmt.Errorf("ladder.spacing must be > 0")
	}
	if c.Ladder.FadeTargetCents <= 0 {
		return fmt.Errorf("ladder.fade_target_cents must be > 0")
	}
	if c.Exit.PositionTimeout <= 0 {
		return fmt.Errorf("exit.position_timeout must be > 0")
	}
	if c.Exit.NearSettlementBid <= 0 || c.Exit.NearSettlementBid >= 1 {
		return fmt.Errorf("exit.near_settlement_bid must be in (0, 1)")
	}
	if c.Engine.MaxCyclesPerMarket <= 0 {
		return fmt.Errorf("engine.max_cycles_per_market must be > 0")
	}
	if c.Engine.MaxGlobalCycles <= 0 {
		return fmt.Errorf("engine.max_global_cycles must be > 0")
	}
	return nil
}

// Trading bundles the hot-swappable sections into one value so the engine
// can swap them atomically on reload.
type Trading struct {
	Detector   DetectorConfig
	Classifier ClassifierConfig
	Ladder     LadderConfig
	Exit       ExitConfig
}

// TradingView returns the hot-swappable subset of this config.
func (c *Config) TradingView() Trading {
	return Trading{
		Detector:   c.Detector,
		Classifier: c.Classifier,
		Ladder:     c.Ladder,
		Exit:       c.Exit,
	}
}
