package api

import (
	"time"

	"polyfade/internal/config"
	"polyfade/internal/risk"
	"polyfade/pkg/types"
)

// EngineState is the dispatcher-consistent view of trading state handed to
// the dashboard. The engine assembles it on its own goroutine, so every
// slice is a copy the API layer may hold freely.
type EngineState struct {
	Orders       []types.LadderOrder  `json:"orders"`
	Positions    []types.FadePosition `json:"positions"`
	CycleTPs     []types.CycleTP      `json:"cycle_tps"`
	RecentShocks []types.Shock        `json:"recent_shocks"`
	Inventory    []InventorySlot      `json:"inventory"`
	Stats        StatsSummary         `json:"stats"`
	Gate         risk.Snapshot        `json:"gate"`
}

// InventorySlot is one token's ledger buckets.
type InventorySlot struct {
	TokenID    string  `json:"token_id"`
	Held       float64 `json:"held"`
	Committed  float64 `json:"committed"`
	InPosition float64 `json:"in_position"`
	Free       float64 `json:"free"`
}

// StatsSummary is the session performance block.
type StatsSummary struct {
	ShocksDetected   int     `json:"shocks_detected"`
	ShocksSuppressed int     `json:"shocks_suppressed"`
	ShocksFaded      int     `json:"shocks_faded"`
	CyclesStarted    int     `json:"cycles_started"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	RealizedPnL      float64 `json:"realized_pnl"`
	AvgHoldSecs      float64 `json:"avg_hold_secs"`
	AvgCaptureCents  float64 `json:"avg_capture_cents"`
	RollingSharpe    float64 `json:"rolling_sharpe"`
}

// DashboardSnapshot is the full dashboard state: engine state plus the
// active configuration.
type DashboardSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	State     EngineState   `json:"state"`
	Config    ConfigSummary `json:"config"`
}

// ConfigSummary surfaces the trading knobs an operator watches.
type ConfigSummary struct {
	// Detector
	SigmaThreshold  float64 `json:"sigma_threshold"`
	MinAbsoluteMove float64 `json:"min_absolute_move"`
	RollingWindow   string  `json:"rolling_window"`
	Cooldown        string  `json:"cooldown"`
	PriceBandLow    float64 `json:"price_band_low"`
	PriceBandHigh   float64 `json:"price_band_high"`

	// Classifier
	ClassifyWindow string `json:"classify_window"`

	// Ladder
	LadderLevels    int       `json:"ladder_levels"`
	LadderSpacing   float64   `json:"ladder_spacing"`
	LadderShares    []float64 `json:"ladder_shares"`
	FadeWindow      string    `json:"fade_window"`
	FadeTargetCents int       `json:"fade_target_cents"`

	// Exit
	PositionTimeout   string  `json:"position_timeout"`
	ExitOrderTimeout  string  `json:"exit_order_timeout"`
	NearSettlementBid float64 `json:"near_settlement_bid"`

	// Caps
	MaxCyclesPerMarket int `json:"max_cycles_per_market"`
	MaxGlobalCycles    int `json:"max_global_cycles"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary flattens the config for the dashboard.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		SigmaThreshold:  cfg.Detector.SigmaThreshold,
		MinAbsoluteMove: cfg.Detector.MinAbsoluteMove,
		RollingWindow:   cfg.Detector.RollingWindow.String(),
		Cooldown:        cfg.Detector.Cooldown.String(),
		PriceBandLow:    cfg.Detector.PriceBandLow,
		PriceBandHigh:   cfg.Detector.PriceBandHigh,

		ClassifyWindow: cfg.Classifier.Window.String(),

		LadderLevels:    cfg.Ladder.Levels,
		LadderSpacing:   cfg.Ladder.Spacing,
		LadderShares:    cfg.Ladder.Shares,
		FadeWindow:      cfg.Ladder.FadeWindow.String(),
		FadeTargetCents: cfg.Ladder.FadeTargetCents,

		PositionTimeout:   cfg.Exit.PositionTimeout.String(),
		ExitOrderTimeout:  cfg.Exit.ExitOrderTimeout.String(),
		NearSettlementBid: cfg.Exit.NearSettlementBid,

		MaxCyclesPerMarket: cfg.Engine.MaxCyclesPerMarket,
		MaxGlobalCycles:    cfg.Engine.MaxGlobalCycles,

		DryRun: cfg.DryRun,
	}
}
