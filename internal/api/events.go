package api

import (
	"time"

	"polyfade/pkg/types"
)

// DashboardEvent is the wrapper for everything pushed over the dashboard
// WebSocket.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "shock", "classification", "fill", "position", "cycle", "halt"
	Timestamp time.Time   `json:"timestamp"`
	Market    string      `json:"market"` // market slug, empty for global events
	Data      interface{} `json:"data"`
}

// ShockEvent is a detector emission.
type ShockEvent struct {
	ShockID   string  `json:"shock_id"`
	TokenID   string  `json:"token_id"`
	Direction string  `json:"direction"`
	Magnitude float64 `json:"magnitude"`
	ZScore    float64 `json:"z_score"`
	PrePrice  float64 `json:"pre_price"`
	PostPrice float64 `json:"post_price"`
}

// ClassificationEvent is the verdict on a shock.
type ClassificationEvent struct {
	ShockID   string `json:"shock_id"`
	Label     string `json:"label"`
	ShockTeam string `json:"shock_team,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// FillEvent reports one order fill, entry or exit leg.
type FillEvent struct {
	OrderID    string  `json:"order_id"`
	Leg        string  `json:"leg"`
	Price      float64 `json:"price"`
	Shares     float64 `json:"shares"`
	MarketSlug string  `json:"market_slug"`
}

// PositionEvent mirrors a FadePosition whenever it opens or closes.
type PositionEvent struct {
	PositionID  string  `json:"position_id"`
	CycleID     string  `json:"cycle_id"`
	MarketSlug  string  `json:"market_slug"`
	SoldPrice   float64 `json:"sold_price"`
	SoldShares  float64 `json:"sold_shares"`
	HeldShares  float64 `json:"held_shares"`
	Status      string  `json:"status"`
	ExitPrice   float64 `json:"exit_price,omitempty"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// CycleEvent marks a cycle lifecycle transition.
type CycleEvent struct {
	CycleID    string `json:"cycle_id"`
	MarketSlug string `json:"market_slug"`
	Status     string `json:"status"` // "OPENED" or the terminal TP status
}

// HaltEvent is emitted when a fatal chain error stops new entries.
type HaltEvent struct {
	Reason string `json:"reason"`
}

func NewShockEvent(shock types.Shock) ShockEvent {
	return ShockEvent{
		ShockID:   shock.ID,
		TokenID:   shock.TokenID,
		Direction: string(shock.Direction),
		Magnitude: shock.Magnitude,
		ZScore:    shock.ZScore,
		PrePrice:  shock.PrePrice,
		PostPrice: shock.PostPrice,
	}
}

func NewClassificationEvent(result types.Classification) ClassificationEvent {
	return ClassificationEvent{
		ShockID:   result.Shock.ID,
		Label:     string(result.Label),
		ShockTeam: result.ShockTeam,
		LatencyMs: result.Latency.Milliseconds(),
	}
}

func NewFillEvent(orderID, leg string, price, shares float64, marketSlug string) FillEvent {
	return FillEvent{
		OrderID:    orderID,
		Leg:        leg,
		Price:      price,
		Shares:     shares,
		MarketSlug: marketSlug,
	}
}

func NewPositionEvent(pos types.FadePosition) PositionEvent {
	return PositionEvent{
		PositionID:  pos.ID,
		CycleID:     pos.CycleID,
		MarketSlug:  pos.MarketSlug,
		SoldPrice:   pos.SoldPrice,
		SoldShares:  pos.SoldShares,
		HeldShares:  pos.HeldShares,
		Status:      string(pos.Status),
		ExitPrice:   pos.ExitPrice,
		RealizedPnL: pos.RealizedPnL,
	}
}

func NewCycleEvent(cycleID, marketSlug, status string) CycleEvent {
	return CycleEvent{CycleID: cycleID, MarketSlug: marketSlug, Status: status}
}

func NewHaltEvent(reason string) HaltEvent {
	return HaltEvent{Reason: reason}
}
