package engine

import (
	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// event is an internal dispatcher input. Side-effect goroutines report their
// results as events so all state mutation happens on the dispatcher.
type event interface{}

// evSplitDone reports the outcome of an on-chain split for a cycle.
type evSplitDone struct {
	CycleID string
	Shares  float64
	Err     error
}

// evLadderPlaced reports one entry order placement.
type evLadderPlaced struct {
	CycleID string
	Level   int
	Order   types.UserOrder
	Resp    *types.OrderResponse
	Err     error
}

// evExitPlaced reports an exit order placement (GTC or FAK fallback).
type evExitPlaced struct {
	CycleID string
	Order   types.UserOrder
	Resp    *types.OrderResponse
	Err     error
	FAK     bool
}

// evCancelDone reports a venue cancel request result.
type evCancelDone struct {
	OrderIDs []string
	Resp     *types.CancelResponse
	Err      error
}

// evMergeDone reports an on-chain merge of leftover pairs.
type evMergeDone struct {
	Market types.Market
	Shares float64
	Err    error
}

// evScoreEvents carries fresh scoring events from a cycle's score watcher.
type evScoreEvents struct {
	MarketSlug string
	Events     []types.ScoringEvent
}

// evOpenOrders carries the venue's resting-order IDs from the fallback poll.
type evOpenOrders struct {
	IDs map[string]bool
	Err error
}

// evForceExit, evForceEntry, evReloadConfig, evClearHalt and evShutdown are
// operator inputs.
type evForceExit struct{ CycleID string }
type evForceEntry struct{ Shock types.Shock }
type evReloadConfig struct{ Trading config.Trading }
type evClearHalt struct{}
type evShutdown struct{}
