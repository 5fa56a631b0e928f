package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"polyfade/internal/api"
	"polyfade/internal/store"
	"polyfade/pkg/types"
)

// saveSnapshot persists non-terminal orders, open positions, live cycle TPs
// and session stats.
func (e *Engine) saveSnapshot() error {
	if e.store == nil {
		return nil
	}

	snap := store.Snapshot{
		SavedAt:   time.Now(),
		Stats:     e.stats.Persisted(),
		Cooldowns: e.det.Cooldowns(),
	}
	for _, ord := range e.orders {
		if !ord.Status.Terminal() {
			snap.Orders = append(snap.Orders, *ord)
		}
	}
	for _, pos := range e.positions {
		if pos.Status == types.PositionOpen {
			snap.Positions = append(snap.Positions, *pos)
		}
	}
	for _, cy := range e.cycles {
		if !cy.retired {
			snap.CycleTPs = append(snap.CycleTPs, *cy.tp)
		}
	}
	return e.store.Save(snap)
}

// reconcile restores the persisted snapshot and checks it against the venue
// and the chain. Anything the external world does not confirm is marked
// UNRECONCILED and excluded from trading until an operator clears it.
func (e *Engine) reconcile() error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	e.stats.Restore(snap.Stats)
	e.det.RestoreCooldowns(snap.Cooldowns)
	e.logger.Info("snapshot loaded",
		"saved_at", snap.SavedAt, "orders", len(snap.Orders), "positions", len(snap.Positions))

	// The venue's open-order list is the authority on what still rests.
	venueOpen := make(map[string]bool)
	venueOK := false
	if e.venue != nil {
		if open, err := e.venue.GetOpenOrders(context.Background()); err == nil {
			venueOK = true
			for _, o := range open {
				venueOpen[o.ID] = true
			}
		} else {
			e.logger.Warn("open-order query failed, orders restored unreconciled", "error", err)
		}
	}

	for i := range snap.Orders {
		ord := snap.Orders[i]
		if venueOK && !venueOpen[ord.ID] {
			ord.Unreconciled = true
			e.logger.Warn("order missing at venue, marked unreconciled", "order", ord.ID)
		} else if !venueOK {
			ord.Unreconciled = true
		}
		e.orders[ord.ID] = &ord
		e.orderCycle[ord.ID] = ord.CycleID
		if !ord.Unreconciled && ord.Leg == types.LegEntry {
			resting := ord.Shares - ord.FilledShares
			e.ledger.Credit(ord.TokenID, resting)
			e.ledger.Commit(ord.TokenID, resting)
		}
	}

	// Chain balances back the held side of every open position.
	heldByToken := make(map[string]float64)
	for i := range snap.Positions {
		pos := snap.Positions[i]
		heldByToken[pos.HeldTokenID] += pos.HeldShares
		e.positions[pos.ID] = &pos
	}
	for tokenID, want := range heldByToken {
		confirmed := false
		if e.chain != nil {
			if bal, err := e.chain.PositionBalance(context.Background(), tokenID); err == nil {
				confirmed = bal.GreaterThanOrEqual(decimal.NewFromFloat(want).Sub(decimal.NewFromFloat(1e-6)))
			}
		}
		for _, pos := range e.positions {
			if pos.HeldTokenID != tokenID {
				continue
			}
			if !confirmed {
				pos.Unreconciled = true
				e.logger.Warn("chain balance below snapshot, position unreconciled",
					"position", pos.ID, "token", tokenID, "want", want)
				continue
			}
			e.ledger.Credit(pos.HeldTokenID, pos.HeldShares)
			e.ledger.EnterPosition(pos.HeldTokenID, pos.HeldShares)
		}
	}

	// Rebuild cycle runtimes for TPs that were still live. Markets are
	// registered by TrackMarket before Start, so the cache has them.
	for i := range snap.CycleTPs {
		tp := snap.CycleTPs[i]
		m, ok := e.cache.BySlug(tp.MarketSlug)
		if !ok {
			e.logger.Warn("snapshot cycle references unknown market, dropped", "cycle", tp.CycleID)
			continue
		}
		soldToken := m.Complement(tp.HeldTokenID)
		cy := &cycle{
			id:        tp.CycleID,
			market:    m,
			soldToken: soldToken,
			heldToken: tp.HeldTokenID,
			cfg:       e.trading,
			createdAt: snap.SavedAt,
			tp:        &tp,
		}
		e.cycles[cy.id] = cy
		if err := e.gate.Admit(m.Slug); err != nil {
			e.logger.Warn("restored cycle exceeds caps", "cycle", cy.id, "error", err)
		}
		e.startScoreWatcher(cy)
	}

	return e.ledger.CheckConservation()
}

// evStateReq asks the dispatcher for a consistent state view.
type evStateReq struct {
	Reply chan api.EngineState
}

// StateSnapshot returns a copy of the trading state, taken on the
// dispatcher so it is internally consistent. Dashboard entry point.
func (e *Engine) StateSnapshot() api.EngineState {
	req := evStateReq{Reply: make(chan api.EngineState, 1)}
	select {
	case e.events <- req:
	case <-time.After(2 * time.Second):
		return api.EngineState{}
	}
	select {
	case state := <-req.Reply:
		return state
	case <-time.After(2 * time.Second):
		return api.EngineState{}
	case <-e.ctx.Done():
		return api.EngineState{}
	}
}

// buildState assembles the dashboard state. Dispatcher-only.
func (e *Engine) buildState() api.EngineState {
	state := api.EngineState{
		Gate:         e.gate.GetSnapshot(),
		Stats:        e.statsSummary(),
		RecentShocks: append([]types.Shock(nil), e.shockRing...),
	}
	for _, ord := range e.orders {
		state.Orders = append(state.Orders, *ord)
	}
	for _, pos := range e.positions {
		state.Positions = append(state.Positions, *pos)
	}
	for _, cy := range e.cycles {
		state.CycleTPs = append(state.CycleTPs, *cy.tp)
	}
	for _, slot := range e.ledger.Snapshot() {
		state.Inventory = append(state.Inventory, api.InventorySlot{
			TokenID:    slot.TokenID,
			Held:       slot.Held,
			Committed:  slot.Committed,
			InPosition: slot.InPosition,
			Free:       slot.Free,
		})
	}
	return state
}

func (e *Engine) statsSummary() api.StatsSummary {
	s := e.stats.Summarize()
	return api.StatsSummary{
		ShocksDetected:   s.ShocksDetected,
		ShocksSuppressed: s.ShocksSuppressed,
		ShocksFaded:      s.ShocksFaded,
		CyclesStarted:    s.CyclesStarted,
		Wins:             s.Wins,
		Losses:           s.Losses,
		WinRate:          s.WinRate,
		RealizedPnL:      s.RealizedPnL,
		AvgHoldSecs:      s.AvgHoldSecs,
		AvgCaptureCents:  s.AvgCaptureCents,
		RollingSharpe:    s.RollingSharpe,
	}
}
