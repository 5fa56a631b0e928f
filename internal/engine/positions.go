package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"polyfade/internal/api"
	"polyfade/internal/chain"
	"polyfade/pkg/types"
)

// exitStatus maps the cycle's current exit reason to a position status.
func (cy *cycle) exitStatus() types.PositionStatus {
	if cy.exitReason != "" {
		return cy.exitReason
	}
	return types.PositionTakeProfit
}

// tpTerminalStatus maps the exit reason to the TP row's terminal state.
func (cy *cycle) tpTerminalStatus() types.TPStatus {
	switch cy.exitReason {
	case types.PositionEventExit, types.PositionHedged:
		return types.TPEventExit
	case types.PositionClosed:
		return types.TPHit
	}
	if cy.fakTried {
		return types.TPTimeout
	}
	return types.TPHit
}

func isChainFatal(err error) bool {
	return errors.Is(err, chain.ErrChainFatal)
}

// applyPriceUpdate feeds the detector and checks price-driven exit triggers
// for cycles holding this token.
func (e *Engine) applyPriceUpdate(upd types.PriceUpdate) {
	m, ok := e.cache.ByToken(upd.TokenID)
	if !ok {
		return
	}
	e.det.Observe(upd, m.Slug)

	for _, cy := range e.cycles {
		if cy.retired || cy.heldToken != upd.TokenID {
			continue
		}
		e.checkExitTriggers(cy, upd.Bid)
	}
}

// nearSettlementLowBid is the losing-side mirror of the near-settlement
// close: a held token bid at a cent or less means the game is decided
// against the position and the book is a formality.
const nearSettlementLowBid = 0.01

// checkExitTriggers fires near-settlement closes and take-profit exits.
func (e *Engine) checkExitTriggers(cy *cycle, bid float64) {
	if bid <= 0 {
		// An empty bid side is missing data, not a settled market.
		return
	}

	// Near settlement the order book is a formality: the winning side
	// redeems at 1, the losing side at 0. Close without an exit order.
	if bid >= cy.cfg.Exit.NearSettlementBid || bid <= nearSettlementLowBid {
		e.finalizeCloseAtBid(cy, bid)
		return
	}

	tp := cy.tp
	if tp.Status != types.TPWatching && tp.Status != types.TPPartial {
		return
	}
	if cy.exitOrderID != "" || cy.exitInFlight {
		return
	}
	if bid >= tp.TPPrice && tp.TotalEntryShares > tp.FilledTPShares {
		cy.exitReason = types.PositionTakeProfit
		e.placeExit(cy, bid, false)
	}
}

// finalizeCloseAtBid marks every open position CLOSED at the current bid
// without sending an order, and cancels anything still resting.
func (e *Engine) finalizeCloseAtBid(cy *cycle, bid float64) {
	cy.exitReason = types.PositionClosed
	e.cancelCycleOrders(cy)

	closed := false
	for _, pos := range e.cyclePositions(cy.id) {
		if pos.Status != types.PositionOpen {
			continue
		}
		// Shares stay in the wallet; settlement redeems them.
		e.posProceeds[pos.ID] += pos.HeldShares * bid
		e.ledger.ExitPosition(pos.HeldTokenID, pos.HeldShares, false)
		pos.HeldShares = 0
		e.finalizePosition(cy, pos, bid, types.PositionClosed)
		closed = true
	}
	if closed {
		cy.tp.Status = types.TPHit
		e.logger.Info("near-settlement close", "cycle", cy.id, "bid", bid)
	}
	e.maybeRetire(cy)
}

// placeExit submits the consolidated exit SELL on the held token: GTC one
// tick above the bid, or FAK at the bid floor as a last resort.
func (e *Engine) placeExit(cy *cycle, bid float64, fak bool) {
	shares := cy.tp.TotalEntryShares - cy.tp.FilledTPShares
	if shares <= 1e-9 {
		return
	}

	price := bid + cy.market.TickSize.Step()
	orderType := types.OrderTypeGTC
	if fak {
		price = bid
		if price < 0.01 {
			price = 0.01
		}
		orderType = types.OrderTypeFAK
		cy.fakTried = true
	}
	if price > 0.99 {
		price = 0.99
	}

	order := types.UserOrder{
		TokenID:   cy.heldToken,
		Price:     price,
		Size:      shares,
		Side:      types.SELL,
		OrderType: orderType,
		TickSize:  cy.market.TickSize,
		NegRisk:   cy.market.NegRisk,
	}

	cy.exitInFlight = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		resp, err := e.venue.PlaceOrder(e.ctx, order)
		e.enqueue(evExitPlaced{CycleID: cy.id, Order: order, Resp: resp, Err: err, FAK: fak})
	}()
}

// applyExitPlaced records the resting exit order.
func (e *Engine) applyExitPlaced(ev evExitPlaced) {
	cy, ok := e.cycles[ev.CycleID]
	if !ok {
		return
	}
	cy.exitInFlight = false

	if ev.Err != nil || ev.Resp == nil || !ev.Resp.Success {
		e.logger.Warn("exit order rejected", "cycle", cy.id, "price", ev.Order.Price, "error", ev.Err)
		return
	}

	ord := &types.LadderOrder{
		ID:         ev.Resp.OrderID,
		CycleID:    cy.id,
		ShockID:    cy.shock.ID,
		TokenID:    ev.Order.TokenID,
		MarketSlug: cy.market.Slug,
		Side:       types.SELL,
		Leg:        types.LegExit,
		Price:      ev.Order.Price,
		Shares:     ev.Order.Size,
		Status:     types.OrderPending,
		CreatedAt:  time.Now(),
	}
	e.orders[ord.ID] = ord
	e.orderCycle[ord.ID] = cy.id
	cy.exitOrderID = ord.ID
	cy.exitPlacedAt = time.Now()

	e.logger.Info("exit resting",
		"cycle", cy.id, "order", ord.ID, "price", ord.Price, "shares", ord.Shares,
		"fak", ev.FAK, "reason", cy.exitReason)
}

// startScoreWatcher polls the sport's score feed while the cycle lives and
// forwards fresh events to the dispatcher for the adverse-scorer rule.
func (e *Engine) startScoreWatcher(cy *cycle) {
	if e.feeds == nil {
		return
	}
	feed, ok := e.feeds.For(cy.market.Sport)
	if !ok {
		return
	}
	interval := time.Second
	if sp, ok := e.cfg.Feeds.Sports[string(cy.market.Sport)]; ok && sp.PollInterval > 0 {
		interval = sp.PollInterval
	}

	ctx, stop := context.WithCancel(e.ctx)
	cy.watcherStop = stop

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastSeen := cy.createdAt

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, err := feed.FetchEvents(ctx, cy.market)
				if err != nil {
					continue
				}
				var fresh []types.ScoringEvent
				for _, ev := range events {
					if ev.Timestamp.After(lastSeen) {
						fresh = append(fresh, ev)
					}
				}
				for _, ev := range fresh {
					if ev.Timestamp.After(lastSeen) {
						lastSeen = ev.Timestamp
					}
				}
				if len(fresh) > 0 {
					e.enqueue(evScoreEvents{MarketSlug: cy.market.Slug, Events: fresh})
				}
			}
		}
	}()
}

// applyScoreEvents applies the adverse-vs-favorable rule: a new score by the
// team that caused the shock means the move is continuing — exit. A score by
// the opponent is favorable — hold. Unresolved scorers exit conservatively.
func (e *Engine) applyScoreEvents(ev evScoreEvents) {
	for _, cy := range e.cycles {
		if cy.retired || cy.market.Slug != ev.MarketSlug {
			continue
		}
		if cy.exitReason == types.PositionEventExit || cy.exitReason == types.PositionClosed {
			continue
		}
		for _, score := range ev.Events {
			if score.Timestamp.Before(cy.createdAt) {
				continue
			}
			adverse := cy.tp.ShockTeam == "" || score.Team == "" || score.Team == cy.tp.ShockTeam
			if !adverse {
				continue
			}
			e.logger.Info("adverse scoring event, exiting cycle",
				"cycle", cy.id, "scorer", score.Team, "shock_team", cy.tp.ShockTeam)
			e.eventExit(cy)
			break
		}
	}
}

// eventExit cancels resting entries and exits all held inventory.
func (e *Engine) eventExit(cy *cycle) {
	cy.exitReason = types.PositionEventExit
	e.cancelCycleOrders(cy)
	e.exitHeldAtBid(cy, false)
}

// forceExit is the operator bail-out. Same mechanics as an event exit.
func (e *Engine) forceExit(cycleID string) {
	cy, ok := e.cycles[cycleID]
	if !ok || cy.retired {
		return
	}
	e.logger.Warn("force exit requested", "cycle", cy.id)
	cy.exitReason = types.PositionHedged
	e.cancelCycleOrders(cy)
	e.exitHeldAtBid(cy, false)
}

// cancelCycleOrders cancels every non-terminal order in the cycle.
func (e *Engine) cancelCycleOrders(cy *cycle) {
	var pending []string
	for _, ord := range e.cycleOrders(cy.id) {
		if !ord.Status.Terminal() {
			pending = append(pending, ord.ID)
		}
	}
	e.scheduleCancel(pending)
}

// exitHeldAtBid places an exit for whatever the cycle still holds, at the
// current bid (plus a tick for GTC).
func (e *Engine) exitHeldAtBid(cy *cycle, fak bool) {
	if cy.exitInFlight {
		return
	}
	bid, _, ok := e.mirror.TopOfBook(cy.heldToken)
	if !ok || bid <= 0 {
		bid = 0.01
	}
	if held := e.heldOpenShares(cy); held <= 1e-9 {
		e.maybeRetire(cy)
		return
	}
	e.placeExit(cy, bid, fak)
}

// heldOpenShares sums open-position held shares for the cycle.
func (e *Engine) heldOpenShares(cy *cycle) float64 {
	total := 0.0
	for _, pos := range e.cyclePositions(cy.id) {
		if pos.Status == types.PositionOpen {
			total += pos.HeldShares
		}
	}
	return total
}

// sweep runs once per second on the dispatcher: ladder expiry, position
// timeouts, exit-order fallback, cycle retirement, periodic snapshots.
func (e *Engine) sweep(now time.Time) {
	for _, cy := range e.cycles {
		if cy.retired {
			continue
		}

		// Entry orders past the fade window are cancelled.
		var expired []string
		for _, ord := range e.cycleOrders(cy.id) {
			if ord.Leg == types.LegEntry && ord.Status == types.OrderPending &&
				now.Sub(ord.CreatedAt) >= cy.cfg.Ladder.FadeWindow {
				expired = append(expired, ord.ID)
			}
		}
		e.scheduleCancel(expired)

		// A resting GTC exit that has not filled falls back to FAK.
		if cy.exitOrderID != "" && !cy.fakTried &&
			now.Sub(cy.exitPlacedAt) >= cy.cfg.Exit.ExitOrderTimeout {
			if ord, ok := e.orders[cy.exitOrderID]; ok && ord.Status == types.OrderPending {
				e.logger.Warn("exit order timed out, falling back to FAK", "cycle", cy.id, "order", ord.ID)
				e.scheduleCancel([]string{ord.ID})
				cy.exitOrderID = ""
				e.exitHeldAtBid(cy, true)
			}
		}

		// Positions held past the timeout are force-exited at the bid.
		if cy.exitReason == "" && e.heldOpenShares(cy) > 0 {
			for _, pos := range e.cyclePositions(cy.id) {
				if pos.Status == types.PositionOpen && now.Sub(pos.EntryTime) >= cy.cfg.Exit.PositionTimeout {
					e.logger.Warn("position timeout, forcing exit", "cycle", cy.id, "position", pos.ID)
					cy.exitReason = types.PositionTakeProfit
					cy.fakTried = true // timeout exits count as TIMEOUT on the TP row
					e.cancelCycleOrders(cy)
					e.exitHeldAtBid(cy, true)
					break
				}
			}
		}

		e.maybeRetire(cy)
	}

	if now.Sub(e.lastSnapshot) >= 30*time.Second {
		e.lastSnapshot = now
		if err := e.saveSnapshot(); err != nil {
			e.logger.Error("snapshot save failed", "error", err)
		}
	}

	// Fallback for a lagging user channel: cross-check resting orders
	// against the venue's open-order list.
	if now.Sub(e.lastOrderPoll) >= openOrderPollEvery && e.hasRestingOrders() {
		e.lastOrderPoll = now
		e.pollOpenOrders()
	}

	if err := e.ledger.CheckConservation(); err != nil {
		e.logger.Error("inventory conservation violated", "error", err)
	}
}

const (
	openOrderPollEvery = time.Minute
	// openOrderGrace keeps the poll from racing a just-placed order that the
	// venue has not indexed yet.
	openOrderGrace = 2 * time.Minute
)

// hasRestingOrders reports whether any tracked order is still non-terminal.
func (e *Engine) hasRestingOrders() bool {
	for _, ord := range e.orders {
		if !ord.Status.Terminal() {
			return true
		}
	}
	return false
}

// pollOpenOrders fetches the venue's open-order list off the dispatcher.
func (e *Engine) pollOpenOrders() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		open, err := e.venue.GetOpenOrders(e.ctx)
		ids := make(map[string]bool, len(open))
		for _, o := range open {
			ids[o.ID] = true
		}
		e.enqueue(evOpenOrders{IDs: ids, Err: err})
	}()
}

// applyOpenOrders reconciles tracked orders against the venue's list. An
// order the venue no longer knows, past the indexing grace, had its terminal
// event (fill or cancel echo) dropped by the user channel; treating it as
// cancelled releases its reservation. A genuinely filled order would have
// arrived three times over (MATCHED, MINED, CONFIRMED), so a silent fill
// slipping through all deliveries and this poll is the failure budget.
func (e *Engine) applyOpenOrders(ev evOpenOrders) {
	if ev.Err != nil {
		e.logger.Warn("open-order poll failed", "error", ev.Err)
		return
	}
	now := time.Now()
	for _, ord := range e.orders {
		if ord.Status.Terminal() || ev.IDs[ord.ID] || now.Sub(ord.CreatedAt) < openOrderGrace {
			continue
		}
		e.logger.Warn("resting order missing at venue, treating as cancelled",
			"order", ord.ID, "leg", ord.Leg, "market", ord.MarketSlug)
		e.markCancelled(ord)
		if cy := e.cycles[e.orderCycle[ord.ID]]; cy != nil {
			e.maybeRetire(cy)
		}
	}
}

// maybeRetire retires the cycle once every order is terminal and every
// position is closed. The TP row reaches a terminal state in the same
// apply-step.
func (e *Engine) maybeRetire(cy *cycle) {
	if cy.retired || cy.awaitingSplit || cy.entriesInFlight > 0 || cy.exitInFlight {
		return
	}
	for _, ord := range e.cycleOrders(cy.id) {
		if !ord.Status.Terminal() {
			return
		}
	}
	for _, pos := range e.cyclePositions(cy.id) {
		if pos.Status == types.PositionOpen {
			return
		}
	}
	e.retireCycle(cy)
}

// retireCycle finalizes the TP row, releases the gate slot, stops the score
// watcher, and merges leftover pairs back to USDC.
func (e *Engine) retireCycle(cy *cycle) {
	if cy.retired {
		return
	}
	cy.retired = true

	if !cy.tp.Status.Terminal() {
		if cy.tp.TotalEntryShares == 0 {
			// Nothing ever filled; the TP row never watched anything real.
			cy.tp.Status = types.TPTimeout
		} else {
			cy.tp.Status = cy.tpTerminalStatus()
		}
	}
	if cy.watcherStop != nil {
		cy.watcherStop()
	}
	e.gate.Release(cy.market.Slug)

	// Burn whatever balanced pair inventory this market still has free.
	pair := e.ledger.Free(cy.market.TokenIDs[0])
	if other := e.ledger.Free(cy.market.TokenIDs[1]); other < pair {
		pair = other
	}
	if pair > 1e-9 && e.chain != nil {
		m := cy.market
		shares := pair
		// Reserve both sides so a concurrent cycle cannot double-spend them.
		e.ledger.Commit(m.TokenIDs[0], shares)
		e.ledger.Commit(m.TokenIDs[1], shares)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := e.chain.Merge(e.ctx, m, decimal.NewFromFloat(shares))
			e.enqueue(evMergeDone{Market: m, Shares: shares, Err: err})
		}()
	}

	e.stats.CycleRetired(string(cy.tp.Status))
	e.logger.Info("cycle retired", "cycle", cy.id, "market", cy.market.Slug, "tp_status", cy.tp.Status)
	e.emit("cycle", cy.market.Slug, api.NewCycleEvent(cy.id, cy.market.Slug, string(cy.tp.Status)))
}

// applyMergeDone burns the merged pair out of the ledger (or returns the
// reservation on failure).
func (e *Engine) applyMergeDone(ev evMergeDone) {
	e.ledger.Uncommit(ev.Market.TokenIDs[0], ev.Shares)
	e.ledger.Uncommit(ev.Market.TokenIDs[1], ev.Shares)

	if ev.Err != nil {
		e.logger.Error("merge failed, pair inventory kept", "market", ev.Market.Slug, "error", ev.Err)
		if isChainFatal(ev.Err) {
			e.gate.Halt("chain fatal: " + ev.Err.Error())
			e.emit("halt", ev.Market.Slug, api.NewHaltEvent(ev.Err.Error()))
		}
		return
	}
	e.ledger.Debit(ev.Market.TokenIDs[0], ev.Shares)
	e.ledger.Debit(ev.Market.TokenIDs[1], ev.Shares)
	e.logger.Info("pair merged to USDC", "market", ev.Market.Slug, "shares", ev.Shares)
}
