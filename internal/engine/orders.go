package engine

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyfade/internal/api"
	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// applyClassification is the entry trigger. Only single_event verdicts open
// a cycle; everything else is recorded and dropped.
func (e *Engine) applyClassification(result types.Classification) {
	shock := result.Shock
	e.emit("classification", shock.MarketSlug, api.NewClassificationEvent(result))

	if result.Label != types.ClassSingleEvent {
		e.stats.ShockSuppressed()
		e.logger.Info("shock suppressed",
			"market", shock.MarketSlug, "label", result.Label, "latency", result.Latency)
		return
	}
	if e.draining {
		return
	}
	// A verdict that took longer than the classification window is stale;
	// the price has moved on.
	if maxAge := e.trading.Classifier.Window; maxAge > 0 && result.Latency > maxAge {
		e.stats.ShockSuppressed()
		e.logger.Warn("stale classification discarded",
			"market", shock.MarketSlug, "latency", result.Latency)
		return
	}
	// The ladder sells the token that spiked upward. A down-shock on one
	// token surfaces as an up-shock on its complement, which carries its own
	// detector window.
	if shock.Direction != types.DirUp {
		return
	}
	if _, dup := e.shockCycles[shock.ID]; dup {
		return
	}

	m, ok := e.cache.BySlug(shock.MarketSlug)
	if !ok || m.State != types.MarketActive {
		e.logger.Info("market not tradable, skipping shock", "market", shock.MarketSlug)
		return
	}

	if err := e.gate.Admit(m.Slug); err != nil {
		e.stats.ShockSuppressed()
		e.logger.Info("entry refused", "market", m.Slug, "reason", err)
		return
	}

	e.startCycle(shock, m, result.ShockTeam)
}

// startCycle creates the cycle record and either places the ladder directly
// or requests an on-chain split first.
func (e *Engine) startCycle(shock types.Shock, m types.Market, shockTeam string) {
	heldToken := m.Complement(shock.TokenID)
	if heldToken == "" {
		e.gate.Release(m.Slug)
		return
	}

	cfg := e.trading
	cy := &cycle{
		id:        uuid.NewString(),
		shock:     shock,
		market:    m,
		soldToken: shock.TokenID,
		heldToken: heldToken,
		cfg:       cfg,
		createdAt: time.Now(),
		tp: &types.CycleTP{
			CycleID:     "",
			MarketSlug:  m.Slug,
			HeldTokenID: heldToken,
			ShockTeam:   shockTeam,
			Status:      types.TPWatching,
		},
	}
	cy.tp.CycleID = cy.id
	e.cycles[cy.id] = cy
	e.shockCycles[shock.ID] = cy.id
	e.stats.CycleStarted()
	e.startScoreWatcher(cy)

	total := e.ladderTotal(cfg)
	e.logger.Info("cycle opened",
		"cycle", cy.id, "market", m.Slug, "sold_token", cy.soldToken,
		"shock_team", shockTeam, "ladder_shares", total)
	e.emit("cycle", m.Slug, api.NewCycleEvent(cy.id, m.Slug, "OPENED"))

	if shortfall := total - e.ledger.Free(cy.soldToken); shortfall > 1e-9 {
		e.scheduleSplit(cy, shortfall)
		return
	}
	e.placeLadder(cy)
}

// ladderTotal sums the share schedule across configured levels.
func (e *Engine) ladderTotal(cfg config.Trading) float64 {
	total := 0.0
	for i := 0; i < cfg.Ladder.Levels; i++ {
		total += levelShares(cfg.Ladder.Shares, i)
	}
	return total
}

// scheduleSplit mints the missing pair inventory before the ladder goes out.
func (e *Engine) scheduleSplit(cy *cycle, shares float64) {
	cy.awaitingSplit = true
	cy.splitShares = shares
	e.logger.Info("splitting for ladder", "cycle", cy.id, "shares", shares)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.chain.Split(e.ctx, cy.market, decimal.NewFromFloat(shares))
		e.enqueue(evSplitDone{CycleID: cy.id, Shares: shares, Err: err})
	}()
}

// applySplitDone credits minted inventory and releases the ladder, or
// abandons the cycle (and halts entries on a fatal chain error).
func (e *Engine) applySplitDone(ev evSplitDone) {
	cy, ok := e.cycles[ev.CycleID]
	if !ok {
		return
	}
	cy.awaitingSplit = false

	if ev.Err != nil {
		e.logger.Error("split failed, abandoning cycle", "cycle", cy.id, "error", ev.Err)
		if isChainFatal(ev.Err) {
			e.gate.Halt("chain fatal: " + ev.Err.Error())
			e.emit("halt", cy.market.Slug, api.NewHaltEvent(ev.Err.Error()))
		}
		e.retireCycle(cy)
		return
	}

	// A split mints one share of each outcome per settlement unit.
	e.ledger.Credit(cy.soldToken, ev.Shares)
	e.ledger.Credit(cy.heldToken, ev.Shares)
	e.placeLadder(cy)
}

// placeLadder commits inventory and submits L SELL orders above the shock
// price. Placement happens off the dispatcher; results come back as events.
func (e *Engine) placeLadder(cy *cycle) {
	cfg := cy.cfg.Ladder
	total := 0.0
	orders := make([]types.UserOrder, 0, cfg.Levels)
	for i := 0; i < cfg.Levels; i++ {
		price := cy.shock.PostPrice + float64(i)*cfg.Spacing
		if price > 0.99 {
			price = 0.99
		}
		shares := levelShares(cfg.Shares, i)
		total += shares
		orders = append(orders, types.UserOrder{
			TokenID:   cy.soldToken,
			Price:     price,
			Size:      shares,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			TickSize:  cy.market.TickSize,
			NegRisk:   cy.market.NegRisk,
		})
	}

	if err := e.ledger.Commit(cy.soldToken, total); err != nil {
		e.logger.Error("ladder inventory commit failed", "cycle", cy.id, "error", err)
		e.retireCycle(cy)
		return
	}

	// Keeps the sweep from retiring the cycle before the placements report.
	cy.entriesInFlight = len(orders)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for i, ord := range orders {
			resp, err := e.venue.PlaceOrder(e.ctx, ord)
			e.enqueue(evLadderPlaced{CycleID: cy.id, Level: i + 1, Order: ord, Resp: resp, Err: err})
		}
	}()
}

// applyLadderPlaced records the accepted order or releases the level's
// reservation on rejection.
func (e *Engine) applyLadderPlaced(ev evLadderPlaced) {
	cy, ok := e.cycles[ev.CycleID]
	if !ok {
		return
	}
	if cy.entriesInFlight > 0 {
		cy.entriesInFlight--
	}
	if ev.Err != nil || ev.Resp == nil || !ev.Resp.Success {
		e.ledger.Uncommit(ev.Order.TokenID, ev.Order.Size)
		e.logger.Warn("ladder level rejected",
			"cycle", cy.id, "level", ev.Level, "price", ev.Order.Price, "error", ev.Err)
		e.maybeRetire(cy)
		return
	}

	ord := &types.LadderOrder{
		ID:         ev.Resp.OrderID,
		CycleID:    cy.id,
		ShockID:    cy.shock.ID,
		TokenID:    ev.Order.TokenID,
		MarketSlug: cy.market.Slug,
		Side:       types.SELL,
		Leg:        types.LegEntry,
		Level:      ev.Level,
		Price:      ev.Order.Price,
		Shares:     ev.Order.Size,
		Status:     types.OrderPending,
		CreatedAt:  time.Now(),
		SplitCost:  ev.Order.Size, // one settlement unit mints one pair
	}
	e.orders[ord.ID] = ord
	e.orderCycle[ord.ID] = cy.id
	e.logger.Info("ladder level resting",
		"cycle", cy.id, "level", ev.Level, "order", ord.ID, "price", ord.Price, "shares", ord.Shares)
}

// applyTrade handles a user-channel fill. The venue re-delivers each trade at
// MATCHED, MINED and CONFIRMED under the same trade ID; the first delivery
// wins. Distinct trades against the same order are partial fills and each
// books its own size, capped at what the order still has outstanding.
func (e *Engine) applyTrade(trade types.WSTradeEvent) {
	orderID := trade.MakerOrder
	ord, ok := e.orders[orderID]
	if !ok {
		return
	}
	switch trade.Status {
	case "MATCHED", "MINED", "CONFIRMED":
	default:
		return
	}
	if e.handledFills[trade.ID] {
		return
	}
	e.handledFills[trade.ID] = true

	outstanding := ord.Shares - ord.FilledShares
	if outstanding <= 1e-9 {
		return
	}
	size := parseFloat(trade.Size, outstanding)
	if size > outstanding {
		size = outstanding
	}
	if size <= 1e-9 {
		return
	}

	price := parseFloat(trade.Price, ord.Price)
	ord.FilledShares += size
	ord.FillPrice = price
	if ord.FilledShares >= ord.Shares-1e-9 {
		ord.Status = types.OrderFilled
		ord.FilledAt = time.Now()
	}

	cy := e.cycles[e.orderCycle[orderID]]
	if cy == nil {
		return
	}

	e.emit("fill", ord.MarketSlug, api.NewFillEvent(ord.ID, string(ord.Leg), price, size, ord.MarketSlug))

	switch ord.Leg {
	case types.LegEntry:
		e.applyEntryFill(cy, ord, price, size)
	case types.LegExit:
		e.applyExitFill(cy, ord, price, size)
	}
	e.maybeRetire(cy)
}

// applyEntryFill opens a FadePosition for the complementary side and blends
// this fill's target into the cycle's cumulative take-profit. A partially
// filled level opens a position for the filled size; the remainder keeps
// resting.
func (e *Engine) applyEntryFill(cy *cycle, ord *types.LadderOrder, fillPrice, shares float64) {
	e.ledger.DebitCommitted(ord.TokenID, shares)

	pos := &types.FadePosition{
		ID:          uuid.NewString(),
		CycleID:     cy.id,
		ShockID:     cy.shock.ID,
		OrderID:     ord.ID,
		MarketSlug:  cy.market.Slug,
		SoldTokenID: ord.TokenID,
		SoldPrice:   fillPrice,
		SoldShares:  shares,
		HeldTokenID: cy.heldToken,
		HeldShares:  shares,
		SplitCost:   shares,
		EntryTime:   time.Now(),
		Status:      types.PositionOpen,
	}

	// Per-fill target on the held side, capped below certainty.
	target := (1 - fillPrice) + float64(cy.cfg.Ladder.FadeTargetCents)/100
	if target > 0.99 {
		target = 0.99
	}
	pos.TakeProfitPrice = target

	if err := e.ledger.EnterPosition(cy.heldToken, shares); err != nil {
		e.logger.Error("position inventory mismatch", "cycle", cy.id, "error", err)
		pos.Unreconciled = true
	}
	e.positions[pos.ID] = pos

	// Size-weighted blend across all filled entry levels.
	tp := cy.tp
	blended := target
	if tp.TotalEntryShares > 0 {
		blended = (tp.TPPrice*tp.TotalEntryShares + target*shares) / (tp.TotalEntryShares + shares)
	}
	tp.TPPrice = blended
	tp.TotalEntryShares += shares

	e.stats.EntryFilled()
	e.logger.Info("entry filled",
		"cycle", cy.id, "order", ord.ID, "price", fillPrice, "shares", shares,
		"tp_price", tp.TPPrice, "tp_shares", tp.TotalEntryShares)
	e.emit("position", cy.market.Slug, api.NewPositionEvent(*pos))
}

// applyExitFill books exit proceeds across the cycle's open positions in
// entry order and retires the TP when all entry shares are out. A partial
// exit fill leaves the order resting and the TP in PARTIAL.
func (e *Engine) applyExitFill(cy *cycle, ord *types.LadderOrder, fillPrice, shares float64) {
	tp := cy.tp
	tp.FilledTPShares += shares
	if cy.exitOrderID == ord.ID && ord.Status.Terminal() {
		cy.exitOrderID = ""
	}

	remaining := shares
	for _, pos := range e.cyclePositions(cy.id) {
		if remaining <= 1e-9 || pos.Status != types.PositionOpen {
			continue
		}
		n := pos.HeldShares
		if n > remaining {
			n = remaining
		}
		remaining -= n
		e.posProceeds[pos.ID] += n * fillPrice
		pos.HeldShares -= n
		e.ledger.ExitPosition(pos.HeldTokenID, n, true)

		if pos.HeldShares <= 1e-9 {
			e.finalizePosition(cy, pos, fillPrice, cy.exitStatus())
		}
	}

	if tp.FilledTPShares >= tp.TotalEntryShares-1e-9 {
		tp.Status = cy.tpTerminalStatus()
	} else {
		tp.Status = types.TPPartial
	}
}

// finalizePosition books PnL and emits the terminal position event.
// exitPrice is the final fill (or mark) price; proceeds accumulated across
// partial exits are already in posProceeds.
func (e *Engine) finalizePosition(cy *cycle, pos *types.FadePosition, exitPrice float64, status types.PositionStatus) {
	pos.Status = status
	pos.ExitPrice = exitPrice
	pos.ExitTime = time.Now()

	proceeds := pos.SoldPrice*pos.SoldShares + e.posProceeds[pos.ID]
	pos.RealizedPnL = proceeds - pos.SplitCost
	delete(e.posProceeds, pos.ID)

	hold := pos.ExitTime.Sub(pos.EntryTime)
	captureCents := (pos.SoldPrice - (1 - exitPrice)) * 100
	if captureCents < 0 {
		captureCents = -captureCents
	}
	e.stats.PositionClosed(pos.RealizedPnL, hold, captureCents)

	e.logger.Info("position closed",
		"cycle", cy.id, "position", pos.ID, "status", status,
		"exit_price", exitPrice, "pnl", pos.RealizedPnL, "hold", hold)
	e.emit("position", pos.MarketSlug, api.NewPositionEvent(*pos))
}

// applyOrderEvent handles order lifecycle frames: cancellations release
// inventory; placements are already tracked from the REST response.
func (e *Engine) applyOrderEvent(evt types.WSOrderEvent) {
	ord, ok := e.orders[evt.ID]
	if !ok || ord.Status.Terminal() {
		return
	}
	if evt.Type != "CANCELLATION" {
		return
	}

	e.markCancelled(ord)
	if cy := e.cycles[e.orderCycle[ord.ID]]; cy != nil {
		e.maybeRetire(cy)
	}
}

// markCancelled moves an order to CANCELLED and releases its reservation.
func (e *Engine) markCancelled(ord *types.LadderOrder) {
	if ord.Status.Terminal() {
		return
	}
	ord.Status = types.OrderCancelled
	switch ord.Leg {
	case types.LegEntry:
		// Only the unfilled remainder is still reserved; fills already moved
		// their share into positions.
		e.ledger.Uncommit(ord.TokenID, ord.Shares-ord.FilledShares)
	case types.LegExit:
		// Exit shares stay inside their positions; nothing to release.
		if cy := e.cycles[ord.CycleID]; cy != nil && cy.exitOrderID == ord.ID {
			cy.exitOrderID = ""
		}
	}
	e.logger.Info("order cancelled", "order", ord.ID, "leg", ord.Leg, "market", ord.MarketSlug)
}

// scheduleCancel sends a cancel request off the dispatcher.
func (e *Engine) scheduleCancel(orderIDs []string) {
	if len(orderIDs) == 0 {
		return
	}
	ids := append([]string(nil), orderIDs...)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		resp, err := e.venue.CancelOrders(e.ctx, ids)
		e.enqueue(evCancelDone{OrderIDs: ids, Resp: resp, Err: err})
	}()
}

// applyCancelDone applies venue-confirmed cancels immediately rather than
// waiting for the user channel to echo them.
func (e *Engine) applyCancelDone(ev evCancelDone) {
	if ev.Err != nil {
		e.logger.Warn("cancel request failed", "orders", ev.OrderIDs, "error", ev.Err)
		return
	}
	if ev.Resp == nil {
		return
	}
	for _, id := range ev.Resp.Canceled {
		if ord, ok := e.orders[id]; ok {
			e.markCancelled(ord)
			if cy := e.cycles[e.orderCycle[id]]; cy != nil {
				e.maybeRetire(cy)
			}
		}
	}
	for id, reason := range ev.Resp.NotCanceled {
		e.logger.Warn("venue refused cancel", "order", id, "reason", reason)
	}
}

// cyclePositions returns the cycle's positions sorted by entry time.
func (e *Engine) cyclePositions(cycleID string) []*types.FadePosition {
	var out []*types.FadePosition
	for _, pos := range e.positions {
		if pos.CycleID == cycleID {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// cycleOrders returns the cycle's orders, entry levels first.
func (e *Engine) cycleOrders(cycleID string) []*types.LadderOrder {
	var out []*types.LadderOrder
	for _, ord := range e.orders {
		if ord.CycleID == cycleID {
			out = append(out, ord)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Leg != out[j].Leg {
			return out[i].Leg == types.LegEntry
		}
		return out[i].Level < out[j].Level
	})
	return out
}

func levelShares(schedule []float64, level int) float64 {
	if len(schedule) == 0 {
		return 0
	}
	if level >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[level]
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
