package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyfade/internal/chain"
	"polyfade/internal/config"
	"polyfade/internal/market"
	"polyfade/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeVenue accepts every order with a sequential ID and confirms every
// cancel, unless scripted otherwise.
type fakeVenue struct {
	mu        sync.Mutex
	placed    []types.UserOrder
	cancelled []string
	open      []types.OpenOrder
	nextID    int
	rejectAll bool
	holdPlace chan struct{} // when set, PlaceOrder blocks until it closes
}

func (f *fakeVenue) PlaceOrder(_ context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	if f.holdPlace != nil {
		<-f.holdPlace
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return &types.OrderResponse{Success: false, ErrorMsg: "rejected"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("order-%d", f.nextID)
	f.placed = append(f.placed, order)
	return &types.OrderResponse{Success: true, OrderID: id, Status: "live"}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	return f.CancelOrders(ctx, []string{orderID})
}

func (f *fakeVenue) CancelOrders(_ context.Context, orderIDs []string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderIDs...)
	return &types.CancelResponse{Canceled: orderIDs}, nil
}

func (f *fakeVenue) CancelAll(context.Context) (*types.CancelResponse, error) {
	return &types.CancelResponse{}, nil
}

func (f *fakeVenue) GetOrder(context.Context, string) (*types.OpenOrder, error) {
	return nil, nil
}

func (f *fakeVenue) GetOpenOrders(context.Context) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OpenOrder(nil), f.open...), nil
}

func (f *fakeVenue) GetOrderBook(context.Context, string) (*types.BookResponse, error) {
	return &types.BookResponse{}, nil
}

func (f *fakeVenue) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeVenue) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// fakeChain records splits and merges. splitErrs are consumed one per call.
type fakeChain struct {
	mu          sync.Mutex
	splits      []float64
	merges      []float64
	splitErrs   []error
	positionBal decimal.Decimal
}

func (f *fakeChain) Split(_ context.Context, _ types.Market, shares decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.splitErrs) > 0 {
		err := f.splitErrs[0]
		f.splitErrs = f.splitErrs[1:]
		if err != nil {
			return err
		}
	}
	v, _ := shares.Float64()
	f.splits = append(f.splits, v)
	return nil
}

func (f *fakeChain) Merge(_ context.Context, _ types.Market, shares decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := shares.Float64()
	f.merges = append(f.merges, v)
	return nil
}

func (f *fakeChain) USDCBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func (f *fakeChain) PositionBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionBal, nil
}

func (f *fakeChain) mergedShares() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.merges...)
}

func testMarket() types.Market {
	return types.Market{
		Slug:        "nba-nyk-bos-2026-01-15",
		Sport:       "nba",
		ConditionID: "0xabcd120000000000000000000000000000000000000000000000000000000000",
		TokenIDs:    [2]string{"tok-knicks", "tok-celtics"},
		Outcomes:    [2]string{"Knicks", "Celtics"},
		State:       types.MarketActive,
		TickSize:    types.Tick001,
	}
}

func testEngineConfig(levels int, shares []float64) config.Config {
	var cfg config.Config
	cfg.Detector = config.DetectorConfig{
		SigmaThreshold:  3,
		MinAbsoluteMove: 0.03,
		RollingWindow:   90 * time.Second,
		Cooldown:        time.Minute,
		PriceBandLow:    0.10,
		PriceBandHigh:   0.90,
		WarmupSamples:   30,
	}
	cfg.Classifier = config.ClassifierConfig{Window: 10 * time.Second, Interval: 500 * time.Millisecond}
	cfg.Ladder = config.LadderConfig{
		Levels:          levels,
		Spacing:         0.02,
		Shares:          shares,
		FadeWindow:      time.Minute,
		FadeTargetCents: 6,
	}
	cfg.Exit = config.ExitConfig{
		PositionTimeout:   5 * time.Minute,
		ExitOrderTimeout:  30 * time.Second,
		NearSettlementBid: 0.97,
	}
	cfg.Engine = config.EngineConfig{MaxCyclesPerMarket: 1, MaxGlobalCycles: 4, QueueSize: 256}
	return cfg
}

// newTestEngine builds an engine without starting the dispatcher; tests
// apply events on the test goroutine and pump the queue explicitly.
func newTestEngine(t *testing.T, cfg config.Config) (*Engine, *fakeVenue, *fakeChain) {
	t.Helper()
	venue := &fakeVenue{}
	ch := &fakeChain{}
	e := New(cfg, Deps{
		Venue:  venue,
		Chain:  ch,
		Mirror: market.NewMirror(),
		Cache:  market.NewCache(),
	}, testLogger())
	e.cache.Put(testMarket())
	t.Cleanup(e.cancel)
	return e, venue, ch
}

// pump applies queued events until the queue has been quiet for a while,
// letting side-effect goroutines report back.
func pump(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
		case <-time.After(150 * time.Millisecond):
			return
		case <-deadline:
			t.Fatal("event queue never went quiet")
		}
	}
}

func singleEvent(shockID string, postPrice float64, shockTeam string) types.Classification {
	return types.Classification{
		Shock: types.Shock{
			ID:         shockID,
			TokenID:    "tok-knicks",
			MarketSlug: testMarket().Slug,
			Direction:  types.DirUp,
			Magnitude:  0.06,
			ZScore:     4.2,
			PrePrice:   postPrice - 0.06,
			PostPrice:  postPrice,
			Timestamp:  time.Now(),
		},
		Label:     types.ClassSingleEvent,
		ShockTeam: shockTeam,
		Latency:   2 * time.Second,
	}
}

func restingEntries(e *Engine) []*types.LadderOrder {
	var out []*types.LadderOrder
	for _, ord := range e.orders {
		if ord.Leg == types.LegEntry && ord.Status == types.OrderPending {
			out = append(out, ord)
		}
	}
	return out
}

func restingExit(e *Engine) *types.LadderOrder {
	for _, ord := range e.orders {
		if ord.Leg == types.LegExit && ord.Status == types.OrderPending {
			return ord
		}
	}
	return nil
}

// fill delivers a full fill for the order's outstanding size. The trade ID is
// stable across stages, matching how the venue re-delivers one trade at
// MATCHED, MINED and CONFIRMED.
func fill(t *testing.T, e *Engine, orderID, price, status string) {
	t.Helper()
	e.applyTrade(types.WSTradeEvent{
		EventType:  "trade",
		ID:         "trade-" + orderID,
		MakerOrder: orderID,
		Price:      price,
		Status:     status,
	})
}

// fillPartial delivers a sized fill under an explicit trade ID.
func fillPartial(t *testing.T, e *Engine, orderID, tradeID, price string, size float64, status string) {
	t.Helper()
	e.applyTrade(types.WSTradeEvent{
		EventType:  "trade",
		ID:         tradeID,
		MakerOrder: orderID,
		Price:      price,
		Size:       strconv.FormatFloat(size, 'f', -1, 64),
		Status:     status,
	})
}

func onlyPosition(t *testing.T, e *Engine) *types.FadePosition {
	t.Helper()
	if len(e.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(e.positions))
	}
	for _, pos := range e.positions {
		return pos
	}
	return nil
}

func onlyCycle(t *testing.T, e *Engine) *cycle {
	t.Helper()
	if len(e.cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(e.cycles))
	}
	for _, cy := range e.cycles {
		return cy
	}
	return nil
}

func TestCleanFadeCycle(t *testing.T) {
	e, venue, ch := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-1", 0.58, "Knicks"))
	pump(t, e)

	if got := ch.splits; len(got) != 1 || math.Abs(got[0]-5) > 1e-9 {
		t.Fatalf("splits = %v, want [5]", got)
	}
	entries := restingEntries(e)
	if len(entries) != 1 {
		t.Fatalf("resting entries = %d, want 1", len(entries))
	}
	if entries[0].Price != 0.58 {
		t.Errorf("ladder price = %v, want 0.58", entries[0].Price)
	}

	// Entry fills at 0.58: target on the held side is (1-0.58)+0.06 = 0.48.
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	pos := onlyPosition(t, e)
	cy := onlyCycle(t, e)
	if math.Abs(cy.tp.TPPrice-0.48) > 1e-9 {
		t.Errorf("tp price = %v, want 0.48", cy.tp.TPPrice)
	}
	if cy.tp.TotalEntryShares != 5 {
		t.Errorf("tp shares = %v, want 5", cy.tp.TotalEntryShares)
	}

	// Held-side bid reaches the target: a GTC exit goes out one tick above.
	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.48, Ask: 0.50, Mid: 0.49, Timestamp: time.Now()})
	pump(t, e)
	exit := restingExit(e)
	if exit == nil {
		t.Fatal("no exit order resting")
	}
	if math.Abs(exit.Price-0.49) > 1e-9 {
		t.Errorf("exit price = %v, want 0.49", exit.Price)
	}

	fill(t, e, exit.ID, "0.48", "CONFIRMED")
	pump(t, e)

	// PnL: 5×0.58 entry + 5×0.48 exit − 5×1.00 split cost = +0.30.
	if math.Abs(pos.RealizedPnL-0.30) > 1e-9 {
		t.Errorf("pnl = %v, want 0.30", pos.RealizedPnL)
	}
	if pos.Status != types.PositionTakeProfit {
		t.Errorf("position status = %v, want TAKE_PROFIT", pos.Status)
	}
	if cy.tp.Status != types.TPHit {
		t.Errorf("tp status = %v, want HIT", cy.tp.Status)
	}
	if !cy.retired {
		t.Error("cycle not retired after full exit")
	}
	if snap := e.gate.GetSnapshot(); snap.ActiveCycles != 0 {
		t.Errorf("active cycles = %d, want 0", snap.ActiveCycles)
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
	// One entry and one exit went to the venue, nothing else.
	if venue.placedCount() != 2 {
		t.Errorf("orders placed = %d, want 2", venue.placedCount())
	}
}

func TestScoringRunSuppressed(t *testing.T) {
	e, venue, ch := newTestEngine(t, testEngineConfig(1, []float64{5}))

	result := singleEvent("shock-run", 0.60, "Knicks")
	result.Label = types.ClassScoringRun
	e.applyClassification(result)
	pump(t, e)

	if len(e.cycles) != 0 {
		t.Fatalf("cycles = %d, want 0", len(e.cycles))
	}
	if venue.placedCount() != 0 {
		t.Errorf("orders placed = %d, want 0", venue.placedCount())
	}
	if len(ch.splits) != 0 {
		t.Errorf("splits = %v, want none", ch.splits)
	}
	if s := e.stats.Summarize(); s.ShocksSuppressed != 1 {
		t.Errorf("suppressed = %d, want 1", s.ShocksSuppressed)
	}
}

func TestStaleClassificationDiscarded(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	result := singleEvent("shock-stale", 0.60, "Knicks")
	result.Latency = 11 * time.Second // window is 10s
	e.applyClassification(result)

	if len(e.cycles) != 0 {
		t.Fatalf("cycles = %d, want 0", len(e.cycles))
	}
}

func TestTripleFillDeliveryDedup(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-dedup", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 1 {
		t.Fatalf("resting entries = %d, want 1", len(entries))
	}

	// The venue reports the same fill at MATCHED, MINED and CONFIRMED.
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	fill(t, e, entries[0].ID, "0.58", "MINED")
	fill(t, e, entries[0].ID, "0.58", "CONFIRMED")

	if len(e.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(e.positions))
	}
	cy := onlyCycle(t, e)
	if cy.tp.TotalEntryShares != 5 {
		t.Errorf("tp shares = %v, want 5 (fill applied once)", cy.tp.TotalEntryShares)
	}
}

func TestPartialEntryAndExitFills(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-pf", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 1 {
		t.Fatalf("resting entries = %d, want 1", len(entries))
	}
	entry := entries[0]

	// Two partial entry fills at different prices; the first is re-delivered
	// at MINED and must book exactly once.
	fillPartial(t, e, entry.ID, "trade-a", "0.58", 2, "MATCHED")
	fillPartial(t, e, entry.ID, "trade-a", "0.58", 2, "MINED")
	fillPartial(t, e, entry.ID, "trade-b", "0.60", 3, "CONFIRMED")

	if entry.Status != types.OrderFilled {
		t.Fatalf("entry status = %v, want FILLED", entry.Status)
	}
	if math.Abs(entry.FilledShares-5) > 1e-9 {
		t.Errorf("entry filled shares = %v, want 5", entry.FilledShares)
	}
	cy := onlyCycle(t, e)
	if cy.tp.TotalEntryShares != 5 {
		t.Errorf("tp shares = %v, want 5", cy.tp.TotalEntryShares)
	}
	// Size-weighted target: (0.48×2 + 0.46×3) / 5.
	if math.Abs(cy.tp.TPPrice-0.468) > 1e-9 {
		t.Errorf("tp price = %v, want 0.468", cy.tp.TPPrice)
	}

	// Held-side bid reaches the blended target.
	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.47, Ask: 0.50, Mid: 0.485, Timestamp: time.Now()})
	pump(t, e)
	exit := restingExit(e)
	if exit == nil {
		t.Fatal("no exit resting")
	}
	if math.Abs(exit.Shares-5) > 1e-9 {
		t.Errorf("exit shares = %v, want 5", exit.Shares)
	}

	// The exit fills in two pieces. After the first the order keeps resting
	// and the TP is PARTIAL; no replacement exit may go out.
	placedBefore := venue.placedCount()
	fillPartial(t, e, exit.ID, "trade-c", "0.47", 2, "MATCHED")
	if cy.tp.Status != types.TPPartial {
		t.Errorf("tp status = %v, want PARTIAL", cy.tp.Status)
	}
	if math.Abs(cy.tp.FilledTPShares-2) > 1e-9 {
		t.Errorf("filled tp shares = %v, want 2", cy.tp.FilledTPShares)
	}
	if cy.exitOrderID != exit.ID {
		t.Errorf("exit order cleared while still resting")
	}
	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.47, Ask: 0.50, Mid: 0.485, Timestamp: time.Now()})
	pump(t, e)
	if venue.placedCount() != placedBefore {
		t.Errorf("replacement exit placed over a partially filled one")
	}

	fillPartial(t, e, exit.ID, "trade-d", "0.47", 3, "CONFIRMED")
	pump(t, e)

	if cy.tp.Status != types.TPHit {
		t.Errorf("tp status = %v, want HIT", cy.tp.Status)
	}
	if !cy.retired {
		t.Error("cycle not retired after exit completed")
	}
	// 2×0.58 + 3×0.60 + 5×0.47 − 5×1.00 = +0.31 across both positions.
	var pnl float64
	for _, pos := range e.positions {
		if pos.Status != types.PositionTakeProfit {
			t.Errorf("position %s status = %v, want TAKE_PROFIT", pos.ID, pos.Status)
		}
		pnl += pos.RealizedPnL
	}
	if math.Abs(pnl-0.31) > 1e-9 {
		t.Errorf("total pnl = %v, want 0.31", pnl)
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestDuplicateShockOpensOneCycle(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	result := singleEvent("shock-same", 0.58, "Knicks")
	e.applyClassification(result)
	pump(t, e)
	e.applyClassification(result)
	pump(t, e)

	if len(e.cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(e.cycles))
	}
}

func TestAdverseScoreEventExit(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-adverse", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")

	cy := onlyCycle(t, e)
	cy.createdAt = time.Now().Add(-time.Minute)

	// The shock team scores again: the move is continuing, bail out.
	e.applyScoreEvents(evScoreEvents{
		MarketSlug: testMarket().Slug,
		Events: []types.ScoringEvent{{
			Team:      "Knicks",
			Period:    3,
			Timestamp: time.Now(),
		}},
	})
	pump(t, e)

	exit := restingExit(e)
	if exit == nil {
		t.Fatal("no exit order after adverse score")
	}
	fill(t, e, exit.ID, "0.35", "CONFIRMED")
	pump(t, e)

	pos := onlyPosition(t, e)
	if pos.Status != types.PositionEventExit {
		t.Errorf("position status = %v, want EVENT_EXIT", pos.Status)
	}
	if cy.tp.Status != types.TPEventExit {
		t.Errorf("tp status = %v, want EVENT_EXIT", cy.tp.Status)
	}
}

func TestFavorableScoreHolds(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-fav", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	placedBefore := venue.placedCount()

	cy := onlyCycle(t, e)
	cy.createdAt = time.Now().Add(-time.Minute)

	// The opponent scoring confirms the fade thesis; no exit.
	e.applyScoreEvents(evScoreEvents{
		MarketSlug: testMarket().Slug,
		Events: []types.ScoringEvent{{
			Team:      "Celtics",
			Timestamp: time.Now(),
		}},
	})
	pump(t, e)

	if venue.placedCount() != placedBefore {
		t.Errorf("orders placed after favorable score: %d, want %d", venue.placedCount(), placedBefore)
	}
	if cy.exitReason != "" {
		t.Errorf("exit reason = %v, want none", cy.exitReason)
	}
}

func TestUnresolvedScorerExitsConservatively(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-unres", 0.58, ""))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")

	cy := onlyCycle(t, e)
	cy.createdAt = time.Now().Add(-time.Minute)

	e.applyScoreEvents(evScoreEvents{
		MarketSlug: testMarket().Slug,
		Events:     []types.ScoringEvent{{Team: "", Timestamp: time.Now()}},
	})
	pump(t, e)

	if cy.exitReason != types.PositionEventExit {
		t.Errorf("exit reason = %v, want EVENT_EXIT", cy.exitReason)
	}
}

func TestNearSettlementClose(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-settle", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	placedBefore := venue.placedCount()

	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.98, Ask: 0.99, Mid: 0.985, Timestamp: time.Now()})
	pump(t, e)

	pos := onlyPosition(t, e)
	if pos.Status != types.PositionClosed {
		t.Fatalf("position status = %v, want CLOSED", pos.Status)
	}
	// Marked at the bid, no order sent: 5×0.58 + 5×0.98 − 5×1.00 = +2.80.
	if math.Abs(pos.RealizedPnL-2.80) > 1e-9 {
		t.Errorf("pnl = %v, want 2.80", pos.RealizedPnL)
	}
	if venue.placedCount() != placedBefore {
		t.Errorf("orders placed during settlement close: %d, want %d", venue.placedCount(), placedBefore)
	}
	if cy := onlyCycle(t, e); !cy.retired {
		t.Error("cycle not retired")
	}
}

func TestSweepWaitsForLadderPlacement(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))
	release := make(chan struct{})
	venue.holdPlace = release

	e.applyClassification(singleEvent("shock-inflight", 0.58, "Knicks"))
	pump(t, e)

	// The split landed but the placement goroutine is parked at the venue:
	// the cycle has no orders yet, only the in-flight marker.
	cy := onlyCycle(t, e)
	if cy.entriesInFlight != 1 {
		t.Fatalf("entries in flight = %d, want 1", cy.entriesInFlight)
	}

	e.sweep(time.Now())
	if cy.retired {
		t.Fatal("sweep retired the cycle while placement was in flight")
	}
	if snap := e.gate.GetSnapshot(); snap.ActiveCycles != 1 {
		t.Fatalf("active cycles = %d, want 1", snap.ActiveCycles)
	}

	close(release)
	pump(t, e)

	if cy.entriesInFlight != 0 {
		t.Errorf("entries in flight = %d, want 0 after placement", cy.entriesInFlight)
	}
	if entries := restingEntries(e); len(entries) != 1 {
		t.Fatalf("resting entries = %d, want 1", len(entries))
	}
	if cy.retired {
		t.Error("cycle retired despite a live ladder")
	}
}

func TestNearZeroBidClosesLosingSide(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-zero", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	placedBefore := venue.placedCount()

	// The held side collapses to a cent: the game is decided against the
	// position. Mark out at the bid without sending an order.
	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.01, Ask: 0.03, Mid: 0.02, Timestamp: time.Now()})
	pump(t, e)

	pos := onlyPosition(t, e)
	if pos.Status != types.PositionClosed {
		t.Fatalf("position status = %v, want CLOSED", pos.Status)
	}
	// 5×0.58 + 5×0.01 − 5×1.00 = −2.05.
	if math.Abs(pos.RealizedPnL+2.05) > 1e-9 {
		t.Errorf("pnl = %v, want -2.05", pos.RealizedPnL)
	}
	if venue.placedCount() != placedBefore {
		t.Errorf("orders placed during losing-side close: %d, want %d", venue.placedCount(), placedBefore)
	}
	if cy := onlyCycle(t, e); !cy.retired {
		t.Error("cycle not retired")
	}
}

func TestSplitFatalHaltsEntries(t *testing.T) {
	e, venue, ch := newTestEngine(t, testEngineConfig(1, []float64{5}))
	ch.splitErrs = []error{fmt.Errorf("execTransaction reverted twice: %w", chain.ErrChainFatal)}

	e.applyClassification(singleEvent("shock-fatal", 0.58, "Knicks"))
	pump(t, e)

	if venue.placedCount() != 0 {
		t.Errorf("orders placed after failed split: %d, want 0", venue.placedCount())
	}
	if halted, _ := e.gate.Halted(); !halted {
		t.Error("gate not halted after fatal chain error")
	}
	if cy := onlyCycle(t, e); !cy.retired {
		t.Error("cycle not abandoned after failed split")
	}

	// Further shocks are refused while halted.
	e.applyClassification(singleEvent("shock-after-halt", 0.58, "Knicks"))
	pump(t, e)
	if len(e.cycles) != 1 {
		t.Errorf("cycles = %d, want 1 (entries halted)", len(e.cycles))
	}
}

func TestPositionTimeoutFAKExit(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-timeout", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")

	pos := onlyPosition(t, e)
	pos.EntryTime = time.Now().Add(-6 * time.Minute) // past the 5m timeout

	e.sweep(time.Now())
	pump(t, e)

	exit := restingExit(e)
	if exit == nil {
		t.Fatal("no FAK exit after position timeout")
	}
	cy := onlyCycle(t, e)
	if !cy.fakTried {
		t.Error("timeout exit should mark FAK tried")
	}

	fill(t, e, exit.ID, "0.30", "CONFIRMED")
	pump(t, e)

	if pos.Status != types.PositionTakeProfit {
		t.Errorf("position status = %v, want TAKE_PROFIT", pos.Status)
	}
	if cy.tp.Status != types.TPTimeout {
		t.Errorf("tp status = %v, want TIMEOUT", cy.tp.Status)
	}
	// 5×0.58 + 5×0.30 − 5×1.00 = −0.60.
	if math.Abs(pos.RealizedPnL+0.60) > 1e-9 {
		t.Errorf("pnl = %v, want -0.60", pos.RealizedPnL)
	}
	if s := e.stats.Summarize(); s.Losses != 1 {
		t.Errorf("losses = %d, want 1", s.Losses)
	}
}

func TestExitOrderTimeoutFallsBackToFAK(t *testing.T) {
	e, venue, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-gtc", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")

	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.48, Ask: 0.50, Mid: 0.49, Timestamp: time.Now()})
	pump(t, e)
	gtc := restingExit(e)
	if gtc == nil {
		t.Fatal("no GTC exit resting")
	}

	cy := onlyCycle(t, e)
	cy.exitPlacedAt = time.Now().Add(-time.Minute) // past the 30s exit timeout

	e.sweep(time.Now())
	pump(t, e)

	cancelled := venue.cancelledIDs()
	found := false
	for _, id := range cancelled {
		if id == gtc.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("GTC exit %s not cancelled, cancels: %v", gtc.ID, cancelled)
	}
	if !cy.fakTried {
		t.Error("FAK fallback not attempted")
	}
	fak := restingExit(e)
	if fak == nil {
		t.Fatal("no FAK exit resting after fallback")
	}
	if fak.ID == gtc.ID {
		t.Error("FAK exit reused the GTC order")
	}
}

func TestFadeWindowExpiryCancelsAndMerges(t *testing.T) {
	e, venue, ch := newTestEngine(t, testEngineConfig(3, []float64{5, 5, 5}))

	e.applyClassification(singleEvent("shock-expire", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 3 {
		t.Fatalf("resting entries = %d, want 3", len(entries))
	}

	// Nothing fills inside the fade window.
	for _, ord := range entries {
		ord.CreatedAt = time.Now().Add(-2 * time.Minute)
	}
	e.sweep(time.Now())
	pump(t, e)

	for _, ord := range entries {
		if ord.Status != types.OrderCancelled {
			t.Errorf("order %s status = %v, want CANCELLED", ord.ID, ord.Status)
		}
	}
	cy := onlyCycle(t, e)
	if !cy.retired {
		t.Fatal("cycle not retired after ladder expiry")
	}
	// The full 15-share pair goes back to USDC.
	if merges := ch.mergedShares(); len(merges) != 1 || math.Abs(merges[0]-15) > 1e-9 {
		t.Errorf("merges = %v, want [15]", merges)
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
	for _, slot := range e.ledger.Snapshot() {
		if slot.Held > 1e-9 {
			t.Errorf("token %s still holds %v after merge", slot.TokenID, slot.Held)
		}
	}
	if got := venue.cancelledIDs(); len(got) != 3 {
		t.Errorf("cancelled orders = %v, want all 3 rungs", got)
	}
}

func TestOpenOrderPollSweepsDroppedCancels(t *testing.T) {
	e, _, ch := newTestEngine(t, testEngineConfig(2, []float64{5, 5}))

	e.applyClassification(singleEvent("shock-poll", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 2 {
		t.Fatalf("resting entries = %d, want 2", len(entries))
	}

	// First rung is past the indexing grace; the second was just placed.
	entries[0].CreatedAt = time.Now().Add(-3 * time.Minute)

	// Venue reports neither order: the user channel dropped their terminal
	// events. Only the aged one gets swept; the fresh one keeps its grace.
	e.applyOpenOrders(evOpenOrders{IDs: map[string]bool{}})
	if entries[0].Status != types.OrderCancelled {
		t.Errorf("aged order status = %v, want CANCELLED", entries[0].Status)
	}
	if entries[1].Status != types.OrderPending {
		t.Errorf("fresh order status = %v, want PENDING", entries[1].Status)
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}

	// Once the second rung ages too, the next poll retires the cycle.
	entries[1].CreatedAt = time.Now().Add(-3 * time.Minute)
	e.applyOpenOrders(evOpenOrders{IDs: map[string]bool{}})
	pump(t, e)
	if cy := onlyCycle(t, e); !cy.retired {
		t.Error("cycle not retired after poll swept all rungs")
	}
	if merges := ch.mergedShares(); len(merges) != 1 || math.Abs(merges[0]-10) > 1e-9 {
		t.Errorf("merges = %v, want [10]", merges)
	}
}

func TestOpenOrderPollKeepsVenueListedOrders(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-listed", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 1 {
		t.Fatalf("resting entries = %d, want 1", len(entries))
	}
	ord := entries[0]
	ord.CreatedAt = time.Now().Add(-3 * time.Minute)

	e.applyOpenOrders(evOpenOrders{IDs: map[string]bool{ord.ID: true}})
	if ord.Status != types.OrderPending {
		t.Errorf("listed order status = %v, want PENDING", ord.Status)
	}
}

func TestPartialLadderFillConservation(t *testing.T) {
	e, _, ch := newTestEngine(t, testEngineConfig(3, []float64{5, 5, 5}))

	e.applyClassification(singleEvent("shock-partial", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	if len(entries) != 3 {
		t.Fatalf("resting entries = %d, want 3", len(entries))
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Fatalf("conservation after ladder: %v", err)
	}

	// Level 1 fills; the other two rungs get cancelled by the user channel.
	fill(t, e, entries[0].ID, "0.58", "MATCHED")
	for _, ord := range entries[1:] {
		e.applyOrderEvent(types.WSOrderEvent{EventType: "order", ID: ord.ID, Type: "CANCELLATION"})
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Fatalf("conservation after partial fill: %v", err)
	}

	// Exit the held 5 at target.
	e.applyPriceUpdate(types.PriceUpdate{TokenID: "tok-celtics", Bid: 0.48, Ask: 0.50, Mid: 0.49, Timestamp: time.Now()})
	pump(t, e)
	exit := restingExit(e)
	if exit == nil {
		t.Fatal("no exit resting")
	}
	if math.Abs(exit.Shares-5) > 1e-9 {
		t.Errorf("exit shares = %v, want 5", exit.Shares)
	}
	fill(t, e, exit.ID, "0.48", "CONFIRMED")
	pump(t, e)

	cy := onlyCycle(t, e)
	if !cy.retired {
		t.Fatal("cycle not retired")
	}
	// 10 unfilled pairs merge back.
	if merges := ch.mergedShares(); len(merges) != 1 || math.Abs(merges[0]-10) > 1e-9 {
		t.Errorf("merges = %v, want [10]", merges)
	}
	if err := e.ledger.CheckConservation(); err != nil {
		t.Errorf("conservation after retire: %v", err)
	}
}

func TestDownShockIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	result := singleEvent("shock-down", 0.40, "Knicks")
	result.Shock.Direction = types.DirDown
	e.applyClassification(result)

	if len(e.cycles) != 0 {
		t.Fatalf("cycles = %d, want 0 (down shocks are the complement's up shocks)", len(e.cycles))
	}
}

func TestPerMarketCycleCap(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-a", 0.58, "Knicks"))
	pump(t, e)
	e.applyClassification(singleEvent("shock-b", 0.60, "Knicks"))
	pump(t, e)

	if len(e.cycles) != 1 {
		t.Fatalf("cycles = %d, want 1 (per-market cap)", len(e.cycles))
	}
}

func TestReloadDoesNotTouchLiveCycle(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-reload", 0.58, "Knicks"))
	pump(t, e)
	cy := onlyCycle(t, e)
	oldTimeout := cy.cfg.Exit.PositionTimeout

	next := testEngineConfig(2, []float64{3, 3})
	next.Exit.PositionTimeout = time.Hour
	e.applyReload(next.TradingView())

	if cy.cfg.Exit.PositionTimeout != oldTimeout {
		t.Error("live cycle picked up reloaded config")
	}
	if e.trading.Exit.PositionTimeout != time.Hour {
		t.Error("engine did not adopt reloaded config")
	}
}

func TestStateSnapshotContents(t *testing.T) {
	e, _, _ := newTestEngine(t, testEngineConfig(1, []float64{5}))

	e.applyClassification(singleEvent("shock-state", 0.58, "Knicks"))
	pump(t, e)
	entries := restingEntries(e)
	fill(t, e, entries[0].ID, "0.58", "MATCHED")

	state := e.buildState()
	if len(state.Orders) != 1 {
		t.Errorf("snapshot orders = %d, want 1", len(state.Orders))
	}
	if len(state.Positions) != 1 {
		t.Errorf("snapshot positions = %d, want 1", len(state.Positions))
	}
	if len(state.CycleTPs) != 1 {
		t.Errorf("snapshot TPs = %d, want 1", len(state.CycleTPs))
	}
	if len(state.RecentShocks) != 0 {
		// Shocks injected via classification bypass applyShock; the ring
		// only records detector emissions.
		t.Errorf("snapshot shocks = %d, want 0", len(state.RecentShocks))
	}
	if state.Stats.CyclesStarted != 1 {
		t.Errorf("snapshot cycles started = %d, want 1", state.Stats.CyclesStarted)
	}
	if state.Gate.ActiveCycles != 1 {
		t.Errorf("snapshot active cycles = %d, want 1", state.Gate.ActiveCycles)
	}
}
