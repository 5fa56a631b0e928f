// Package engine is the central orchestrator of the fade bot.
//
// It wires together all subsystems:
//
//  1. The market WS feed updates the local book mirror; top-of-book moves
//     flow into the shock detector.
//  2. Confirmed shocks go to the classifier, which burst-polls the score
//     feeds; single_event verdicts open a fade cycle.
//  3. A cycle mints inventory through the chain client, ladders SELL orders
//     on the spiked token, and tracks the complementary position to its exit.
//  4. The user WS feed delivers authoritative fill events, which arrive up
//     to three times per fill and are deduplicated here.
//
// All trading state — inventory ledger, orders, positions, cycle TPs — is
// owned by a single dispatcher goroutine. Every other component talks to it
// through channels, so the whole state machine is a deterministic sequence
// of event applications. Blocking I/O (venue calls, chain transactions,
// score polls) runs in short-lived goroutines that report back as events.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyfade/internal/api"
	"polyfade/internal/classifier"
	"polyfade/internal/config"
	"polyfade/internal/detector"
	"polyfade/internal/exchange"
	"polyfade/internal/market"
	"polyfade/internal/risk"
	"polyfade/internal/scores"
	"polyfade/internal/store"
	"polyfade/pkg/types"
)

// VenueClient is the slice of the CLOB client the engine uses.
type VenueClient interface {
	PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// ChainClient is the slice of the Safe client the engine uses.
type ChainClient interface {
	Split(ctx context.Context, market types.Market, shares decimal.Decimal) error
	Merge(ctx context.Context, market types.Market, shares decimal.Decimal) error
	USDCBalance(ctx context.Context) (decimal.Decimal, error)
	PositionBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// cycle is the runtime record of one shock → terminal trading episode.
// The Trading config is captured at birth; hot reloads never change the
// rules of a cycle already in flight.
type cycle struct {
	id        string
	shock     types.Shock
	market    types.Market
	soldToken string // spiked token the ladder sells
	heldToken string
	cfg       config.Trading
	tp        *types.CycleTP
	createdAt time.Time

	awaitingSplit   bool
	splitShares     float64
	entriesInFlight int                  // ladder placements spawned but not yet reported
	exitReason      types.PositionStatus // TAKE_PROFIT / EVENT_EXIT / CLOSED once an exit is underway
	exitOrderID     string
	exitPlacedAt    time.Time
	exitInFlight    bool // placement goroutine outstanding
	fakTried        bool
	watcherStop     context.CancelFunc
	retired         bool
}

// Engine owns the trading state machine.
type Engine struct {
	cfg     config.Config
	venue   VenueClient
	chain   ChainClient
	det     *detector.Detector
	cls     *classifier.Classifier
	mirror  *market.Mirror
	cache   *market.Cache
	gate    *risk.Gate
	store   *store.Store
	feeds   *scores.Registry
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed
	logger  *slog.Logger

	// Dispatcher-owned state. Only the run loop touches these.
	trading       config.Trading
	ledger        *Ledger
	orders        map[string]*types.LadderOrder // venue order ID → order (entry and exit legs)
	orderCycle    map[string]string             // order ID → cycle ID
	positions     map[string]*types.FadePosition
	posProceeds   map[string]float64 // position ID → exit proceeds accumulated so far
	cycles        map[string]*cycle
	shockCycles   map[string]string // shock ID → cycle ID (at most one cycle per shock)
	handledFills  map[string]bool   // order IDs whose fill was already applied
	stats         *Stats
	shockRing     []types.Shock // bounded recent history for the dashboard
	lastSnapshot  time.Time
	lastOrderPoll time.Time
	draining      bool

	events          chan event
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the engine's collaborators. Feeds may be nil in tests.
type Deps struct {
	Venue   VenueClient
	Chain   ChainClient
	Mirror  *market.Mirror
	Cache   *market.Cache
	Store   *store.Store
	Feeds   *scores.Registry
	MktFeed *exchange.WSFeed
	UsrFeed *exchange.WSFeed
}

// New creates the engine and its detector/classifier.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	queueSize := cfg.Engine.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	return &Engine{
		cfg:             cfg,
		venue:           deps.Venue,
		chain:           deps.Chain,
		det:             detector.New(cfg.Detector, logger),
		cls:             classifier.New(cfg.Classifier, deps.Feeds, logger),
		mirror:          deps.Mirror,
		cache:           deps.Cache,
		gate:            risk.NewGate(cfg.Engine.MaxCyclesPerMarket, cfg.Engine.MaxGlobalCycles, logger),
		store:           deps.Store,
		feeds:           deps.Feeds,
		mktFeed:         deps.MktFeed,
		usrFeed:         deps.UsrFeed,
		logger:          logger.With("component", "engine"),
		trading:         cfg.TradingView(),
		ledger:          NewLedger(),
		orders:          make(map[string]*types.LadderOrder),
		orderCycle:      make(map[string]string),
		positions:       make(map[string]*types.FadePosition),
		posProceeds:     make(map[string]float64),
		cycles:          make(map[string]*cycle),
		shockCycles:     make(map[string]string),
		handledFills:    make(map[string]bool),
		stats:           NewStats(),
		events:          make(chan event, queueSize),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// TrackMarket registers a market for trading: caches it, mirrors its books,
// and subscribes both WS channels.
func (e *Engine) TrackMarket(m types.Market) {
	e.cache.Put(m)
	for _, tokenID := range m.TokenIDs {
		e.mirror.Track(tokenID)
	}
	if e.mktFeed != nil {
		e.mktFeed.Subscribe(e.ctx, m.TokenIDs[:])
	}
	if e.usrFeed != nil {
		e.usrFeed.Subscribe(e.ctx, []string{m.ConditionID})
	}
	if e.venue != nil {
		// Prime the mirror so the detector does not wait for the first WS
		// snapshot.
		for _, tokenID := range m.TokenIDs {
			if resp, err := e.venue.GetOrderBook(e.ctx, tokenID); err == nil {
				e.mirror.ApplyBookResponse(resp)
			}
		}
	}
	e.logger.Info("market tracked", "slug", m.Slug, "sport", m.Sport, "neg_risk", m.NegRisk)
}

// Start reconciles persisted state and launches the feed goroutines and the
// dispatcher.
func (e *Engine) Start() error {
	if err := e.reconcile(); err != nil {
		return err
	}

	if e.mktFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.routeMarketEvents()
		}()
	}

	if e.usrFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed error", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	return nil
}

// Stop shuts down gracefully: stop admitting, cancel resting orders, persist
// a final snapshot, tear down streams. Open positions stay in place;
// settlement reconciles them on the next start.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	// Stop admitting new entries and let the dispatcher drain.
	e.enqueue(evShutdown{})

	// Safety net: cancel every resting order at the venue.
	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := e.venue.CancelAll(cancelCtx); err != nil {
		e.logger.Error("cancel-all on shutdown failed", "error", err)
	}
	cancelCancel()

	// Bounded wait for in-flight chain transactions before tearing down.
	time.Sleep(200 * time.Millisecond)

	e.cancel()
	e.wg.Wait()

	if err := e.saveSnapshot(); err != nil {
		e.logger.Error("final snapshot failed", "error", err)
	}

	if e.mktFeed != nil {
		e.mktFeed.Close()
	}
	if e.usrFeed != nil {
		e.usrFeed.Close()
	}
	if e.store != nil {
		e.store.Close()
	}

	e.logger.Info("shutdown complete")
}

// routeMarketEvents feeds WS market frames into the mirror. The mirror
// publishes top-of-book moves on its Updates channel, which the dispatcher
// consumes.
func (e *Engine) routeMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.mktFeed.BookEvents():
			e.mirror.ApplyBookEvent(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			e.mirror.ApplyPriceChange(evt)
		case evt := <-e.mktFeed.LastTradeEvents():
			e.mirror.ApplyLastTrade(evt)
		case notice := <-e.mktFeed.Reconnects():
			e.logger.Warn("market feed reconnected, detector warm-up reset", "gap", notice.Gap)
			e.det.Reset()
		}
	}
}

// run is the dispatcher loop.
func (e *Engine) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var tradeCh <-chan types.WSTradeEvent
	var orderCh <-chan types.WSOrderEvent
	if e.usrFeed != nil {
		tradeCh = e.usrFeed.TradeEvents()
		orderCh = e.usrFeed.OrderEvents()
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.mirror.Updates():
			e.applyPriceUpdate(upd)
		case shock := <-e.det.Shocks():
			e.applyShock(shock)
		case result := <-e.cls.Results():
			e.applyClassification(result)
		case trade := <-tradeCh:
			e.applyTrade(trade)
		case orderEvt := <-orderCh:
			e.applyOrderEvent(orderEvt)
		case ev := <-e.events:
			e.apply(ev)
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// apply dispatches one internal event.
func (e *Engine) apply(ev event) {
	switch v := ev.(type) {
	case evSplitDone:
		e.applySplitDone(v)
	case evLadderPlaced:
		e.applyLadderPlaced(v)
	case evExitPlaced:
		e.applyExitPlaced(v)
	case evCancelDone:
		e.applyCancelDone(v)
	case evMergeDone:
		e.applyMergeDone(v)
	case evScoreEvents:
		e.applyScoreEvents(v)
	case evOpenOrders:
		e.applyOpenOrders(v)
	case evForceExit:
		e.forceExit(v.CycleID)
	case evForceEntry:
		e.applyClassification(types.Classification{
			Shock: v.Shock,
			Label: types.ClassSingleEvent,
		})
	case evReloadConfig:
		e.applyReload(v.Trading)
	case evClearHalt:
		e.gate.ClearHalt()
	case evStateReq:
		v.Reply <- e.buildState()
	case evShutdown:
		e.draining = true
	}
}

// enqueue posts an internal event without blocking the caller.
func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event queue full, dropping event")
	}
}

// applyShock records the shock and hands it to the classifier.
func (e *Engine) applyShock(shock types.Shock) {
	e.stats.ShockDetected()
	e.pushShock(shock)

	m, ok := e.cache.ByToken(shock.TokenID)
	if !ok {
		return
	}
	e.logger.Info("shock detected",
		"market", m.Slug, "token", shock.TokenID,
		"direction", shock.Direction, "magnitude", shock.Magnitude, "z", shock.ZScore)
	e.emit("shock", m.Slug, api.NewShockEvent(shock))

	e.cls.Classify(e.ctx, shock, m)
}

// applyReload swaps the hot-swappable config. Cycles in flight keep the
// config they were born with.
func (e *Engine) applyReload(t config.Trading) {
	e.trading = t
	e.det.SetConfig(t.Detector)
	e.cls.SetConfig(t.Classifier)
	e.logger.Info("config reloaded",
		"sigma", t.Detector.SigmaThreshold,
		"ladder_levels", t.Ladder.Levels,
		"position_timeout", t.Exit.PositionTimeout)
}

// pushShock appends to the bounded dashboard ring.
func (e *Engine) pushShock(shock types.Shock) {
	const ringSize = 100
	e.shockRing = append(e.shockRing, shock)
	if len(e.shockRing) > ringSize {
		e.shockRing = e.shockRing[len(e.shockRing)-ringSize:]
	}
}

// emit sends a dashboard event (non-blocking, dropped when full).
func (e *Engine) emit(eventType, marketSlug string, data interface{}) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- api.DashboardEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Market:    marketSlug,
		Data:      data,
	}:
	default:
	}
}

// DashboardEvents returns the dashboard event channel (nil when disabled).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// Gate returns the admission gate for dashboard access.
func (e *Engine) Gate() *risk.Gate {
	return e.gate
}

// ForceExit asks the dispatcher to exit a cycle. Dashboard entry point.
func (e *Engine) ForceExit(cycleID string) {
	e.enqueue(evForceExit{CycleID: cycleID})
}

// ForceEntry injects a synthetic shock through the normal admission path.
// Dashboard entry point; the same caps and inventory checks apply.
func (e *Engine) ForceEntry(shock types.Shock) {
	e.enqueue(evForceEntry{Shock: shock})
}

// Reload asks the dispatcher to swap the hot-swappable config.
func (e *Engine) Reload(t config.Trading) {
	e.enqueue(evReloadConfig{Trading: t})
}

// ClearHalt re-enables entries after an operator resolved a chain failure.
func (e *Engine) ClearHalt() {
	e.enqueue(evClearHalt{})
}
