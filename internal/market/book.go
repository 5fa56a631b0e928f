// Package market provides the local order book mirror and the market cache.
//
// Mirror keeps a per-token top-of-book view fed from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplyBookEvent (full snapshots), ApplyPriceChange
//     (incremental updates) and ApplyLastTrade
//
// It publishes a types.PriceUpdate on Updates() only when a token's best bid
// or best ask actually moved — depth-only changes stay internal. Frames older
// than the latest applied timestamp for a token are dropped, so out-of-order
// WebSocket delivery cannot roll the book backwards.
package market

import (
	"strconv"
	"sync"
	"time"

	"polyfade/pkg/types"
)

const updateBuffer = 512

// tokenBook is the mirror state for a single outcome token.
type tokenBook struct {
	bids      []types.PriceLevel // best first
	asks      []types.PriceLevel // best first
	bestBid   float64
	bestAsk   float64
	lastTrade float64
	lastTS    int64 // ms timestamp of the newest applied frame
	updated   time.Time
}

// Mirror maintains local books for every subscribed token.
type Mirror struct {
	mu      sync.RWMutex
	books   map[string]*tokenBook
	updates chan types.PriceUpdate
}

// NewMirror creates an empty book mirror.
func NewMirror() *Mirror {
	return &Mirror{
		books:   make(map[string]*tokenBook),
		updates: make(chan types.PriceUpdate, updateBuffer),
	}
}

// Updates returns the stream of top-of-book changes.
func (m *Mirror) Updates() <-chan types.PriceUpdate {
	return m.updates
}

// Track registers a token so staleness checks cover it before the first frame.
func (m *Mirror) Track(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[tokenID]; !ok {
		m.books[tokenID] = &tokenBook{}
	}
}

// Drop removes a token's book, typically when its market settles.
func (m *Mirror) Drop(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, tokenID)
}

// ApplyBookEvent replaces the book for one token with a full snapshot.
func (m *Mirror) ApplyBookEvent(event types.WSBookEvent) {
	m.applySnapshot(event.AssetID, event.Buys, event.Sells, parseTS(event.Timestamp))
}

// ApplyBookResponse applies a REST API book response.
func (m *Mirror) ApplyBookResponse(resp *types.BookResponse) {
	m.applySnapshot(resp.AssetID, resp.Bids, resp.Asks, parseTS(resp.Timestamp))
}

func (m *Mirror) applySnapshot(tokenID string, bids, asks []types.PriceLevel, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book := m.books[tokenID]
	if book == nil {
		book = &tokenBook{}
		m.books[tokenID] = book
	}
	if ts != 0 && ts < book.lastTS {
		return // stale frame
	}

	book.bids = bids
	book.asks = asks
	book.lastTS = ts
	book.updated = time.Now()

	newBid, newAsk := topPrice(bids), topPrice(asks)
	m.publishIfMoved(tokenID, book, newBid, newAsk)
}

// ApplyPriceChange applies an incremental price_change event. The venue
// includes the resulting best bid/ask on every change, so the mirror does
// not need to re-walk depth.
func (m *Mirror) ApplyPriceChange(event types.WSPriceChangeEvent) {
	ts := parseTS(event.Timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pc := range event.PriceChanges {
		book := m.books[pc.AssetID]
		if book == nil {
			continue // token not tracked
		}
		if ts != 0 && ts < book.lastTS {
			continue
		}
		book.lastTS = ts
		book.updated = time.Now()

		newBid, newAsk := book.bestBid, book.bestAsk
		if pc.BestBid != "" {
			newBid = parsePrice(pc.BestBid)
		}
		if pc.BestAsk != "" {
			newAsk = parsePrice(pc.BestAsk)
		}
		m.publishIfMoved(pc.AssetID, book, newBid, newAsk)
	}
}

// ApplyLastTrade records the latest trade print for a token.
func (m *Mirror) ApplyLastTrade(event types.WSLastTradeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book := m.books[event.AssetID]
	if book == nil {
		return
	}
	book.lastTrade = parsePrice(event.Price)
	book.updated = time.Now()
}

// publishIfMoved emits a PriceUpdate when the top of book changed.
// Caller holds m.mu.
func (m *Mirror) publishIfMoved(tokenID string, book *tokenBook, newBid, newAsk float64) {
	if newBid == book.bestBid && newAsk == book.bestAsk {
		return
	}
	book.bestBid = newBid
	book.bestAsk = newAsk

	if newBid == 0 || newAsk == 0 {
		return // one-sided book, no usable mid
	}

	update := types.PriceUpdate{
		TokenID:   tokenID,
		Bid:       newBid,
		Ask:       newAsk,
		Mid:       (newBid + newAsk) / 2,
		Timestamp: time.Now(),
	}
	select {
	case m.updates <- update:
	default:
		// Consumer lagging; the next top-of-book move supersedes this one.
	}
}

// TopOfBook returns the best bid and ask for a token.
func (m *Mirror) TopOfBook(tokenID string) (bid, ask float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book := m.books[tokenID]
	if book == nil || book.bestBid == 0 || book.bestAsk == 0 {
		return 0, 0, false
	}
	return book.bestBid, book.bestAsk, true
}

// MidPrice returns (bestBid + bestAsk) / 2 for a token.
func (m *Mirror) MidPrice(tokenID string) (float64, bool) {
	bid, ask, ok := m.TopOfBook(tokenID)
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// LastTrade returns the latest trade print for a token.
func (m *Mirror) LastTrade(tokenID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book := m.books[tokenID]
	if book == nil || book.lastTrade == 0 {
		return 0, false
	}
	return book.lastTrade, true
}

// Depth returns up to k levels per side for the dashboard.
func (m *Mirror) Depth(tokenID string, k int) (bids, asks []types.PriceLevel) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book := m.books[tokenID]
	if book == nil {
		return nil, nil
	}
	bids = append(bids, book.bids[:min(k, len(book.bids))]...)
	asks = append(asks, book.asks[:min(k, len(book.asks))]...)
	return bids, asks
}

// IsStale reports whether a token's book has not updated within maxAge.
func (m *Mirror) IsStale(tokenID string, maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book := m.books[tokenID]
	if book == nil || book.updated.IsZero() {
		return true
	}
	return time.Since(book.updated) > maxAge
}

func topPrice(levels []types.PriceLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	return parsePrice(levels[0].Price)
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseTS(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
