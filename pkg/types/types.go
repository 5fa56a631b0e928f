// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market metadata,
// shocks and classifications, ladder orders and fade positions, order book
// payloads, and WebSocket event messages. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests until filled or cancelled
	OrderTypeFAK OrderType = "FAK" // Fill-and-Kill: fills what it can immediately, rest dropped
)

// Leg distinguishes the two order roles inside a trading cycle.
type Leg string

const (
	LegEntry Leg = "ENTRY" // laddered sell on the spiked token
	LegExit  Leg = "EXIT"  // sell on the complementary held token
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Step returns the tick size as a float.
func (t TickSize) Step() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// Sport enumerates the leagues the engine trades.
type Sport string

const (
	SportNBA Sport = "nba"
	SportNFL Sport = "nfl"
	SportMLB Sport = "mlb"
	SportNHL Sport = "nhl"
)

// MarketState tracks a market through its lifecycle.
type MarketState string

const (
	MarketUpcoming MarketState = "upcoming"
	MarketActive   MarketState = "active"
	MarketSettled  MarketState = "settled"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the internal record for a sports moneyline market. Records arrive
// from the discovery service fully populated; the engine caches them by slug
// and token ID and never calls the discovery API itself. A moneyline market
// has exactly two outcome tokens whose prices sum to ~$1.
type Market struct {
	Slug          string      `json:"slug"`
	Sport         Sport       `json:"sport"`
	ConditionID   string      `json:"condition_id"` // 32-byte hex CTF condition ID
	TokenIDs      [2]string   `json:"token_ids"`    // CLOB token IDs, index-aligned with Outcomes
	Outcomes      [2]string   `json:"outcomes"`     // team names
	NegRisk       bool        `json:"neg_risk"`     // split/merge go through the neg-risk adapter
	GameStartTime time.Time   `json:"game_start_time"`
	State         MarketState `json:"state"`
	TickSize      TickSize    `json:"tick_size"`
	MinOrderSize  float64     `json:"min_order_size"`
}

// Complement returns the other token of the pair, or "" if tokenID does not
// belong to this market.
func (m *Market) Complement(tokenID string) string {
	if tokenID == m.TokenIDs[0] {
		return m.TokenIDs[1]
	}
	if tokenID == m.TokenIDs[1] {
		return m.TokenIDs[0]
	}
	return ""
}

// OutcomeFor returns the team name behind a token ID.
func (m *Market) OutcomeFor(tokenID string) string {
	if tokenID == m.TokenIDs[0] {
		return m.Outcomes[0]
	}
	if tokenID == m.TokenIDs[1] {
		return m.Outcomes[1]
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Shocks and classification
// ————————————————————————————————————————————————————————————————————————

// Direction of a detected price move.
type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
)

// Shock is a statistically unusual price move on a single outcome token,
// emitted by the detector and consumed by the classifier and trade engine.
type Shock struct {
	ID         string    `json:"id"`
	TokenID    string    `json:"token_id"`
	MarketSlug string    `json:"market_slug"`
	Direction  Direction `json:"direction"`
	Magnitude  float64   `json:"magnitude"` // absolute price delta vs window mean
	ZScore     float64   `json:"z_score"`
	PrePrice   float64   `json:"pre_price"`  // window mean before the move
	PostPrice  float64   `json:"post_price"` // mid after the move
	Timestamp  time.Time `json:"timestamp"`
}

// ClassLabel is the verdict of the two-phase shock classifier.
type ClassLabel string

const (
	ClassSingleEvent  ClassLabel = "single_event"
	ClassScoringRun   ClassLabel = "scoring_run"
	ClassNoise        ClassLabel = "noise"
	ClassUnclassified ClassLabel = "unclassified"
)

// Classification pairs a shock with its verdict.
type Classification struct {
	Shock     Shock         `json:"shock"`
	Label     ClassLabel    `json:"label"`
	ShockTeam string        `json:"shock_team"` // team whose score caused the shock, "" if unresolved
	Latency   time.Duration `json:"latency"`    // shock emission → verdict
}

// ScoringEvent is one score change reported by a league feed.
type ScoringEvent struct {
	Team        string    `json:"team"`
	Period      int       `json:"period"`
	Clock       string    `json:"clock"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// OrderStatus tracks a ladder order through its lifecycle. Terminal states
// are permanent.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// LadderOrder is one resting SELL limit order belonging to a cycle.
type LadderOrder struct {
	ID           string      `json:"id"` // venue-assigned order ID
	CycleID      string      `json:"cycle_id"`
	ShockID      string      `json:"shock_id"`
	TokenID      string      `json:"token_id"`
	MarketSlug   string      `json:"market_slug"`
	Side         Side        `json:"side"` // always SELL
	Leg          Leg         `json:"leg"`
	Level        int         `json:"level"` // 1..N within the ladder
	Price        float64     `json:"price"`
	Shares       float64     `json:"shares"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	FilledShares float64     `json:"filled_shares,omitempty"` // cumulative across partial fills
	FillPrice    float64     `json:"fill_price,omitempty"`    // last fill price
	FilledAt     time.Time   `json:"filled_at,omitempty"`
	SplitCost    float64     `json:"split_cost"` // USDC consumed minting this order's shares
	Unreconciled bool        `json:"unreconciled,omitempty"`
}

// PositionStatus tracks a fade position through its exit state machine.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionTakeProfit PositionStatus = "TAKE_PROFIT"
	PositionHedged     PositionStatus = "HEDGED"
	PositionEventExit  PositionStatus = "EVENT_EXIT"
	PositionClosed     PositionStatus = "CLOSED"
)

// Terminal reports whether the position admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s != PositionOpen
}

// FadePosition is one entry fill plus the complementary inventory it created.
// Selling the spiked token of a split pair leaves the engine long the other
// side; the position tracks that held side to its exit.
type FadePosition struct {
	ID              string         `json:"id"`
	CycleID         string         `json:"cycle_id"`
	ShockID         string         `json:"shock_id"`
	OrderID         string         `json:"order_id"` // entry order that opened this position
	MarketSlug      string         `json:"market_slug"`
	SoldTokenID     string         `json:"sold_token_id"`
	SoldPrice       float64        `json:"sold_price"`
	SoldShares      float64        `json:"sold_shares"`
	HeldTokenID     string         `json:"held_token_id"`
	HeldShares      float64        `json:"held_shares"`
	SplitCost       float64        `json:"split_cost"` // shares × $1
	EntryTime       time.Time      `json:"entry_time"`
	TakeProfitPrice float64        `json:"take_profit_price"`
	Status          PositionStatus `json:"status"`
	ExitPrice       float64        `json:"exit_price,omitempty"`
	ExitTime        time.Time      `json:"exit_time,omitempty"`
	RealizedPnL     float64        `json:"realized_pnl,omitempty"`
	Unreconciled    bool           `json:"unreconciled,omitempty"`
}

// TPStatus tracks the cycle-wide cumulative take-profit.
type TPStatus string

const (
	TPWatching  TPStatus = "WATCHING"
	TPPartial   TPStatus = "PARTIAL"
	TPHit       TPStatus = "HIT"
	TPEventExit TPStatus = "EVENT_EXIT"
	TPTimeout   TPStatus = "TIMEOUT"
)

// Terminal reports whether the TP row is retired.
func (s TPStatus) Terminal() bool {
	switch s {
	case TPHit, TPEventExit, TPTimeout:
		return true
	}
	return false
}

// CycleTP is the size-weighted exit target across all filled entry levels of
// one cycle. Multiple entry fills at different prices blend into one target
// and one consolidated exit order.
type CycleTP struct {
	CycleID          string   `json:"cycle_id"`
	MarketSlug       string   `json:"market_slug"`
	HeldTokenID      string   `json:"held_token_id"`
	ShockTeam        string   `json:"shock_team"` // team behind the shock, "" if unresolved
	TPPrice          float64  `json:"tp_price"`   // size-weighted average of per-fill targets
	TotalEntryShares float64  `json:"total_entry_shares"`
	FilledTPShares   float64  `json:"filled_tp_shares"`
	Status           TPStatus `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Venue REST payloads
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// UserOrder is the high-level order representation produced by the engine.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade
	Price      float64   // limit price (0.0 to 1.0)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC or FAK
	TickSize   TickSize  // market's price granularity (for amount rounding)
	NegRisk    bool      // market uses the neg-risk exchange
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST API response for POST /order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by DELETE /order(s) endpoints.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
	NegRisk   bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket WebSocket.
// Market channel: "book" (full snapshot), "price_change" (delta),
// "last_trade_price". User channel: "trade" (fill), "order" (lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level (0 = removed)
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSLastTradeEvent reports the most recent trade on a token.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user WS channel. The venue
// re-delivers the same fill at each settlement stage (MATCHED, MINED,
// CONFIRMED) under the same trade ID; consumers must dedup on it. Distinct
// trade IDs against one order are partial fills.
type WSTradeEvent struct {
	EventType  string `json:"event_type"` // always "trade"
	ID         string `json:"id"`         // trade ID
	TakerOrder string `json:"taker_order_id"`
	MakerOrder string `json:"maker_order_id"` // our resting order
	Market     string `json:"market"`         // condition ID
	AssetID    string `json:"asset_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Status     string `json:"status"` // MATCHED, MINED, CONFIRMED, FAILED
	Outcome    string `json:"outcome"`
	Timestamp  string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"` // always "order"
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"` // cumulative filled
	Owner        string `json:"owner"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg subscribes or unsubscribes channels after the initial
// connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// PriceUpdate is the normalized top-of-book change emitted by the local book
// to the shock detector. Published only when best bid or best ask moved.
type PriceUpdate struct {
	TokenID   string
	Bid       float64
	Ask       float64
	Mid       float64
	Timestamp time.Time
}
