// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector — venue wire
// payloads, positions, liquidation levels and clusters, and per-asset
// market data. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position: long or short.
// A long is force-closed when price falls to its liquidation price,
// a short when price rises to it.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ————————————————————————————————————————————————————————————————————————
// Wire numerics
// ————————————————————————————————————————————————————————————————————————
// The venue mixes encodings: most prices and sizes arrive as quoted
// decimal strings ("43250.5"), a few fields as plain JSON numbers.
// Float accepts both so decode failures surface at unmarshal time
// instead of producing silent zeroes deep in the aggregation.

// Float is a float64 that unmarshals from a JSON number or a quoted
// decimal string. Absent fields stay zero; null or garbage is an error.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		return fmt.Errorf("numeric field is %q", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse numeric field %q: %w", s, err)
	}
	*f = Float(v)
	return nil
}

// NullFloat is a float64 that may be absent. The venue encodes "no
// value" three ways — missing key, JSON null, and the literal string
// "null" — and all three leave Valid false.
type NullFloat struct {
	Value float64
	Valid bool
}

func (n *NullFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse nullable field %q: %w", s, err)
	}
	n.Value, n.Valid = v, true
	return nil
}

func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'g', -1, 64)), nil
}

// ————————————————————————————————————————————————————————————————————————
// Venue wire payloads (info endpoint)
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON the venue returns from POST /info.
// Request bodies select the operation via their "type" field.

// AssetInfo is one entry of the tradable universe from the meta call.
type AssetInfo struct {
	Name         string `json:"name"`         // base symbol, e.g. "BTC"
	SzDecimals   int    `json:"szDecimals"`   // size precision
	MaxLeverage  int    `json:"maxLeverage"`  // venue cap for this asset
	OnlyIsolated bool   `json:"onlyIsolated"` // cross margin not allowed
	IsDelisted   bool   `json:"isDelisted"`   // no longer tradable
}

// Meta is the response to {"type": "meta"}.
type Meta struct {
	Universe []AssetInfo `json:"universe"`
}

// AssetCtx carries per-asset market state. The metaAndAssetCtxs call
// returns a two-element array [meta, [ctx...]] where ctx index i
// belongs to universe index i.
type AssetCtx struct {
	Funding      Float     `json:"funding"`      // 1-hour funding rate
	OpenInterest Float     `json:"openInterest"` // in base asset
	PrevDayPx    Float     `json:"prevDayPx"`
	DayNtlVlm    Float     `json:"dayNtlVlm"`  // 24h notional volume, USD
	DayBaseVlm   Float     `json:"dayBaseVlm"` // 24h volume in base asset
	Premium      NullFloat `json:"premium"`    // over oracle; null for some assets
	OraclePx     Float     `json:"oraclePx"`
	MarkPx       Float     `json:"markPx"`
	MidPx        NullFloat `json:"midPx"` // null when the book is empty
}

// Leverage is the nested leverage object inside a wire position.
// Value arrives as a plain JSON number.
type Leverage struct {
	Type  string  `json:"type"` // "cross" or "isolated"
	Value float64 `json:"value"`
}

// WirePosition is one open position inside a clearinghouse state.
// Szi is signed: positive = long, negative = short. LiquidationPx is
// absent for unleveraged or over-margined positions.
type WirePosition struct {
	Coin          string    `json:"coin"`
	Szi           Float     `json:"szi"`
	EntryPx       NullFloat `json:"entryPx"`
	Leverage      Leverage  `json:"leverage"`
	LiquidationPx NullFloat `json:"liquidationPx"`
	PositionValue Float     `json:"positionValue"` // |szi| · mark, USD
	UnrealizedPnl Float     `json:"unrealizedPnl"`
	MarginUsed    Float     `json:"marginUsed"`
	MaxLeverage   int       `json:"maxLeverage"`
}

// AssetPosition wraps a WirePosition with its margining mode.
type AssetPosition struct {
	Position WirePosition `json:"position"`
	Type     string       `json:"type"` // "oneWay"
}

// MarginSummary aggregates a wallet's account-level margin numbers.
type MarginSummary struct {
	AccountValue    Float `json:"accountValue"`
	TotalNtlPos     Float `json:"totalNtlPos"`
	TotalRawUsd     Float `json:"totalRawUsd"`
	TotalMarginUsed Float `json:"totalMarginUsed"`
}

// ClearinghouseState is the response to
// {"type": "clearinghouseState", "user": <address>}.
type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   Float           `json:"withdrawable"`
	Time           int64           `json:"time"` // ms epoch
}

// Trade is one fill from recentTrades or the trades websocket channel.
// Users holds the two counterparty addresses of the fill.
type Trade struct {
	Coin  string   `json:"coin"`
	Side  string   `json:"side"` // "B" = buyer was aggressor, "A" = seller
	Px    Float    `json:"px"`
	Sz    Float    `json:"sz"`
	Time  int64    `json:"time"` // ms epoch
	Hash  string   `json:"hash"`
	Users []string `json:"users"`
}

// BookLevel is one price level of an l2Book side.
type BookLevel struct {
	Px Float `json:"px"`
	Sz Float `json:"sz"` // in base asset
	N  int   `json:"n"`  // resting order count
}

// L2Book is the response to {"type": "l2Book", "coin": <asset>}.
// Levels[0] is bids sorted descending, Levels[1] asks ascending.
type L2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]BookLevel `json:"levels"`
}

// ————————————————————————————————————————————————————————————————————————
// Websocket messages
// ————————————————————————————————————————————————————————————————————————

// WSCommand is a client→server frame: subscribe, unsubscribe, or ping.
type WSCommand struct {
	Method       string          `json:"method"` // "subscribe", "unsubscribe", "ping"
	Subscription *WSSubscription `json:"subscription,omitempty"`
}

// WSSubscription names one channel to (un)subscribe.
type WSSubscription struct {
	Type string `json:"type"` // "trades"
	Coin string `json:"coin"`
}

// WSMessage is the envelope of every server→client frame. Data is
// decoded per channel: "trades" carries []Trade.
type WSMessage struct {
	Channel string          `json:"channel"` // "trades", "subscriptionResponse", "pong"
	Data    json.RawMessage `json:"data"`
}

// ————————————————————————————————————————————————————————————————————————
// Pipeline domain
// ————————————————————————————————————————————————————————————————————————

// Position is the decoded, filtered view of one wallet's position in
// one asset. Size keeps the wire sign (positive = long).
type Position struct {
	Coin          string
	Size          float64
	EntryPrice    float64
	Leverage      float64
	NotionalUSD   float64 // |Size| · mark, quote currency
	UnrealizedPnL float64
	MarginUsed    float64
	LiquidationPx NullFloat
	Wallet        string
}

// Side derives the position direction from the size sign.
func (p Position) Side() Side {
	if p.Size < 0 {
		return Short
	}
	return Long
}

// LiquidationLevel is the flattened projection of a Position that
// carries a liquidation price. Rebuilt every cycle; never persisted
// on its own.
type LiquidationLevel struct {
	Coin     string
	Side     Side
	Price    float64 // projected forced-close price, > 0
	SizeUSD  float64 // notional at risk, > 0
	Leverage float64
	Wallet   string
}

// LiquidationCluster aggregates levels that share a narrow price range.
// AvgLeverage is notional-weighted. JSON tags match the latest-snapshot
// file the dashboard reads.
type LiquidationCluster struct {
	Coin          string  `json:"coin"`
	Side          Side    `json:"side"`
	PriceLow      float64 `json:"price_low"`
	PriceHigh     float64 `json:"price_high"`
	PriceCenter   float64 `json:"price_center"`
	TotalSizeUSD  float64 `json:"total_size_usd"`
	PositionCount int     `json:"position_count"`
	AvgLeverage   float64 `json:"avg_leverage"`
}

// PriceRangePercent is the cluster's width relative to its center.
func (c LiquidationCluster) PriceRangePercent() float64 {
	if c.PriceCenter == 0 {
		return 0
	}
	return (c.PriceHigh - c.PriceLow) / c.PriceCenter * 100
}

// LiquidationMap is one asset's complete cluster picture for one cycle.
// Long clusters are ordered by decreasing price_center (nearest below
// current price first), shorts by increasing (nearest above first).
// The nearest_* fields point at the first cluster in each list whose
// total meets the significance threshold; nil when none does.
type LiquidationMap struct {
	Coin                string               `json:"coin"`
	CurrentPrice        float64              `json:"current_price"`
	LongLiquidations    []LiquidationCluster `json:"long_liquidations"`
	ShortLiquidations   []LiquidationCluster `json:"short_liquidations"`
	TotalLongAtRiskUSD  float64              `json:"total_long_at_risk_usd"`
	TotalShortAtRiskUSD float64              `json:"total_short_at_risk_usd"`
	NearestLongCluster  *LiquidationCluster  `json:"nearest_long_cluster"`
	NearestShortCluster *LiquidationCluster  `json:"nearest_short_cluster"`
}

// ScanResult is the output of one position-scanner pass.
type ScanResult struct {
	Timestamp      time.Time
	WalletsScanned int
	PositionsFound int // positions that passed the notional floor
	TotalLongUSD   float64
	TotalShortUSD  float64
	Levels         []LiquidationLevel
	ByAsset        map[string][]Position
	Errors         int // wallets whose query failed; their positions are simply absent
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// AssetMarketData is the per-asset market snapshot derived from
// metaAndAssetCtxs. JSON tags match the dashboard's market-data feed.
type AssetMarketData struct {
	Coin      string    `json:"coin"`
	Timestamp time.Time `json:"timestamp"`

	MarkPrice   float64 `json:"mark_price"`
	OraclePrice float64 `json:"oracle_price"`
	MidPrice    float64 `json:"mid_price"`

	OpenInterest    float64 `json:"open_interest"`     // base asset
	OpenInterestUSD float64 `json:"open_interest_usd"` // OI · mark

	Volume24hUSD  float64 `json:"volume_24h_usd"`
	Volume24hBase float64 `json:"volume_24h_base"`

	FundingRate           float64 `json:"funding_rate"` // hourly
	FundingRateAnnualized float64 `json:"funding_rate_annualized"`
	Premium               float64 `json:"premium"`

	PrevDayPrice      float64 `json:"prev_day_price"`
	PriceChange24hPct float64 `json:"price_change_24h_pct"`

	Liquidity *OrderBookLiquidity `json:"liquidity,omitempty"`
}

// OrderBookLiquidity summarizes one l2Book pull: spread plus cumulative
// quote-currency depth within 0.5%, 1%, and 2% of mid. Imbalance is
// (bid − ask)/(bid + ask); positive means more resting bids.
type OrderBookLiquidity struct {
	Coin      string    `json:"coin"`
	Timestamp time.Time `json:"timestamp"`

	BestBid       float64 `json:"best_bid"`
	BestAsk       float64 `json:"best_ask"`
	SpreadPercent float64 `json:"spread_percent"`

	BidDepth05Pct float64 `json:"bid_depth_0_5_pct"`
	AskDepth05Pct float64 `json:"ask_depth_0_5_pct"`
	BidDepth1Pct  float64 `json:"bid_depth_1_pct"`
	AskDepth1Pct  float64 `json:"ask_depth_1_pct"`
	BidDepth2Pct  float64 `json:"bid_depth_2_pct"`
	AskDepth2Pct  float64 `json:"ask_depth_2_pct"`

	Imbalance05Pct float64 `json:"imbalance_0_5_pct"`
	Imbalance1Pct  float64 `json:"imbalance_1_pct"`
}
