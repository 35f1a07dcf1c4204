// Package validate applies sanity checks to prices, liquidation data,
// and market data before anything is persisted or published.
//
// Checks split into two severities. Warnings flag suspicious but
// plausible data (price outside its usual range, a long cluster above
// current price, extreme funding); the record is kept. Errors flag
// impossible data (a $10B cluster, leverage beyond the venue cap, a
// non-positive liquidation price); the record is dropped by the caller.
package validate

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"liqmap/pkg/types"
)

// Bounds is the plausible price range for one asset.
type Bounds struct {
	Min float64
	Max float64
}

// defaultPriceBounds covers the majors; anything unknown falls back to
// DefaultBounds.
var defaultPriceBounds = map[string]Bounds{
	"BTC":  {10_000, 500_000},
	"ETH":  {500, 50_000},
	"SOL":  {5, 1_000},
	"DOGE": {0.01, 5},
	"ARB":  {0.1, 50},
	"OP":   {0.1, 50},
	"AVAX": {5, 500},
	"LINK": {1, 500},
	"SUI":  {0.1, 50},
	"APT":  {1, 100},
	"INJ":  {1, 200},
	"TIA":  {1, 100},
	"SEI":  {0.01, 10},
	"WLD":  {0.1, 50},
}

// DefaultBounds applies to assets without a configured range.
var DefaultBounds = Bounds{0.0001, 1_000_000}

const (
	minClusterSizeUSD  = 10_000
	maxClusterSizeUSD  = 10_000_000_000
	minPositionSizeUSD = 100
	maxPositionSizeUSD = 1_000_000_000
	minLeverage        = 1
	maxLeverage        = 200

	// hourly funding beyond 1% is extreme on any perp venue
	extremeFundingHourly = 0.01
)

// Result collects the findings of one validation call. Errors mean the
// record must be dropped; warnings are informational.
type Result struct {
	Warnings []string
	Errors   []string
}

// Valid reports whether the record may be kept.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validator carries the per-asset price bounds.
type Validator struct {
	bounds map[string]Bounds
	logger *slog.Logger
}

// NewValidator creates a validator. A nil bounds map uses the built-in
// table.
func NewValidator(bounds map[string]Bounds, logger *slog.Logger) *Validator {
	if bounds == nil {
		bounds = defaultPriceBounds
	}
	return &Validator{
		bounds: bounds,
		logger: logger.With("component", "validate"),
	}
}

// priceBounds resolves the range for one asset.
func (v *Validator) priceBounds(coin string) Bounds {
	if b, ok := v.bounds[coin]; ok {
		return b
	}
	return DefaultBounds
}

// Price checks one price value. Non-positive is an error; outside the
// asset's plausible range is a warning.
func (v *Validator) Price(coin string, price float64) Result {
	var r Result
	if price <= 0 {
		r.errorf("%s: invalid price %v (must be positive)", coin, price)
		return r
	}

	b := v.priceBounds(coin)
	if price < b.Min {
		r.warnf("%s: price %.4f below expected minimum %.4f", coin, price, b.Min)
	}
	if price > b.Max {
		r.warnf("%s: price %.4f above expected maximum %.4f", coin, price, b.Max)
	}
	return r
}

// Level checks one liquidation level against position sanity bounds.
func (v *Validator) Level(lvl types.LiquidationLevel, currentPrice float64) Result {
	var r Result

	if lvl.SizeUSD < minPositionSizeUSD {
		r.warnf("%s: position %.0f USD below tracking threshold", lvl.Coin, lvl.SizeUSD)
	}
	if lvl.SizeUSD > maxPositionSizeUSD {
		r.errorf("%s: position %.0f USD exceeds realistic maximum", lvl.Coin, lvl.SizeUSD)
		return r
	}

	if lvl.Leverage < minLeverage || lvl.Leverage > maxLeverage {
		r.errorf("%s: leverage %.1fx outside [%d, %d]", lvl.Coin, lvl.Leverage, minLeverage, maxLeverage)
		return r
	}

	if lvl.Price <= 0 {
		r.errorf("%s: invalid liquidation price %v", lvl.Coin, lvl.Price)
		return r
	}

	if currentPrice > 0 {
		distPct := math.Abs(lvl.Price-currentPrice) / currentPrice * 100
		if distPct < 0.1 {
			r.warnf("%s: liquidation %.2f%% from current price, unusually close", lvl.Coin, distPct)
		}
		if distPct > 90 {
			r.warnf("%s: liquidation %.1f%% from current price, unusually far", lvl.Coin, distPct)
		}
	}
	return r
}

// Cluster checks one cluster's size and distance from current price.
func (v *Validator) Cluster(c types.LiquidationCluster, currentPrice float64) Result {
	var r Result

	if c.TotalSizeUSD < minClusterSizeUSD {
		r.warnf("%s: cluster %.0f USD below minimum %d", c.Coin, c.TotalSizeUSD, minClusterSizeUSD)
	}
	if c.TotalSizeUSD > maxClusterSizeUSD {
		r.errorf("%s: cluster %.0f USD exceeds maximum %d", c.Coin, c.TotalSizeUSD, maxClusterSizeUSD)
		return r
	}

	if currentPrice > 0 {
		distPct := math.Abs(c.PriceCenter-currentPrice) / currentPrice * 100
		if distPct > 100 {
			r.errorf("%s: cluster at %.2f is unrealistically far (%.1f%%) from current", c.Coin, c.PriceCenter, distPct)
			return r
		}
		if distPct > 50 {
			r.warnf("%s: cluster at %.2f is %.1f%% from current price", c.Coin, c.PriceCenter, distPct)
		}
	}
	return r
}

// Map checks a whole liquidation map: clusters on the wrong side of
// current price and extreme long/short imbalance.
func (v *Validator) Map(m *types.LiquidationMap) Result {
	var r Result

	for _, c := range m.LongLiquidations {
		if c.PriceCenter > m.CurrentPrice {
			r.warnf("%s: long liquidation at %.2f is above current %.2f", m.Coin, c.PriceCenter, m.CurrentPrice)
		}
	}
	for _, c := range m.ShortLiquidations {
		if c.PriceCenter < m.CurrentPrice {
			r.warnf("%s: short liquidation at %.2f is below current %.2f", m.Coin, c.PriceCenter, m.CurrentPrice)
		}
	}

	if m.TotalLongAtRiskUSD > 0 && m.TotalShortAtRiskUSD > 0 {
		ratio := math.Max(m.TotalLongAtRiskUSD, m.TotalShortAtRiskUSD) /
			math.Min(m.TotalLongAtRiskUSD, m.TotalShortAtRiskUSD)
		if ratio > 100 {
			r.warnf("%s: extreme long/short imbalance (%.0fx)", m.Coin, ratio)
		}
	}
	return r
}

// MarketData checks one asset's market snapshot.
func (v *Validator) MarketData(d *types.AssetMarketData) Result {
	r := v.Price(d.Coin, d.MarkPrice)
	if !r.Valid() {
		return r
	}

	if math.Abs(d.FundingRate) > extremeFundingHourly {
		r.warnf("%s: extreme funding rate %.4f%%/hr", d.Coin, d.FundingRate*100)
	}
	if d.OpenInterestUSD < 0 {
		r.errorf("%s: invalid open interest %v", d.Coin, d.OpenInterestUSD)
	}
	if d.Volume24hUSD < 0 {
		r.errorf("%s: invalid volume %v", d.Coin, d.Volume24hUSD)
	}
	return r
}

// Log writes a result's findings to the log and reports validity.
func (v *Validator) Log(r Result) bool {
	for _, e := range r.Errors {
		v.logger.Error("validation error", "detail", e)
	}
	for _, w := range r.Warnings {
		v.logger.Warn("validation warning", "detail", w)
	}
	return r.Valid()
}

// Health grades the age of the latest snapshot.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Freshness grades snapshot age: healthy under 10 minutes, degraded
// under 30, unhealthy past that.
func Freshness(age time.Duration) Health {
	switch {
	case age < 10*time.Minute:
		return Healthy
	case age < 30*time.Minute:
		return Degraded
	default:
		return Unhealthy
	}
}
