package validate

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"liqmap/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestValidator() *Validator {
	return NewValidator(nil, testLogger())
}

func TestPriceInBounds(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	r := v.Price("BTC", 89_000)
	if !r.Valid() || len(r.Warnings) != 0 {
		t.Errorf("valid BTC price flagged: %+v", r)
	}
}

func TestPriceNonPositive(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	if r := v.Price("BTC", 0); r.Valid() {
		t.Error("zero price must be an error")
	}
	if r := v.Price("ETH", -100); r.Valid() {
		t.Error("negative price must be an error")
	}
}

func TestPriceOutsideBoundsWarns(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	r := v.Price("BTC", 1_000_000)
	if !r.Valid() {
		t.Error("out-of-bounds price is a warning, not an error")
	}
	if len(r.Warnings) == 0 {
		t.Error("expected a warning for BTC at $1M")
	}

	// Unknown assets use the default bounds
	r = v.Price("NEWCOIN", 2_000_000)
	if len(r.Warnings) == 0 {
		t.Error("expected a warning above the default maximum")
	}
	if r := v.Price("NEWCOIN", 0.5); !r.Valid() || len(r.Warnings) != 0 {
		t.Errorf("in-default-bounds price flagged: %+v", r)
	}
}

func TestLevelValid(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	r := v.Level(types.LiquidationLevel{
		Coin: "BTC", Side: types.Long, Price: 85_000, SizeUSD: 100_000, Leverage: 10,
	}, 90_000)
	if !r.Valid() {
		t.Errorf("valid level flagged: %+v", r)
	}
}

func TestLevelErrors(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	tests := []struct {
		name string
		lvl  types.LiquidationLevel
	}{
		{"oversized position", types.LiquidationLevel{Coin: "BTC", Price: 85_000, SizeUSD: 2_000_000_000, Leverage: 10}},
		{"leverage too high", types.LiquidationLevel{Coin: "BTC", Price: 85_000, SizeUSD: 100_000, Leverage: 500}},
		{"leverage below one", types.LiquidationLevel{Coin: "BTC", Price: 85_000, SizeUSD: 100_000, Leverage: 0.5}},
		{"non-positive liq price", types.LiquidationLevel{Coin: "BTC", Price: -1_000, SizeUSD: 100_000, Leverage: 10}},
	}
	for _, tt := range tests {
		if r := v.Level(tt.lvl, 90_000); r.Valid() {
			t.Errorf("%s: expected error, got %+v", tt.name, r)
		}
	}
}

func TestLevelDistanceWarnings(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	// 0.05% away: suspiciously close
	r := v.Level(types.LiquidationLevel{Coin: "BTC", Price: 90_045, SizeUSD: 100_000, Leverage: 10}, 90_000)
	if !r.Valid() || len(r.Warnings) == 0 {
		t.Errorf("close liquidation should warn: %+v", r)
	}

	// 94% away: suspiciously far
	r = v.Level(types.LiquidationLevel{Coin: "BTC", Price: 5_000, SizeUSD: 100_000, Leverage: 10}, 90_000)
	if !r.Valid() || len(r.Warnings) == 0 {
		t.Errorf("far liquidation should warn: %+v", r)
	}
}

func TestClusterSizes(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	if r := v.Cluster(types.LiquidationCluster{Coin: "BTC", PriceCenter: 88_000, TotalSizeUSD: 5_000_000}, 90_000); !r.Valid() {
		t.Errorf("valid cluster flagged: %+v", r)
	}

	r := v.Cluster(types.LiquidationCluster{Coin: "BTC", PriceCenter: 88_000, TotalSizeUSD: 5_000}, 90_000)
	if !r.Valid() || len(r.Warnings) == 0 {
		t.Errorf("tiny cluster should warn but pass: %+v", r)
	}

	if r := v.Cluster(types.LiquidationCluster{Coin: "BTC", PriceCenter: 88_000, TotalSizeUSD: 100_000_000_000}, 90_000); r.Valid() {
		t.Error("a $100B cluster must be an error")
	}
}

func TestClusterDistance(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	// ~89% away warns but passes
	r := v.Cluster(types.LiquidationCluster{Coin: "BTC", PriceCenter: 10_000, TotalSizeUSD: 5_000_000}, 90_000)
	if !r.Valid() {
		t.Errorf("89%% distance should pass with warning: %+v", r)
	}
	if len(r.Warnings) == 0 {
		t.Error("expected a distance warning")
	}

	// >100% away is an error
	if r := v.Cluster(types.LiquidationCluster{Coin: "BTC", PriceCenter: 200_000, TotalSizeUSD: 5_000_000}, 90_000); r.Valid() {
		t.Error("122% distance must be an error")
	}
}

func TestMapWrongSideWarnings(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	m := &types.LiquidationMap{
		Coin:         "BTC",
		CurrentPrice: 90_000,
		LongLiquidations: []types.LiquidationCluster{
			{Coin: "BTC", Side: types.Long, PriceCenter: 95_000, TotalSizeUSD: 5_000_000},
		},
		ShortLiquidations: []types.LiquidationCluster{},
	}
	r := v.Map(m)
	if !r.Valid() {
		t.Errorf("wrong-side cluster is a warning, not an error: %+v", r)
	}
	if len(r.Warnings) == 0 {
		t.Error("expected a wrong-side warning")
	}
}

func TestMapImbalanceWarning(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	m := &types.LiquidationMap{
		Coin:                "BTC",
		CurrentPrice:        90_000,
		LongLiquidations:    []types.LiquidationCluster{},
		ShortLiquidations:   []types.LiquidationCluster{},
		TotalLongAtRiskUSD:  500_000_000,
		TotalShortAtRiskUSD: 1_000_000,
	}
	r := v.Map(m)
	if len(r.Warnings) == 0 {
		t.Error("expected an imbalance warning at 500x")
	}
}

func TestMarketDataChecks(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	good := &types.AssetMarketData{Coin: "BTC", MarkPrice: 89_000, FundingRate: 0.0001, OpenInterestUSD: 1e9, Volume24hUSD: 5e8}
	if r := v.MarketData(good); !r.Valid() || len(r.Warnings) != 0 {
		t.Errorf("valid market data flagged: %+v", r)
	}

	extreme := &types.AssetMarketData{Coin: "BTC", MarkPrice: 89_000, FundingRate: 0.05}
	r := v.MarketData(extreme)
	if !r.Valid() || len(r.Warnings) == 0 {
		t.Errorf("extreme funding should warn but pass: %+v", r)
	}

	if r := v.MarketData(&types.AssetMarketData{Coin: "BTC", MarkPrice: 0}); r.Valid() {
		t.Error("zero mark price must be an error")
	}
	if r := v.MarketData(&types.AssetMarketData{Coin: "BTC", MarkPrice: 89_000, OpenInterestUSD: -5}); r.Valid() {
		t.Error("negative open interest must be an error")
	}
}

func TestFreshnessGrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		age  time.Duration
		want Health
	}{
		{5 * time.Minute, Healthy},
		{10 * time.Minute, Degraded},
		{15 * time.Minute, Degraded},
		{30 * time.Minute, Unhealthy},
		{4 * time.Hour, Unhealthy},
	}
	for _, tt := range tests {
		if got := Freshness(tt.age); got != tt.want {
			t.Errorf("Freshness(%v) = %v, want %v", tt.age, got, tt.want)
		}
	}
}
