package aggregator

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"liqmap/internal/config"
	"liqmap/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClusterConfig() config.ClusterConfig {
	return config.ClusterConfig{
		BucketPercent:   0.1,
		MinRawBucketUSD: 10_000,
		MinClusterUSD:   100_000,
		MergePercent:    0.5,
	}
}

func newTestAggregator() *Aggregator {
	return NewAggregator(testClusterConfig(), testLogger())
}

func lvl(side types.Side, price, sizeUSD, leverage float64) types.LiquidationLevel {
	return types.LiquidationLevel{Coin: "BTC", Side: side, Price: price, SizeUSD: sizeUSD, Leverage: leverage}
}

func almostEqual(got, want, eps float64) bool {
	return math.Abs(got-want) <= eps
}

func TestBuildMapEmptyInput(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 100, nil)
	if len(m.LongLiquidations) != 0 || len(m.ShortLiquidations) != 0 {
		t.Errorf("expected empty cluster lists, got %d/%d", len(m.LongLiquidations), len(m.ShortLiquidations))
	}
	if m.LongLiquidations == nil || m.ShortLiquidations == nil {
		t.Error("cluster lists must be empty, not nil, so JSON shows arrays")
	}
	if m.TotalLongAtRiskUSD != 0 || m.TotalShortAtRiskUSD != 0 {
		t.Error("expected zero totals")
	}
	if m.NearestLongCluster != nil || m.NearestShortCluster != nil {
		t.Error("expected no nearest clusters")
	}
}

func TestBuildMapNonPositivePrice(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 0, []types.LiquidationLevel{lvl(types.Long, 99, 50_000, 10)})
	if len(m.LongLiquidations) != 0 || m.TotalLongAtRiskUSD != 0 {
		t.Errorf("expected empty map for zero price, got %+v", m)
	}
}

func TestBucketBoundaryLevel(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// 99.9 against current 100 sits exactly on the bucket boundary and
	// must land in bucket -1: [99.9, 100.0), center 99.95.
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{lvl(types.Long, 99.9, 15_000, 10)})
	if len(m.LongLiquidations) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(m.LongLiquidations))
	}

	c := m.LongLiquidations[0]
	if !almostEqual(c.PriceLow, 99.9, 1e-9) || !almostEqual(c.PriceHigh, 100.0, 1e-9) {
		t.Errorf("bucket range = [%v, %v), want [99.9, 100.0)", c.PriceLow, c.PriceHigh)
	}
	if !almostEqual(c.PriceCenter, 99.95, 1e-9) {
		t.Errorf("center = %v, want 99.95", c.PriceCenter)
	}
}

func TestRawDustFloor(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// $5k in a bucket is below the raw floor and never becomes a cluster
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{lvl(types.Long, 99.5, 5_000, 10)})
	if len(m.LongLiquidations) != 0 {
		t.Errorf("expected no clusters below raw floor, got %+v", m.LongLiquidations)
	}
	if m.TotalLongAtRiskUSD != 0 {
		t.Errorf("TotalLongAtRiskUSD = %v, want 0", m.TotalLongAtRiskUSD)
	}
}

func TestMergedPairBecomesNearest(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// Two $60k clusters one empty bucket apart: individually
	// insignificant, merged they clear the threshold.
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.65, 60_000, 10),
		lvl(types.Long, 99.85, 60_000, 20),
	})

	if len(m.LongLiquidations) != 1 {
		t.Fatalf("expected 1 merged cluster, got %d: %+v", len(m.LongLiquidations), m.LongLiquidations)
	}
	c := m.LongLiquidations[0]
	if c.TotalSizeUSD != 120_000 {
		t.Errorf("merged total = %v, want 120000", c.TotalSizeUSD)
	}
	if !almostEqual(c.PriceLow, 99.6, 1e-9) || !almostEqual(c.PriceHigh, 99.9, 1e-9) {
		t.Errorf("merged range = [%v, %v), want [99.6, 99.9)", c.PriceLow, c.PriceHigh)
	}
	if !almostEqual(c.PriceCenter, 99.75, 1e-9) {
		t.Errorf("merged center = %v, want 99.75", c.PriceCenter)
	}
	if c.PositionCount != 2 {
		t.Errorf("merged count = %d, want 2", c.PositionCount)
	}
	// Notional-weighted: equal sizes average the leverages
	if !almostEqual(c.AvgLeverage, 15, 1e-9) {
		t.Errorf("merged avg leverage = %v, want 15", c.AvgLeverage)
	}

	if m.NearestLongCluster == nil {
		t.Fatal("merged $120k cluster should be nearest_long")
	}
	if m.NearestLongCluster.TotalSizeUSD != 120_000 {
		t.Errorf("nearest total = %v, want 120000", m.NearestLongCluster.TotalSizeUSD)
	}
}

func TestMergedPairStaysInsignificant(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.65, 30_000, 10),
		lvl(types.Long, 99.85, 30_000, 10),
	})

	if len(m.LongLiquidations) != 1 {
		t.Fatalf("expected 1 merged cluster, got %d", len(m.LongLiquidations))
	}
	if m.LongLiquidations[0].TotalSizeUSD != 60_000 {
		t.Errorf("merged total = %v, want 60000", m.LongLiquidations[0].TotalSizeUSD)
	}
	if m.NearestLongCluster != nil {
		t.Errorf("a $60k cluster must not be nearest, got %+v", m.NearestLongCluster)
	}
}

func TestMergeBlockedBySignificance(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.65, 500_000, 10),
		lvl(types.Long, 99.85, 50_000, 10),
	})

	if len(m.LongLiquidations) != 2 {
		t.Fatalf("significant cluster must not merge, got %d clusters", len(m.LongLiquidations))
	}
	// Longs are presented nearest-below first (descending center)
	if m.LongLiquidations[0].TotalSizeUSD != 50_000 || m.LongLiquidations[1].TotalSizeUSD != 500_000 {
		t.Errorf("unexpected order/totals: %v then %v",
			m.LongLiquidations[0].TotalSizeUSD, m.LongLiquidations[1].TotalSizeUSD)
	}
	if m.NearestLongCluster == nil || m.NearestLongCluster.TotalSizeUSD != 500_000 {
		t.Errorf("nearest_long = %+v, want the $500k cluster", m.NearestLongCluster)
	}
}

func TestMergeRunTerminatesAtThreshold(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// 30k+30k merge to 60k, absorb the next 60k to reach 120k, and the
	// run stops there: the trailing 80k stays separate.
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.35, 30_000, 10),
		lvl(types.Long, 99.45, 30_000, 10),
		lvl(types.Long, 99.55, 60_000, 10),
		lvl(types.Long, 99.65, 80_000, 10),
	})

	if len(m.LongLiquidations) != 2 {
		t.Fatalf("expected 2 clusters after merge, got %d: %+v", len(m.LongLiquidations), m.LongLiquidations)
	}
	// Descending center: 80k band first, then the merged 120k
	if m.LongLiquidations[0].TotalSizeUSD != 80_000 {
		t.Errorf("first cluster total = %v, want 80000", m.LongLiquidations[0].TotalSizeUSD)
	}
	if m.LongLiquidations[1].TotalSizeUSD != 120_000 {
		t.Errorf("second cluster total = %v, want 120000", m.LongLiquidations[1].TotalSizeUSD)
	}

	// No two adjacent insignificant clusters may remain nearly touching
	cfg := testClusterConfig()
	asc := []types.LiquidationCluster{m.LongLiquidations[1], m.LongLiquidations[0]}
	for i := 0; i+1 < len(asc); i++ {
		cur, next := asc[i], asc[i+1]
		gap := (next.PriceLow - cur.PriceHigh) / cur.PriceCenter * 100
		if gap < cfg.MergePercent && cur.TotalSizeUSD < cfg.MinClusterUSD && next.TotalSizeUSD < cfg.MinClusterUSD {
			t.Errorf("unmerged small pair with gap %.3f%%: %+v / %+v", gap, cur, next)
		}
	}
}

func TestShortSideOrdering(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Short, 110, 120_000, 5),
		lvl(types.Short, 101, 50_000, 10),
		lvl(types.Short, 103, 150_000, 8),
	})

	if len(m.ShortLiquidations) != 3 {
		t.Fatalf("expected 3 short clusters, got %d", len(m.ShortLiquidations))
	}
	centers := []float64{
		m.ShortLiquidations[0].PriceCenter,
		m.ShortLiquidations[1].PriceCenter,
		m.ShortLiquidations[2].PriceCenter,
	}
	if !(centers[0] < centers[1] && centers[1] < centers[2]) {
		t.Errorf("short clusters not ascending: %v", centers)
	}

	if m.NearestShortCluster == nil || m.NearestShortCluster.TotalSizeUSD != 150_000 {
		t.Errorf("nearest_short = %+v, want the $150k cluster at 103", m.NearestShortCluster)
	}
	if m.TotalShortAtRiskUSD != 320_000 {
		t.Errorf("TotalShortAtRiskUSD = %v, want 320000", m.TotalShortAtRiskUSD)
	}
}

func TestNotionalWeightedLeverage(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// Same bucket: 10k at 10x plus 30k at 20x weighs to 17.5x
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.52, 10_000, 10),
		lvl(types.Long, 99.58, 30_000, 20),
	})
	if len(m.LongLiquidations) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(m.LongLiquidations))
	}
	if !almostEqual(m.LongLiquidations[0].AvgLeverage, 17.5, 1e-9) {
		t.Errorf("AvgLeverage = %v, want 17.5", m.LongLiquidations[0].AvgLeverage)
	}
}

func TestLongClusterAboveCurrentRetained(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	// The venue's liquidation price is trusted even when it puts a long
	// above current price; validation flags it, aggregation keeps it.
	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{lvl(types.Long, 100.55, 50_000, 10)})
	if len(m.LongLiquidations) != 1 {
		t.Fatalf("expected the wrong-side cluster retained, got %d", len(m.LongLiquidations))
	}
	if m.LongLiquidations[0].PriceCenter <= 100 {
		t.Errorf("center = %v, expected above current", m.LongLiquidations[0].PriceCenter)
	}
	if m.TotalLongAtRiskUSD != 50_000 {
		t.Errorf("TotalLongAtRiskUSD = %v, want 50000", m.TotalLongAtRiskUSD)
	}
}

func TestTotalsEqualClusterSums(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	m := a.BuildMap("BTC", 100, []types.LiquidationLevel{
		lvl(types.Long, 99.2, 40_000, 10),
		lvl(types.Long, 98.1, 250_000, 15),
		lvl(types.Short, 101.4, 75_000, 12),
		lvl(types.Short, 104.0, 180_000, 6),
	})

	var longSum, shortSum float64
	for _, c := range m.LongLiquidations {
		longSum += c.TotalSizeUSD
	}
	for _, c := range m.ShortLiquidations {
		shortSum += c.TotalSizeUSD
	}
	if m.TotalLongAtRiskUSD != longSum {
		t.Errorf("TotalLongAtRiskUSD = %v, cluster sum = %v", m.TotalLongAtRiskUSD, longSum)
	}
	if m.TotalShortAtRiskUSD != shortSum {
		t.Errorf("TotalShortAtRiskUSD = %v, cluster sum = %v", m.TotalShortAtRiskUSD, shortSum)
	}
}

func TestBuildMapsSkipsAssetsWithoutPrice(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()

	levels := []types.LiquidationLevel{
		{Coin: "BTC", Side: types.Long, Price: 42_000, SizeUSD: 50_000, Leverage: 10},
		{Coin: "ETH", Side: types.Long, Price: 2_400, SizeUSD: 50_000, Leverage: 10},
	}
	maps := a.BuildMaps(levels, map[string]float64{"BTC": 43_250})

	if _, ok := maps["BTC"]; !ok {
		t.Error("expected BTC map")
	}
	if _, ok := maps["ETH"]; ok {
		t.Error("ETH has no price and must be skipped")
	}
}

func TestWriteAndReadLatest(t *testing.T) {
	t.Parallel()
	a := newTestAggregator()
	path := filepath.Join(t.TempDir(), "data", "liquidation_map.json")

	maps := a.BuildMaps([]types.LiquidationLevel{
		{Coin: "BTC", Side: types.Long, Price: 42_000, SizeUSD: 150_000, Leverage: 10},
	}, map[string]float64{"BTC": 43_250})

	if err := WriteLatest(path, maps); err != nil {
		t.Fatalf("WriteLatest: %v", err)
	}

	loaded, err := ReadLatest(path)
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	btc, ok := loaded["BTC"]
	if !ok {
		t.Fatal("BTC missing from reloaded file")
	}
	if btc.CurrentPrice != 43_250 {
		t.Errorf("CurrentPrice = %v, want 43250", btc.CurrentPrice)
	}
	if btc.TotalLongAtRiskUSD != 150_000 {
		t.Errorf("TotalLongAtRiskUSD = %v, want 150000", btc.TotalLongAtRiskUSD)
	}
	if btc.NearestLongCluster == nil {
		t.Error("nearest_long_cluster lost in round trip")
	}
}

func TestReadLatestMissingFile(t *testing.T) {
	t.Parallel()

	maps, err := ReadLatest(filepath.Join(t.TempDir(), "liquidation_map.json"))
	if err != nil {
		t.Fatalf("ReadLatest on missing file: %v", err)
	}
	if len(maps) != 0 {
		t.Errorf("expected empty map, got %d entries", len(maps))
	}
}
