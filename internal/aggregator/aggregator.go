// Package aggregator buckets liquidation levels by relative price and
// merges insignificant neighbors into clusters.
//
// Every level lands in an integer bucket keyed by its distance from the
// current price in steps of the configured bucket width. Buckets whose
// raw total clears the dust floor become candidate clusters; adjacent
// candidates that are individually insignificant and nearly touching
// are merged so the map shows one band instead of a picket fence of
// tiny ones. A significant cluster always terminates a merge run.
package aggregator

import (
	"log/slog"
	"math"
	"sort"

	"liqmap/internal/config"
	"liqmap/pkg/types"
)

// Aggregator turns flat liquidation levels into per-asset maps.
type Aggregator struct {
	cfg    config.ClusterConfig
	logger *slog.Logger
}

// NewAggregator creates an aggregator with the given cluster thresholds.
func NewAggregator(cfg config.ClusterConfig, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		logger: logger.With("component", "aggregator"),
	}
}

// BuildMaps groups levels by asset and builds one map per asset that
// has a current price. Assets missing from prices are skipped; their
// levels reappear next cycle once a mid is available.
func (a *Aggregator) BuildMaps(levels []types.LiquidationLevel, prices map[string]float64) map[string]*types.LiquidationMap {
	byCoin := make(map[string][]types.LiquidationLevel)
	for _, lvl := range levels {
		byCoin[lvl.Coin] = append(byCoin[lvl.Coin], lvl)
	}

	maps := make(map[string]*types.LiquidationMap, len(byCoin))
	for coin, coinLevels := range byCoin {
		price, ok := prices[coin]
		if !ok {
			a.logger.Debug("no current price, skipping asset", "coin", coin, "levels", len(coinLevels))
			continue
		}
		maps[coin] = a.BuildMap(coin, price, coinLevels)
	}
	return maps
}

// BuildMap builds one asset's liquidation map. Long clusters are
// ordered by decreasing center (nearest below current price first),
// shorts by increasing. The nearest pointers reference the first
// cluster per side whose total clears the significance threshold.
func (a *Aggregator) BuildMap(coin string, currentPrice float64, levels []types.LiquidationLevel) *types.LiquidationMap {
	m := &types.LiquidationMap{
		Coin:              coin,
		CurrentPrice:      currentPrice,
		LongLiquidations:  []types.LiquidationCluster{},
		ShortLiquidations: []types.LiquidationCluster{},
	}
	if len(levels) == 0 || currentPrice <= 0 {
		return m
	}

	var longs, shorts []types.LiquidationLevel
	for _, lvl := range levels {
		if lvl.Side == types.Short {
			shorts = append(shorts, lvl)
		} else {
			longs = append(longs, lvl)
		}
	}

	longClusters := a.clusterSide(coin, types.Long, currentPrice, longs)
	shortClusters := a.clusterSide(coin, types.Short, currentPrice, shorts)

	// Presentation order: longs nearest-below first, shorts
	// nearest-above first.
	sort.Slice(longClusters, func(i, j int) bool {
		return longClusters[i].PriceCenter > longClusters[j].PriceCenter
	})
	m.LongLiquidations = longClusters
	m.ShortLiquidations = shortClusters

	for _, c := range longClusters {
		m.TotalLongAtRiskUSD += c.TotalSizeUSD
	}
	for _, c := range shortClusters {
		m.TotalShortAtRiskUSD += c.TotalSizeUSD
	}

	m.NearestLongCluster = a.firstSignificant(longClusters)
	m.NearestShortCluster = a.firstSignificant(shortClusters)
	return m
}

// clusterSide buckets one side's levels and merges small neighbors.
// The returned slice is sorted by increasing center.
func (a *Aggregator) clusterSide(coin string, side types.Side, currentPrice float64, levels []types.LiquidationLevel) []types.LiquidationCluster {
	if len(levels) == 0 {
		return []types.LiquidationCluster{}
	}

	buckets := make(map[int][]types.LiquidationLevel)
	for _, lvl := range levels {
		b := a.bucketIndex(lvl.Price, currentPrice)
		buckets[b] = append(buckets[b], lvl)
	}

	clusters := make([]types.LiquidationCluster, 0, len(buckets))
	for b, bucketLevels := range buckets {
		var total, levWeighted float64
		for _, lvl := range bucketLevels {
			total += lvl.SizeUSD
			levWeighted += lvl.Leverage * lvl.SizeUSD
		}
		if total < a.cfg.MinRawBucketUSD {
			continue
		}

		low, high := a.bucketRange(b, currentPrice)
		avgLev := 0.0
		if total > 0 {
			avgLev = levWeighted / total
		}
		clusters = append(clusters, types.LiquidationCluster{
			Coin:          coin,
			Side:          side,
			PriceLow:      low,
			PriceHigh:     high,
			PriceCenter:   (low + high) / 2,
			TotalSizeUSD:  total,
			PositionCount: len(bucketLevels),
			AvgLeverage:   avgLev,
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].PriceCenter < clusters[j].PriceCenter
	})
	return a.mergeAdjacent(clusters)
}

// bucketIndex maps a price to its signed bucket relative to current.
// Negative buckets sit below current price.
func (a *Aggregator) bucketIndex(price, currentPrice float64) int {
	return int(math.Floor((price - currentPrice) / currentPrice * 100 / a.cfg.BucketPercent))
}

// bucketRange is the half-open price interval [low, high) of a bucket.
func (a *Aggregator) bucketRange(b int, currentPrice float64) (low, high float64) {
	low = currentPrice * (1 + float64(b)*a.cfg.BucketPercent/100)
	high = currentPrice * (1 + float64(b+1)*a.cfg.BucketPercent/100)
	return low, high
}

// mergeAdjacent collapses runs of insignificant neighbors. Input and
// output are sorted by increasing center. A cluster at or above the
// significance threshold is never merged, in either role.
func (a *Aggregator) mergeAdjacent(sorted []types.LiquidationCluster) []types.LiquidationCluster {
	if len(sorted) < 2 {
		return sorted
	}

	out := make([]types.LiquidationCluster, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		gapPct := (next.PriceLow - cur.PriceHigh) / cur.PriceCenter * 100
		if gapPct < a.cfg.MergePercent &&
			cur.TotalSizeUSD < a.cfg.MinClusterUSD &&
			next.TotalSizeUSD < a.cfg.MinClusterUSD {
			cur = mergeClusters(cur, next)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// mergeClusters combines two neighbors into one spanning band with a
// re-weighted average leverage.
func mergeClusters(cur, next types.LiquidationCluster) types.LiquidationCluster {
	total := cur.TotalSizeUSD + next.TotalSizeUSD
	avgLev := 0.0
	if total > 0 {
		avgLev = (cur.AvgLeverage*cur.TotalSizeUSD + next.AvgLeverage*next.TotalSizeUSD) / total
	}
	return types.LiquidationCluster{
		Coin:          cur.Coin,
		Side:          cur.Side,
		PriceLow:      cur.PriceLow,
		PriceHigh:     next.PriceHigh,
		PriceCenter:   (cur.PriceLow + next.PriceHigh) / 2,
		TotalSizeUSD:  total,
		PositionCount: cur.PositionCount + next.PositionCount,
		AvgLeverage:   avgLev,
	}
}

// firstSignificant returns a copy of the first cluster meeting the
// significance threshold, or nil.
func (a *Aggregator) firstSignificant(clusters []types.LiquidationCluster) *types.LiquidationCluster {
	for _, c := range clusters {
		if c.TotalSizeUSD >= a.cfg.MinClusterUSD {
			found := c
			return &found
		}
	}
	return nil
}
