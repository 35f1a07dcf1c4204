// Package marketdata derives per-asset market snapshots from the venue
// context feed and, optionally, order-book liquidity for the largest
// markets.
//
// One fetch turns the metaAndAssetCtxs reply into AssetMarketData for
// every asset whose context decodes cleanly; a malformed context skips
// that asset only. When liquidity is requested, the top assets by open
// interest (in quote terms) each get one l2Book pull, spaced out so a
// batch never bursts the venue.
package marketdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"liqmap/internal/config"
	"liqmap/pkg/types"
)

// liquiditySpacing separates consecutive order-book pulls.
const liquiditySpacing = 100 * time.Millisecond

// VenueSource supplies asset contexts and order books. Satisfied by the
// venue client.
type VenueSource interface {
	MetaAndAssetCtxs(ctx context.Context) (*types.Meta, []json.RawMessage, error)
	L2Book(ctx context.Context, coin string) (*types.L2Book, error)
}

// Fetcher builds market snapshots from venue data.
type Fetcher struct {
	src    VenueSource
	cfg    config.MarketDataConfig
	logger *slog.Logger
}

// NewFetcher creates a market data fetcher.
func NewFetcher(src VenueSource, cfg config.MarketDataConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		src:    src,
		cfg:    cfg,
		logger: logger.With("component", "marketdata"),
	}
}

// FetchAll builds a snapshot for every asset in the universe. A context
// that fails to decode drops that asset and nothing else. With
// includeLiquidity set, the top assets by open interest also carry
// order-book depth.
func (f *Fetcher) FetchAll(ctx context.Context, includeLiquidity bool) (map[string]*types.AssetMarketData, error) {
	now := time.Now().UTC()

	meta, raws, err := f.src.MetaAndAssetCtxs(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*types.AssetMarketData, len(raws))
	for i, raw := range raws {
		if i >= len(meta.Universe) {
			break
		}
		coin := meta.Universe[i].Name

		var actx types.AssetCtx
		if err := json.Unmarshal(raw, &actx); err != nil {
			f.logger.Warn("asset context malformed, skipping", "coin", coin, "error", err)
			continue
		}

		results[coin] = buildAssetData(coin, now, actx)
	}

	if includeLiquidity {
		f.attachLiquidity(ctx, results)
	}
	return results, nil
}

// buildAssetData computes the derived fields for one asset.
func buildAssetData(coin string, now time.Time, actx types.AssetCtx) *types.AssetMarketData {
	mark := float64(actx.MarkPx)
	prevDay := float64(actx.PrevDayPx)

	changePct := 0.0
	if prevDay > 0 {
		changePct = (mark - prevDay) / prevDay * 100
	}

	return &types.AssetMarketData{
		Coin:      coin,
		Timestamp: now,

		MarkPrice:   mark,
		OraclePrice: float64(actx.OraclePx),
		MidPrice:    actx.MidPx.Value,

		OpenInterest:    float64(actx.OpenInterest),
		OpenInterestUSD: float64(actx.OpenInterest) * mark,

		Volume24hUSD:  float64(actx.DayNtlVlm),
		Volume24hBase: float64(actx.DayBaseVlm),

		FundingRate:           float64(actx.Funding),
		FundingRateAnnualized: float64(actx.Funding) * 24 * 365 * 100,
		Premium:               actx.Premium.Value,

		PrevDayPrice:      prevDay,
		PriceChange24hPct: changePct,
	}
}

// attachLiquidity pulls order books for the top assets by quote open
// interest and fills in their liquidity fields. Per-coin failures are
// skipped.
func (f *Fetcher) attachLiquidity(ctx context.Context, results map[string]*types.AssetMarketData) {
	coins := make([]string, 0, len(results))
	for coin := range results {
		coins = append(coins, coin)
	}
	sort.Slice(coins, func(i, j int) bool {
		return results[coins[i]].OpenInterestUSD > results[coins[j]].OpenInterestUSD
	})
	if len(coins) > f.cfg.LiquidityTopN {
		coins = coins[:f.cfg.LiquidityTopN]
	}

	for i, coin := range coins {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(liquiditySpacing):
			}
		}

		liq, err := f.FetchLiquidity(ctx, coin)
		if err != nil {
			f.logger.Warn("liquidity fetch failed", "coin", coin, "error", err)
			continue
		}
		if liq == nil {
			continue // book too thin to measure
		}
		results[coin].Liquidity = liq
	}
}

// FetchLiquidity pulls one order book and computes spread, depth, and
// imbalance. Returns nil with no error when either book side is empty.
func (f *Fetcher) FetchLiquidity(ctx context.Context, coin string) (*types.OrderBookLiquidity, error) {
	book, err := f.src.L2Book(ctx, coin)
	if err != nil {
		return nil, err
	}
	if len(book.Levels) < 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return nil, nil
	}

	bids, asks := book.Levels[0], book.Levels[1]
	bestBid := float64(bids[0].Px)
	bestAsk := float64(asks[0].Px)
	mid := (bestBid + bestAsk) / 2
	if mid <= 0 {
		return nil, nil
	}

	bid05 := depthWithin(bids, mid, 0.5, true)
	ask05 := depthWithin(asks, mid, 0.5, false)
	bid1 := depthWithin(bids, mid, 1.0, true)
	ask1 := depthWithin(asks, mid, 1.0, false)

	return &types.OrderBookLiquidity{
		Coin:      coin,
		Timestamp: time.Now().UTC(),

		BestBid:       bestBid,
		BestAsk:       bestAsk,
		SpreadPercent: (bestAsk - bestBid) / mid * 100,

		BidDepth05Pct: bid05,
		AskDepth05Pct: ask05,
		BidDepth1Pct:  bid1,
		AskDepth1Pct:  ask1,
		BidDepth2Pct:  depthWithin(bids, mid, 2.0, true),
		AskDepth2Pct:  depthWithin(asks, mid, 2.0, false),

		Imbalance05Pct: imbalance(bid05, ask05),
		Imbalance1Pct:  imbalance(bid1, ask1),
	}, nil
}

// depthWithin sums quote-currency size of levels within pct of mid.
// Bid levels count down from mid, ask levels up.
func depthWithin(levels []types.BookLevel, mid, pct float64, bid bool) float64 {
	threshold := mid * (1 + pct/100)
	if bid {
		threshold = mid * (1 - pct/100)
	}

	total := 0.0
	for _, lvl := range levels {
		px := float64(lvl.Px)
		if bid && px >= threshold {
			total += float64(lvl.Sz) * px
		} else if !bid && px <= threshold {
			total += float64(lvl.Sz) * px
		}
	}
	return total
}

// imbalance is (bid − ask)/(bid + ask); positive means more resting
// bids. Zero when both sides are empty.
func imbalance(bidDepth, askDepth float64) float64 {
	if bidDepth+askDepth <= 0 {
		return 0
	}
	return (bidDepth - askDepth) / (bidDepth + askDepth)
}
