// Package collector sequences one data-collection cycle and drives the
// continuous loop.
//
// A cycle: refresh the wallet registry (bootstrapping from recent
// trades when it is thin) → scan positions → pull mid prices → build
// liquidation maps → publish the latest-snapshot file → append
// snapshot and price rows to the historical store → record cluster
// crossings since the previous cycle. Continuous mode repeats on a
// fixed cadence; a failed cycle logs and pauses briefly instead of
// stopping the loop. The live trade feed runs alongside and keeps the
// wallet registry growing between cycles.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"liqmap/internal/aggregator"
	"liqmap/internal/config"
	"liqmap/internal/history"
	"liqmap/internal/marketdata"
	"liqmap/internal/scanner"
	"liqmap/internal/validate"
	"liqmap/internal/venue"
	"liqmap/internal/wallets"
	"liqmap/pkg/types"
)

// CycleStats summarizes one completed collection cycle. Broadcast to
// API stream subscribers and logged.
type CycleStats struct {
	Timestamp      time.Time     `json:"timestamp"`
	WalletsScanned int           `json:"wallets_scanned"`
	PositionsFound int           `json:"positions_found"`
	Levels         int           `json:"levels"`
	Assets         int           `json:"assets"`
	ScanErrors     int           `json:"scan_errors"`
	EventsRecorded int           `json:"events_recorded"`
	Duration       time.Duration `json:"duration_ms"`
}

// cycleMemo remembers what one asset looked like at the end of a cycle,
// for detecting cluster crossings in the next one.
type cycleMemo struct {
	at           time.Time
	lastPrice    float64
	nearestLong  *types.LiquidationCluster
	nearestShort *types.LiquidationCluster
}

// Collector owns the pipeline components and the cycle loop.
type Collector struct {
	cfg    config.Config
	logger *slog.Logger

	client    *venue.Client
	registry  *wallets.Registry
	scanner   *scanner.Scanner
	agg       *aggregator.Aggregator
	validator *validate.Validator
	store     *history.Store
	feed      *venue.TradeFeed
	market    *marketdata.Cache

	// prev holds per-asset state from the previous cycle; only the
	// cycle goroutine touches it.
	prev map[string]cycleMemo

	cycleCh chan CycleStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every pipeline component from the config and loads the
// wallet registry from disk.
func New(cfg config.Config, logger *slog.Logger) (*Collector, error) {
	client := venue.NewClient(cfg.Venue, logger)
	registry := wallets.NewRegistry(cfg.Store.WalletsFile, logger)
	if err := registry.Load(); err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, err
	}

	fetcher := marketdata.NewFetcher(client, cfg.MarketData, logger)
	market := marketdata.NewCache(func(ctx context.Context) (map[string]*types.AssetMarketData, error) {
		return fetcher.FetchAll(ctx, cfg.MarketData.IncludeLiquidity)
	}, cfg.MarketData.CacheTTL, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Collector{
		cfg:       cfg,
		logger:    logger.With("component", "collector"),
		client:    client,
		registry:  registry,
		scanner:   scanner.NewScanner(client, cfg.Scan, cfg.Venue.RequestsPerSecond, logger),
		agg:       aggregator.NewAggregator(cfg.Cluster, logger),
		validator: validate.NewValidator(nil, logger),
		store:     store,
		feed:      venue.NewTradeFeed(cfg.Venue.WSURL, cfg.Assets, logger),
		market:    market,
		prev:      make(map[string]cycleMemo),
		cycleCh:   make(chan CycleStats, 16),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// MarketData exposes the TTL-cached market snapshot for the API server.
func (c *Collector) MarketData() *marketdata.Cache { return c.market }

// Store exposes the historical store for the API server and CLI.
func (c *Collector) Store() *history.Store { return c.store }

// MapPath is where the latest-snapshot file lands.
func (c *Collector) MapPath() string { return c.cfg.Store.MapFile }

// Cycles delivers a summary after every completed cycle. Drop-on-full.
func (c *Collector) Cycles() <-chan CycleStats { return c.cycleCh }

// Start launches continuous collection: the trade feed, the feed
// consumer, and the cycle loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.feed.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("trade feed stopped", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeTrades()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop()
	}()

	c.logger.Info("collector started",
		"assets", len(c.cfg.Assets),
		"interval", c.cfg.Collector.Interval,
	)
}

// Stop cancels the loop, waits for in-flight work, saves the registry,
// and closes resources.
func (c *Collector) Stop() {
	c.logger.Info("shutting down...")
	c.cancel()
	c.feed.Close()
	c.wg.Wait()

	if err := c.registry.Save(); err != nil {
		c.logger.Error("save wallet registry on shutdown", "error", err)
	}
	if err := c.store.Close(); err != nil {
		c.logger.Error("close store", "error", err)
	}
	c.logger.Info("shutdown complete")
}

// consumeTrades feeds live fill counterparties into the registry. The
// registry mutex serializes these writes against the cycle loop.
func (c *Collector) consumeTrades() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case trade := <-c.feed.Trades():
			c.registry.AddFromTrades([]types.Trade{trade})
		}
	}
}

// runLoop runs cycles on the configured cadence. A failed cycle pauses
// for the error interval instead of the full one.
func (c *Collector) runLoop() {
	for cycle := 1; ; cycle++ {
		stats, err := c.RunOnce(c.ctx)

		wait := c.cfg.Collector.Interval
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("cycle failed", "cycle", cycle, "error", err)
			wait = c.cfg.Collector.ErrorPause
		} else {
			c.logger.Info("cycle complete",
				"cycle", cycle,
				"assets", stats.Assets,
				"levels", stats.Levels,
				"next_in", wait,
			)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunOnce executes one collection cycle. The snapshot timestamp is the
// cycle start.
func (c *Collector) RunOnce(ctx context.Context) (*CycleStats, error) {
	start := time.Now().UTC()
	c.logger.Info("starting collection cycle")

	// Bootstrap a thin registry from the recent trade tape.
	if c.registry.Count() < c.cfg.Discovery.BootstrapFloor {
		n := c.cfg.Discovery.BootstrapAssets
		if n > len(c.cfg.Assets) {
			n = len(c.cfg.Assets)
		}
		if _, err := c.registry.Backfill(ctx, c.client, c.cfg.Assets[:n]); err != nil {
			return nil, err
		}
		if err := c.registry.Save(); err != nil {
			c.logger.Warn("save registry after backfill", "error", err)
		}
	}

	addrs := c.registry.Query(c.cfg.Discovery.MinTrades, c.cfg.Discovery.MaxWalletAge)

	result, err := c.scanner.Scan(ctx, addrs)
	if err != nil {
		return nil, err
	}

	mids, err := c.client.AllMids(ctx)
	if err != nil {
		return nil, err
	}

	levels := c.filterLevels(result.Levels, mids)
	maps := c.agg.BuildMaps(levels, mids)
	for _, m := range maps {
		c.validator.Log(c.validator.Map(m))
	}

	if err := aggregator.WriteLatest(c.cfg.Store.MapFile, maps); err != nil {
		return nil, err
	}
	if err := c.store.SaveSnapshots(ctx, start, maps); err != nil {
		return nil, err
	}
	if err := c.store.SavePrices(ctx, start, mids); err != nil {
		return nil, err
	}

	events := c.detectCrossings(ctx, start, maps)

	if err := c.registry.Save(); err != nil {
		c.logger.Warn("save wallet registry", "error", err)
	}

	stats := CycleStats{
		Timestamp:      start,
		WalletsScanned: result.WalletsScanned,
		PositionsFound: result.PositionsFound,
		Levels:         len(levels),
		Assets:         len(maps),
		ScanErrors:     result.Errors,
		EventsRecorded: events,
		Duration:       time.Since(start),
	}
	select {
	case c.cycleCh <- stats:
	default:
	}
	return &stats, nil
}

// filterLevels drops levels that fail hard validation; warnings pass
// through logged.
func (c *Collector) filterLevels(levels []types.LiquidationLevel, mids map[string]float64) []types.LiquidationLevel {
	kept := make([]types.LiquidationLevel, 0, len(levels))
	for _, lvl := range levels {
		if c.validator.Log(c.validator.Level(lvl, mids[lvl.Coin])) {
			kept = append(kept, lvl)
		}
	}
	return kept
}

// detectCrossings compares each asset's new price against the nearest
// clusters remembered from the previous cycle and records an event for
// every cluster band the price reached. Returns the number of events
// written.
func (c *Collector) detectCrossings(ctx context.Context, now time.Time, maps map[string]*types.LiquidationMap) int {
	recorded := 0
	for coin, m := range maps {
		memo, ok := c.prev[coin]
		if ok && memo.lastPrice > 0 {
			movePct := (m.CurrentPrice - memo.lastPrice) / memo.lastPrice * 100
			minutes := now.Sub(memo.at).Minutes()

			// A long cluster is hit when price falls into its band, a
			// short cluster when price rises into it.
			if cl := memo.nearestLong; cl != nil && m.CurrentPrice <= cl.PriceHigh {
				if err := c.store.SaveEvent(ctx, now, history.Event{
					Coin: coin, Price: m.CurrentPrice, Side: string(types.Long),
					ClusterSize: cl.TotalSizeUSD, PriceMovePercent: movePct, TimeToHitMinutes: minutes,
				}); err != nil {
					c.logger.Warn("record liquidation event", "coin", coin, "error", err)
				} else {
					recorded++
					c.logger.Info("price reached long liquidation cluster",
						"coin", coin, "price", m.CurrentPrice, "cluster_size", cl.TotalSizeUSD)
				}
			}
			if cl := memo.nearestShort; cl != nil && m.CurrentPrice >= cl.PriceLow {
				if err := c.store.SaveEvent(ctx, now, history.Event{
					Coin: coin, Price: m.CurrentPrice, Side: string(types.Short),
					ClusterSize: cl.TotalSizeUSD, PriceMovePercent: movePct, TimeToHitMinutes: minutes,
				}); err != nil {
					c.logger.Warn("record liquidation event", "coin", coin, "error", err)
				} else {
					recorded++
					c.logger.Info("price reached short liquidation cluster",
						"coin", coin, "price", m.CurrentPrice, "cluster_size", cl.TotalSizeUSD)
				}
			}
		}

		c.prev[coin] = cycleMemo{
			at:           now,
			lastPrice:    m.CurrentPrice,
			nearestLong:  m.NearestLongCluster,
			nearestShort: m.NearestShortCluster,
		}
	}
	return recorded
}
