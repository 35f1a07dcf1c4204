package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"liqmap/internal/aggregator"
	"liqmap/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubVenue fakes the info endpoint for a full cycle: two wallets on
// the BTC tape, each holding one leveraged long, and a movable mid.
type stubVenue struct {
	mu  sync.Mutex
	mid float64
}

func (v *stubVenue) setMid(p float64) {
	v.mu.Lock()
	v.mid = p
	v.mu.Unlock()
}

func (v *stubVenue) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string `json:"type"`
			User string `json:"user"`
			Coin string `json:"coin"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad info body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		switch req.Type {
		case "recentTrades":
			fmt.Fprintf(w, `[{"coin":%q,"side":"B","px":"60000","sz":"0.5","time":%d,
				"users":["0x1100000000000000000000000000000000000001","0x1100000000000000000000000000000000000002"]}]`,
				req.Coin, time.Now().UnixMilli())

		case "clearinghouseState":
			fmt.Fprint(w, `{"assetPositions":[{"type":"oneWay","position":{
				"coin":"BTC","szi":"1.5","entryPx":"60000",
				"leverage":{"type":"cross","value":10},
				"liquidationPx":"58000","positionValue":"90000",
				"unrealizedPnl":"0","marginUsed":"9000"}}],
				"marginSummary":{"accountValue":"9000","totalNtlPos":"90000","totalRawUsd":"9000","totalMarginUsed":"9000"},
				"withdrawable":"0","time":1}`)

		case "allMids":
			v.mu.Lock()
			mid := v.mid
			v.mu.Unlock()
			fmt.Fprintf(w, `{"BTC":"%v","@107":"12.5"}`, mid)

		default:
			t.Errorf("unexpected info type %q", req.Type)
			http.Error(w, "unknown type", http.StatusBadRequest)
		}
	}
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dir := t.TempDir()
	cfg.Assets = []string{"BTC"}
	cfg.Venue.BaseURL = baseURL
	cfg.Store.DataDir = dir
	cfg.Store.WalletsFile = filepath.Join(dir, "wallets.json")
	cfg.Store.MapFile = filepath.Join(dir, "liquidation_map.json")
	cfg.Store.DBPath = filepath.Join(dir, "historical.db")
	return *cfg
}

func TestRunOnceFullCycle(t *testing.T) {
	t.Parallel()

	venue := &stubVenue{mid: 60_000}
	srv := httptest.NewServer(venue.handler(t))
	defer srv.Close()

	c, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.store.Close()

	stats, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Bootstrap discovered the two tape counterparties, both scanned.
	if stats.WalletsScanned != 2 {
		t.Errorf("WalletsScanned = %d, want 2", stats.WalletsScanned)
	}
	if stats.PositionsFound != 2 || stats.Levels != 2 {
		t.Errorf("positions/levels = %d/%d, want 2/2", stats.PositionsFound, stats.Levels)
	}
	if stats.Assets != 1 || stats.ScanErrors != 0 {
		t.Errorf("assets/errors = %d/%d, want 1/0", stats.Assets, stats.ScanErrors)
	}

	// Latest-snapshot file holds one significant BTC long cluster.
	maps, err := aggregator.ReadLatest(c.MapPath())
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	m, ok := maps["BTC"]
	if !ok {
		t.Fatalf("no BTC map in latest file: %v", maps)
	}
	if m.CurrentPrice != 60_000 {
		t.Errorf("CurrentPrice = %v, want 60000", m.CurrentPrice)
	}
	if len(m.LongLiquidations) != 1 || m.TotalLongAtRiskUSD != 180_000 {
		t.Errorf("long side = %d clusters / %v USD, want 1 / 180000",
			len(m.LongLiquidations), m.TotalLongAtRiskUSD)
	}
	if m.NearestLongCluster == nil {
		t.Error("NearestLongCluster = nil, want the 180k cluster")
	}
	if len(m.ShortLiquidations) != 0 || m.TotalShortAtRiskUSD != 0 {
		t.Errorf("short side = %d clusters / %v USD, want empty",
			len(m.ShortLiquidations), m.TotalShortAtRiskUSD)
	}

	// One snapshot row and one price row landed in the store.
	ctx := context.Background()
	snaps, err := c.store.Snapshots(ctx, "BTC", stats.Timestamp.Add(-time.Minute), stats.Timestamp.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshot rows, want 1", len(snaps))
	}
	if snaps[0].TotalLongAtRisk != 180_000 {
		t.Errorf("stored TotalLongAtRisk = %v, want 180000", snaps[0].TotalLongAtRisk)
	}
	prices, err := c.store.PriceHistory(ctx, "BTC", stats.Timestamp.Add(-time.Minute), stats.Timestamp.Add(time.Minute))
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	if len(prices) != 1 || prices[0].Price != 60_000 {
		t.Errorf("price rows = %v, want one at 60000", prices)
	}

	// Wallet registry persisted.
	if _, err := os.Stat(c.cfg.Store.WalletsFile); err != nil {
		t.Errorf("wallet registry not saved: %v", err)
	}
}

func TestCrossingRecordedOnNextCycle(t *testing.T) {
	t.Parallel()

	venue := &stubVenue{mid: 60_000}
	srv := httptest.NewServer(venue.handler(t))
	defer srv.Close()

	c, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.store.Close()

	ctx := context.Background()
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// Price falls through the 58k cluster band before the next cycle.
	venue.setMid(57_000)
	stats, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.EventsRecorded != 1 {
		t.Fatalf("EventsRecorded = %d, want 1", stats.EventsRecorded)
	}

	events, err := c.store.Events(ctx, "BTC", stats.Timestamp.Add(-time.Hour), stats.Timestamp.Add(time.Hour))
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Side != "long" || ev.Price != 57_000 {
		t.Errorf("event = %+v, want long at 57000", ev)
	}
	if ev.ClusterSize != 180_000 {
		t.Errorf("ClusterSize = %v, want 180000", ev.ClusterSize)
	}
	if ev.PriceMovePercent >= 0 {
		t.Errorf("PriceMovePercent = %v, want negative (price fell)", ev.PriceMovePercent)
	}
}

func TestCycleSummaryBroadcast(t *testing.T) {
	t.Parallel()

	venue := &stubVenue{mid: 60_000}
	srv := httptest.NewServer(venue.handler(t))
	defer srv.Close()

	c, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.store.Close()

	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	select {
	case stats := <-c.Cycles():
		if stats.Assets != 1 {
			t.Errorf("broadcast Assets = %d, want 1", stats.Assets)
		}
	default:
		t.Error("no cycle summary on the channel")
	}
}
