package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"liqmap/internal/aggregator"
	"liqmap/internal/config"
	"liqmap/internal/marketdata"
	"liqmap/internal/validate"
	"liqmap/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleMaps() map[string]*types.LiquidationMap {
	cluster := types.LiquidationCluster{
		Coin: "BTC", Side: types.Long,
		PriceLow: 57_900, PriceHigh: 58_100, PriceCenter: 58_000,
		TotalSizeUSD: 250_000, PositionCount: 3, AvgLeverage: 12,
	}
	return map[string]*types.LiquidationMap{
		"BTC": {
			Coin:               "BTC",
			CurrentPrice:       60_000,
			LongLiquidations:   []types.LiquidationCluster{cluster},
			TotalLongAtRiskUSD: 250_000,
			NearestLongCluster: &cluster,
		},
	}
}

// writeLatest writes a snapshot file into a temp dir and returns its
// path.
func writeLatest(t *testing.T, maps map[string]*types.LiquidationMap) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liquidation_map.json")
	if err := aggregator.WriteLatest(path, maps); err != nil {
		t.Fatalf("WriteLatest: %v", err)
	}
	return path
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 0}
}

func newTestHandlers(deps Deps) *Handlers {
	logger := testLogger()
	return NewHandlers(deps, NewHub(logger), logger)
}

func TestHealthFreshSnapshot(t *testing.T) {
	t.Parallel()

	path := writeLatest(t, sampleMaps())
	h := newTestHandlers(Deps{MapPath: path})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var payload healthPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != validate.Healthy {
		t.Errorf("Status = %q, want healthy", payload.Status)
	}
	if payload.AssetsTracked != 1 {
		t.Errorf("AssetsTracked = %d, want 1", payload.AssetsTracked)
	}
	if payload.DataFreshness.LastUpdate == nil || payload.DataFreshness.AgeSeconds == nil {
		t.Error("freshness fields missing for an existing snapshot")
	}
}

func TestHealthStaleSnapshot(t *testing.T) {
	t.Parallel()

	path := writeLatest(t, sampleMaps())
	old := time.Now().Add(-20 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	h := newTestHandlers(Deps{MapPath: path})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var payload healthPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != validate.Degraded {
		t.Errorf("Status = %q, want degraded at 20 minutes", payload.Status)
	}
	if got := *payload.DataFreshness.AgeSeconds; got < 19*60 {
		t.Errorf("AgeSeconds = %d, want ~20 minutes", got)
	}
}

func TestHealthMissingSnapshot(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(Deps{MapPath: filepath.Join(t.TempDir(), "never_written.json")})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var payload healthPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != validate.Unhealthy {
		t.Errorf("Status = %q, want unhealthy before the first cycle", payload.Status)
	}
	if payload.DataFreshness.LastUpdate != nil {
		t.Error("LastUpdate should be null when no snapshot exists")
	}
}

func TestLiquidationsReturnsLatestMaps(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(Deps{MapPath: writeLatest(t, sampleMaps())})

	rec := httptest.NewRecorder()
	h.HandleLiquidations(rec, httptest.NewRequest(http.MethodGet, "/api/liquidations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var maps map[string]*types.LiquidationMap
	if err := json.NewDecoder(rec.Body).Decode(&maps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := maps["BTC"]
	if !ok {
		t.Fatalf("no BTC in response: %v", maps)
	}
	if m.TotalLongAtRiskUSD != 250_000 {
		t.Errorf("TotalLongAtRiskUSD = %v, want 250000", m.TotalLongAtRiskUSD)
	}
}

func TestLiquidationsEmptyBeforeFirstCycle(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(Deps{MapPath: filepath.Join(t.TempDir(), "missing.json")})

	rec := httptest.NewRecorder()
	h.HandleLiquidations(rec, httptest.NewRequest(http.MethodGet, "/api/liquidations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var maps map[string]*types.LiquidationMap
	if err := json.NewDecoder(rec.Body).Decode(&maps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(maps) != 0 {
		t.Errorf("got %d maps before any cycle, want 0", len(maps))
	}
}

func TestMarketDataFromCache(t *testing.T) {
	t.Parallel()

	cache := marketdata.NewCache(func(ctx context.Context) (map[string]*types.AssetMarketData, error) {
		return map[string]*types.AssetMarketData{
			"BTC": {Coin: "BTC", MarkPrice: 60_000, FundingRate: 0.0001},
		}, nil
	}, time.Minute, testLogger())

	h := newTestHandlers(Deps{MapPath: writeLatest(t, sampleMaps()), Market: cache})

	rec := httptest.NewRecorder()
	h.HandleMarketData(rec, httptest.NewRequest(http.MethodGet, "/api/market-data", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		FetchedAt string                            `json:"fetched_at"`
		Assets    map[string]*types.AssetMarketData `json:"assets"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Assets["BTC"] == nil || payload.Assets["BTC"].MarkPrice != 60_000 {
		t.Errorf("assets = %v, want BTC at 60000", payload.Assets)
	}
	if payload.FetchedAt == "" {
		t.Error("fetched_at missing")
	}
}

func TestMarketDataBadGatewayWhenFetchFails(t *testing.T) {
	t.Parallel()

	cache := marketdata.NewCache(func(ctx context.Context) (map[string]*types.AssetMarketData, error) {
		return nil, errors.New("venue down")
	}, time.Minute, testLogger())

	h := newTestHandlers(Deps{MapPath: writeLatest(t, sampleMaps()), Market: cache})

	rec := httptest.NewRecorder()
	h.HandleMarketData(rec, httptest.NewRequest(http.MethodGet, "/api/market-data", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestAssetCombinesSources(t *testing.T) {
	t.Parallel()

	cache := marketdata.NewCache(func(ctx context.Context) (map[string]*types.AssetMarketData, error) {
		return map[string]*types.AssetMarketData{
			"BTC": {Coin: "BTC", MarkPrice: 60_000},
		}, nil
	}, time.Minute, testLogger())

	deps := Deps{MapPath: writeLatest(t, sampleMaps()), Market: cache}
	srv := NewServer(testAPIConfig(), deps, testLogger())
	ts := httptest.NewServer(srv.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/asset/BTC")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := payload["liquidations"]; !ok {
		t.Error("response missing liquidations section")
	}
	if _, ok := payload["market"]; !ok {
		t.Error("response missing market section")
	}
}

func TestAssetUnknownCoin(t *testing.T) {
	t.Parallel()

	deps := Deps{MapPath: writeLatest(t, sampleMaps())}
	srv := NewServer(testAPIConfig(), deps, testLogger())
	ts := httptest.NewServer(srv.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/asset/NOPE")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
