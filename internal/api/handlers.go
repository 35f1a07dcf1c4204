package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"liqmap/internal/aggregator"
	"liqmap/internal/validate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status surface is read-only and unauthenticated by design.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	deps   Deps
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// healthPayload is the /api/health response.
type healthPayload struct {
	Status        validate.Health `json:"status"`
	Timestamp     string          `json:"timestamp"`
	AssetsTracked int             `json:"assets_tracked"`
	DataFreshness freshness       `json:"data_freshness"`
}

type freshness struct {
	LastUpdate *string `json:"last_update"`
	AgeSeconds *int64  `json:"age_seconds"`
}

// HandleHealth grades the age of the latest-snapshot file: healthy
// under 10 minutes, degraded under 30, unhealthy past that — including
// when the file has never been written.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	payload := healthPayload{
		Status:    validate.Unhealthy,
		Timestamp: now.Format(time.RFC3339),
	}

	if fi, err := os.Stat(h.deps.MapPath); err == nil {
		age := now.Sub(fi.ModTime())
		payload.Status = validate.Freshness(age)
		last := fi.ModTime().UTC().Format(time.RFC3339)
		secs := int64(age.Seconds())
		payload.DataFreshness = freshness{LastUpdate: &last, AgeSeconds: &secs}
	}

	if maps, err := aggregator.ReadLatest(h.deps.MapPath); err == nil {
		payload.AssetsTracked = len(maps)
	}

	h.writeJSON(w, payload)
}

// HandleLiquidations returns the latest liquidation maps for every
// asset. An empty object before the first completed cycle.
func (h *Handlers) HandleLiquidations(w http.ResponseWriter, r *http.Request) {
	maps, err := aggregator.ReadLatest(h.deps.MapPath)
	if err != nil {
		h.logger.Error("read latest snapshot", "error", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, maps)
}

// HandleMarketData returns the cached market snapshot.
func (h *Handlers) HandleMarketData(w http.ResponseWriter, r *http.Request) {
	if h.deps.Market == nil {
		http.Error(w, "market data disabled", http.StatusServiceUnavailable)
		return
	}
	data, fetchedAt, err := h.deps.Market.Get(r.Context())
	if err != nil {
		h.logger.Error("market data fetch", "error", err)
		http.Error(w, "market data unavailable", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, map[string]any{
		"fetched_at": fetchedAt.UTC().Format(time.RFC3339),
		"assets":     data,
	})
}

// HandleAsset combines one asset's liquidation map and market snapshot.
// 404 when the asset appears in neither.
func (h *Handlers) HandleAsset(w http.ResponseWriter, r *http.Request) {
	coin := r.PathValue("coin")

	maps, err := aggregator.ReadLatest(h.deps.MapPath)
	if err != nil {
		h.logger.Error("read latest snapshot", "error", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}

	payload := map[string]any{
		"coin":      coin,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	found := false
	if m, ok := maps[coin]; ok {
		payload["liquidations"] = m
		found = true
	}
	if h.deps.Market != nil {
		if data, _, err := h.deps.Market.Get(r.Context()); err == nil {
			if md, ok := data[coin]; ok {
				payload["market"] = md
				found = true
			}
		}
	}
	if !found {
		http.Error(w, "no data for "+coin, http.StatusNotFound)
		return
	}
	h.writeJSON(w, payload)
}

// HandleWebSocket upgrades the connection and seeds the client with the
// current liquidation maps before cycle events start flowing.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewStreamClient(h.hub, conn)

	maps, err := aggregator.ReadLatest(h.deps.MapPath)
	if err != nil {
		h.logger.Warn("no snapshot for new stream client", "error", err)
		return
	}
	client.Send(StreamEvent{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      maps,
	})
}
