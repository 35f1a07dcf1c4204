// Package api serves the collector's status surface: health with data
// freshness, the latest liquidation maps, cached market data, and a
// websocket stream of cycle summaries.
//
// The server reads the same latest-snapshot file the external
// dashboard consumes, so it never blocks a collection cycle; market
// data goes through the TTL cache. Everything degrades gracefully: a
// missing snapshot file is an unhealthy status, not an error page.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"liqmap/internal/collector"
	"liqmap/internal/config"
	"liqmap/internal/history"
	"liqmap/internal/marketdata"
)

// Deps is what the server needs from the rest of the pipeline.
type Deps struct {
	MapPath string
	Market  *marketdata.Cache
	Store   *history.Store
	Cycles  <-chan collector.CycleStats
}

// Server is the status HTTP/websocket server.
type Server struct {
	cfg      config.APIConfig
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(deps, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/liquidations", handlers.HandleLiquidations)
	mux.HandleFunc("GET /api/market-data", handlers.HandleMarketData)
	mux.HandleFunc("GET /api/asset/{coin}", handlers.HandleAsset)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start serves until Stop. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeCycles()

	s.logger.Info("status server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts down.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeCycles forwards collector cycle summaries to stream
// subscribers.
func (s *Server) consumeCycles() {
	if s.deps.Cycles == nil {
		return
	}
	for stats := range s.deps.Cycles {
		s.hub.Broadcast(StreamEvent{
			Type:      "cycle",
			Timestamp: stats.Timestamp,
			Data:      stats,
		})
	}
}
