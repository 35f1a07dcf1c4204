// Liquidation-map collector for Hyperliquid perpetuals.
//
// Architecture:
//
//	main.go                 — CLI: run / once / maintain / migrate / stats
//	collector/collector.go  — cycle orchestrator: discovery → scan → aggregate → persist
//	wallets/registry.go     — wallet registry fed by the trade tape and live fills
//	scanner/scanner.go      — concurrent clearinghouse scans, bounded by the rate budget
//	aggregator/aggregator.go— price-bucket clustering into per-asset liquidation maps
//	marketdata/fetcher.go   — mark/oracle/funding/OI snapshot with optional book depth
//	history/store.go        — SQLite snapshot archive, compression, tiered retention
//	api/server.go           — status HTTP + websocket stream for the dashboard
//
// What it produces:
//
//	Every cycle the collector scans known wallets for open leveraged
//	positions, computes where they liquidate, clusters those levels
//	into price bands, and publishes the result as a latest-snapshot
//	file plus an append-only historical archive. The nearest large
//	cluster on each side of current price is the headline number.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"liqmap/internal/api"
	"liqmap/internal/collector"
	"liqmap/internal/config"
	"liqmap/internal/history"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "liqmap",
		Short:        "Hyperliquid liquidation-map collector",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config (defaults apply when empty)")

	root.AddCommand(runCmd(), onceCmd(), maintainCmd(), migrateCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads and validates config and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			coll, err := collector.New(*cfg, logger)
			if err != nil {
				return err
			}

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(cfg.API, api.Deps{
					MapPath: coll.MapPath(),
					Market:  coll.MarketData(),
					Store:   coll.Store(),
					Cycles:  coll.Cycles(),
				}, logger)
				go func() {
					if err := server.Start(); err != nil {
						logger.Error("status server failed", "error", err)
					}
				}()
			}

			coll.Start()
			logger.Info("collector running",
				"assets", len(cfg.Assets),
				"interval", cfg.Collector.Interval,
				"api", cfg.API.Enabled,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig.String())

			if server != nil {
				if err := server.Stop(); err != nil {
					logger.Error("stop status server", "error", err)
				}
			}
			coll.Stop()
			return nil
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			coll, err := collector.New(*cfg, logger)
			if err != nil {
				return err
			}
			defer coll.Stop()

			stats, err := coll.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func maintainCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Apply tiered retention to the historical database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			store, err := history.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.Prune(cmd.Context(), time.Now().UTC(), dryRun)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count what would be deleted without deleting")
	return cmd
}

func migrateCmd() *cobra.Command {
	var (
		dryRun    bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Compress legacy plain-JSON snapshot blobs in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			store, err := history.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.CompressLegacy(cmd.Context(), dryRun, batchSize)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be rewritten without writing")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "rows per transaction")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print historical database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			store, err := history.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
