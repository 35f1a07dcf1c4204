// Package scanner queries wallet clearinghouse states in paced batches
// and distills them into open positions and liquidation levels.
//
// One scan walks the wallet list in fixed-size batches, one concurrent
// venue query per wallet, with a short pause between batches so a large
// registry never bursts past the venue's rate budget. Individual wallet
// failures are counted and skipped; a scan only aborts when its context
// is cancelled.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"liqmap/internal/config"
	"liqmap/pkg/types"
)

// interBatchDelay separates consecutive wallet batches.
const interBatchDelay = 100 * time.Millisecond

// ErrScanActive is returned when Scan is called while a previous scan
// is still running.
var ErrScanActive = errors.New("scan already in progress")

// PositionSource supplies one wallet's open positions. Satisfied by the
// venue client.
type PositionSource interface {
	ClearinghouseState(ctx context.Context, address string) (*types.ClearinghouseState, error)
}

// Scanner turns a wallet list into a ScanResult.
type Scanner struct {
	src       PositionSource
	cfg       config.ScanConfig
	batchSize int // concurrent wallet queries per batch
	logger    *slog.Logger
	active    atomic.Bool
}

// NewScanner creates a scanner. batchSize is the number of wallets
// queried concurrently; it should match the venue concurrency budget.
func NewScanner(src PositionSource, cfg config.ScanConfig, batchSize int, logger *slog.Logger) *Scanner {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Scanner{
		src:       src,
		cfg:       cfg,
		batchSize: batchSize,
		logger:    logger.With("component", "scanner"),
	}
}

// Scan queries every wallet and assembles positions, liquidation
// levels, and side totals. At most one scan runs at a time; a second
// caller gets ErrScanActive. Wallets beyond the configured cap are
// dropped (the caller orders most-active first).
func (s *Scanner) Scan(ctx context.Context, wallets []string) (*types.ScanResult, error) {
	if !s.active.CompareAndSwap(false, true) {
		return nil, ErrScanActive
	}
	defer s.active.Store(false)

	start := time.Now()
	if len(wallets) > s.cfg.MaxWallets {
		s.logger.Warn("wallet list capped", "wallets", len(wallets), "cap", s.cfg.MaxWallets)
		wallets = wallets[:s.cfg.MaxWallets]
	}

	result := &types.ScanResult{
		Timestamp: start,
		ByAsset:   make(map[string][]types.Position),
	}

	var (
		mu        sync.Mutex
		positions []types.Position
		errCount  int64
	)

	for offset := 0; offset < len(wallets); offset += s.batchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := offset + s.batchSize
		if end > len(wallets) {
			end = len(wallets)
		}

		var wg sync.WaitGroup
		for _, addr := range wallets[offset:end] {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				found, err := s.scanWallet(ctx, addr)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					s.logger.Debug("wallet query failed", "wallet", addr, "error", err)
					return
				}
				if len(found) == 0 {
					return
				}
				mu.Lock()
				positions = append(positions, found...)
				mu.Unlock()
			}(addr)
		}
		wg.Wait()

		if end < len(wallets) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interBatchDelay):
			}
		}
	}

	for _, pos := range positions {
		result.ByAsset[pos.Coin] = append(result.ByAsset[pos.Coin], pos)
		switch pos.Side() {
		case types.Long:
			result.TotalLongUSD += pos.NotionalUSD
		case types.Short:
			result.TotalShortUSD += pos.NotionalUSD
		}
		if pos.LiquidationPx.Valid && pos.LiquidationPx.Value > 0 {
			result.Levels = append(result.Levels, types.LiquidationLevel{
				Coin:     pos.Coin,
				Side:     pos.Side(),
				Price:    pos.LiquidationPx.Value,
				SizeUSD:  pos.NotionalUSD,
				Leverage: pos.Leverage,
				Wallet:   pos.Wallet,
			})
		}
	}

	result.WalletsScanned = len(wallets)
	result.PositionsFound = len(positions)
	result.Errors = int(errCount)

	s.logger.Info("scan complete",
		"wallets", result.WalletsScanned,
		"positions", result.PositionsFound,
		"levels", len(result.Levels),
		"errors", result.Errors,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// scanWallet fetches one clearinghouse state and keeps the positions
// that clear the dust and notional floors.
func (s *Scanner) scanWallet(ctx context.Context, addr string) ([]types.Position, error) {
	state, err := s.src.ClearinghouseState(ctx, addr)
	if err != nil {
		return nil, err
	}

	var out []types.Position
	for _, ap := range state.AssetPositions {
		wp := ap.Position
		size := float64(wp.Szi)
		if math.Abs(size) <= s.cfg.DustSize {
			continue
		}
		notional := float64(wp.PositionValue)
		if notional < s.cfg.MinPositionUSD {
			continue
		}

		out = append(out, types.Position{
			Coin:          wp.Coin,
			Size:          size,
			EntryPrice:    wp.EntryPx.Value,
			Leverage:      wp.Leverage.Value,
			NotionalUSD:   notional,
			UnrealizedPnL: float64(wp.UnrealizedPnl),
			MarginUsed:    float64(wp.MarginUsed),
			LiquidationPx: wp.LiquidationPx,
			Wallet:        addr,
		})
	}
	return out, nil
}
