// Package wallets maintains the registry of trader addresses discovered
// on the venue.
//
// Addresses arrive from two sources: recent-trades backfill over HTTP
// and the live trade feed. Each record keeps the last time the wallet
// appeared in a fill and how many fills it appeared in; the position
// scanner queries by both. The registry persists to a single JSON file
// using atomic replacement (write to .tmp, then rename) so a crash
// mid-save never corrupts the wallet set.
package wallets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liqmap/pkg/types"
)

// TradeSource supplies recent fills for one asset. Satisfied by the
// venue client.
type TradeSource interface {
	RecentTrades(ctx context.Context, coin string) ([]types.Trade, error)
}

// Registry is the persistent set of known trader wallets.
// All operations are mutex-protected.
type Registry struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	lastSeen    map[string]time.Time
	tradeCounts map[string]int
}

// registryFile is the on-disk layout. Timestamps are ISO-8601 UTC.
type registryFile struct {
	Wallets     []string          `json:"wallets"`
	LastSeen    map[string]string `json:"last_seen"`
	TradeCounts map[string]int    `json:"trade_counts"`
	SavedAt     string            `json:"saved_at"`
}

// NewRegistry creates an empty registry backed by the given file path.
// Call Load to restore a previous run's state.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	return &Registry{
		path:        path,
		logger:      logger.With("component", "wallets"),
		lastSeen:    make(map[string]time.Time),
		tradeCounts: make(map[string]int),
	}
}

// Canonical normalizes an EVM address to its lowercase 0x-prefixed
// form. Returns false for anything that is not a valid address.
func Canonical(addr string) (string, bool) {
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// Load restores the registry from disk. A missing file is a fresh
// start, not an error.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("no wallet registry on disk, starting fresh", "path", r.path)
			return nil
		}
		return fmt.Errorf("read wallet registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal wallet registry: %w", err)
	}

	for _, addr := range file.Wallets {
		canon, ok := Canonical(addr)
		if !ok {
			r.logger.Warn("skipping invalid address in registry file", "address", addr)
			continue
		}
		r.tradeCounts[canon] = file.TradeCounts[addr]
		if raw, ok := file.LastSeen[addr]; ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				r.lastSeen[canon] = ts
			}
		}
	}

	r.logger.Info("wallet registry loaded", "wallets", len(r.tradeCounts), "path", r.path)
	return nil
}

// Save atomically persists the registry. It writes to a .tmp file
// first, then renames over the target, so the file is never left in a
// partial state.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file := registryFile{
		Wallets:     make([]string, 0, len(r.tradeCounts)),
		LastSeen:    make(map[string]string, len(r.lastSeen)),
		TradeCounts: make(map[string]int, len(r.tradeCounts)),
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	for addr, count := range r.tradeCounts {
		file.Wallets = append(file.Wallets, addr)
		file.TradeCounts[addr] = count
		if ts, ok := r.lastSeen[addr]; ok {
			file.LastSeen[addr] = ts.UTC().Format(time.RFC3339)
		}
	}
	sort.Strings(file.Wallets)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write wallet registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Add records one sighting of a wallet at the given time. Invalid
// addresses are rejected. Returns true when the wallet was not known
// before.
func (r *Registry) Add(addr string, seenAt time.Time) bool {
	canon, ok := Canonical(addr)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.tradeCounts[canon]
	r.tradeCounts[canon]++
	if seenAt.After(r.lastSeen[canon]) {
		r.lastSeen[canon] = seenAt
	}
	return !known
}

// AddFromTrades records both counterparties of each fill. Returns the
// number of wallets seen for the first time.
func (r *Registry) AddFromTrades(trades []types.Trade) int {
	added := 0
	for _, trade := range trades {
		seenAt := time.UnixMilli(trade.Time)
		for _, user := range trade.Users {
			if r.Add(user, seenAt) {
				added++
			}
		}
	}
	return added
}

// Backfill seeds the registry from the recent trade tape of the given
// assets. Per-asset failures are logged and skipped; only context
// cancellation aborts the pass.
func (r *Registry) Backfill(ctx context.Context, src TradeSource, assets []string) (int, error) {
	added := 0
	for _, coin := range assets {
		trades, err := src.RecentTrades(ctx, coin)
		if err != nil {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			r.logger.Warn("backfill fetch failed", "coin", coin, "error", err)
			continue
		}
		added += r.AddFromTrades(trades)
	}
	r.logger.Info("wallet backfill complete", "assets", len(assets), "new_wallets", added, "total", r.Count())
	return added, nil
}

// Query returns wallets with at least minTrades recorded fills whose
// last sighting is within maxAge. maxAge <= 0 disables the age filter.
// Results are ordered most-active first so a caller-side cap keeps the
// busiest traders.
func (r *Registry) Query(minTrades int, maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	out := make([]string, 0, len(r.tradeCounts))
	for addr, count := range r.tradeCounts {
		if count < minTrades {
			continue
		}
		if !cutoff.IsZero() && r.lastSeen[addr].Before(cutoff) {
			continue
		}
		out = append(out, addr)
	}

	sort.Slice(out, func(i, j int) bool {
		ci, cj := r.tradeCounts[out[i]], r.tradeCounts[out[j]]
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}

// Count returns the number of known wallets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tradeCounts)
}

// LastSeen returns the recorded last sighting of a wallet and whether
// the wallet is known.
func (r *Registry) LastSeen(addr string) (time.Time, bool) {
	canon, ok := Canonical(addr)
	if !ok {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, known := r.lastSeen[canon]
	return ts, known
}
