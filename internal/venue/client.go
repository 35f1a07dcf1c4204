// Package venue implements the Hyperliquid info client and trade feed.
//
// The REST client (Client) drives every read against POST /info, where
// the request body's "type" field selects the operation:
//   - Meta:               universe of tradable assets
//   - AllMids:            asset → mid price for the whole venue
//   - MetaAndAssetCtxs:   universe plus per-asset market context
//   - ClearinghouseState: one wallet's open positions
//   - RecentTrades:       latest fills for one asset
//   - L2Book:             two-sided order book for one asset
//
// Every request passes through the shared Pacer (concurrency budget +
// minimum spacing) and is retried on transient failures (network, 5xx,
// 429) with exponential backoff. Semantic 4xx replies surface as
// *APIError immediately.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"liqmap/internal/config"
	"liqmap/pkg/types"
)

// Client is the Hyperliquid info API client. Safe for concurrent use;
// the embedded pacer is the authoritative rate gate for every consumer.
type Client struct {
	http   *resty.Client
	pacer  *Pacer
	logger *slog.Logger
}

// infoRequest is the POST /info body. Type is always set; User and Coin
// only for the operations that take them.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

// NewClient creates an info client with pacing and retry.
func NewClient(cfg config.VenueConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(2). // 3 attempts total
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		pacer:  NewPacer(cfg.RequestsPerSecond, cfg.MinRequestSpacing),
		logger: logger.With("component", "venue"),
	}
}

// post runs one paced info request and decodes the reply into out.
func (c *Client) post(ctx context.Context, req infoRequest, out any) error {
	if err := c.pacer.Acquire(ctx); err != nil {
		return err
	}
	defer c.pacer.Release()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info %s: %w", req.Type, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &APIError{Status: resp.StatusCode(), Body: snippet(resp.String())}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &DecodeError{Op: req.Type, Err: err}
	}
	return nil
}

// Meta fetches the tradable universe.
func (c *Client) Meta(ctx context.Context) (*types.Meta, error) {
	var meta types.Meta
	if err := c.post(ctx, infoRequest{Type: "meta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// AllMids fetches mid prices for every asset. Keys starting with "@"
// are venue-internal composite indices and are filtered out.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	var raw map[string]types.Float
	if err := c.post(ctx, infoRequest{Type: "allMids"}, &raw); err != nil {
		return nil, err
	}

	mids := make(map[string]float64, len(raw))
	for coin, px := range raw {
		if strings.HasPrefix(coin, "@") {
			continue
		}
		mids[coin] = float64(px)
	}
	return mids, nil
}

// MetaAndAssetCtxs fetches the universe and the per-asset contexts in
// one call. The wire reply is a two-element array; context i belongs to
// meta.Universe[i]. Contexts are returned raw so the caller can decode
// each asset individually and skip malformed ones without losing the
// positional alignment.
func (c *Client) MetaAndAssetCtxs(ctx context.Context) (*types.Meta, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := c.post(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &parts); err != nil {
		return nil, nil, err
	}
	if len(parts) < 2 {
		return nil, nil, &DecodeError{Op: "metaAndAssetCtxs", Err: fmt.Errorf("expected 2 elements, got %d", len(parts))}
	}

	var meta types.Meta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, nil, &DecodeError{Op: "metaAndAssetCtxs", Err: err}
	}
	var ctxs []json.RawMessage
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, nil, &DecodeError{Op: "metaAndAssetCtxs", Err: err}
	}
	return &meta, ctxs, nil
}

// ClearinghouseState fetches one wallet's open positions and margin
// summary.
func (c *Client) ClearinghouseState(ctx context.Context, address string) (*types.ClearinghouseState, error) {
	var state types.ClearinghouseState
	if err := c.post(ctx, infoRequest{Type: "clearinghouseState", User: address}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// RecentTrades fetches the latest fills for one asset. Each trade
// carries the two counterparty addresses.
func (c *Client) RecentTrades(ctx context.Context, coin string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := c.post(ctx, infoRequest{Type: "recentTrades", Coin: coin}, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// L2Book fetches the two-sided order book for one asset. Side 0 is bids
// descending, side 1 asks ascending.
func (c *Client) L2Book(ctx context.Context, coin string) (*types.L2Book, error) {
	var book types.L2Book
	if err := c.post(ctx, infoRequest{Type: "l2Book", Coin: coin}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// snippet truncates an error body so log lines stay bounded.
func snippet(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
