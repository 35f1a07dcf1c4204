// ws.go implements the live trade feed.
//
// One long-lived connection subscribes to the trades channel for every
// configured asset. Incoming fills are fanned out on a buffered channel;
// the wallet registry consumes the counterparty addresses. The feed
// auto-reconnects with exponential backoff (1s → 30s max) and re-issues
// every subscription after each reconnect. A read deadline paired with
// an application-level ping detects silent server failures.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liqmap/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // venue expects an app-level ping to keep the conn alive
	readTimeout      = 90 * time.Second // ~2 missed pongs triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tradeBufferSize  = 256
)

// TradeFeed manages the trades websocket connection: lifecycle,
// subscription tracking, message routing, and reconnection.
type TradeFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscribed coins for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tradeCh chan types.Trade

	logger *slog.Logger
}

// NewTradeFeed creates a feed subscribed to the given coins once Run
// connects.
func NewTradeFeed(wsURL string, coins []string, logger *slog.Logger) *TradeFeed {
	subscribed := make(map[string]bool, len(coins))
	for _, coin := range coins {
		subscribed[coin] = true
	}
	return &TradeFeed{
		url:        wsURL,
		subscribed: subscribed,
		tradeCh:    make(chan types.Trade, tradeBufferSize),
		logger:     logger.With("component", "ws_trades"),
	}
}

// Trades returns the read-only channel of incoming fills.
func (f *TradeFeed) Trades() <-chan types.Trade { return f.tradeCh }

// Run connects and maintains the websocket with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("trade feed disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds coins to the feed and issues subscriptions on the live
// connection if there is one.
func (f *TradeFeed) Subscribe(coins []string) error {
	f.subscribedMu.Lock()
	for _, coin := range coins {
		f.subscribed[coin] = true
	}
	f.subscribedMu.Unlock()

	for _, coin := range coins {
		cmd := types.WSCommand{
			Method:       "subscribe",
			Subscription: &types.WSSubscription{Type: "trades", Coin: coin},
		}
		if err := f.writeJSON(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Close gracefully closes the connection.
func (f *TradeFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TradeFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("trade feed connected", "coins", f.subscribedCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// The read deadline catches a server that stops sending without
	// closing; the reconnect loop takes over.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// sendSubscriptions issues one subscribe command per tracked coin.
// The venue subscribes trade channels individually.
func (f *TradeFeed) sendSubscriptions() error {
	f.subscribedMu.RLock()
	coins := make([]string, 0, len(f.subscribed))
	for coin := range f.subscribed {
		coins = append(coins, coin)
	}
	f.subscribedMu.RUnlock()

	for _, coin := range coins {
		cmd := types.WSCommand{
			Method:       "subscribe",
			Subscription: &types.WSSubscription{Type: "trades", Coin: coin},
		}
		if err := f.writeJSON(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (f *TradeFeed) dispatchMessage(data []byte) {
	var msg types.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("discarding unparseable frame", "data", string(data))
		return
	}

	switch msg.Channel {
	case "trades":
		var trades []types.Trade
		if err := json.Unmarshal(msg.Data, &trades); err != nil {
			f.logger.Error("unmarshal trades frame", "error", err)
			return
		}
		for _, trade := range trades {
			select {
			case f.tradeCh <- trade:
			default:
				f.logger.Warn("trade channel full, dropping fill", "coin", trade.Coin)
			}
		}

	case "subscriptionResponse", "pong":
		// Acknowledgements; nothing to route.

	default:
		f.logger.Debug("unknown ws channel", "channel", msg.Channel)
	}
}

func (f *TradeFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(types.WSCommand{Method: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TradeFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TradeFeed) subscribedCount() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}
