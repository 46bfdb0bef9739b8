package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// PushFeed is a best-effort fill/position push feed over Bybit's private
// websocket. It is the "dirty flag" fast path described in SPEC_FULL.md
// §11: when a push arrives, the price-monitor loop reconciles that symbol
// immediately instead of waiting for its next poll tick. The feed has no
// equivalent in the teacher (which is REST-poll only) or in
// bybit_engine.py (which is also poll-only) — it is enrichment grounded on
// SPEC_FULL.md §11's instruction to wire gorilla/websocket since the
// example pack carries it and a fill feed is the natural place a perp bot
// would use it.
type PushFeed struct {
	url       string
	apiKey    string
	apiSecret string

	mu      sync.Mutex
	conn    *websocket.Conn
	dirty   map[string]bool // symbols with an unreconciled push since last drain
}

func NewPushFeed(url, apiKey, apiSecret string) *PushFeed {
	return &PushFeed{url: url, apiKey: apiKey, apiSecret: apiSecret, dirty: make(map[string]bool)}
}

// Run connects and reads push messages until ctx is cancelled, reconnecting
// with backoff on any read error. It never returns an error to the caller
// mid-run; a broken feed degrades to "rely on the poll loop" per
// SPEC_FULL.md §7's error-propagation policy — this is a latency
// optimization, not a correctness dependency.
func (f *PushFeed) Run(ctx context.Context, onFill func(Fill)) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connectAndRead(ctx, onFill); err != nil {
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (f *PushFeed) connectAndRead(ctx context.Context, onFill func(Fill)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	auth := map[string]any{
		"op":   "auth",
		"args": []string{f.apiKey, fmt.Sprint(time.Now().Add(10*time.Second).UnixMilli())},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("ws auth: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"execution", "position"}}); err != nil {
		return fmt.Errorf("ws subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var msg struct {
			Topic string            `json:"topic"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		if msg.Topic != "execution" {
			continue
		}
		for _, raw := range msg.Data {
			var exec struct {
				Symbol      string `json:"symbol"`
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
				Side        string `json:"side"`
				ExecPrice   string `json:"execPrice"`
				ExecQty     string `json:"execQty"`
				ExecTime    string `json:"execTime"`
				ClosedPnL   string `json:"closedPnl"`
			}
			if err := json.Unmarshal(raw, &exec); err != nil {
				continue
			}
			price, _ := decimal.NewFromString(exec.ExecPrice)
			qty, _ := decimal.NewFromString(exec.ExecQty)
			pnl, _ := decimal.NewFromString(exec.ClosedPnL)

			f.mu.Lock()
			f.dirty[exec.Symbol] = true
			f.mu.Unlock()

			if onFill != nil {
				onFill(Fill{
					Symbol:      exec.Symbol,
					OrderID:     exec.OrderID,
					OrderLinkID: exec.OrderLinkID,
					Side:        OrderSide(exec.Side),
					Price:       price,
					Qty:         qty,
					ExecTime:    time.Now().UTC(),
					ClosedPnL:   pnl,
				})
			}
		}
	}
}

// DrainDirty returns and clears the set of symbols that received a push
// since the last drain, letting the price-monitor loop prioritize them.
func (f *PushFeed) DrainDirty() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.dirty))
	for s := range f.dirty {
		out = append(out, s)
	}
	f.dirty = make(map[string]bool)
	return out
}
