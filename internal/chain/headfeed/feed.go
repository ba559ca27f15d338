package headfeed

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed subscribes to newHeads over a websocket JSON-RPC endpoint and invokes
// the callback once per head. It exists to nudge the health monitor in step
// with block production; losing the feed degrades to interval polling only,
// so the feed reconnects forever and never reports radio silence as an error.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	onHead         func()
	log            *zap.Logger
}

func New(url string, reconnectDelay time.Duration, onHead func(), log *zap.Logger) *Feed {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{url: url, reconnectDelay: reconnectDelay, onHead: onHead, log: log}
}

type rpcRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

type rpcNotification struct {
	Method string `json:"method"`
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("head feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []string{"newHeads"}}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var note rpcNotification
		if err := json.Unmarshal(data, &note); err != nil {
			continue
		}
		if note.Method == "eth_subscription" && f.onHead != nil {
			f.onHead()
		}
	}
}
