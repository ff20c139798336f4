package ingest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"main/internal/bus"
	"main/internal/model"
	"main/internal/ops"
)

// PriceFeed streams trade prints over one websocket connection and
// publishes them as ticks. It also caches the latest price per symbol so
// the scheduler can price positions without an extra REST round trip.
type PriceFeed struct {
	wss      *ws.WebSocket
	queue    *bus.Queue
	internal map[string]string

	mu     sync.RWMutex
	latest map[string]float64
}

func NewPriceFeed(ctx context.Context, cfg ops.FeedConfig, queue *bus.Queue) *PriceFeed {
	internal := make(map[string]string, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		internal[strings.ToUpper(streamSymbol(symbol))] = strings.ToUpper(symbol)
	}

	return &PriceFeed{
		wss:      ws.New(ctx, cfg.URL),
		queue:    queue,
		internal: internal,
		latest:   make(map[string]float64, len(cfg.Symbols)),
	}
}

func (f *PriceFeed) Close() {
	f.wss.Close()
}

func (f *PriceFeed) Start(ctx context.Context) error {
	if err := f.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// SubscribeTrades subscribes the trade stream for one internal symbol.
func (f *PriceFeed) SubscribeTrades(ctx context.Context, symbol string) error {
	appendIntoRegister := true
	if err := f.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{streamSymbol(symbol) + "@trade"},
				ID:     1,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp subscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe trades, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

type tradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

// Observe pumps trade prints into the tick queue until shutdown. A full
// queue drops the tick; the cache still advances.
func (f *PriceFeed) Observe(ctx context.Context) (unsubscribe func()) {
	ch, cancel := f.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				event, ok := ws.ReadMessage[tradeEvent](m)
				if !ok || event.EventType != "trade" {
					continue
				}

				f.handleTrade(event)
			}
		}
	}()

	return cancel
}

func (f *PriceFeed) handleTrade(event tradeEvent) {
	symbol, ok := f.internal[strings.ToUpper(event.Symbol)]
	if !ok {
		return
	}

	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || price <= 0 {
		return
	}

	f.mu.Lock()
	f.latest[symbol] = price
	f.mu.Unlock()

	tick := model.Tick{
		Symbol: symbol,
		Price:  price,
		Time:   time.UnixMilli(event.EventTime).UTC(),
	}
	if err := f.queue.TryPublish(tick); err != nil {
		logs.Warnf("dropped tick for %s: %+v", symbol, err)
	}
}

// Latest returns the most recent streamed price for an internal symbol.
func (f *PriceFeed) Latest(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.latest[strings.ToUpper(symbol)]
	return price, ok
}

// streamSymbol maps an internal USD symbol onto the venue's USDT stream
// pair; USDT prints stand in for USD pricing.
func streamSymbol(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if strings.HasSuffix(s, "usd") {
		s += "t"
	}

	return s
}
