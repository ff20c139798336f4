package exchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
	"main/pkg/exception"
)

const (
	_pathTicker     = "/0/public/Ticker"
	_pathBalance    = "/0/private/Balance"
	_pathPlaceOrder = "/0/private/AddOrder"
)

// Gateway is the REST trading client. One instance is either sandbox or
// live for its whole lifetime.
type Gateway struct {
	cfg    ops.ExchangeConfig
	client *http.Client

	coolDown      time.Duration
	mu            sync.Mutex
	coolDownUntil time.Time
}

func NewGateway(cfg ops.ExchangeConfig, coolDown time.Duration) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Gateway{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		coolDown: coolDown,
	}
}

// Sandbox reports whether the gateway short-circuits order placement.
func (g *Gateway) Sandbox() bool {
	return g.cfg.Sandbox
}

// Price returns the last traded price for an internal symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (float64, error) {
	pair, err := NormalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}

	var data Response[map[string]ResponseTicker]
	if err := g.get(ctx, _pathTicker+"?pair="+strings.ReplaceAll(pair, "/", ""), &data); err != nil {
		return 0, err
	}
	if err := mapAPIError(data.Error); err != nil {
		return 0, err
	}

	for _, ticker := range data.Result {
		if len(ticker.Last) == 0 {
			break
		}

		price, err := strconv.ParseFloat(ticker.Last[0].String(), 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse last price")
		}
		if price <= 0 {
			return 0, errors.Wrap(exception.ErrConnectivity, "non-positive quote for "+symbol)
		}

		return price, nil
	}

	return 0, errors.Wrap(exception.ErrConnectivity, "empty ticker result for "+symbol)
}

// Balance returns the available amount of a currency ("USD", "XBT", ...).
func (g *Gateway) Balance(ctx context.Context, currency string) (float64, error) {
	var data Response[ResponseBalance]
	if err := g.post(ctx, _pathBalance, map[string]string{}, &data); err != nil {
		return 0, err
	}
	if err := mapAPIError(data.Error); err != nil {
		return 0, err
	}

	raw, ok := data.Result[strings.ToUpper(currency)]
	if !ok {
		return 0, nil
	}
	balance, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse balance")
	}

	return balance, nil
}

// PlaceMarketOrder executes a market order and returns the fill. In sandbox
// mode it returns a deterministic synthetic fill at the current quote
// without touching the trade endpoint.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, side enum.Side, symbol string, qty float64) (model.Fill, error) {
	if !side.IsAvailable() {
		return model.Fill{}, errors.Wrap(exception.ErrOrderRejected, "unknown side "+string(side))
	}
	if qty <= 0 {
		return model.Fill{}, errors.Wrap(exception.ErrOrderRejected, fmt.Sprintf("non-positive qty %f", qty))
	}

	pair, err := NormalizeSymbol(symbol)
	if err != nil {
		return model.Fill{}, err
	}

	if err := g.checkCoolDown(); err != nil {
		return model.Fill{}, err
	}

	if g.cfg.Sandbox {
		quote, err := g.Price(ctx, symbol)
		if err != nil {
			return model.Fill{}, err
		}

		fill := model.Fill{
			OrderID:    "sandbox-" + uuid.NewString(),
			Symbol:     symbol,
			FilledSize: qty,
			AvgPrice:   quote,
			Time:       time.Now().UTC(),
		}
		logs.Infof("sandbox fill: %s %s %.8f @ %.2f", side, symbol, qty, quote)
		return fill, nil
	}

	body := map[string]string{
		"pair":      strings.ReplaceAll(pair, "/", ""),
		"type":      strings.ToLower(string(side)),
		"ordertype": "market",
		"volume":    strconv.FormatFloat(qty, 'f', 8, 64),
		"client_id": uuid.NewString(),
	}

	var data Response[ResponsePlaceOrder]
	if err := g.post(ctx, _pathPlaceOrder, body, &data); err != nil {
		return model.Fill{}, err
	}
	if err := mapAPIError(data.Error); err != nil {
		return model.Fill{}, err
	}
	if data.Result.OrderID == "" {
		return model.Fill{}, errors.Wrap(exception.ErrOrderRejected, "empty order id in response")
	}

	filled, err := strconv.ParseFloat(data.Result.FilledSize.String(), 64)
	if err != nil {
		return model.Fill{}, errors.Wrap(err, "parse filled size")
	}
	avg, err := strconv.ParseFloat(data.Result.AvgPrice.String(), 64)
	if err != nil {
		return model.Fill{}, errors.Wrap(err, "parse avg price")
	}

	fillTime := time.Now().UTC()
	if data.Result.Time > 0 {
		fillTime = time.Unix(data.Result.Time, 0).UTC()
	}

	return model.Fill{
		OrderID:    data.Result.OrderID,
		Symbol:     symbol,
		FilledSize: filled,
		AvgPrice:   avg,
		Time:       fillTime,
	}, nil
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	return g.do(r, out)
}

func (g *Gateway) post(ctx context.Context, path string, body map[string]string, out any) error {
	body["nonce"] = strconv.FormatInt(time.Now().UnixNano(), 10)

	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request body")
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("API-Key", g.cfg.APIKey)
	r.Header.Set("authorization", signRequest(body, g.cfg.APISecret))

	return g.do(r, out)
}

func (g *Gateway) do(r *http.Request, out any) error {
	resp, err := g.client.Do(r)
	if err != nil {
		return errors.Wrap(exception.ErrConnectivity, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		g.markRateLimited()
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return errors.Wrap(exception.ErrConnectivity, resp.Status)
	}

	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(exception.ErrConnectivity, "decode response body: "+err.Error())
	}

	return nil
}

// checkCoolDown fails fast while the hard rate-limit cool-down is active.
func (g *Gateway) checkCoolDown() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until := g.coolDownUntil; time.Now().Before(until) {
		return &RateLimitError{RetryAfter: time.Until(until)}
	}

	return nil
}

func (g *Gateway) markRateLimited() {
	if g.coolDown <= 0 {
		return
	}

	g.mu.Lock()
	g.coolDownUntil = time.Now().Add(g.coolDown)
	g.mu.Unlock()
	logs.Warnf("exchange rate limit breached, cooling down %s", g.coolDown)
}

// signRequest hashes the sorted key=value pairs with the secret appended.
func signRequest(body map[string]string, secret string) string {
	pairs := make([]string, 0, len(body)+1)
	for k, v := range body {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	pairs = append(pairs, "secret_key="+secret)
	sort.Strings(pairs)

	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
