package exchange

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model/enum"
	"main/internal/ops"
	"main/pkg/exception"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc, sandbox bool, coolDown time.Duration) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGateway(ops.ExchangeConfig{
		BaseURL:   server.URL,
		APIKey:    "key",
		APISecret: "secret",
		Sandbox:   sandbox,
		Timeout:   5 * time.Second,
	}, coolDown)
}

func tickerHandler(price string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["` + price + `","1.5"]}}}`))
	}
}

func TestPriceParsesTicker(t *testing.T) {
	g := newTestGateway(t, tickerHandler("50123.40"), false, 0)

	price, err := g.Price(t.Context(), "BTCUSD")
	require.NoError(t, err)
	assert.InDelta(t, 50123.40, price, 1e-9)
}

func TestPriceRejectsInvalidSymbolBeforeRequest(t *testing.T) {
	called := false
	g := newTestGateway(t, func(http.ResponseWriter, *http.Request) { called = true }, false, 0)

	_, err := g.Price(t.Context(), "NOPE")
	assert.ErrorIs(t, err, exception.ErrInvalidSymbol)
	assert.False(t, called)
}

func TestPriceMapsAPIErrors(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}, false, 0)

	_, err := g.Price(t.Context(), "BTCUSD")
	assert.ErrorIs(t, err, exception.ErrInvalidSymbol)
}

func TestSandboxFillUsesQuoteAndSkipsOrderEndpoint(t *testing.T) {
	orderCalls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == _pathPlaceOrder {
			orderCalls++
		}
		tickerHandler("200.00")(w, r)
	}, true, 0)

	fill, err := g.PlaceMarketOrder(t.Context(), enum.SideBuy, "SOLUSD", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 0, orderCalls)
	assert.Equal(t, "SOLUSD", fill.Symbol)
	assert.InDelta(t, 2.5, fill.FilledSize, 1e-9)
	assert.InDelta(t, 200.0, fill.AvgPrice, 1e-9)
	assert.Contains(t, fill.OrderID, "sandbox-")
}

func TestPlaceMarketOrderLive(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, _pathPlaceOrder, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("API-Key"))
		assert.NotEmpty(t, r.Header.Get("authorization"))
		_, _ = w.Write([]byte(`{"error":[],"result":{"order_id":"OID-1","filled_size":"0.5","avg_price":"40000","time":1700000000}}`))
	}, false, 0)

	fill, err := g.PlaceMarketOrder(t.Context(), enum.SideBuy, "BTCUSD", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "OID-1", fill.OrderID)
	assert.InDelta(t, 0.5, fill.FilledSize, 1e-9)
	assert.InDelta(t, 40000.0, fill.AvgPrice, 1e-9)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), fill.Time)
}

func TestPlaceMarketOrderRejectsBadInput(t *testing.T) {
	g := newTestGateway(t, tickerHandler("1"), false, 0)

	_, err := g.PlaceMarketOrder(t.Context(), enum.Side("SHORT"), "BTCUSD", 1)
	assert.ErrorIs(t, err, exception.ErrOrderRejected)

	_, err = g.PlaceMarketOrder(t.Context(), enum.SideBuy, "BTCUSD", 0)
	assert.ErrorIs(t, err, exception.ErrOrderRejected)
}

func TestRateLimitTriggersCoolDown(t *testing.T) {
	calls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}, false, time.Minute)

	_, err := g.PlaceMarketOrder(t.Context(), enum.SideBuy, "BTCUSD", 1)
	require.ErrorIs(t, err, exception.ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 7*time.Second, rle.RetryAfterHint())

	// Cool-down makes the next order fail fast without a request.
	_, err = g.PlaceMarketOrder(t.Context(), enum.SideBuy, "BTCUSD", 1)
	assert.ErrorIs(t, err, exception.ErrRateLimited)
	assert.Equal(t, 1, calls)
}

func TestServerErrorMapsToConnectivity(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, false, 0)

	_, err := g.Price(t.Context(), "BTCUSD")
	assert.ErrorIs(t, err, exception.ErrConnectivity)
}

func TestMapAPIErrorTaxonomy(t *testing.T) {
	assert.NoError(t, mapAPIError(nil))
	assert.ErrorIs(t, mapAPIError([]string{"EFunds:Insufficient funds"}), exception.ErrInsufficientFunds)
	assert.ErrorIs(t, mapAPIError([]string{"EAPI:Rate limit exceeded"}), exception.ErrRateLimited)
	assert.ErrorIs(t, mapAPIError([]string{"EService:Service unavailable"}), exception.ErrConnectivity)
	assert.ErrorIs(t, mapAPIError([]string{"EOrder:whatever"}), exception.ErrOrderRejected)
}
