package exchange

import "github.com/yanun0323/decimal"

type Response[T any] struct {
	Error  []string `json:"error"`
	Result T        `json:"result"`
}

type ResponseTicker struct {
	// Last is [price, lot volume].
	Last []decimal.Decimal `json:"c"`
}

type ResponseBalance map[string]decimal.Decimal

type ResponsePlaceOrder struct {
	OrderID    string          `json:"order_id"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Time       int64           `json:"time"`
}
