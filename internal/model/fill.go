package model

import "time"

// Fill is the gateway's report of an executed market order.
type Fill struct {
	OrderID    string
	Symbol     string
	FilledSize float64
	AvgPrice   float64
	Time       time.Time
}

// Notional returns the filled value in quote currency.
func (f Fill) Notional() float64 {
	return f.FilledSize * f.AvgPrice
}
