package exception

import "github.com/yanun0323/errors"

var (
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")
	ErrRateLimited       = errors.New("exchange: rate limited")
	ErrOrderRejected     = errors.New("exchange: order rejected")
	ErrInvalidSymbol     = errors.New("exchange: invalid symbol")
	ErrConnectivity      = errors.New("exchange: connectivity error")
)
