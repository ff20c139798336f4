package exchange

import (
	"fmt"
	"strings"
	"time"

	"main/pkg/exception"
)

// RateLimitError carries the exchange's suggested wait. It unwraps to
// exception.ErrRateLimited so callers keep using errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("exchange: rate limited, retry after %s", e.RetryAfter)
	}

	return "exchange: rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return exception.ErrRateLimited
}

// RetryAfterHint lets the retry policy honor the server's suggested wait.
func (e *RateLimitError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// OrderRejectedError keeps the exchange's rejection reason for auditing.
type OrderRejectedError struct {
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return "exchange: order rejected: " + e.Reason
}

func (e *OrderRejectedError) Unwrap() error {
	return exception.ErrOrderRejected
}

// mapAPIError converts the exchange error strings into the taxonomy.
// Anything unrecognized counts as an order rejection with the raw reason.
func mapAPIError(apiErrors []string) error {
	if len(apiErrors) == 0 {
		return nil
	}

	joined := strings.Join(apiErrors, "; ")
	switch {
	case containsFold(joined, "insufficient funds"):
		return exception.ErrInsufficientFunds
	case containsFold(joined, "rate limit"):
		return &RateLimitError{}
	case containsFold(joined, "unknown asset pair"), containsFold(joined, "invalid pair"):
		return exception.ErrInvalidSymbol
	case containsFold(joined, "service unavailable"), containsFold(joined, "timeout"):
		return exception.ErrConnectivity
	default:
		return &OrderRejectedError{Reason: joined}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
