package enum

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) IsAvailable() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the closing side for an open position.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}

	return SideBuy
}
