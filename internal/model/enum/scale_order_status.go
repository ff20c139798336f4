package enum

type ScaleOrderStatus string

const (
	ScaleOrderStatusPending   ScaleOrderStatus = "PENDING"
	ScaleOrderStatusExecuted  ScaleOrderStatus = "EXECUTED"
	ScaleOrderStatusCancelled ScaleOrderStatus = "CANCELLED"
	ScaleOrderStatusExpired   ScaleOrderStatus = "EXPIRED"
)

func (s ScaleOrderStatus) IsAvailable() bool {
	switch s {
	case ScaleOrderStatusPending, ScaleOrderStatusExecuted, ScaleOrderStatusCancelled, ScaleOrderStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the leg reached a final state.
// PENDING is the only non-terminal state.
func (s ScaleOrderStatus) IsTerminal() bool {
	return s != ScaleOrderStatusPending
}
