package enum

type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "PENDING"
	PositionStatusOpen      PositionStatus = "OPEN"
	PositionStatusClosed    PositionStatus = "CLOSED"
	PositionStatusCancelled PositionStatus = "CANCELLED"
)

func (s PositionStatus) IsAvailable() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusClosed, PositionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the position can never change again.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusCancelled
}
