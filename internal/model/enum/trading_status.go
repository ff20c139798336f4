package enum

type TradingStatus string

const (
	TradingStatusActive        TradingStatus = "ACTIVE"
	TradingStatusPaused        TradingStatus = "PAUSED"
	TradingStatusEmergencyStop TradingStatus = "EMERGENCY_STOP"
)

func (s TradingStatus) IsAvailable() bool {
	switch s {
	case TradingStatusActive, TradingStatusPaused, TradingStatusEmergencyStop:
		return true
	default:
		return false
	}
}

// Enabled reports whether new entries are allowed.
func (s TradingStatus) Enabled() bool {
	return s == TradingStatusActive
}
