package enum

type RiskLevel string

const (
	RiskLevelNormal   RiskLevel = "NORMAL"
	RiskLevelElevated RiskLevel = "ELEVATED"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) IsAvailable() bool {
	switch l {
	case RiskLevelNormal, RiskLevelElevated, RiskLevelHigh, RiskLevelCritical:
		return true
	default:
		return false
	}
}
