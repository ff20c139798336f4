package enum

type ScaleTrigger string

const (
	ScaleTriggerImmediate    ScaleTrigger = "IMMEDIATE"
	ScaleTriggerPriceDrop    ScaleTrigger = "PRICE_DROP"
	ScaleTriggerCapitulation ScaleTrigger = "CAPITULATION"
	ScaleTriggerProfitTarget ScaleTrigger = "PROFIT_TARGET"
	ScaleTriggerTrailingStop ScaleTrigger = "TRAILING_STOP"
)

func (t ScaleTrigger) IsAvailable() bool {
	switch t {
	case ScaleTriggerImmediate, ScaleTriggerPriceDrop, ScaleTriggerCapitulation,
		ScaleTriggerProfitTarget, ScaleTriggerTrailingStop:
		return true
	default:
		return false
	}
}

// IsEntry reports whether the trigger fires on falling prices.
func (t ScaleTrigger) IsEntry() bool {
	return t == ScaleTriggerPriceDrop || t == ScaleTriggerCapitulation
}
