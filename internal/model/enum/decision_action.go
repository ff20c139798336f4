package enum

type DecisionAction string

const (
	DecisionActionBuy  DecisionAction = "BUY"
	DecisionActionSell DecisionAction = "SELL"
	DecisionActionHold DecisionAction = "HOLD"
)

func (a DecisionAction) IsAvailable() bool {
	return a == DecisionActionBuy || a == DecisionActionSell || a == DecisionActionHold
}
