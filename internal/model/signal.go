package model

import "main/internal/model/enum"

// DecisionSignal is the upstream decision engine's verdict for one asset in
// one cycle. Only Action, Symbol and SuggestedStopLoss are consumed here.
type DecisionSignal struct {
	Symbol            string
	Action            enum.DecisionAction
	Confidence        float64
	SuggestedStopLoss float64
}

// TechnicalSignal carries the technical score and momentum for a symbol.
// Momentum feeds basket scoring.
type TechnicalSignal struct {
	Symbol   string
	Score    float64
	Momentum float64
}
