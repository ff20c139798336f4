package risk

import (
	"context"
	"fmt"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
	"main/internal/portfolio"
)

// Validator composes the portfolio-level limits into one sizing decision.
// Gates run in a fixed order, each operating on the size the previous gate
// already reduced, so MaxAllowedSize never increases across gates.
type Validator struct {
	cfg     ops.RiskConfig
	tracker *portfolio.Tracker
}

// Result is the validator's verdict. A rejection is an expected outcome,
// not an error; every entry names the limit and the current value.
type Result struct {
	Approved       bool
	MaxAllowedSize float64
	Rejections     []string
	Warnings       []string
}

// Status reports per-limit utilization and a coarse level.
type Status struct {
	Utilization map[string]float64
	Level       enum.RiskLevel
	CanTrade    bool
}

func NewValidator(cfg ops.RiskConfig, tracker *portfolio.Tracker) *Validator {
	return &Validator{cfg: cfg, tracker: tracker}
}

// DailyLoss centralizes the sign convention: negative P&L is a loss,
// reported as a positive magnitude.
func DailyLoss(dailyPnl float64) float64 {
	if dailyPnl >= 0 {
		return 0
	}

	return -dailyPnl
}

// Validate sizes one prospective entry against all limits.
func (v *Validator) Validate(ctx context.Context, symbol string, requested, portfolioValue float64, openPositions []model.Position, dailyPnl float64) (Result, error) {
	result := Result{MaxAllowedSize: requested}

	// Gate 1: daily loss limit, inclusive at the boundary. No resize.
	loss := DailyLoss(dailyPnl)
	lossLimit := portfolioValue * v.cfg.DailyLossLimitPct / 100
	if lossLimit > 0 && loss >= lossLimit {
		result.MaxAllowedSize = 0
		result.Rejections = append(result.Rejections, fmt.Sprintf(
			"DailyLossLimit: today's loss %.2f reached limit %.2f (%.1f%%)",
			loss, lossLimit, v.cfg.DailyLossLimitPct))
		return result, nil
	}

	// Gate 2: drawdown limit, inclusive.
	drawdown, err := v.tracker.CurrentDrawdown(ctx)
	if err != nil {
		return Result{}, err
	}
	if drawdown >= v.cfg.MaxDrawdownPct {
		result.MaxAllowedSize = 0
		result.Rejections = append(result.Rejections, fmt.Sprintf(
			"DrawdownLimit: current drawdown %.2f%% reached max %.2f%%",
			drawdown, v.cfg.MaxDrawdownPct))
		return result, nil
	}

	// Gate 3: single-position cap clamps.
	size := requested
	positionCap := portfolioValue * v.cfg.MaxPositionPct / 100
	if size > positionCap {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"MaxPositionSize: reduced %.2f to %.2f (%.1f%% of portfolio)",
			size, positionCap, v.cfg.MaxPositionPct))
		size = positionCap
	}

	// Gate 4: correlated exposure, simulated with the clamped size.
	size, rejection := v.clampCorrelated(symbol, size, portfolioValue, openPositions, &result)
	if rejection {
		result.MaxAllowedSize = 0
		return result, nil
	}

	// Gate 5: per-trade risk bound is informational only.
	riskBudget := portfolioValue * v.cfg.PerTradeRiskPct / 100
	if size > 0 && riskBudget > 0 {
		maxStopPct := riskBudget / size * 100
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"PerTradeRisk: size %.2f needs a stop within %.2f%% to keep risk under %.1f%% of portfolio",
			size, maxStopPct, v.cfg.PerTradeRiskPct))
	}

	result.MaxAllowedSize = size
	result.Approved = len(result.Rejections) == 0 && size > 0
	return result, nil
}

// clampCorrelated simulates adding the position and clamps to the
// remaining correlated-exposure headroom, rejecting at zero headroom.
// The whole overage counts against the candidate even when existing
// groups already breach the cap on their own: while the cap is breached
// no new exposure is added, correlated or not.
func (v *Validator) clampCorrelated(symbol string, size, portfolioValue float64, openPositions []model.Position, result *Result) (float64, bool) {
	if size <= 0 || portfolioValue <= 0 {
		return size, false
	}

	// EntryPrice 1 makes the hypothetical's value exactly its USD size.
	simulated := make([]model.Position, 0, len(openPositions)+1)
	simulated = append(simulated, openPositions...)
	simulated = append(simulated, model.Position{
		Asset:      symbol,
		Size:       size,
		EntryPrice: 1,
		Status:     enum.PositionStatusOpen,
	})

	exposure := v.tracker.CorrelatedExposure(simulated, portfolioValue)
	exposedUsd := exposure.Pct / 100 * portfolioValue
	maxUsd := portfolioValue * v.cfg.MaxCorrelatedPct / 100
	if exposedUsd <= maxUsd {
		return size, false
	}

	allowed := size - (exposedUsd - maxUsd)
	if allowed <= 0 {
		result.Rejections = append(result.Rejections, fmt.Sprintf(
			"CorrelatedExposure: %.2f%% exposure leaves no headroom under max %.1f%%",
			exposure.Pct, v.cfg.MaxCorrelatedPct))
		return 0, true
	}

	result.Warnings = append(result.Warnings, fmt.Sprintf(
		"CorrelatedExposure: reduced %.2f to %.2f to stay under %.1f%%",
		size, allowed, v.cfg.MaxCorrelatedPct))
	return allowed, false
}

// Status summarizes limit utilization for dashboards and the kill path.
func (v *Validator) Status(ctx context.Context, portfolioValue float64, openPositions []model.Position, dailyPnl float64) (Status, error) {
	utilization := make(map[string]float64, 3)

	loss := DailyLoss(dailyPnl)
	lossLimit := portfolioValue * v.cfg.DailyLossLimitPct / 100
	utilization["daily_loss"] = ratioPct(loss, lossLimit)

	drawdown, err := v.tracker.CurrentDrawdown(ctx)
	if err != nil {
		return Status{}, err
	}
	utilization["drawdown"] = ratioPct(drawdown, v.cfg.MaxDrawdownPct)

	exposure := v.tracker.CorrelatedExposure(openPositions, portfolioValue)
	utilization["correlated_exposure"] = ratioPct(exposure.Pct, v.cfg.MaxCorrelatedPct)

	level := enum.RiskLevelNormal
	for _, u := range utilization {
		switch {
		case u >= 100:
			level = enum.RiskLevelCritical
		case u >= 80 && level != enum.RiskLevelCritical:
			level = enum.RiskLevelHigh
		case u >= 60 && level == enum.RiskLevelNormal:
			level = enum.RiskLevelElevated
		}
	}

	return Status{
		Utilization: utilization,
		Level:       level,
		CanTrade:    level != enum.RiskLevelCritical,
	}, nil
}

func ratioPct(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}

	pct := value / limit * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}

	return pct
}
