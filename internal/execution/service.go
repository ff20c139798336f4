package execution

import (
	"context"
	"errors"
	"fmt"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/allocation"
	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/risk"
	"main/pkg/exception"
	"main/pkg/retry"
)

const _fallbackStopPct = 5

// Exchange is the gateway surface the service needs.
type Exchange interface {
	Price(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, side enum.Side, symbol string, qty float64) (model.Fill, error)
	Sandbox() bool
}

// StatusFunc returns the live kill-switch state. Re-read before every
// order so a config reload takes effect without a restart.
type StatusFunc func() enum.TradingStatus

// BuyRequest is one sized entry decision handed to the service.
type BuyRequest struct {
	Asset          string
	AmountUsd      float64
	StopLossPct    float64
	TakeProfitPct  float64
	PortfolioValue float64
	DailyPnl       float64
	DecisionID     string
}

// Result reports what actually happened, including every sizing reduction
// applied along the way. A skip is a normal outcome, not an error.
type Result struct {
	Executed bool
	Position *model.Position
	Fill     model.Fill
	Reasons  []string
}

// Service is the single write path to the exchange. Every order passes
// the kill switch, the duplicate guard, allocation caps and the risk
// gates, in that order.
type Service struct {
	store     ledger.Store
	exchange  Exchange
	alloc     *allocation.Manager
	validator *risk.Validator
	status    StatusFunc
	policy    retry.Policy
	metrics   *obs.Metrics
}

func NewService(store ledger.Store, ex Exchange, alloc *allocation.Manager, validator *risk.Validator, status StatusFunc, retryCfg ops.RetryConfig, metrics *obs.Metrics) *Service {
	return &Service{
		store:     store,
		exchange:  ex,
		alloc:     alloc,
		validator: validator,
		status:    status,
		policy: retry.Policy{
			MaxAttempts: retryCfg.MaxAttempts,
			BackoffBase: retryCfg.BackoffBase,
			BackoffCap:  retryCfg.BackoffCap,
			Retryable: func(err error) bool {
				return errors.Is(err, exception.ErrRateLimited)
			},
		},
		metrics: metrics,
	}
}

// Authorization is the gate verdict for a prospective buy, sized in USD.
type Authorization struct {
	Approved  bool
	AmountUsd float64
	Reasons   []string
}

// AuthorizeBuy runs the kill switch, the duplicate guard, allocation caps
// and the risk gates without placing an order. Every entry path goes
// through it; scaled entries use the approved USD amount to size their
// legs before handing off to the scale manager.
func (s *Service) AuthorizeBuy(ctx context.Context, req BuyRequest) (Authorization, error) {
	if status := s.status(); !status.Enabled() {
		return Authorization{Reasons: []string{fmt.Sprintf("trading disabled: status %s", status)}}, nil
	}
	if req.AmountUsd <= 0 {
		return Authorization{Reasons: []string{"non-positive amount requested"}}, nil
	}

	if _, err := s.store.OpenPosition(ctx, req.Asset); err == nil {
		return Authorization{Reasons: []string{"position already open for " + req.Asset}}, nil
	} else if !errors.Is(err, exception.ErrPositionNotFound) {
		return Authorization{}, err
	}

	open, err := s.store.OpenPositions(ctx)
	if err != nil {
		return Authorization{}, err
	}

	auth := Authorization{}

	tier := s.alloc.TierOf(req.Asset)
	capacity := s.alloc.Capacity(tier, req.PortfolioValue, s.alloc.CurrentAllocation(open, tier), req.AmountUsd)
	if capacity.Reason != "" {
		auth.Reasons = append(auth.Reasons, capacity.Reason)
	}
	if capacity.Approved <= 0 {
		s.metrics.IncRiskRejection("allocation")
		return auth, nil
	}

	verdict, err := s.validator.Validate(ctx, req.Asset, capacity.Approved, req.PortfolioValue, open, req.DailyPnl)
	if err != nil {
		return Authorization{}, err
	}
	auth.Reasons = append(auth.Reasons, verdict.Rejections...)
	auth.Reasons = append(auth.Reasons, verdict.Warnings...)
	if !verdict.Approved {
		for range verdict.Rejections {
			s.metrics.IncRiskRejection("risk")
		}
		return auth, nil
	}

	auth.Approved = true
	auth.AmountUsd = verdict.MaxAllowedSize
	return auth, nil
}

// ExecuteBuy validates, sizes and places one entry. The final size may be
// smaller than requested; every reduction is recorded in Reasons.
func (s *Service) ExecuteBuy(ctx context.Context, req BuyRequest) (Result, error) {
	auth, err := s.AuthorizeBuy(ctx, req)
	if err != nil {
		return Result{}, err
	}

	result := Result{Reasons: auth.Reasons}
	if !auth.Approved {
		return result, nil
	}

	price, err := s.exchange.Price(ctx, req.Asset)
	if err != nil {
		return Result{}, yerrors.Wrap(err, "quote "+req.Asset)
	}

	fill, err := s.place(ctx, enum.SideBuy, req.Asset, auth.AmountUsd/price)
	if err != nil {
		return Result{}, err
	}

	position := &model.Position{
		Asset:      req.Asset,
		Side:       enum.SideBuy,
		Status:     enum.PositionStatusOpen,
		EntryPrice: fill.AvgPrice,
		Size:       fill.FilledSize,
		EntryTime:  fill.Time,
		StopLoss:   stopLossFor(fill.AvgPrice, req.StopLossPct),
		OrderID:    fill.OrderID,
	}
	if req.TakeProfitPct > 0 {
		tp := fill.AvgPrice * (1 + req.TakeProfitPct/100)
		position.TakeProfit = &tp
	}

	if err := s.store.CreateOpenPosition(ctx, position); err != nil {
		if errors.Is(err, exception.ErrDuplicatePosition) {
			// Lost the race after the fill; unwind immediately.
			logs.Errorf("duplicate open position for %s after fill %s, selling back", req.Asset, fill.OrderID)
			if _, unwindErr := s.place(ctx, enum.SideSell, req.Asset, fill.FilledSize); unwindErr != nil {
				return Result{}, yerrors.Wrap(unwindErr, "unwind duplicate fill")
			}
			result.Reasons = append(result.Reasons, "position already open for "+req.Asset)
			return result, nil
		}
		return Result{}, err
	}

	logs.Infof("opened %s: %.8f @ %.2f (%.2f USD), stop %.2f",
		req.Asset, position.Size, position.EntryPrice, fill.Notional(), position.StopLoss)

	result.Executed = true
	result.Position = position
	result.Fill = fill
	return result, nil
}

// ExecuteSell sells amountToken of the asset's open position at market.
// A non-positive amount, or one at or above the remaining size, closes the
// position; a smaller amount shrinks it and leaves it OPEN.
func (s *Service) ExecuteSell(ctx context.Context, asset string, amountToken float64, reason string) (Result, error) {
	position, err := s.store.OpenPosition(ctx, asset)
	if err != nil {
		return Result{}, err
	}
	if amountToken <= 0 || amountToken >= position.Size {
		return s.ClosePosition(ctx, position, reason)
	}

	fill, err := s.place(ctx, position.Side.Opposite(), asset, amountToken)
	if err != nil {
		return Result{}, err
	}

	position.Size -= fill.FilledSize
	position.RealizedPnl += (fill.AvgPrice - position.EntryPrice) * fill.FilledSize
	if err := s.store.UpdatePosition(ctx, position); err != nil {
		return Result{}, err
	}

	logs.Infof("partial sell %s (%s): %.8f @ %.2f, %.8f remaining",
		position.Asset, reason, fill.FilledSize, fill.AvgPrice, position.Size)

	return Result{Executed: true, Position: position, Fill: fill}, nil
}

// ClosePosition sells the position's full remaining size and records the
// realized P&L. The kill switch does not block closes; exits must always
// be possible.
func (s *Service) ClosePosition(ctx context.Context, position *model.Position, reason string) (Result, error) {
	if position == nil || !position.IsOpen() {
		return Result{}, exception.ErrPositionNotFound
	}

	fill, err := s.place(ctx, position.Side.Opposite(), position.Asset, position.Size)
	if err != nil {
		return Result{}, err
	}

	exitPrice := fill.AvgPrice
	now := fill.Time
	position.Status = enum.PositionStatusClosed
	position.ExitPrice = &exitPrice
	position.ExitTime = &now
	position.ExitReason = reason
	// Accumulate so earlier partial sells keep their realized share.
	position.RealizedPnl += (exitPrice - position.EntryPrice) * fill.FilledSize
	if position.EntryPrice > 0 {
		position.PnlPct = (exitPrice - position.EntryPrice) / position.EntryPrice * 100
	}

	if err := s.store.UpdatePosition(ctx, position); err != nil {
		return Result{}, err
	}

	logs.Infof("closed %s (%s): %.8f @ %.2f, pnl %.2f (%.2f%%)",
		position.Asset, reason, fill.FilledSize, exitPrice, position.RealizedPnl, position.PnlPct)

	return Result{Executed: true, Position: position, Fill: fill}, nil
}

// place wraps the gateway call with the rate-limit retry policy.
func (s *Service) place(ctx context.Context, side enum.Side, asset string, qty float64) (model.Fill, error) {
	var fill model.Fill
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var placeErr error
		fill, placeErr = s.exchange.PlaceMarketOrder(ctx, side, asset, qty)
		return placeErr
	})
	if err != nil {
		s.metrics.IncOrderFailure(failureKind(err))
		return model.Fill{}, err
	}

	s.metrics.IncOrder(s.mode(), string(side))
	return fill, nil
}

func (s *Service) mode() string {
	if s.exchange.Sandbox() {
		return "sandbox"
	}

	return "live"
}

// stopLossFor falls back to a hard stop below the fill when the caller
// provided none.
func stopLossFor(fillPrice, stopPct float64) float64 {
	if stopPct <= 0 {
		stopPct = _fallbackStopPct
	}

	return fillPrice * (1 - stopPct/100)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, exception.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, exception.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, exception.ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, exception.ErrConnectivity):
		return "connectivity"
	case errors.Is(err, exception.ErrOrderRejected):
		return "rejected"
	default:
		return "other"
	}
}

// RetryingPlacer wraps the gateway with the same rate-limit retry policy
// the service uses, for collaborators that place orders directly.
type RetryingPlacer struct {
	ex      Exchange
	policy  retry.Policy
	metrics *obs.Metrics
}

func NewRetryingPlacer(ex Exchange, retryCfg ops.RetryConfig, metrics *obs.Metrics) *RetryingPlacer {
	return &RetryingPlacer{
		ex: ex,
		policy: retry.Policy{
			MaxAttempts: retryCfg.MaxAttempts,
			BackoffBase: retryCfg.BackoffBase,
			BackoffCap:  retryCfg.BackoffCap,
			Retryable: func(err error) bool {
				return errors.Is(err, exception.ErrRateLimited)
			},
		},
		metrics: metrics,
	}
}

func (p *RetryingPlacer) PlaceMarketOrder(ctx context.Context, side enum.Side, symbol string, qty float64) (model.Fill, error) {
	var fill model.Fill
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		var placeErr error
		fill, placeErr = p.ex.PlaceMarketOrder(ctx, side, symbol, qty)
		return placeErr
	})
	if err != nil {
		p.metrics.IncOrderFailure(failureKind(err))
		return model.Fill{}, err
	}

	mode := "live"
	if p.ex.Sandbox() {
		mode = "sandbox"
	}
	p.metrics.IncOrder(mode, string(side))
	return fill, nil
}

// ProtectionCycle enforces stops and take-profits on open positions. It
// runs before new entries each cycle so risk exits are never starved.
func (s *Service) ProtectionCycle(ctx context.Context, priceOf func(symbol string) (float64, bool)) (int, error) {
	open, err := s.store.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range open {
		p := &open[i]
		price, ok := priceOf(p.Asset)
		if !ok {
			continue
		}

		switch {
		case p.StopLoss > 0 && price <= p.StopLoss:
			if _, err := s.ClosePosition(ctx, p, "STOP_LOSS"); err != nil {
				logs.Errorf("stop-loss close failed for %s: %+v", p.Asset, err)
				continue
			}
			closed++
		case p.TakeProfit != nil && price >= *p.TakeProfit:
			if _, err := s.ClosePosition(ctx, p, "TAKE_PROFIT"); err != nil {
				logs.Errorf("take-profit close failed for %s: %+v", p.Asset, err)
				continue
			}
			closed++
		}
	}

	return closed, nil
}
