package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"main/internal/basket"
	"main/internal/exchange"
	"main/internal/execution"
	"main/internal/ingest"
	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/portfolio"
	"main/internal/risk"
	"main/internal/scale"
)

// trader drives the evaluation loop: ticks trigger scale legs, the
// scheduler runs protection then snapshots, and the ops endpoint accepts
// upstream decisions.
type trader struct {
	runtime   *runtimeConfig
	store     ledger.Store
	gateway   *exchange.Gateway
	tracker   *portfolio.Tracker
	validator *risk.Validator
	baskets   *basket.Manager
	execSvc   *execution.Service
	scaleMgr  *scale.Manager
	trailing  *scale.TrailingStops
	feed      *ingest.PriceFeed
	metrics   *obs.Metrics
}

// handleTick records the price and fires any scale legs it makes eligible.
// Leg failures log and continue; the next tick re-evaluates.
func (t *trader) handleTick(tick model.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.tracker.RecordPrice(tick.Symbol, tick.Price)

	eligible, err := t.scaleMgr.OnPriceTick(ctx, tick.Symbol, tick.Price)
	if err != nil {
		logs.Errorf("tick evaluation failed for %s: %+v", tick.Symbol, err)
		return
	}

	tripped, err := t.scaleMgr.ObserveTrailing(ctx, t.trailing, tick.Symbol, tick.Price)
	if err != nil {
		logs.Errorf("trailing evaluation failed for %s: %+v", tick.Symbol, err)
	}
	eligible = append(eligible, tripped...)

	for _, leg := range eligible {
		if err := t.scaleMgr.ExecuteLeg(ctx, leg.ScaledPositionID, leg.LegNumber); err != nil {
			logs.Errorf("leg %d of scaled position %d failed: %+v", leg.LegNumber, leg.ScaledPositionID, err)
			continue
		}
		if leg.Trigger.IsEntry() {
			continue
		}
		t.forgetIfComplete(ctx, leg.ScaledPositionID)
	}
}

func (t *trader) forgetIfComplete(ctx context.Context, scaledID uint) {
	sp, err := t.store.ScaledPosition(ctx, scaledID)
	if err != nil || sp.Active {
		return
	}
	t.trailing.Forget(scaledID)
}

// runScheduler runs the periodic cycle: protection first, then portfolio
// accounting. New entries only arrive through the decision endpoint, so
// exits can never be starved by entries.
func (t *trader) runScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runCycle(ctx)
		}
	}
}

func (t *trader) runCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := t.scaleMgr.ExpireStaleLegs(ctx); err != nil {
		logs.Errorf("expire stale legs failed: %+v", err)
	}

	if closed, err := t.execSvc.ProtectionCycle(ctx, t.priceOf); err != nil {
		logs.Errorf("protection cycle failed: %+v", err)
	} else if closed > 0 {
		logs.Infof("protection cycle closed %d positions", closed)
	}

	t.reconcileScaled(ctx)
	t.recordPortfolio(ctx)
}

// reconcileScaled cancels pending legs of any scaled position whose linked
// position was closed outside the scale path (stop, take-profit or rotation).
func (t *trader) reconcileScaled(ctx context.Context) {
	active, err := t.store.ActiveScaledPositions(ctx)
	if err != nil {
		logs.Errorf("list active scaled positions failed: %+v", err)
		return
	}

	for i := range active {
		sp := &active[i]
		if sp.PositionID == nil {
			continue
		}
		position, err := t.store.Position(ctx, *sp.PositionID)
		if err != nil || position.IsOpen() {
			continue
		}
		if _, err := t.scaleMgr.CancelRemaining(ctx, sp.ID, "position closed outside scale path"); err != nil {
			logs.Errorf("cancel scale-out %d failed: %+v", sp.ID, err)
			continue
		}
		t.trailing.Forget(sp.ID)
	}
}

// priceOf prefers the streamed price and falls back to a REST quote.
func (t *trader) priceOf(symbol string) (float64, bool) {
	if t.feed != nil {
		if price, ok := t.feed.Latest(symbol); ok {
			return price, true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	price, err := t.gateway.Price(ctx, symbol)
	if err != nil {
		logs.Warnf("no price for %s: %+v", symbol, err)
		return 0, false
	}

	return price, true
}

// recordPortfolio snapshots equity and refreshes the gauges.
func (t *trader) recordPortfolio(ctx context.Context) {
	open, err := t.store.OpenPositions(ctx)
	if err != nil {
		logs.Errorf("list open positions failed: %+v", err)
		return
	}

	value, err := t.gateway.Balance(ctx, "USD")
	if err != nil {
		logs.Warnf("balance fetch failed, valuing positions only: %+v", err)
	}
	for i := range open {
		price, ok := t.priceOf(open[i].Asset)
		if !ok {
			price = open[i].EntryPrice
		}
		value += open[i].Size * price
	}

	dailyPnl, err := t.dailyPnl(ctx)
	if err != nil {
		logs.Errorf("daily pnl failed: %+v", err)
		return
	}

	snapshot, err := t.tracker.RecordSnapshot(ctx, value, len(open), dailyPnl)
	if err != nil {
		logs.Errorf("record snapshot failed: %+v", err)
		return
	}

	t.metrics.SetOpenPositions(len(open))
	t.metrics.SetPortfolio(snapshot.Value, snapshot.DrawdownPct)
}

func (t *trader) dailyPnl(ctx context.Context) (float64, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return t.store.RealizedPnlSince(ctx, midnight)
}

// decisionRequest is the ops-endpoint form of an upstream decision.
type decisionRequest struct {
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	AmountUsd   float64 `json:"amountUsd"`
	StopLossPct float64 `json:"stopLossPct"`
	Confidence  float64 `json:"confidence"`
	Scaled      bool    `json:"scaled"`
	Momentum    float64 `json:"momentum"`
	DecisionID  string  `json:"decisionId"`
}

// signal converts the wire form into the typed decision record.
func (r decisionRequest) signal() model.DecisionSignal {
	return model.DecisionSignal{
		Symbol:            strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Action:            enum.DecisionAction(strings.ToUpper(strings.TrimSpace(r.Action))),
		Confidence:        r.Confidence,
		SuggestedStopLoss: r.StopLossPct,
	}
}

type decisionResponse struct {
	Executed bool     `json:"executed"`
	Reasons  []string `json:"reasons,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// serveOps exposes /metrics, /healthz, /risk and the decision endpoint.
func serveOps(ctx context.Context, addr string, metrics *obs.Metrics, app *trader) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/risk", app.handleRiskStatus)
	mux.HandleFunc("/decision", app.handleDecision)

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("ops server failed: %+v", err)
	}
}

func (t *trader) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := t.store.OpenPositions(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	snapshot, err := t.store.LatestSnapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	value, dailyPnl := 0.0, 0.0
	if snapshot != nil {
		value, dailyPnl = snapshot.Value, snapshot.DailyPnl
	}

	status, err := t.validator.Status(ctx, value, open, dailyPnl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(status)
}

// handleDecision applies one upstream decision: basket gate, then a direct
// or scaled entry for BUY, or a close for SELL.
func (t *trader) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decisionRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	resp := t.applyDecision(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(resp)
}

func (t *trader) applyDecision(ctx context.Context, req decisionRequest) decisionResponse {
	signal := req.signal()
	switch signal.Action {
	case enum.DecisionActionSell:
		result, err := t.execSvc.ExecuteSell(ctx, signal.Symbol, 0, "DECISION_SELL")
		if err != nil {
			return decisionResponse{Error: err.Error()}
		}
		return decisionResponse{Executed: result.Executed, Reasons: result.Reasons}
	case enum.DecisionActionBuy:
	default:
		return decisionResponse{Reasons: []string{"action " + req.Action + " is a hold"}}
	}

	snapshot, err := t.store.LatestSnapshot(ctx)
	if err != nil {
		return decisionResponse{Error: err.Error()}
	}
	value := 0.0
	if snapshot != nil {
		value = snapshot.Value
	}
	dailyPnl, err := t.dailyPnl(ctx)
	if err != nil {
		return decisionResponse{Error: err.Error()}
	}

	buyReq := execution.BuyRequest{
		Asset:          signal.Symbol,
		AmountUsd:      req.AmountUsd,
		StopLossPct:    signal.SuggestedStopLoss,
		PortfolioValue: value,
		DailyPnl:       dailyPnl,
		DecisionID:     req.DecisionID,
	}

	open, err := t.store.OpenPositions(ctx)
	if err != nil {
		return decisionResponse{Error: err.Error()}
	}
	if !t.baskets.CanOpenNew(len(open)) {
		tech := model.TechnicalSignal{Symbol: signal.Symbol, Momentum: req.Momentum}
		rotation := t.evaluateRotation(ctx, tech, open)
		if !rotation.Rotate {
			return decisionResponse{Reasons: []string{"basket full: " + rotation.Reason}}
		}

		// The candidate must clear the entry gates before the weakest
		// holding is given up for it.
		auth, err := t.execSvc.AuthorizeBuy(ctx, buyReq)
		if err != nil {
			return decisionResponse{Error: err.Error()}
		}
		if !auth.Approved {
			return decisionResponse{Reasons: append(auth.Reasons, "rotation aborted: candidate rejected")}
		}

		weakest, err := t.store.Position(ctx, rotation.Weakest.PositionID)
		if err != nil {
			return decisionResponse{Error: err.Error()}
		}
		if _, err := t.execSvc.ClosePosition(ctx, weakest, "BASKET_ROTATION"); err != nil {
			return decisionResponse{Error: err.Error()}
		}
		t.metrics.IncRotation()
	}

	if req.Scaled {
		auth, err := t.execSvc.AuthorizeBuy(ctx, buyReq)
		if err != nil {
			return decisionResponse{Error: err.Error()}
		}
		if !auth.Approved {
			return decisionResponse{Reasons: auth.Reasons}
		}

		price, ok := t.priceOf(signal.Symbol)
		if !ok {
			return decisionResponse{Reasons: []string{"no price available for " + signal.Symbol}}
		}
		if _, err := t.scaleMgr.CreateScaledEntry(ctx, signal.Symbol, auth.AmountUsd, price, req.DecisionID); err != nil {
			return decisionResponse{Error: err.Error()}
		}
		return decisionResponse{Executed: true, Reasons: auth.Reasons}
	}

	result, err := t.execSvc.ExecuteBuy(ctx, buyReq)
	if err != nil {
		return decisionResponse{Error: err.Error()}
	}

	return decisionResponse{Executed: result.Executed, Reasons: result.Reasons}
}

// evaluateRotation scores the basket and the candidate with live prices.
func (t *trader) evaluateRotation(ctx context.Context, tech model.TechnicalSignal, open []model.Position) basket.Rotation {
	now := time.Now().UTC()
	scores := make([]basket.Score, 0, len(open))
	for i := range open {
		price, ok := t.priceOf(open[i].Asset)
		if !ok {
			price = open[i].EntryPrice
		}
		scores = append(scores, t.baskets.ScorePosition(&open[i], price, 50, now))
	}

	// A fresh candidate has no P&L or age edge yet; momentum carries it.
	newScore := 50*0.4 + 70*0.2 + clamp100(tech.Momentum)*0.4
	return t.baskets.ShouldRotate(newScore, scores, open, now)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
