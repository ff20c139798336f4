package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the bot's trading counters. A nil *Metrics is a no-op,
// so tests can pass nil without stubbing.
type Metrics struct {
	orders         *prometheus.CounterVec
	orderFailures  *prometheus.CounterVec
	riskRejections *prometheus.CounterVec
	legs           *prometheus.CounterVec
	rotations      prometheus.Counter
	openPositions  prometheus.Gauge
	portfolioValue prometheus.Gauge
	drawdownPct    prometheus.Gauge

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed, by side and mode",
		}, []string{"mode", "side"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_failures_total",
			Help: "Order placement failures by error kind",
		}, []string{"kind"}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_rejections_total",
			Help: "Risk validator rejections by gate",
		}, []string{"gate"}),
		legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_scale_legs_total",
			Help: "Scale legs by terminal status",
		}, []string{"status"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_basket_rotations_total",
			Help: "Basket rotations executed",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Currently open positions",
		}),
		portfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_portfolio_value_usd",
			Help: "Portfolio value in USD",
		}),
		drawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_drawdown_pct",
			Help: "Drawdown from peak equity in percent",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.orders, m.orderFailures, m.riskRejections, m.legs,
		m.rotations, m.openPositions, m.portfolioValue, m.drawdownPct,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncOrder(mode, side string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(mode, side).Inc()
}

func (m *Metrics) IncOrderFailure(kind string) {
	if m == nil {
		return
	}
	m.orderFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRiskRejection(gate string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(gate).Inc()
}

func (m *Metrics) AddLegs(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.legs.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) IncRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) SetPortfolio(value, drawdownPct float64) {
	if m == nil {
		return
	}
	m.portfolioValue.Set(value)
	m.drawdownPct.Set(drawdownPct)
}
