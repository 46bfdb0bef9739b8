// Package metrics exposes Prometheus metrics for the orchestrator's loops
// and trade lifecycle events, served at /metrics per SPEC_FULL.md §10.
//
// Grounded on the teacher's metrics.go (package-level CounterVec/GaugeVec
// instances registered in init(), thin Inc/Set helpers called from the
// business logic), extended with the label dimensions SPEC_FULL.md §10
// names: trades by status, TP/DCA fills, exit reasons, batch-cap
// cancellations, zone snaps, safety re-arms, closed-pnl sync.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TradesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signaldca_trades_by_status",
			Help: "Active trades grouped by lifecycle status.",
		},
		[]string{"status"},
	)

	TradesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_trades_opened_total",
			Help: "Trades admitted and opened, by side.",
		},
		[]string{"side"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_trades_closed_total",
			Help: "Trades closed, by result and reason.",
		},
		[]string{"result", "reason"}, // result: win|loss|breakeven
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaldca_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD.",
		},
	)

	DCAFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_dca_fills_total",
			Help: "DCA level fills, by level.",
		},
		[]string{"level"},
	)

	TPFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_tp_fills_total",
			Help: "Take-profit leg fills, by tp set (signal|dca) and leg.",
		},
		[]string{"set", "leg"},
	)

	BatchCapCancellations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signaldca_batch_cap_cancellations_total",
			Help: "Sibling entries cancelled because a batch hit max_fills_per_batch.",
		},
	)

	ZoneSnaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_zone_snaps_total",
			Help: "DCA levels snapped to a zone price instead of fixed spacing.",
		},
		[]string{"symbol"},
	)

	SafetyRearms = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signaldca_safety_rearms_total",
			Help: "Stop-loss re-arms issued by the safety loop.",
		},
	)

	ClosedPnLSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signaldca_closed_pnl_synced_total",
			Help: "Exchange-side closes imported by the closed-pnl sync loop.",
		},
	)

	ExchangeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldca_exchange_errors_total",
			Help: "Exchange call errors, by loop.",
		},
		[]string{"loop"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaldca_equity_usd",
			Help: "Current account equity in USD.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TradesByStatus, TradesOpened, TradesClosed, RealizedPnL,
		DCAFills, TPFills, BatchCapCancellations, ZoneSnaps,
		SafetyRearms, ClosedPnLSynced, ExchangeErrors, Equity,
	)
}

func IncDCAFill(level int)                 { DCAFills.WithLabelValues(strconv.Itoa(level)).Inc() }
func IncTPFill(set string, leg int)        { TPFills.WithLabelValues(set, strconv.Itoa(leg)).Inc() }
func IncZoneSnap(symbol string)            { ZoneSnaps.WithLabelValues(symbol).Inc() }
func IncExchangeError(loop string)         { ExchangeErrors.WithLabelValues(loop).Inc() }
func IncTradeClosed(result, reason string) { TradesClosed.WithLabelValues(result, reason).Inc() }
func IncTradeOpened(side string)           { TradesOpened.WithLabelValues(side).Inc() }
