package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка
// ============================================================
//
// Отдаются на /metrics. Режим (paper/live) в метки не входит:
// процесс работает ровно в одном режиме.

// ============ Сигналы и риск ============

// SignalsTotal - сигналы по исходу конвейера
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "pipeline",
		Name:      "signals_total",
		Help:      "Total number of processed signals by outcome",
	},
	[]string{"outcome"}, // opened, increased, reversed, closed, noop, rejected, invalid, error
)

// RiskRejections - отказы по правилам
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Number of rejected signals by rule",
	},
	[]string{"rule"},
)

// ============ Ордера ============

// OrderLatency - время от отправки ордера до ответа площадки
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradeengine",
		Subsystem: "orders",
		Name:      "latency_ms",
		Help:      "Order placement latency in milliseconds",
		Buckets:   []float64{1, 5, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	},
	[]string{"mode", "type"},
)

// OrdersTotal - ордера по итоговому статусу
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "orders",
		Name:      "total",
		Help:      "Total number of orders by resulting status",
	},
	[]string{"mode", "status"},
)

// ============ Состояние ============

// BreakerState - 0 closed, 1 half_open, 2 open
var BreakerState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeengine",
		Subsystem: "risk",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	},
)

// OpenPositions - число открытых позиций
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeengine",
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// Equity - баланс плюс нереализованный PnL
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeengine",
		Subsystem: "portfolio",
		Name:      "equity_usdt",
		Help:      "Portfolio equity in USDT",
	},
)

// DailyPnL - реализованный PnL текущего торгового дня
var DailyPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeengine",
		Subsystem: "portfolio",
		Name:      "daily_realized_pnl_usdt",
		Help:      "Realized PnL of the current trading day in USDT",
	},
)

// StreamConnected - состояние потоков брокера
var StreamConnected = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradeengine",
		Subsystem: "exchange",
		Name:      "stream_connected",
		Help:      "Broker stream connection status (1=connected, 0=disconnected)",
	},
	[]string{"stream"}, // user, ticker
)

// ============ Сверка ============

// ReconcileRuns - проходы сверки
var ReconcileRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Number of reconciliation passes",
	},
	[]string{"trigger", "result"}, // result: clean, corrected, failed
)

// ReconcileDiscrepancies - найденные расхождения
var ReconcileDiscrepancies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "reconcile",
		Name:      "discrepancies_total",
		Help:      "Number of discrepancies found by reconciliation",
	},
	[]string{"kind"},
)

// ============ Надёжность ============

// LoopRestarts - перезапуски фоновых циклов супервизором
var LoopRestarts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "runtime",
		Name:      "loop_restarts_total",
		Help:      "Number of supervised loop restarts",
	},
	[]string{"loop"},
)

// PoisonedLocks - паники под блокировкой символа
var PoisonedLocks = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "runtime",
		Name:      "poisoned_locks_total",
		Help:      "Number of panics recovered inside a symbol section",
	},
)

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeengine",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // ticker, user_event
)

// ============ Вспомогательные функции ============

// RecordSignal записывает исход обработки сигнала
func RecordSignal(outcome string) {
	SignalsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejection записывает отказ по правилу
func RecordRejection(rule RejectReason) {
	RiskRejections.WithLabelValues(string(rule)).Inc()
}

// RecordOrder записывает латентность и итоговый статус ордера
func RecordOrder(mode, orderType, status string, latencyMs float64) {
	OrderLatency.WithLabelValues(mode, orderType).Observe(latencyMs)
	OrdersTotal.WithLabelValues(mode, status).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// UpdateStreamStatus обновляет статус потока брокера
func UpdateStreamStatus(stream string, connected bool) {
	if connected {
		StreamConnected.WithLabelValues(stream).Set(1)
	} else {
		StreamConnected.WithLabelValues(stream).Set(0)
	}
}

// UpdatePortfolioGauges обновляет метрики портфеля по снимку
func UpdatePortfolioGauges(equity, dailyPnL float64, positions int) {
	Equity.Set(equity)
	DailyPnL.Set(dailyPnL)
	OpenPositions.Set(float64(positions))
}
