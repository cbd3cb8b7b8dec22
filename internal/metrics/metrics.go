// Package metrics содержит метрики Prometheus кассового ядра.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zipos"

// ─── Stock ledger ───────────────────────────────────────────────────────────

// Reservations считает попытки резервирования по результату.
var Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "reservations_total",
	Help:      "Stock reservation attempts by result.",
}, []string{"result"})

// StockCommits считает фиксации резервов, изменившие остаток.
var StockCommits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "commits_total",
	Help:      "Reservations committed to stock.",
})

// StockAdjustments считает прямые корректировки остатков по причине.
var StockAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "adjustments_total",
	Help:      "Direct stock adjustments by reason.",
}, []string{"reason"})

// StockAlerts считает созданные предупреждения об остатках.
var StockAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "alerts_raised_total",
	Help:      "Stock alerts raised by type.",
}, []string{"type"})

// ─── Checkout ───────────────────────────────────────────────────────────────

// Checkouts считает завершённые попытки оформления по результату.
var Checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "checkout",
	Name:      "total",
	Help:      "Checkout attempts by outcome.",
}, []string{"result"})

// Refunds считает оформленные возвраты.
var Refunds = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "checkout",
	Name:      "refunds_total",
	Help:      "Refund transactions recorded.",
})

// ─── Sync queue ─────────────────────────────────────────────────────────────

// SyncRecords считает отправленные записи по результату.
var SyncRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "records_total",
	Help:      "Records submitted to the remote system by result.",
}, []string{"result"})

// SyncQueueDepth показывает количество записей очереди по статусу.
var SyncQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "queue_depth",
	Help:      "Sync queue entries by status.",
}, []string{"status"})

// SyncDrainDuration измеряет длительность одного прохода очереди.
var SyncDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "drain_duration_seconds",
	Help:      "Duration of a single sync queue drain.",
	Buckets:   prometheus.DefBuckets,
})
