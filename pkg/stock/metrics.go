package stock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds prometheus collectors for ledger operations.
// A nil *Metrics records nothing.
// 在庫操作のメトリクスを保持
type Metrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lowStock   prometheus.Counter
}

// NewMetrics creates collectors and registers them with reg
// メトリクスを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicstock",
			Name:      "operations_total",
			Help:      "Stock operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicstock",
			Name:      "tx_retries_total",
			Help:      "Atomic units retried after storage contention.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicstock",
			Name:      "operation_duration_seconds",
			Help:      "Duration of atomic stock operations including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		lowStock: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicstock",
			Name:      "low_stock_events_total",
			Help:      "Decreases that left an entity below its reorder threshold.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.retries, m.duration, m.lowStock)
	}
	return m
}

func (m *Metrics) observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) belowThreshold() {
	if m == nil {
		return
	}
	m.lowStock.Inc()
}
