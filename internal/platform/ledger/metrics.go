package ledger

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

type Metrics struct {
	mutationsTotal        *prometheus.CounterVec
	persistConflictsTotal prometheus.Counter
	persistErrorsTotal    prometheus.Counter
	cacheEntries          prometheus.Gauge
	snapshotsCreatedTotal prometheus.Counter
	snapshotRowsTotal     prometheus.Counter
	rollbacksTotal        prometheus.Counter
	rollbackRowsTotal     prometheus.Counter
	accountsTotal         prometheus.Gauge
	currenciesTotal       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		mutationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "mutations_total",
				Help:      "Total balance mutations partitioned by type, path and result.",
			},
			[]string{"type", "path", "result"},
		),
		persistConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "persist_conflicts_total",
				Help:      "Total asynchronous persists that lost the version race.",
			},
		),
		persistErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "persist_errors_total",
				Help:      "Total asynchronous persists that failed and rolled the cache back.",
			},
		),
		cacheEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "cache_entries",
				Help:      "Current count of loaded balance cache entries.",
			},
		),
		snapshotsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "backup",
				Name:      "snapshots_created_total",
				Help:      "Total backup snapshots created.",
			},
		),
		snapshotRowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "backup",
				Name:      "snapshot_rows_total",
				Help:      "Total account rows written into backup snapshots.",
			},
		),
		rollbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "backup",
				Name:      "rollbacks_total",
				Help:      "Total snapshot rollback operations applied.",
			},
		),
		rollbackRowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_economy",
				Subsystem: "backup",
				Name:      "rollback_rows_total",
				Help:      "Total account rows restored by snapshot rollbacks.",
			},
		),
		accountsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "accounts_total",
				Help:      "Current count of account rows.",
			},
		),
		currenciesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_economy",
				Subsystem: "ledger",
				Name:      "currencies_total",
				Help:      "Current count of non-deleted currencies.",
			},
		),
	}
}

func (m *Metrics) ObserveMutation(typ store.TxType, path string, code Code) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(string(typ), path, string(code)).Inc()
}

func (m *Metrics) ObservePersistConflict() {
	if m == nil {
		return
	}
	m.persistConflictsTotal.Inc()
}

func (m *Metrics) ObservePersistError() {
	if m == nil {
		return
	}
	m.persistErrorsTotal.Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveSnapshotCreated(rows int) {
	if m == nil {
		return
	}
	m.snapshotsCreatedTotal.Inc()
	m.snapshotRowsTotal.Add(float64(rows))
}

func (m *Metrics) ObserveRollback(rows int) {
	if m == nil {
		return
	}
	m.rollbacksTotal.Inc()
	m.rollbackRowsTotal.Add(float64(rows))
}

// RefreshStoreCounts reloads the DB-derived gauges. Callers run it from a
// background ticker; a query failure leaves the previous values standing.
func (m *Metrics) RefreshStoreCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  (SELECT COUNT(*) FROM account) AS accounts,
  (SELECT COUNT(*) FROM currency WHERE deleted = FALSE) AS currencies
`
	var accounts int64
	var currencies int64
	if err := db.QueryRowContext(ctx, q).Scan(&accounts, &currencies); err != nil {
		return
	}
	m.accountsTotal.Set(float64(accounts))
	m.currenciesTotal.Set(float64(currencies))
}
