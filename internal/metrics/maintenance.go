package metrics

import "github.com/prometheus/client_golang/prometheus"

// Maintenance Prometheus metrics.
var (
	ConsistencyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veckeep",
			Name:      "consistency_checks_total",
			Help:      "Total number of full consistency checks",
		},
		[]string{"status"}, // consistent / inconsistent / error
	)

	RepairActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veckeep",
			Name:      "repair_actions_total",
			Help:      "Total number of auto-repair actions",
		},
		[]string{"action", "result"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veckeep",
			Name:      "transactions_total",
			Help:      "Total number of transactional operations",
		},
		[]string{"operation", "outcome"}, // completed / rolled_back / rollback_failed
	)

	RenameTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veckeep",
			Name:      "rename_tasks_total",
			Help:      "Total number of rename tasks by terminal status",
		},
		[]string{"status"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veckeep",
			Name:      "backup_duration_seconds",
			Help:      "Backup creation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	PendingCleanupEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veckeep",
			Name:      "pending_cleanup_entries",
			Help:      "Segment directories waiting for deferred cleanup",
		},
	)
)

var maintenanceRegistered bool

// RegisterMaintenanceMetrics registers the maintenance metrics. Must be
// called once from main.
func RegisterMaintenanceMetrics() {
	if maintenanceRegistered {
		return
	}
	prometheus.MustRegister(ConsistencyChecksTotal)
	prometheus.MustRegister(RepairActionsTotal)
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(RenameTasksTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(PendingCleanupEntries)
	maintenanceRegistered = true
}
