package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "telemetry_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	pointsEmitted *prometheus.CounterVec
	alertsEmitted *prometheus.CounterVec

	idmapRows prometheus.Gauge

	mergedAlerts *prometheus.CounterVec
	pushResults  *prometheus.CounterVec

	processRuns    *prometheus.CounterVec
	processLatency *prometheus.HistogramVec
)

// Init registers pipeline metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		fetchRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_requests_total",
				Help: "Total fetch operations by provider, kind and result",
			},
			[]string{"provider", "kind", "result"},
		)
		fetchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fetch_latency_seconds",
				Help:    "Fetch latency in seconds by provider and kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "kind"},
		)

		pointsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_emitted_total",
				Help: "Total point payloads appended to the warehouse by provider",
			},
			[]string{"provider"},
		)
		alertsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_emitted_total",
				Help: "Total alert payloads appended to the warehouse by provider",
			},
			[]string{"provider"},
		)

		idmapRows = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "idmap_rows",
				Help: "Row count of the last ID map rebuild",
			},
		)

		mergedAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "merged_alerts_total",
				Help: "Total alert rows merged into per-environment tables",
			},
			[]string{"environment"},
		)
		pushResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_results_total",
				Help: "Total platform push attempts by environment and result",
			},
			[]string{"environment", "result"},
		)

		processRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "process_runs_total",
				Help: "Total process job runs by result",
			},
			[]string{"result"},
		)
		processLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "process_latency_seconds",
				Help:    "Process job latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			fetchRequests,
			fetchLatency,
			pointsEmitted,
			alertsEmitted,
			idmapRows,
			mergedAlerts,
			pushResults,
			processRuns,
			processLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveFetch records one device fetch by provider, kind and result.
func ObserveFetch(provider, kind, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if fetchRequests != nil {
		fetchRequests.WithLabelValues(provider, kind, result).Inc()
	}
	if fetchLatency != nil {
		fetchLatency.WithLabelValues(provider, kind).Observe(duration.Seconds())
	}
}

// AddPointsEmitted increments the emitted point counter.
func AddPointsEmitted(provider string, count int) {
	if count <= 0 {
		return
	}
	if pointsEmitted != nil {
		pointsEmitted.WithLabelValues(provider).Add(float64(count))
	}
}

// AddAlertsEmitted increments the emitted alert counter.
func AddAlertsEmitted(provider string, count int) {
	if count <= 0 {
		return
	}
	if alertsEmitted != nil {
		alertsEmitted.WithLabelValues(provider).Add(float64(count))
	}
}

// SetIDMapRows records the row count of an ID map rebuild.
func SetIDMapRows(count int) {
	if idmapRows != nil {
		idmapRows.Set(float64(count))
	}
}

// AddMergedAlerts increments the merged alert counter.
func AddMergedAlerts(environment string, count int64) {
	if count <= 0 {
		return
	}
	if mergedAlerts != nil {
		mergedAlerts.WithLabelValues(environment).Add(float64(count))
	}
}

// IncPushResult increments the platform push counter.
func IncPushResult(environment, result string) {
	if result == "" {
		result = resultSuccess
	}
	if pushResults != nil {
		pushResults.WithLabelValues(environment, result).Inc()
	}
}

// ObserveProcess records one process job run.
func ObserveProcess(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if processRuns != nil {
		processRuns.WithLabelValues(result).Inc()
	}
	if processLatency != nil {
		processLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// registerDBMetrics exposes warehouse connection pool gauges.
func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	open := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open warehouse connections",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	)
	inUse := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_in_use_connections",
			Help: "Warehouse connections currently in use",
		},
		func() float64 { return float64(db.Stats().InUse) },
	)
	waits := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_wait_count",
			Help: "Cumulative warehouse connection waits",
		},
		func() float64 { return float64(db.Stats().WaitCount) },
	)
	if err := prometheus.Register(open); err != nil {
		logger.Printf("metrics: register db_open_connections: %v", err)
	}
	if err := prometheus.Register(inUse); err != nil {
		logger.Printf("metrics: register db_in_use_connections: %v", err)
	}
	if err := prometheus.Register(waits); err != nil {
		logger.Printf("metrics: register db_wait_count: %v", err)
	}
}

// Exported result labels for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
