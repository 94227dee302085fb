package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "scada_"

	resultSuccess = "success"
	resultError   = "error"

	pollResultSuccess     = "success"
	pollResultFailed      = "failed"
	pollResultRateLimited = "rate_limited"
	pollResultSkipped     = "skipped"
)

var (
	registerOnce sync.Once

	pollCycles        *prometheus.CounterVec
	pollLatency       *prometheus.HistogramVec
	pollRetries       *prometheus.CounterVec
	rateLimitBackoff  *prometheus.GaugeVec
	persistenceErrors *prometheus.CounterVec
	bufferSize        *prometheus.GaugeVec

	alarmEventsTotal *prometheus.CounterVec
	activeAlarms     *prometheus.GaugeVec

	fanoutClients      prometheus.Gauge
	fanoutPublishTotal *prometheus.CounterVec

	reportExportTotal   *prometheus.CounterVec
	reportExportLatency *prometheus.HistogramVec

	schedulerRuns *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		pollCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Poll cycles by device and result",
			},
			[]string{"device", "result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Poll cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		pollRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_retries_total",
				Help: "Failed read attempts by device",
			},
			[]string{"device"},
		)
		rateLimitBackoff = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "rate_limit_backoff_seconds",
				Help: "Current rate-limit backoff by device",
			},
			[]string{"device"},
		)
		persistenceErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persistence_errors_total",
				Help: "Persistence failures by sink",
			},
			[]string{"sink"},
		)
		bufferSize = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "buffer_samples",
				Help: "Buffered samples by device",
			},
			[]string{"device"},
		)

		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Total alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		activeAlarms = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_alarms",
				Help: "Active alarms by class",
			},
			[]string{"class"},
		)

		fanoutClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "fanout_clients",
				Help: "Connected realtime clients",
			},
		)
		fanoutPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_publish_total",
				Help: "Realtime publishes by transport and result",
			},
			[]string{"transport", "result"},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Total alarm report exports by format and result",
			},
			[]string{"format", "result"},
		)
		reportExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_export_latency_seconds",
				Help:    "Alarm report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		schedulerRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_runs_total",
				Help: "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		)

		prometheus.MustRegister(
			pollCycles,
			pollLatency,
			pollRetries,
			rateLimitBackoff,
			persistenceErrors,
			bufferSize,
			alarmEventsTotal,
			activeAlarms,
			fanoutClients,
			fanoutPublishTotal,
			reportExportTotal,
			reportExportLatency,
			schedulerRuns,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObservePoll records one poll cycle outcome.
func ObservePoll(deviceID, result string, duration time.Duration) {
	if result == "" {
		result = pollResultSuccess
	}
	if pollCycles != nil {
		pollCycles.WithLabelValues(deviceID, result).Inc()
	}
	if pollLatency != nil && result != pollResultSkipped {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncPollRetry counts a failed read attempt.
func IncPollRetry(deviceID string) {
	if pollRetries != nil {
		pollRetries.WithLabelValues(deviceID).Inc()
	}
}

// SetRateLimitBackoff exposes the current backoff of a device.
func SetRateLimitBackoff(deviceID string, backoff time.Duration) {
	if rateLimitBackoff != nil {
		rateLimitBackoff.WithLabelValues(deviceID).Set(backoff.Seconds())
	}
}

// IncPersistenceError counts a swallowed sink failure.
func IncPersistenceError(sink string) {
	if sink == "" {
		sink = "unknown"
	}
	if persistenceErrors != nil {
		persistenceErrors.WithLabelValues(sink).Inc()
	}
}

// SetBufferSize exposes the buffered sample count of a device.
func SetBufferSize(deviceID string, size int) {
	if bufferSize != nil {
		bufferSize.WithLabelValues(deviceID).Set(float64(size))
	}
}

// ForgetDevice drops per-device series after its loop stops.
func ForgetDevice(deviceID string) {
	if rateLimitBackoff != nil {
		rateLimitBackoff.DeleteLabelValues(deviceID)
	}
	if bufferSize != nil {
		bufferSize.DeleteLabelValues(deviceID)
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// SetActiveAlarms sets the active alarm gauge for a class.
func SetActiveAlarms(class string, count int) {
	if activeAlarms != nil {
		activeAlarms.WithLabelValues(class).Set(float64(count))
	}
}

// AddFanoutClients adjusts the connected client gauge.
func AddFanoutClients(delta int) {
	if fanoutClients != nil {
		fanoutClients.Add(float64(delta))
	}
}

// IncFanoutPublish counts a realtime publish.
func IncFanoutPublish(transport, result string) {
	if result == "" {
		result = resultSuccess
	}
	if fanoutPublishTotal != nil {
		fanoutPublishTotal.WithLabelValues(transport, result).Inc()
	}
}

// ObserveReportExport records export latency and result.
func ObserveReportExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
	if reportExportLatency != nil {
		reportExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncSchedulerRun counts a scheduled job run.
func IncSchedulerRun(job, result string) {
	if result == "" {
		result = resultSuccess
	}
	if schedulerRuns != nil {
		schedulerRuns.WithLabelValues(job, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	PollResultSuccess     = pollResultSuccess
	PollResultFailed      = pollResultFailed
	PollResultRateLimited = pollResultRateLimited
	PollResultSkipped     = pollResultSkipped
)
