package handler

import (
	"strconv"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total audit entries appended by action type and whether they were signed.",
	}, []string{"action_type", "signed"})

	ledgerAppendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_append_conflicts_total",
		Help: "Total append attempts that lost a race for the chain head.",
	})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	ledgerBrokenSubjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_broken_subjects",
		Help: "Subjects whose chain failed the most recent integrity pass.",
	})

	ledgerAlertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_alert_deliveries_total",
		Help: "Total integrity alert webhook deliveries by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Instrument wires the ledger's callbacks to the Prometheus collectors.
func Instrument(l *auditchain.Ledger) {
	l.SetAppendRecorder(RecordAppend)
	l.SetConflictRecorder(RecordAppendConflict)
	l.SetVerifyRecorder(RecordVerification)
}

// RecordAppend records a committed audit entry.
func RecordAppend(actionType auditchain.ActionType, signed bool) {
	ledgerAppendsTotal.WithLabelValues(string(actionType), strconv.FormatBool(signed)).Inc()
}

// RecordAppendConflict records an append attempt that must be retried.
func RecordAppendConflict() {
	ledgerAppendConflictsTotal.Inc()
}

// RecordVerification records the outcome of a chain verification.
func RecordVerification(valid bool) {
	if valid {
		ledgerVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		ledgerVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordBrokenSubjects sets the broken-subject gauge after an integrity pass.
func RecordBrokenSubjects(n int) {
	ledgerBrokenSubjects.Set(float64(n))
}

// RecordAlertDelivery records one webhook delivery attempt.
func RecordAlertDelivery(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ledgerAlertDeliveriesTotal.WithLabelValues(result).Inc()
}
