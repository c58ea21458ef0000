package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dimlake_reconciler_build_info",
		Help: "Build information of the reconciler",
	}, []string{"version", "commit", "date"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimlake_reconciler_runs_total",
		Help: "Total number of reconciliation runs by outcome",
	}, []string{"table_id", "outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dimlake_reconciler_run_duration_seconds",
		Help:    "Duration of reconciliation runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"table_id"})

	RowsReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimlake_reconciler_rows_read_total",
		Help: "Total number of source rows read",
	}, []string{"table_id", "batch"})

	RowsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimlake_reconciler_rows_dropped_total",
		Help: "Total number of source rows dropped during normalization",
	}, []string{"table_id", "batch", "reason"})

	MergePartitionRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dimlake_reconciler_merge_partition_rows",
		Help: "Rows in each merge partition of the last merged run",
	}, []string{"table_id", "partition"})

	SnapshotRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dimlake_reconciler_snapshot_rows",
		Help: "Rows in the last committed snapshot",
	}, []string{"table_id"})

	LastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dimlake_reconciler_last_success_timestamp_seconds",
		Help: "Unix time of the last run that committed a snapshot",
	}, []string{"table_id"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimlake_reconciler_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dimlake_reconciler_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordRun records the outcome and duration of a finished run.
func RecordRun(tableID, outcome string, duration time.Duration) {
	RunsTotal.WithLabelValues(tableID, outcome).Inc()
	RunDuration.WithLabelValues(tableID).Observe(duration.Seconds())
}

// RecordDropped records rows dropped by reason for a batch kind.
func RecordDropped(tableID, batch string, read int, dropped map[string]int) {
	RowsReadTotal.WithLabelValues(tableID, batch).Add(float64(read))
	for reason, n := range dropped {
		RowsDroppedTotal.WithLabelValues(tableID, batch, reason).Add(float64(n))
	}
}

// RecordMerge records partition sizes and the committed snapshot size.
func RecordMerge(tableID string, partitions map[string]int, snapshotRows int, committedAt time.Time) {
	for name, n := range partitions {
		MergePartitionRows.WithLabelValues(tableID, name).Set(float64(n))
	}
	SnapshotRows.WithLabelValues(tableID).Set(float64(snapshotRows))
	LastSuccessTimestamp.WithLabelValues(tableID).Set(float64(committedAt.Unix()))
}

// Middleware records request counts and durations by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
