package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/submit"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	deliveryAttemptTotal atomic.Int64
	deliveryAckedTotal   atomic.Int64
	deliveryRetryTotal   atomic.Int64
	deliveryFailedTotal  atomic.Int64

	flushPassTotal  atomic.Int64
	flushErrorTotal atomic.Int64

	submitCreatedTotal         atomic.Int64
	submitQueuedOfflineTotal   atomic.Int64
	submitQueuedTransientTotal atomic.Int64
	submitRejectedTotal        atomic.Int64

	// online is -1 before the first connectivity observation.
	online atomic.Int64

	queueStats func(context.Context) queue.Stats
	start      time.Time
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{start: time.Now()}
	m.online.Store(-1)
	return m
}

func (m *runtimeMetrics) observeAttempt(outcome queue.AttemptOutcome) {
	if m == nil {
		return
	}
	m.deliveryAttemptTotal.Add(1)
	switch outcome {
	case queue.AttemptOutcomeAcked:
		m.deliveryAckedTotal.Add(1)
	case queue.AttemptOutcomeRetry:
		m.deliveryRetryTotal.Add(1)
	case queue.AttemptOutcomeFailed:
		m.deliveryFailedTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeFlush(_ string, _ queue.FlushResult, err error) {
	if m == nil {
		return
	}
	m.flushPassTotal.Add(1)
	if err != nil {
		m.flushErrorTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeSubmit(out submit.Outcome, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.submitRejectedTotal.Add(1)
		return
	}
	switch out.Mode {
	case submit.ModeCreated:
		m.submitCreatedTotal.Add(1)
	case submit.ModeQueuedOffline:
		m.submitQueuedOfflineTotal.Add(1)
	case submit.ModeQueuedTransient:
		m.submitQueuedTransientTotal.Add(1)
	}
}

func (m *runtimeMetrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Store(1)
		return
	}
	m.online.Store(0)
}

func (m *runtimeMetrics) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.serveMetrics)
	mux.HandleFunc("/healthz", m.serveHealth)
	return mux
}

func writeMetric(w http.ResponseWriter, name, kind, help string, value int64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
}

func (m *runtimeMetrics) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprintf(w, "# HELP tidelog_build_info Build information.\n")
	_, _ = fmt.Fprintf(w, "# TYPE tidelog_build_info gauge\n")
	_, _ = fmt.Fprintf(w, "tidelog_build_info{version=%q} 1\n", version)
	writeMetric(w, "tidelog_start_time_seconds", "gauge", "Start time since unix epoch.", m.start.Unix())
	writeMetric(w, "tidelog_tracing_enabled", "gauge", "Whether tracing is enabled.", m.tracingEnabled.Load())
	writeMetric(w, "tidelog_tracing_export_errors_total", "counter", "Tracing exporter errors reported by OpenTelemetry.", m.tracingExportErrorsTotal.Load())
	writeMetric(w, "tidelog_delivery_attempt_total", "counter", "Queued trip delivery attempts.", m.deliveryAttemptTotal.Load())
	writeMetric(w, "tidelog_delivery_acked_total", "counter", "Queued trips created remotely.", m.deliveryAckedTotal.Load())
	writeMetric(w, "tidelog_delivery_retry_total", "counter", "Delivery attempts that left the trip pending.", m.deliveryRetryTotal.Load())
	writeMetric(w, "tidelog_delivery_failed_total", "counter", "Delivery attempts that marked the trip failed_permanent.", m.deliveryFailedTotal.Load())
	writeMetric(w, "tidelog_flush_pass_total", "counter", "Flush passes run by the trigger.", m.flushPassTotal.Load())
	writeMetric(w, "tidelog_flush_error_total", "counter", "Flush passes that returned an error.", m.flushErrorTotal.Load())
	writeMetric(w, "tidelog_submit_created_total", "counter", "Submissions created directly.", m.submitCreatedTotal.Load())
	writeMetric(w, "tidelog_submit_queued_offline_total", "counter", "Submissions queued while offline.", m.submitQueuedOfflineTotal.Load())
	writeMetric(w, "tidelog_submit_queued_transient_total", "counter", "Submissions queued after a transient failure.", m.submitQueuedTransientTotal.Load())
	writeMetric(w, "tidelog_submit_rejected_total", "counter", "Submissions rejected and returned to the caller.", m.submitRejectedTotal.Load())
	if online := m.online.Load(); online >= 0 {
		writeMetric(w, "tidelog_online", "gauge", "Whether the trip backend is reachable.", online)
	}

	if m.queueStats == nil {
		return
	}
	st := m.queueStats(r.Context())
	_, _ = fmt.Fprintf(w, "# HELP tidelog_queue_depth Queued trips by status.\n")
	_, _ = fmt.Fprintf(w, "# TYPE tidelog_queue_depth gauge\n")
	for _, s := range []queue.Status{queue.StatusPending, queue.StatusInFlight, queue.StatusFailedPermanent} {
		_, _ = fmt.Fprintf(w, "tidelog_queue_depth{status=%q} %d\n", s, st.ByStatus[s])
	}
	if st.OldestPendingMs > 0 {
		age := time.Since(time.UnixMilli(st.OldestPendingMs)).Seconds()
		_, _ = fmt.Fprintf(w, "# HELP tidelog_queue_oldest_pending_age_seconds Age of the oldest pending trip.\n")
		_, _ = fmt.Fprintf(w, "# TYPE tidelog_queue_oldest_pending_age_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "tidelog_queue_oldest_pending_age_seconds %.3f\n", age)
	}
}

func (m *runtimeMetrics) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ok": true}
	if online := m.online.Load(); online >= 0 {
		body["online"] = online == 1
	}
	if m.queueStats != nil {
		st := m.queueStats(r.Context())
		body["queue_total"] = st.Total
		body["queue_pending"] = st.ByStatus[queue.StatusPending]
		body["queue_failed"] = st.ByStatus[queue.StatusFailedPermanent]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
