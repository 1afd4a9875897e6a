package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/submit"
)

func TestRuntimeMetrics_Exposition(t *testing.T) {
	m := newRuntimeMetrics()
	m.observeAttempt(queue.AttemptOutcomeAcked)
	m.observeAttempt(queue.AttemptOutcomeRetry)
	m.observeAttempt(queue.AttemptOutcomeRetry)
	m.observeAttempt(queue.AttemptOutcomeFailed)
	m.observeFlush("manual", queue.FlushResult{}, nil)
	m.observeFlush("backoff", queue.FlushResult{}, errors.New("boom"))
	m.observeSubmit(submit.Outcome{Mode: submit.ModeQueuedOffline}, nil)
	m.observeSubmit(submit.Outcome{}, errors.New("rejected"))
	m.setOnline(false)
	oldest := time.Now().Add(-time.Minute).UnixMilli()
	m.queueStats = func(context.Context) queue.Stats {
		return queue.Stats{
			Total:           3,
			ByStatus:        map[queue.Status]int{queue.StatusPending: 2, queue.StatusFailedPermanent: 1},
			OldestPendingMs: oldest,
		}
	}

	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"tidelog_delivery_attempt_total 4",
		"tidelog_delivery_acked_total 1",
		"tidelog_delivery_retry_total 2",
		"tidelog_delivery_failed_total 1",
		"tidelog_flush_pass_total 2",
		"tidelog_flush_error_total 1",
		"tidelog_submit_queued_offline_total 1",
		"tidelog_submit_rejected_total 1",
		"tidelog_online 0",
		`tidelog_queue_depth{status="pending"} 2`,
		`tidelog_queue_depth{status="failed_permanent"} 1`,
		"# TYPE tidelog_queue_oldest_pending_age_seconds gauge",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestRuntimeMetrics_OnlineUnknownIsOmitted(t *testing.T) {
	m := newRuntimeMetrics()
	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rec.Body.String(), "tidelog_online") {
		t.Fatalf("online gauge reported before first observation")
	}
}

func TestRuntimeMetrics_Healthz(t *testing.T) {
	m := newRuntimeMetrics()
	m.setOnline(true)
	m.queueStats = func(context.Context) queue.Stats {
		return queue.Stats{Total: 1, ByStatus: map[queue.Status]int{queue.StatusPending: 1}}
	}
	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `"online":true`) || !strings.Contains(body, `"queue_pending":1`) {
		t.Fatalf("body=%s", body)
	}
}

func TestRuntimeMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *runtimeMetrics
	m.observeAttempt(queue.AttemptOutcomeAcked)
	m.observeFlush("manual", queue.FlushResult{}, nil)
	m.observeSubmit(submit.Outcome{}, nil)
	m.setOnline(true)
}
