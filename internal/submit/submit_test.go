package submit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/tidelog/internal/kv"
	"github.com/nuetzliches/tidelog/internal/location"
	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type stubRemote struct {
	calls atomic.Int32
	trip  *tripapi.Trip
	err   error
	last  json.RawMessage
}

func (r *stubRemote) CreateTrip(_ context.Context, _ tripapi.Auth, payload json.RawMessage) (*tripapi.Trip, error) {
	r.calls.Add(1)
	r.last = payload
	return r.trip, r.err
}

type stubConnectivity struct {
	online bool
	err    error
}

func (s stubConnectivity) IsOnline(context.Context) (bool, error) { return s.online, s.err }

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) AfterTransientEnqueue() { k.n.Add(1) }

type stubCapturer struct{ res location.Result }

func (s stubCapturer) Capture(context.Context) location.Result { return s.res }

func newTestSubmitter(t *testing.T, remote *stubRemote, online bool) (*Submitter, *queue.Queue, *countingKicker) {
	t.Helper()
	q, err := queue.Open(context.Background(), kv.NewMemoryStore(), remote, tripapi.StaticAuth{Token: "tok"}, queue.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	kick := &countingKicker{}
	return &Submitter{
		Remote:       remote,
		Auth:         tripapi.StaticAuth{Token: "tok"},
		Queue:        q,
		Connectivity: stubConnectivity{online: online},
		Trigger:      kick,
		Logger:       discardLogger(),
		Now:          func() time.Time { return time.Date(2026, 5, 1, 4, 30, 0, 0, time.UTC) },
	}, q, kick
}

func TestSubmit_OnlineCreates(t *testing.T) {
	remote := &stubRemote{trip: &tripapi.Trip{ID: "42", TripID: "TRP-1"}}
	s, q, kick := newTestSubmitter(t, remote, true)

	out, err := s.Submit(context.Background(), json.RawMessage(`{"trip_name":"TRP-1"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Mode != ModeCreated || out.Trip == nil || out.Trip.ID != "42" {
		t.Fatalf("outcome=%+v", out)
	}
	if n := len(q.List(context.Background())); n != 0 {
		t.Fatalf("queue len=%d, want 0", n)
	}
	if kick.n.Load() != 0 {
		t.Fatalf("unexpected flush kick")
	}
}

func TestSubmit_CreatedWithoutDecodableTrip(t *testing.T) {
	s, _, _ := newTestSubmitter(t, &stubRemote{}, true)
	out, err := s.Submit(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Mode != ModeCreated || out.Trip != nil {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestSubmit_OfflineQueuesWithoutCalling(t *testing.T) {
	remote := &stubRemote{}
	s, q, kick := newTestSubmitter(t, remote, false)

	out, err := s.Submit(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Mode != ModeQueuedOffline || out.QueueID == "" {
		t.Fatalf("outcome=%+v", out)
	}
	if remote.calls.Load() != 0 {
		t.Fatalf("remote called while offline")
	}
	if kick.n.Load() != 0 {
		t.Fatalf("offline enqueue must not kick a flush")
	}
	if n := len(q.List(context.Background())); n != 1 {
		t.Fatalf("queue len=%d, want 1", n)
	}
}

func TestSubmit_TransientFailureQueuesAndKicks(t *testing.T) {
	remote := &stubRemote{err: &tripapi.APIError{StatusCode: http.StatusBadGateway}}
	s, q, kick := newTestSubmitter(t, remote, true)

	out, err := s.Submit(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Mode != ModeQueuedTransient || out.QueueID == "" || out.Cause == "" {
		t.Fatalf("outcome=%+v", out)
	}
	if kick.n.Load() != 1 {
		t.Fatalf("kicks=%d, want 1", kick.n.Load())
	}
	items := q.List(context.Background())
	if len(items) != 1 || items[0].QueueID != out.QueueID {
		t.Fatalf("items=%+v", items)
	}
}

func TestSubmit_RejectionIsReturnedNotQueued(t *testing.T) {
	remote := &stubRemote{err: &tripapi.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "crew_count invalid"}}
	s, q, _ := newTestSubmitter(t, remote, true)

	_, err := s.Submit(context.Background(), json.RawMessage(`{}`))
	var apiErr *tripapi.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 422 {
		t.Fatalf("err=%v, want 422 APIError", err)
	}
	if n := len(q.List(context.Background())); n != 0 {
		t.Fatalf("queue len=%d, want 0", n)
	}
}

func TestSubmit_ProbeErrorAssumesOnline(t *testing.T) {
	remote := &stubRemote{trip: &tripapi.Trip{ID: "1"}}
	s, _, _ := newTestSubmitter(t, remote, false)
	s.Connectivity = stubConnectivity{err: context.Canceled}

	out, err := s.Submit(context.Background(), json.RawMessage(`{}`))
	if err != nil || out.Mode != ModeCreated {
		t.Fatalf("outcome=%+v err=%v", out, err)
	}
}

func TestSubmit_EnqueueFailureIsReturned(t *testing.T) {
	remote := &stubRemote{}
	s, _, _ := newTestSubmitter(t, remote, false)
	s.Queue = failingQueue{}

	if _, err := s.Submit(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error")
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, json.RawMessage) (string, error) {
	return "", errors.New("disk full")
}

func TestSubmit_InvalidJSON(t *testing.T) {
	s, _, _ := newTestSubmitter(t, &stubRemote{}, true)
	if _, err := s.Submit(context.Background(), json.RawMessage(`nope`)); !errors.Is(err, tripapi.ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
}

func TestSubmitDraft_FillsDepartureFromCapture(t *testing.T) {
	remote := &stubRemote{trip: &tripapi.Trip{ID: "7"}}
	s, _, _ := newTestSubmitter(t, remote, true)
	s.Location = stubCapturer{res: location.Result{
		State:       location.StateResolvedCached,
		Coordinates: &location.Coordinates{Latitude: 6.93, Longitude: 79.85},
	}}

	out, err := s.SubmitDraft(context.Background(), tripapi.Draft{TripType: "Patrol", CrewCount: 3})
	if err != nil {
		t.Fatalf("submit draft: %v", err)
	}
	if out.Mode != ModeCreated {
		t.Fatalf("mode=%q", out.Mode)
	}
	var sent map[string]any
	if err := json.Unmarshal(remote.last, &sent); err != nil {
		t.Fatalf("decode sent payload: %v", err)
	}
	if sent["departure_latitude"] != 6.93 || sent["departure_longitude"] != 79.85 {
		t.Fatalf("departure=%v,%v", sent["departure_latitude"], sent["departure_longitude"])
	}
	if sent["trip_type"] != "patrol" {
		t.Fatalf("trip_type=%v, want patrol", sent["trip_type"])
	}
	if sent["departure_date"] != "2026-05-01" {
		t.Fatalf("departure_date=%v", sent["departure_date"])
	}
}

func TestSubmitDraft_NoLocationIsInvalid(t *testing.T) {
	remote := &stubRemote{}
	s, _, _ := newTestSubmitter(t, remote, true)
	s.Location = stubCapturer{res: location.Result{State: location.StateResolvedNone, Error: "no location fix"}}

	if _, err := s.SubmitDraft(context.Background(), tripapi.Draft{}); !errors.Is(err, tripapi.ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
	if remote.calls.Load() != 0 {
		t.Fatalf("remote called for invalid draft")
	}
}
