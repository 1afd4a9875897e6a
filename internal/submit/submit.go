// Package submit creates trips directly when possible and falls back to the
// offline queue.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/tidelog/internal/location"
	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

type Mode string

const (
	ModeCreated         Mode = "created"
	ModeQueuedOffline   Mode = "queued_offline"
	ModeQueuedTransient Mode = "queued_transient"
)

type Outcome struct {
	Mode Mode `json:"mode"`
	// Trip is nil when the backend accepted the trip without a decodable
	// trip object, and for queued outcomes.
	Trip    *tripapi.Trip `json:"trip,omitempty"`
	QueueID string        `json:"queue_id,omitempty"`
	// Cause is the transient failure that sent the payload to the queue.
	Cause string `json:"cause,omitempty"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (string, error)
}

type Kicker interface {
	AfterTransientEnqueue()
}

type Capturer interface {
	Capture(ctx context.Context) location.Result
}

type Submitter struct {
	Remote       queue.Creator
	Auth         tripapi.AuthProvider
	Queue        Enqueuer
	Connectivity location.OnlineChecker
	Trigger      Kicker
	// Location fills a missing departure position in SubmitDraft.
	Location Capturer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Submitter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Submitter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Submit creates the trip online or queues it. Rejections the user must fix
// are returned as errors and nothing is queued.
func (s *Submitter) Submit(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	if !json.Valid(payload) {
		return Outcome{}, tripapi.ErrInvalidPayload
	}

	if !s.online(ctx) {
		id, err := s.enqueue(ctx, payload)
		if err != nil {
			return Outcome{}, err
		}
		s.logger().Info("submit_queued", slog.String("mode", string(ModeQueuedOffline)), slog.String("queue_id", id))
		return Outcome{Mode: ModeQueuedOffline, QueueID: id}, nil
	}

	trip, err := s.create(ctx, payload)
	if err == nil {
		attrs := []any{}
		if trip != nil {
			attrs = append(attrs, slog.String("trip_id", trip.ID))
		}
		s.logger().Info("submit_created", attrs...)
		return Outcome{Mode: ModeCreated, Trip: trip}, nil
	}
	if !tripapi.IsRetryable(err) {
		return Outcome{}, fmt.Errorf("submit: %w", err)
	}

	id, qerr := s.enqueue(ctx, payload)
	if qerr != nil {
		return Outcome{}, fmt.Errorf("submit after %v: %w", err, qerr)
	}
	if s.Trigger != nil {
		s.Trigger.AfterTransientEnqueue()
	}
	s.logger().Info("submit_queued",
		slog.String("mode", string(ModeQueuedTransient)),
		slog.String("queue_id", id),
		slog.Any("err", err),
	)
	return Outcome{Mode: ModeQueuedTransient, QueueID: id, Cause: err.Error()}, nil
}

// SubmitDraft normalizes and validates d before submitting it. A missing
// departure position is taken from a location capture when one resolves.
func (s *Submitter) SubmitDraft(ctx context.Context, d tripapi.Draft) (Outcome, error) {
	d.Normalize(s.now())
	if (d.DepartureLatitude == nil || d.DepartureLongitude == nil) && s.Location != nil {
		res := s.Location.Capture(ctx)
		if res.Coordinates != nil {
			d.SetDeparture(res.Coordinates.Latitude, res.Coordinates.Longitude)
		}
	}
	if err := d.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", tripapi.ErrInvalidPayload, err)
	}
	payload, err := d.Payload()
	if err != nil {
		return Outcome{}, err
	}
	return s.Submit(ctx, payload)
}

func (s *Submitter) online(ctx context.Context) bool {
	if s.Connectivity == nil {
		return true
	}
	online, err := s.Connectivity.IsOnline(ctx)
	if err != nil {
		s.logger().Debug("connectivity_probe_failed", slog.Any("err", err))
		return true
	}
	return online
}

func (s *Submitter) create(ctx context.Context, payload json.RawMessage) (*tripapi.Trip, error) {
	if s.Remote == nil {
		return nil, fmt.Errorf("submit: no remote configured")
	}
	var auth tripapi.Auth
	if s.Auth != nil {
		a, err := s.Auth.Auth(ctx)
		if err != nil {
			return nil, err
		}
		auth = a
	}
	return s.Remote.CreateTrip(ctx, auth, payload)
}

func (s *Submitter) enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	if s.Queue == nil {
		return "", fmt.Errorf("submit: no queue configured")
	}
	return s.Queue.Enqueue(ctx, payload)
}
