// Package queue holds trip-creation payloads that could not be submitted
// synchronously and delivers them when a flush is requested.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nuetzliches/tidelog/internal/tripapi"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusFailedPermanent Status = "failed_permanent"
)

type AttemptOutcome string

const (
	AttemptOutcomeAcked  AttemptOutcome = "acked"
	AttemptOutcomeRetry  AttemptOutcome = "retry"
	AttemptOutcomeFailed AttemptOutcome = "failed"
)

// StoreKey holds the serialized queue document.
const StoreKey = "trip_queue_v1"

var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Submission is one queued trip. QueueID is assigned at enqueue and stays
// stable across retries.
type Submission struct {
	QueueID         string          `json:"queueId"`
	Payload         json.RawMessage `json:"payload"`
	EnqueuedAtMs    int64           `json:"enqueuedAt"`
	AttemptCount    int             `json:"attemptCount"`
	LastAttemptAtMs *int64          `json:"lastAttemptAt,omitempty"`
	LastError       *string         `json:"lastError,omitempty"`
	LastStatusCode  *int            `json:"lastStatusCode,omitempty"`
	Status          Status          `json:"status"`
	// RetryFloor is the attempt count at the last manual retry; the retry
	// budget counts attempts above it.
	RetryFloor int `json:"retryFloor,omitempty"`
	// Owner and LeaseUntilMs are set while an in_flight entry is claimed by
	// a running flush. Once the lease has passed the claim is void.
	Owner        string `json:"owner,omitempty"`
	LeaseUntilMs *int64 `json:"leaseUntil,omitempty"`
}

func (s Submission) leaseExpired(nowMs int64) bool {
	return s.LeaseUntilMs == nil || *s.LeaseUntilMs <= nowMs
}

// claimable reports whether a flush may attempt the entry now.
func (s Submission) claimable(nowMs int64) bool {
	switch s.Status {
	case StatusPending:
		return true
	case StatusInFlight:
		return s.leaseExpired(nowMs)
	}
	return false
}

func (s *Submission) release() {
	s.Owner = ""
	s.LeaseUntilMs = nil
}

func (s Submission) clone() Submission {
	out := s
	out.Payload = append(json.RawMessage(nil), s.Payload...)
	if s.LastAttemptAtMs != nil {
		v := *s.LastAttemptAtMs
		out.LastAttemptAtMs = &v
	}
	if s.LastError != nil {
		v := *s.LastError
		out.LastError = &v
	}
	if s.LastStatusCode != nil {
		v := *s.LastStatusCode
		out.LastStatusCode = &v
	}
	if s.LeaseUntilMs != nil {
		v := *s.LeaseUntilMs
		out.LeaseUntilMs = &v
	}
	return out
}

type FlushResult struct {
	Succeeded []string
	// Failed lists entries that became failed_permanent during this pass.
	Failed []string
	// Deferred lists entries left pending after a retryable failure.
	Deferred []string
}

type Stats struct {
	Total           int
	ByStatus        map[Status]int
	OldestPendingMs int64
}

// Creator is the remote create call.
type Creator interface {
	CreateTrip(ctx context.Context, auth tripapi.Auth, payload json.RawMessage) (*tripapi.Trip, error)
}

type document struct {
	Version int          `json:"version"`
	Items   []Submission `json:"items"`
}

const documentVersion = 1
