package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/nuetzliches/tidelog/internal/kv"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

const (
	DefaultMaxAttempts    = 10
	DefaultAttemptTimeout = tripapi.DefaultTimeout
	storeOpTimeout        = 5 * time.Second
)

type Option func(*Queue)

func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMaxAttempts bounds retryable failures before an entry is marked
// failed_permanent.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.attemptTimeout = d
		}
	}
}

func WithStoreKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithAttemptObserver is called once per delivery attempt.
func WithAttemptObserver(fn func(AttemptOutcome)) Option {
	return func(q *Queue) {
		q.observeAttempt = fn
	}
}

// leaseGrace is added to the attempt timeout when claiming an entry. A
// claim older than that belongs to a process that died mid-attempt.
const leaseGrace = 30 * time.Second

// Queue keeps its entries in one store document. The store is the source of
// truth: every change is a read-modify-write through kv.Store.Update, so
// several processes may share one queue. items is the last committed view
// and is guarded by mu, which also orders this process's own commits.
// Flush passes are serialized through a singleflight group so concurrent
// Flush calls join the running pass.
type Queue struct {
	store  kv.Store
	remote Creator
	auth   tripapi.AuthProvider
	// owner marks the entries this instance has claimed.
	owner string

	mu    sync.Mutex
	items []Submission

	flights singleflight.Group

	key            string
	nowFn          func() time.Time
	logger         *slog.Logger
	maxAttempts    int
	attemptTimeout time.Duration
	observeAttempt func(AttemptOutcome)
}

// Open loads the persisted queue. Entries whose claim has lapsed, left
// in_flight by a process that went away, are reset to pending. A malformed
// document is moved aside to "<key>.corrupt" and the queue starts empty; an
// unreachable store is an error.
func Open(ctx context.Context, store kv.Store, remote Creator, auth tripapi.AuthProvider, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: nil store")
	}
	q := &Queue{
		store:          store,
		remote:         remote,
		auth:           auth,
		owner:          uuid.NewString(),
		key:            StoreKey,
		nowFn:          time.Now,
		logger:         slog.Default(),
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	raw, err := q.store.Get(opCtx, q.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: load: %w", err)
	}

	items, err := decodeDocument(raw)
	if err != nil {
		q.logger.Error("queue_document_corrupt", slog.String("key", q.key), slog.Any("err", err))
		if err := q.store.Set(opCtx, q.key+".corrupt", raw); err != nil {
			return fmt.Errorf("queue: back up corrupt document: %w", err)
		}
		// Another process may have replaced the document meanwhile.
		err := q.store.Update(opCtx, q.key, func(current []byte, found bool) ([]byte, error) {
			if found && !bytes.Equal(current, raw) {
				return nil, kv.ErrUnchanged
			}
			return encodeDocument(nil)
		})
		if err != nil {
			return fmt.Errorf("queue: reset corrupt document: %w", err)
		}
		q.refresh(ctx)
		return nil
	}
	q.items = items

	var recovered int
	err = q.commit(ctx, func(items []Submission) ([]Submission, error) {
		recovered = 0
		now := q.nowFn().UnixMilli()
		for i := range items {
			if items[i].Status == StatusInFlight && items[i].leaseExpired(now) {
				items[i].Status = StatusPending
				items[i].release()
				recovered++
			}
		}
		if recovered == 0 {
			return nil, kv.ErrUnchanged
		}
		return items, nil
	})
	if err != nil {
		q.logger.Warn("queue_persist_failed", slog.String("op", "recover"), slog.Any("err", err))
		return nil
	}
	if recovered > 0 {
		q.logger.Info("queue_in_flight_recovered", slog.Int("count", recovered))
	}
	return nil
}

func decodeDocument(raw []byte) ([]Submission, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported queue document version %d", doc.Version)
	}
	seen := make(map[string]struct{}, len(doc.Items))
	for _, it := range doc.Items {
		if it.QueueID == "" {
			return nil, errors.New("queue entry without id")
		}
		if _, dup := seen[it.QueueID]; dup {
			return nil, fmt.Errorf("duplicate queue id %q", it.QueueID)
		}
		seen[it.QueueID] = struct{}{}
		switch it.Status {
		case StatusPending, StatusInFlight, StatusFailedPermanent:
		default:
			return nil, fmt.Errorf("queue entry %q has unknown status %q", it.QueueID, it.Status)
		}
	}
	return doc.Items, nil
}

func encodeDocument(items []Submission) ([]byte, error) {
	if items == nil {
		items = []Submission{}
	}
	return json.Marshal(document{Version: documentVersion, Items: items})
}

// Enqueue appends a pending entry to the stored queue. If the write fails
// the error is returned and nothing is queued; the caller still holds the
// payload.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	if !json.Valid(payload) {
		return "", ErrInvalidPayload
	}
	sub := Submission{
		QueueID:      uuid.NewString(),
		Payload:      append(json.RawMessage(nil), payload...),
		EnqueuedAtMs: q.nowFn().UnixMilli(),
		Status:       StatusPending,
	}

	err := q.commit(ctx, func(items []Submission) ([]Submission, error) {
		return append(items, sub.clone()), nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	q.logger.Info("queue_enqueued", slog.String("queue_id", sub.QueueID))
	return sub.QueueID, nil
}

// Flush attempts delivery of every pending entry in enqueue order. A call
// made while a pass is running waits for it and shares its result.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := q.flights.Do("flush", func() (any, error) {
		return q.flush(ctx)
	})
	res, _ := v.(FlushResult)
	return FlushResult{
		Succeeded: slices.Clone(res.Succeeded),
		Failed:    slices.Clone(res.Failed),
		Deferred:  slices.Clone(res.Deferred),
	}, err
}

func (q *Queue) flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	q.refresh(ctx)
	ids := q.claimableIDs()
	if len(ids) == 0 {
		return res, nil
	}
	if q.remote == nil {
		return res, errors.New("queue: no remote configured")
	}

	ctx, span := otel.Tracer("github.com/nuetzliches/tidelog/internal/queue").Start(ctx, "queue.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("queue.pending", len(ids)))

	var auth tripapi.Auth
	if q.auth != nil {
		a, err := q.auth.Auth(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "credentials unavailable")
			return res, fmt.Errorf("queue: flush: %w", err)
		}
		auth = a
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return res, err
		}
		payload, ok := q.begin(ctx, id)
		if !ok {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
		trip, err := q.remote.CreateTrip(attemptCtx, auth, payload)
		cancel()

		switch q.finish(ctx, id, trip, err) {
		case AttemptOutcomeAcked:
			res.Succeeded = append(res.Succeeded, id)
		case AttemptOutcomeFailed:
			res.Failed = append(res.Failed, id)
		case AttemptOutcomeRetry:
			res.Deferred = append(res.Deferred, id)
		}
	}

	span.SetAttributes(
		attribute.Int("queue.succeeded", len(res.Succeeded)),
		attribute.Int("queue.failed", len(res.Failed)),
		attribute.Int("queue.deferred", len(res.Deferred)),
	)
	q.logger.Info("queue_flushed",
		slog.Int("succeeded", len(res.Succeeded)),
		slog.Int("failed", len(res.Failed)),
		slog.Int("deferred", len(res.Deferred)),
	)
	return res, nil
}

func (q *Queue) claimableIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn().UnixMilli()
	var ids []string
	for _, it := range q.items {
		if it.claimable(now) {
			ids = append(ids, it.QueueID)
		}
	}
	return ids
}

// begin claims the entry for this instance and returns a copy of its
// payload. ok is false if the entry is gone, claimed by someone else, or
// the claim could not be stored.
func (q *Queue) begin(ctx context.Context, id string) (json.RawMessage, bool) {
	var payload json.RawMessage
	err := q.commit(ctx, func(items []Submission) ([]Submission, error) {
		payload = nil
		now := q.nowFn().UnixMilli()
		i := indexOf(items, id)
		if i < 0 || !items[i].claimable(now) {
			return nil, kv.ErrUnchanged
		}
		it := &items[i]
		lease := now + (q.attemptTimeout + leaseGrace).Milliseconds()
		it.Status = StatusInFlight
		it.AttemptCount++
		it.LastAttemptAtMs = &now
		it.Owner = q.owner
		it.LeaseUntilMs = &lease
		payload = append(json.RawMessage(nil), it.Payload...)
		return items, nil
	})
	if err != nil {
		q.logger.Warn("queue_persist_failed", slog.String("op", "begin"), slog.String("queue_id", id), slog.Any("err", err))
		return nil, false
	}
	return payload, payload != nil
}

func (q *Queue) finish(ctx context.Context, id string, trip *tripapi.Trip, callErr error) AttemptOutcome {
	var (
		outcome   AttemptOutcome
		attempt   int
		exhausted bool
		lost      bool
	)
	err := q.commit(ctx, func(items []Submission) ([]Submission, error) {
		outcome, attempt, exhausted, lost = "", 0, false, false
		i := indexOf(items, id)
		if callErr == nil {
			outcome = AttemptOutcomeAcked
			if i < 0 {
				return nil, kv.ErrUnchanged
			}
			attempt = items[i].AttemptCount
			return slices.Delete(items, i, i+1), nil
		}
		if i < 0 || items[i].Status != StatusInFlight || items[i].Owner != q.owner {
			// The claim lapsed and another process took the entry over.
			outcome, lost = AttemptOutcomeRetry, true
			return nil, kv.ErrUnchanged
		}

		it := &items[i]
		attempt = it.AttemptCount
		it.release()
		it.setError(callErr)
		switch {
		case ctx.Err() != nil:
			// The pass was cancelled mid-call; the attempt says nothing
			// about the payload.
			outcome = AttemptOutcomeRetry
			it.Status = StatusPending
		case tripapi.IsRetryable(callErr) && it.AttemptCount-it.RetryFloor >= q.maxAttempts:
			outcome, exhausted = AttemptOutcomeFailed, true
			it.Status = StatusFailedPermanent
			msg := fmt.Sprintf("gave up after %d attempts: %s", it.AttemptCount-it.RetryFloor, callErr.Error())
			it.LastError = &msg
		case tripapi.IsRetryable(callErr):
			outcome = AttemptOutcomeRetry
			it.Status = StatusPending
		default:
			outcome = AttemptOutcomeFailed
			it.Status = StatusFailedPermanent
		}
		return items, nil
	})
	if err != nil {
		// The claim stays in the store and lapses; the entry is retried
		// after its lease.
		q.logger.Warn("queue_persist_failed", slog.String("op", "finish"), slog.String("queue_id", id), slog.Any("err", err))
	}

	switch {
	case outcome == AttemptOutcomeAcked:
		attrs := []any{slog.String("queue_id", id), slog.Int("attempt", attempt)}
		if trip != nil {
			attrs = append(attrs, slog.String("trip_id", trip.ID))
		}
		q.logger.Info("queue_delivered", attrs...)
	case lost:
		q.logger.Warn("queue_claim_lost", slog.String("queue_id", id), slog.Any("err", callErr))
	case exhausted:
		q.logger.Warn("queue_retry_budget_exhausted", slog.String("queue_id", id), slog.Int("attempt", attempt), slog.Any("err", callErr))
	case outcome == AttemptOutcomeRetry:
		q.logger.Info("queue_delivery_deferred", slog.String("queue_id", id), slog.Int("attempt", attempt), slog.Any("err", callErr))
	case outcome == AttemptOutcomeFailed:
		q.logger.Warn("queue_delivery_rejected", slog.String("queue_id", id), slog.Int("attempt", attempt), slog.Any("err", callErr))
	}

	if q.observeAttempt != nil && outcome != "" {
		q.observeAttempt(outcome)
	}
	return outcome
}

func (s *Submission) setError(err error) {
	if err == nil {
		s.LastError = nil
		s.LastStatusCode = nil
		return
	}
	msg := err.Error()
	s.LastError = &msg
	s.LastStatusCode = nil
	var apiErr *tripapi.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		s.LastStatusCode = &code
	}
}

// List returns a snapshot of all entries in enqueue order, as stored.
func (q *Queue) List(ctx context.Context) []Submission {
	q.refresh(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Submission, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.clone())
	}
	return out
}

func (q *Queue) Stats(ctx context.Context) Stats {
	q.refresh(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{ByStatus: make(map[Status]int, 3)}
	for _, it := range q.items {
		st.Total++
		st.ByStatus[it.Status]++
		if it.Status == StatusPending && (st.OldestPendingMs == 0 || it.EnqueuedAtMs < st.OldestPendingMs) {
			st.OldestPendingMs = it.EnqueuedAtMs
		}
	}
	return st
}

// Retry moves failed_permanent entries back to pending and restarts their
// retry budget. It returns how many entries were moved.
func (q *Queue) Retry(ctx context.Context, ids []string) (int, error) {
	want := idSet(ids)
	var n int
	err := q.commit(ctx, func(items []Submission) ([]Submission, error) {
		n = 0
		for i := range items {
			if _, ok := want[items[i].QueueID]; !ok || items[i].Status != StatusFailedPermanent {
				continue
			}
			items[i].Status = StatusPending
			items[i].RetryFloor = items[i].AttemptCount
			n++
		}
		if n == 0 {
			return nil, kv.ErrUnchanged
		}
		return items, nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: retry: %w", err)
	}
	return n, nil
}

// Discard deletes failed_permanent entries. Pending and in-flight entries
// are never discarded.
func (q *Queue) Discard(ctx context.Context, ids []string) (int, error) {
	want := idSet(ids)
	var n int
	err := q.commit(ctx, func(items []Submission) ([]Submission, error) {
		before := len(items)
		items = slices.DeleteFunc(items, func(it Submission) bool {
			_, ok := want[it.QueueID]
			return ok && it.Status == StatusFailedPermanent
		})
		n = before - len(items)
		if n == 0 {
			return nil, kv.ErrUnchanged
		}
		return items, nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: discard: %w", err)
	}
	if n > 0 {
		q.logger.Info("queue_discarded", slog.Int("count", n))
	}
	return n, nil
}

// commit applies fn to the entries currently in the store and writes the
// result back in one kv.Store.Update. fn gets a fresh copy each time it
// runs and may run more than once; returning kv.ErrUnchanged skips the
// write. The in-memory view only changes once the store has accepted the
// write, so a failed commit leaves nothing behind.
func (q *Queue) commit(ctx context.Context, fn func(items []Submission) ([]Submission, error)) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	var next []Submission
	err := q.store.Update(ctx, q.key, func(current []byte, found bool) ([]byte, error) {
		var items []Submission
		if found {
			decoded, err := decodeDocument(current)
			if err != nil {
				return nil, fmt.Errorf("stored queue document is unreadable: %w", err)
			}
			items = decoded
		}
		next = items
		changed, err := fn(items)
		if err != nil {
			return nil, err
		}
		next = changed
		return encodeDocument(changed)
	})
	if err != nil {
		return err
	}
	q.items = next
	return nil
}

// refresh replaces the in-memory view with the stored document. The view
// is kept if the store cannot be read.
func (q *Queue) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(ctx, q.key)
	var items []Submission
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		q.logger.Debug("queue_refresh_failed", slog.Any("err", err))
		return
	default:
		items, err = decodeDocument(raw)
		if err != nil {
			q.logger.Debug("queue_refresh_failed", slog.Any("err", err))
			return
		}
	}
	q.items = items
}

func indexOf(items []Submission, id string) int {
	return slices.IndexFunc(items, func(it Submission) bool {
		return it.QueueID == id
	})
}

func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// StatusCodeText renders the last HTTP status of an entry for display.
func StatusCodeText(s Submission) string {
	if s.LastStatusCode == nil {
		return ""
	}
	return fmt.Sprintf("%d %s", *s.LastStatusCode, http.StatusText(*s.LastStatusCode))
}
