// Package flush decides when the submission queue is drained.
package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

const (
	ReasonConnectivity = "connectivity"
	ReasonForeground   = "foreground"
	ReasonTransient    = "transient_enqueue"
	ReasonManual       = "manual"
	ReasonBackoff      = "backoff"
)

type Flusher interface {
	Flush(ctx context.Context) (queue.FlushResult, error)
}

type Connectivity interface {
	Subscribe(fn func(online bool)) (cancel func())
}

// Trigger runs flush passes on request. Requests that arrive while a pass is
// running collapse into a single follow-up pass.
type Trigger struct {
	Queue          Flusher
	Connectivity   Connectivity
	Logger         *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnPass is called after every pass; used for metrics.
	OnPass func(reason string, res queue.FlushResult, err error)

	kick chan string

	mu      sync.Mutex
	online  bool
	known   bool
	cancel  context.CancelFunc
	done    chan struct{}
	unsubFn func()
}

func NewTrigger(q Flusher, conn Connectivity, logger *slog.Logger) *Trigger {
	return &Trigger{Queue: q, Connectivity: conn, Logger: logger}
}

func (t *Trigger) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Start subscribes to connectivity changes and starts the flush loop. The
// first online observation counts as connectivity regained.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}
	t.kick = make(chan string, 1)
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	if t.Connectivity != nil {
		t.unsubFn = t.Connectivity.Subscribe(t.connectivityChanged)
	} else {
		t.online, t.known = true, true
	}
	go t.loop(ctx, t.done)
}

// Stop ends the loop and waits for a running pass to return.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel, done, unsub := t.cancel, t.done, t.unsubFn
	t.cancel, t.done, t.unsubFn = nil, nil, nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *Trigger) Foreground()            { t.Request(ReasonForeground) }
func (t *Trigger) AfterTransientEnqueue() { t.Request(ReasonTransient) }

// Request asks for a flush pass without blocking.
func (t *Trigger) Request(reason string) {
	t.mu.Lock()
	kick := t.kick
	t.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- reason:
	default:
	}
}

func (t *Trigger) connectivityChanged(online bool) {
	t.mu.Lock()
	regained := online && (!t.known || !t.online)
	t.online, t.known = online, true
	t.mu.Unlock()
	if regained {
		t.Request(ReasonConnectivity)
	}
}

func (t *Trigger) isOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.known || t.online
}

func (t *Trigger) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialBackoff
	}
	b.MaxInterval = t.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxBackoff
	}
	b.Reset()
	return b
}

func (t *Trigger) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := t.newBackoff()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var reason string
		select {
		case <-ctx.Done():
			return
		case reason = <-t.kick:
		case <-timer.C:
			reason = ReasonBackoff
			if !t.isOnline() {
				bo.Reset()
				continue
			}
		}

		res, err := t.pass(ctx, reason)
		timer.Stop()
		if err == nil && len(res.Deferred) > 0 && t.isOnline() {
			wait := bo.NextBackOff()
			t.logger().Info("flush_retry_scheduled", slog.Duration("wait", wait), slog.Int("deferred", len(res.Deferred)))
			timer.Reset(wait)
		} else {
			bo.Reset()
		}
	}
}

func (t *Trigger) pass(ctx context.Context, reason string) (queue.FlushResult, error) {
	res, err := t.Queue.Flush(ctx)
	if t.OnPass != nil {
		t.OnPass(reason, res, err)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, tripapi.ErrNoCredentials):
		t.logger().Warn("flush_skipped", slog.String("reason", reason), slog.Any("err", err))
	default:
		t.logger().Error("flush_failed", slog.String("reason", reason), slog.Any("err", err))
	}
	return res, err
}
