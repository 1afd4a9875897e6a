package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxAge  = 10 * time.Second
)

// Locator asks the positioning subsystem for a fix. maxAge allows the
// locator to answer with a reading it already holds if it is at most that
// old; such answers are still live fixes.
type Locator interface {
	Locate(ctx context.Context, maxAge time.Duration) (Fix, error)
}

type LocatorFunc func(ctx context.Context, maxAge time.Duration) (Fix, error)

func (f LocatorFunc) Locate(ctx context.Context, maxAge time.Duration) (Fix, error) {
	return f(ctx, maxAge)
}

// OnlineChecker is the point query of the connectivity monitor.
type OnlineChecker interface {
	IsOnline(ctx context.Context) (bool, error)
}

type State string

const (
	StateIdle           State = "idle"
	StateAcquiring      State = "acquiring"
	StateResolvedLive   State = "resolved_live"
	StateResolvedCached State = "resolved_cached"
	StateResolvedNone   State = "resolved_none"
)

type Result struct {
	State       State        `json:"state"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Provenance  Provenance   `json:"provenance"`
	Online      bool         `json:"online"`
	// Error is the live acquisition failure, kept for display even when a
	// cached fix was returned.
	Error string `json:"error,omitempty"`
	Fix   *Fix   `json:"fix,omitempty"`
}

// Service resolves every Capture to live, cached or none. It never returns
// an error; acquisition problems are reported in Result.Error.
//
// Live fixes are written to the cache in the background; Wait blocks until
// those writes are done and must be called before the store is closed.
type Service struct {
	Locator      Locator
	Cache        *Cache
	Connectivity OnlineChecker
	Timeout      time.Duration
	MaxAge       time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	saves sync.WaitGroup
}

// Capture waits at most Timeout. The connectivity check runs alongside the
// locator under the same deadline.
func (s *Service) Capture(ctx context.Context) Result {
	logger := s.logger()
	res := Result{State: StateAcquiring}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAge := s.MaxAge
	if maxAge < 0 {
		maxAge = 0
	}

	deadline := time.Now().Add(timeout)
	checkCtx, cancelCheck := context.WithDeadline(ctx, deadline)
	defer cancelCheck()
	online := make(chan bool, 1)
	go func() { online <- s.online(checkCtx) }()

	liveCtx, cancel := context.WithDeadline(ctx, deadline)
	fix, err := s.locate(liveCtx, maxAge)
	cancel()

	select {
	case res.Online = <-online:
	case <-checkCtx.Done():
		res.Online = true
	}

	if err == nil {
		res.State = StateResolvedLive
		res.Fix = &fix
		res.Provenance = fix.Provenance
		coords := fix.Coordinates()
		res.Coordinates = &coords
		s.saveAsync(context.WithoutCancel(ctx), fix)
		logger.Debug("location_captured",
			slog.String("provenance", string(fix.Provenance)),
			slog.String("cell", fix.Cell()),
			slog.Bool("online", res.Online),
		)
		return res
	}

	res.Error = err.Error()
	if cached := s.Cache.Read(ctx); cached != nil {
		res.State = StateResolvedCached
		res.Provenance = ProvenanceCached
		cached.Provenance = ProvenanceCached
		res.Fix = cached
		coords := cached.Coordinates()
		res.Coordinates = &coords
		logger.Info("location_cached_fallback",
			slog.String("cell", cached.Cell()),
			slog.Int64("fix_age_ms", s.now().UnixMilli()-cached.CapturedAtMs),
			slog.String("error", res.Error),
		)
		return res
	}

	res.State = StateResolvedNone
	res.Provenance = ProvenanceNone
	logger.Info("location_unavailable", slog.String("error", res.Error))
	return res
}

func (s *Service) saveAsync(ctx context.Context, fix Fix) {
	if s.Cache == nil {
		return
	}
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		s.Cache.Save(ctx, fix)
	}()
}

// Wait blocks until background cache writes have finished.
func (s *Service) Wait() {
	s.saves.Wait()
}

// Recapture runs the same protocol again.
func (s *Service) Recapture(ctx context.Context) Result {
	return s.Capture(ctx)
}

type locateResult struct {
	fix Fix
	err error
}

// locate bounds the locator by ctx even if it ignores cancellation.
func (s *Service) locate(ctx context.Context, maxAge time.Duration) (Fix, error) {
	if s.Locator == nil {
		return Fix{}, errors.New("no location source configured")
	}

	ch := make(chan locateResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- locateResult{err: fmt.Errorf("location source panic: %v", r)}
			}
		}()
		fix, err := s.Locator.Locate(ctx, maxAge)
		ch <- locateResult{fix: fix, err: err}
	}()

	var r locateResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Fix{}, errors.New("location request timed out")
		}
		if r.err.Error() == "" {
			return Fix{}, errors.New("no location fix")
		}
		return Fix{}, r.err
	}
	if err := validateCoordinates(r.fix.Latitude, r.fix.Longitude); err != nil {
		return Fix{}, err
	}

	fix := r.fix
	if fix.Provenance != ProvenanceManual {
		fix.Provenance = ProvenanceLive
	}
	if fix.CapturedAtMs == 0 {
		fix.CapturedAtMs = s.now().UnixMilli()
	}
	return fix, nil
}

// online treats a failed probe as online so capture is never blocked by a
// false offline reading.
func (s *Service) online(ctx context.Context) bool {
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

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
