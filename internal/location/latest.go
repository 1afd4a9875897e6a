package location

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// latestFix holds the newest reading pushed by a streaming source and wakes
// waiting Locate calls when it changes.
type latestFix struct {
	mu      sync.Mutex
	fix     Fix
	has     bool
	updated chan struct{}
	nowFn   func() time.Time
}

func newLatestFix(now func() time.Time) *latestFix {
	if now == nil {
		now = time.Now
	}
	return &latestFix{updated: make(chan struct{}), nowFn: now}
}

func (l *latestFix) set(fix Fix) {
	l.mu.Lock()
	l.fix = fix
	l.has = true
	close(l.updated)
	l.updated = make(chan struct{})
	l.mu.Unlock()
}

// wait returns the held fix if it is at most maxAge old, otherwise the next
// one pushed before ctx ends.
func (l *latestFix) wait(ctx context.Context, maxAge time.Duration) (Fix, error) {
	l.mu.Lock()
	if l.has && l.nowFn().UnixMilli()-l.fix.CapturedAtMs <= maxAge.Milliseconds() {
		fix := l.fix
		l.mu.Unlock()
		return fix, nil
	}
	updated := l.updated
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return Fix{}, fmt.Errorf("waiting for position: %w", ctx.Err())
	case <-updated:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fix, nil
}
