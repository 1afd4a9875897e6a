package flush

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeFlusher struct {
	calls   atomic.Int32
	release chan struct{}
	results []queue.FlushResult
	err     error
	mu      sync.Mutex
}

func (f *fakeFlusher) Flush(ctx context.Context) (queue.FlushResult, error) {
	n := int(f.calls.Add(1))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return queue.FlushResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n-1 < len(f.results) {
		return f.results[n-1], f.err
	}
	return queue.FlushResult{}, f.err
}

type fakeConnectivity struct {
	mu sync.Mutex
	fn func(bool)
}

func (c *fakeConnectivity) Subscribe(fn func(bool)) func() {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.fn = nil
		c.mu.Unlock()
	}
}

func (c *fakeConnectivity) emit(online bool) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

func waitCalls(t *testing.T, f *fakeFlusher, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("calls=%d, want >= %d", f.calls.Load(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTrigger_AfterTransientEnqueueFlushes(t *testing.T) {
	f := &fakeFlusher{}
	tr := NewTrigger(f, nil, discardLogger())
	tr.Start(context.Background())
	defer tr.Stop()

	tr.AfterTransientEnqueue()
	waitCalls(t, f, 1)
}

func TestTrigger_RequestBeforeStartIsIgnored(t *testing.T) {
	f := &fakeFlusher{}
	tr := NewTrigger(f, nil, discardLogger())
	tr.Foreground()
	tr.Stop()
	if f.calls.Load() != 0 {
		t.Fatalf("calls=%d, want 0", f.calls.Load())
	}
}

func TestTrigger_RequestsDuringPassCoalesce(t *testing.T) {
	f := &fakeFlusher{release: make(chan struct{})}
	tr := NewTrigger(f, nil, discardLogger())
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Foreground()
	waitCalls(t, f, 1)
	for i := 0; i < 5; i++ {
		tr.Foreground()
		tr.AfterTransientEnqueue()
	}
	close(f.release)
	waitCalls(t, f, 2)
	time.Sleep(50 * time.Millisecond)
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestTrigger_ConnectivityRegainedFlushes(t *testing.T) {
	f := &fakeFlusher{}
	conn := &fakeConnectivity{}
	tr := NewTrigger(f, conn, discardLogger())
	tr.Start(context.Background())
	defer tr.Stop()

	conn.emit(false)
	time.Sleep(30 * time.Millisecond)
	if f.calls.Load() != 0 {
		t.Fatalf("offline observation must not flush")
	}
	conn.emit(true)
	waitCalls(t, f, 1)
}

func TestTrigger_DeferredEntriesScheduleBackoffPass(t *testing.T) {
	f := &fakeFlusher{results: []queue.FlushResult{{Deferred: []string{"a"}}}}
	tr := NewTrigger(f, nil, discardLogger())
	tr.InitialBackoff = 10 * time.Millisecond
	tr.MaxBackoff = 20 * time.Millisecond

	var mu sync.Mutex
	var reasons []string
	tr.OnPass = func(reason string, _ queue.FlushResult, _ error) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Foreground()
	waitCalls(t, f, 2)
	mu.Lock()
	defer mu.Unlock()
	if reasons[1] != ReasonBackoff {
		t.Fatalf("reasons=%v, want second pass from backoff", reasons)
	}
}

func TestTrigger_NoBackoffPassWhileOffline(t *testing.T) {
	f := &fakeFlusher{results: []queue.FlushResult{{Deferred: []string{"a"}}}}
	conn := &fakeConnectivity{}
	tr := NewTrigger(f, conn, discardLogger())
	tr.InitialBackoff = 10 * time.Millisecond
	tr.Start(context.Background())
	defer tr.Stop()

	conn.emit(true)
	waitCalls(t, f, 1)
	conn.emit(false)
	time.Sleep(80 * time.Millisecond)
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestTrigger_ErrorsAreNotSurfaced(t *testing.T) {
	f := &fakeFlusher{err: tripapi.ErrNoCredentials}
	var passErr atomic.Value
	tr := NewTrigger(f, nil, discardLogger())
	tr.OnPass = func(_ string, _ queue.FlushResult, err error) { passErr.Store(err) }
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Request(ReasonManual)
	waitCalls(t, f, 1)
	deadline := time.Now().Add(time.Second)
	for passErr.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err, _ := passErr.Load().(error); !errors.Is(err, tripapi.ErrNoCredentials) {
		t.Fatalf("pass err=%v", err)
	}
}

func TestTrigger_StopWaitsForRunningPass(t *testing.T) {
	f := &fakeFlusher{release: make(chan struct{})}
	tr := NewTrigger(f, nil, discardLogger())
	tr.Start(context.Background())
	tr.Foreground()
	waitCalls(t, f, 1)

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
}
