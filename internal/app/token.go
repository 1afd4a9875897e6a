package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/tidelog/internal/tripapi"
)

const tokenReloadDebounce = 200 * time.Millisecond

// tokenFileAuth serves the bearer token stored in a file. The file is read
// once at construction and again after every change seen by watch.
type tokenFileAuth struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

func newTokenFileAuth(path string, logger *slog.Logger) (*tokenFileAuth, error) {
	a := &tokenFileAuth{path: path, logger: logger}
	if err := a.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return a, nil
}

func (a *tokenFileAuth) Auth(context.Context) (tripapi.Auth, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == "" {
		return tripapi.Auth{}, tripapi.ErrNoCredentials
	}
	return tripapi.Auth{Token: a.token}, nil
}

// reload treats a missing file as logged out.
func (a *tokenFileAuth) reload() error {
	b, err := os.ReadFile(a.path)
	if err != nil {
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("read token file %q: %w", a.path, err)
	}
	a.mu.Lock()
	a.token = strings.TrimSpace(string(b))
	a.mu.Unlock()
	return nil
}

// watch reloads the token after changes to its file until ctx is done.
// onChange runs after each reload that leaves a token in place.
func (a *tokenFileAuth) watch(ctx context.Context, onChange func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("token_watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(a.path)
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		a.logger.Warn("token_watch_disabled", slog.Any("err", err))
		return
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(tokenReloadDebounce)
		} else {
			timer.Stop()
			timer.Reset(tokenReloadDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.logger.Warn("token_watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			err := a.reload()
			switch {
			case os.IsNotExist(err):
				a.logger.Info("token_removed")
			case err != nil:
				a.logger.Error("token_reload_failed", slog.Any("err", err))
			default:
				a.logger.Info("token_reloaded")
				if _, authErr := a.Auth(ctx); authErr == nil && onChange != nil {
					onChange()
				}
			}
		}
	}
}
