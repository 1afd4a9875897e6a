//go:build !windows

package app

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireDataLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tidelog.db.lock")
	release, err := acquireDataLock(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	if _, err := acquireDataLock(path); err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("second lock err=%v, want in use", err)
	}

	release()
	again, err := acquireDataLock(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

// A running daemon holds the lock; one-shot commands still work on the
// same database.
func TestCLI_CommandsRunBesideLockHolder(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeConfig("http://127.0.0.1:1", "http")
	release, err := acquireDataLock(env.dbPath + ".lock")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	payload := env.writePayload(`{"crew_count":1}`)
	if code, _, stderr := env.run("--config", cfgPath, "submit", "--file", payload); code != 0 {
		t.Fatalf("submit exit=%d stderr=%s", code, stderr)
	}
	code, stdout, stderr := env.run("--config", cfgPath, "queue", "stats")
	if code != 0 || !strings.Contains(stdout, `"pending": 1`) {
		t.Fatalf("stats exit=%d out=%s stderr=%s", code, stdout, stderr)
	}
}

func TestAcquireDataLock_EmptyPath(t *testing.T) {
	release, err := acquireDataLock("")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	release()
}
