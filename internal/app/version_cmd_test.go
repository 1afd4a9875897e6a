package app

import (
	"bytes"
	"encoding/json"
	goruntime "runtime"
	"strings"
	"testing"
)

func withBuild(t *testing.T, v, c, d string) {
	t.Helper()
	prevVersion, prevCommit, prevDate := version, commit, buildDate
	version, commit, buildDate = v, c, d
	t.Cleanup(func() { version, commit, buildDate = prevVersion, prevCommit, prevDate })
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := runMain(append([]string{"tidelog"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCmd_Output(t *testing.T) {
	withBuild(t, " v0.4.1 ", "9f3c2e1", "2026-10-02T08:15:00Z")

	platform := goruntime.GOOS + "/" + goruntime.GOARCH
	cases := []struct {
		args []string
		want string
	}{
		{args: []string{"version"}, want: "v0.4.1"},
		{args: []string{"version", "--long"}, want: "v0.4.1 (commit=9f3c2e1, build_date=2026-10-02T08:15:00Z, " + goruntime.Version() + " " + platform + ")"},
	}
	for _, tc := range cases {
		code, stdout, stderr := runCLI(tc.args...)
		if code != 0 || stderr != "" {
			t.Fatalf("%v: exit=%d stderr=%q", tc.args, code, stderr)
		}
		if got := strings.TrimSpace(stdout); got != tc.want {
			t.Fatalf("%v: out=%q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	withBuild(t, "v0.4.1", "9f3c2e1", "2026-10-02T08:15:00Z")

	code, stdout, _ := runCLI("version", "--json")
	if code != 0 {
		t.Fatalf("exit=%d", code)
	}
	var got buildInfo
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if got.Version != "v0.4.1" || got.Commit != "9f3c2e1" || got.BuildDate != "2026-10-02T08:15:00Z" {
		t.Fatalf("build=%+v", got)
	}
	if got.Platform != goruntime.GOOS+"/"+goruntime.GOARCH {
		t.Fatalf("platform=%q", got.Platform)
	}
}

func TestVersionCmd_UsageErrors(t *testing.T) {
	cases := []struct {
		args    []string
		wantErr string
	}{
		{args: []string{"version", "--yaml"}, wantErr: "unknown flag"},
		{args: []string{"version", "positional"}, wantErr: "unexpected positional arguments"},
	}
	for _, tc := range cases {
		code, stdout, stderr := runCLI(tc.args...)
		if code != 2 {
			t.Fatalf("%v: exit=%d, want 2", tc.args, code)
		}
		if stdout != "" || !strings.Contains(stderr, tc.wantErr) {
			t.Fatalf("%v: stdout=%q stderr=%q", tc.args, stdout, stderr)
		}
	}
}
