package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tidelog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileValuesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://api.example.test/v1/
  token_file: /run/tidelog/token
store:
  backend: SQLite
  path: /var/lib/tidelog/tidelog.db
location:
  source: nmea
  serial:
    port: /dev/ttyUSB0
    baud: 4800
queue:
  max_attempts: 4
flush:
  initial_backoff: 2s
tracing:
  enabled: true
  headers:
    x-team: fleet
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.test/v1" {
		t.Fatalf("base_url=%q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 15*time.Second {
		t.Fatalf("api.timeout=%s, want 15s", cfg.API.Timeout)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("backend=%q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Location.Serial.Baud != 4800 || cfg.Location.Serial.Port != "/dev/ttyUSB0" {
		t.Fatalf("serial=%+v", cfg.Location.Serial)
	}
	if cfg.Location.Timeout != 10*time.Second || cfg.Location.MaxAge != 10*time.Second {
		t.Fatalf("location timings=%s/%s", cfg.Location.Timeout, cfg.Location.MaxAge)
	}
	if cfg.Queue.MaxAttempts != 4 || cfg.Queue.AttemptTimeout != 15*time.Second {
		t.Fatalf("queue=%+v", cfg.Queue)
	}
	if cfg.Flush.InitialBackoff != 2*time.Second || cfg.Flush.MaxBackoff != 5*time.Minute {
		t.Fatalf("flush=%+v", cfg.Flush)
	}
	if cfg.Connectivity.Probe != "http" || cfg.Connectivity.URL != cfg.API.BaseURL {
		t.Fatalf("connectivity=%+v", cfg.Connectivity)
	}
	if cfg.Tracing.Headers["x-team"] != "fleet" {
		t.Fatalf("tracing headers=%v", cfg.Tracing.Headers)
	}
	if res := Validate(cfg); !res.OK {
		t.Fatalf("validate: %+v", res)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "api:\n  base_url: https://file.example.test\n")
	t.Setenv("TIDELOG_API_BASE_URL", "https://env.example.test")
	t.Setenv("TIDELOG_QUEUE_MAX_ATTEMPTS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.test" {
		t.Fatalf("base_url=%q", cfg.API.BaseURL)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("max_attempts=%d, want 3", cfg.Queue.MaxAttempts)
	}
}

func TestLoad_MissingExplicitFileIsAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Queue.MaxAttempts != 10 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Log.Format != "json" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("log.format=%q tracing.sample_ratio=%v", cfg.Log.Format, cfg.Tracing.SampleRatio)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "api: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
}

func validConfig() *Config {
	return &Config{
		API:          APIConfig{BaseURL: "https://api.example.test", Timeout: time.Second, Token: "t"},
		Store:        StoreConfig{Backend: "sqlite", Path: "x.db"},
		Location:     LocationConfig{Source: "none", Timeout: time.Second},
		Connectivity: ConnectivityConfig{Probe: "none", Interval: time.Second},
		Queue:        QueueConfig{MaxAttempts: 1, AttemptTimeout: time.Second},
		Flush:        FlushConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute},
		Log:          LogConfig{Level: "info", Output: "stderr"},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
		wantOK  bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantOK: true},
		{name: "missing base url", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: "api.base_url is required"},
		{name: "relative base url", mutate: func(c *Config) { c.API.BaseURL = "/v1" }, wantErr: "not an absolute url"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: "store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = "postgres" }, wantErr: "store.dsn"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Backend = "redis" }, wantErr: "store.redis_addr"},
		{name: "nmea without port", mutate: func(c *Config) { c.Location.Source = "nmea" }, wantErr: "location.serial.port"},
		{name: "mqtt without broker", mutate: func(c *Config) { c.Location.Source = "mqtt" }, wantErr: "location.mqtt.broker"},
		{name: "static out of range", mutate: func(c *Config) {
			c.Location.Source = "static"
			c.Location.Static.Latitude = 91
		}, wantErr: "out of range"},
		{name: "grpc without target", mutate: func(c *Config) { c.Connectivity.Probe = "grpc" }, wantErr: "connectivity.target"},
		{name: "zero attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = 0 }, wantErr: "queue.max_attempts"},
		{name: "inverted backoff", mutate: func(c *Config) { c.Flush.MaxBackoff = time.Millisecond }, wantErr: "flush.max_backoff"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "file log without path", mutate: func(c *Config) { c.Log.Output = "file" }, wantErr: "log.path"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "logfmt" }, wantErr: "log.format"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, wantErr: "tracing.sample_ratio"},
		{name: "bad tracing header", mutate: func(c *Config) { c.Tracing.Headers = map[string]string{"x-team": "a\nb"} }, wantErr: "tracing.headers"},
		{name: "bad metrics listen", mutate: func(c *Config) { c.Metrics.Listen = "9090" }, wantErr: "metrics.listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			res := Validate(cfg)
			if res.OK != tc.wantOK {
				t.Fatalf("ok=%v, want %v (errors=%v)", res.OK, tc.wantOK, res.Errors)
			}
			if tc.wantErr == "" {
				return
			}
			for _, e := range res.Errors {
				if strings.Contains(e, tc.wantErr) {
					return
				}
			}
			t.Fatalf("errors=%v, want one containing %q", res.Errors, tc.wantErr)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := validConfig()
	cfg.API.Token = ""
	cfg.Store.Backend = "memory"
	res := Validate(cfg)
	if !res.OK {
		t.Fatalf("errors=%v", res.Errors)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings=%v, want 2", res.Warnings)
	}
	if got := FormatValidationText(res); got != "config ok (warnings: 2)" {
		t.Fatalf("text=%q", got)
	}
}

func TestFormatValidation(t *testing.T) {
	res := ValidationResult{Errors: []string{"api.base_url is required"}}
	if got := FormatValidationText(res); got != "config invalid: api.base_url is required" {
		t.Fatalf("text=%q", got)
	}
	out, err := FormatValidationJSON(res)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(out, `"ok": false`) {
		t.Fatalf("json=%s", out)
	}
}
