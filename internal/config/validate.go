package config

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/url"

	"github.com/nuetzliches/tidelog/internal/httpheader"
)

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func Validate(cfg *Config) ValidationResult {
	var res ValidationResult
	errf := func(format string, args ...any) { res.Errors = append(res.Errors, fmt.Sprintf(format, args...)) }
	warnf := func(format string, args ...any) { res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...)) }

	if cfg == nil {
		return ValidationResult{Errors: []string{"config is nil"}}
	}

	if cfg.API.BaseURL == "" {
		errf("api.base_url is required")
	} else if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errf("api.base_url %q is not an absolute url", cfg.API.BaseURL)
	}
	if cfg.API.Timeout <= 0 {
		errf("api.timeout must be positive")
	}
	if cfg.API.Token == "" && cfg.API.TokenFile == "" {
		warnf("no api credentials configured; submissions will stay queued")
	}
	if cfg.API.Token != "" && cfg.API.TokenFile != "" {
		warnf("api.token and api.token_file are both set; api.token_file wins")
	}

	switch cfg.Store.Backend {
	case "memory":
		warnf("store.backend memory does not survive restarts")
	case "sqlite":
		if cfg.Store.Path == "" {
			errf("store.path is required for sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errf("store.dsn is required for postgres")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			errf("store.redis_addr is required for redis")
		}
	default:
		errf("store.backend %q is not one of memory|sqlite|postgres|redis", cfg.Store.Backend)
	}

	switch cfg.Location.Source {
	case "none":
	case "nmea":
		if cfg.Location.Serial.Port == "" {
			errf("location.serial.port is required for nmea")
		}
	case "mqtt":
		if cfg.Location.MQTT.Broker == "" {
			errf("location.mqtt.broker is required for mqtt")
		}
	case "static":
		lat, lng := cfg.Location.Static.Latitude, cfg.Location.Static.Longitude
		if math.Abs(lat) > 90 || math.Abs(lng) > 180 {
			errf("location.static coordinates %v,%v are out of range", lat, lng)
		}
	default:
		errf("location.source %q is not one of none|nmea|mqtt|static", cfg.Location.Source)
	}
	if cfg.Location.Timeout <= 0 {
		errf("location.timeout must be positive")
	}
	if cfg.Location.MaxAge < 0 {
		errf("location.max_age must not be negative")
	}

	switch cfg.Connectivity.Probe {
	case "none":
	case "http":
		if cfg.Connectivity.URL == "" {
			errf("connectivity.url is required for the http probe")
		}
	case "grpc":
		if cfg.Connectivity.Target == "" {
			errf("connectivity.target is required for the grpc probe")
		}
	default:
		errf("connectivity.probe %q is not one of http|grpc|none", cfg.Connectivity.Probe)
	}
	if cfg.Connectivity.Interval <= 0 {
		errf("connectivity.interval must be positive")
	}

	if cfg.Queue.MaxAttempts < 1 {
		errf("queue.max_attempts must be at least 1")
	}
	if cfg.Queue.AttemptTimeout <= 0 {
		errf("queue.attempt_timeout must be positive")
	}
	if cfg.Flush.InitialBackoff <= 0 || cfg.Flush.MaxBackoff <= 0 {
		errf("flush backoff intervals must be positive")
	} else if cfg.Flush.MaxBackoff < cfg.Flush.InitialBackoff {
		errf("flush.max_backoff must not be below flush.initial_backoff")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errf("log.level %q is not one of debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		errf("log.format %q is not one of json|text", cfg.Log.Format)
	}
	switch cfg.Log.Output {
	case "", "stderr", "stdout":
	case "file":
		if cfg.Log.Path == "" {
			errf("log.path is required for file output")
		}
	default:
		errf("log.output %q is not one of stdout|stderr|file", cfg.Log.Output)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Collector == "" {
		warnf("tracing.collector is empty; the exporter default endpoint is used")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errf("tracing.sample_ratio %v is outside [0, 1]", cfg.Tracing.SampleRatio)
	}
	for _, p := range httpheader.Problems(cfg.Tracing.Headers) {
		errf("tracing.headers: %s", p)
	}
	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			errf("metrics.listen %q: %v", cfg.Metrics.Listen, err)
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
