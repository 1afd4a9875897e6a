package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuetzliches/tidelog/internal/config"
)

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLogLevel(level string) (slog.Level, error) {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error)", level)
	}
	return lvl, nil
}

// logSink is the destination of log records. close is nil for the
// process streams.
type logSink struct {
	w     io.Writer
	close func() error
}

func (s logSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openLogSink opens the configured output. File logs are created with their
// parent directory and are readable by the owner only, since they carry
// queue ids and position cells.
func openLogSink(output, path string) (logSink, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return logSink{w: os.Stderr}, nil
	case "stdout":
		return logSink{w: os.Stdout}, nil
	case "file":
	default:
		return logSink{}, fmt.Errorf("invalid log output %q (use: stdout|stderr|file)", output)
	}

	p := strings.TrimSpace(path)
	if p == "" {
		return logSink{}, errors.New("log output file requires path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return logSink{}, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return logSink{}, fmt.Errorf("open log file %q: %w", p, err)
	}
	return logSink{w: f, close: f.Close}, nil
}

// newLoggerFromConfig builds the process logger. The returned closer must be
// closed once logging is done.
func newLoggerFromConfig(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	sink, err := openLogSink(cfg.Output, cfg.Path)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		h = slog.NewJSONHandler(sink.w, opts)
	case "text":
		h = slog.NewTextHandler(sink.w, opts)
	default:
		_ = sink.Close()
		return nil, nil, fmt.Errorf("invalid log format %q (use: json|text)", cfg.Format)
	}
	return slog.New(h), sink, nil
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
