// Package logger provides the process-wide structured logger. Call sites
// log through the context-first helpers (Info, Warn, ...) with a component
// and an event name; request metadata stored in ctx is added to every line.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/m3rciful/pushgrab/core/buildinfo"
	coreconfig "github.com/m3rciful/pushgrab/core/config"
)

const (
	defaultSampleDen = 50
	writerBufSize    = 64 * 1024
)

var (
	initOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	sink     *asyncWriter
	logFile  io.Closer
	levelVar slog.LevelVar

	debugSampler = newRatioSampler(1, defaultSampleDen)

	// L is the base logger. It stays nil until InitLogger runs and the
	// helpers below are no-ops while it is nil.
	L *slog.Logger
)

// settings is LoggingConfig resolved to concrete values.
type settings struct {
	level     slog.Level
	format    logFormat
	keyOrder  []string
	sampleNum int
	sampleDen int
	file      string
}

// InitLogger installs the global logger. Lines go to stdout and, when
// logging.file is set, to that file as well. Only the first call has effect.
func InitLogger(cfg *coreconfig.Config) error {
	var err error
	initOnce.Do(func() { err = install(resolve(cfg)) })
	return err
}

func install(s settings) error {
	outputs := []io.Writer{os.Stdout}
	if s.file != "" {
		f, err := openFile(s.file)
		if err != nil {
			return err
		}
		outputs = append(outputs, f)
		logFile = f
	}

	levelVar.Set(s.level)
	debugSampler.Set(s.sampleNum, s.sampleDen)
	sink = newAsyncWriter(outputs, writerBufSize)
	L = slog.New(newStructuredHandler(handlerConfig{
		level:    &levelVar,
		writer:   sink,
		format:   s.format,
		keyOrder: s.keyOrder,
	}))
	slog.SetDefault(L)

	Info(context.Background(), "app", "startup",
		slog.String("go_version", runtime.Version()),
		slog.String("build_version", buildinfo.Version),
		slog.String("build_commit", buildinfo.Commit),
		slog.String("build_time", buildinfo.Date),
		slog.String("mode", string(s.format)),
		slog.String("path", s.file),
	)
	return nil
}

func openFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logger: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open log file: %w", err)
	}
	return f, nil
}

// Shutdown flushes pending lines and closes the log file. Later calls
// return the result of the first one.
func Shutdown() error {
	closeOnce.Do(func() {
		var errs []error
		if sink != nil {
			errs = append(errs, sink.Close())
		}
		if logFile != nil {
			errs = append(errs, logFile.Close())
		}
		closeErr = errors.Join(errs...)
	})
	return closeErr
}

func resolve(cfg *coreconfig.Config) settings {
	s := settings{
		level:     slog.LevelInfo,
		format:    formatJSON,
		keyOrder:  defaultKeyOrder,
		sampleNum: 1,
		sampleDen: defaultSampleDen,
	}
	if cfg == nil {
		return s
	}
	lc := cfg.Logging
	s.level = parseLevel(lc.Level)
	s.format = parseFormat(lc.Format)
	if order := splitKeys(lc.KeysOrder); len(order) > 0 {
		s.keyOrder = order
	}
	s.sampleNum, s.sampleDen = parseDebugSample(lc.DebugSample)
	s.file = strings.TrimSpace(lc.File)
	return s
}

// parseLevel accepts the slog level names plus "warning"; anything else is info.
func parseLevel(raw string) slog.Level {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseFormat(raw string) logFormat {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "kv", "text", "pretty":
		return formatKV
	}
	return formatJSON
}

func splitKeys(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// parseDebugSample reads "n/d" or "d". "0" turns sampling off so every
// sampled debug line is kept; malformed values fall back to 1/50.
func parseDebugSample(raw string) (int, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, defaultSampleDen
	}
	num, den := parseRatioSpec(raw)
	switch {
	case num == 0 && den == 0:
		return 0, 0
	case num <= 0 || den <= 0:
		return 1, defaultSampleDen
	}
	return num, den
}

// ShouldSampleDebug reports whether a high-volume debug line should be logged.
func ShouldSampleDebug() bool {
	return debugSampler.Allow()
}

func emit(ctx context.Context, level slog.Level, component, event string, attrs []slog.Attr) {
	l := L
	if l == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.Enabled(ctx, level) {
		return
	}
	if c := strings.TrimSpace(component); c != "" {
		attrs = append([]slog.Attr{slog.String("component", c)}, attrs...)
	}
	l.LogAttrs(ctx, level, event, attrs...)
}

// Debug logs a debug-level event for the given component.
func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelDebug, component, event, attrs)
}

// Info logs an info-level event for the given component.
func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelInfo, component, event, attrs)
}

// Warn logs a warn-level event for the given component.
func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelWarn, component, event, attrs)
}

// Error logs an error-level event for the given component.
func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelError, component, event, attrs)
}
