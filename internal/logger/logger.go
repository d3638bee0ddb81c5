// Package logger provides the process-wide structured logger: an slog
// logger backed by either stderr or a rotated file, switchable between
// plain-text and JSON encodings, with five severities (TRACE..ERROR)
// plus OFF.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/repeatfs/repeatfs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggerFactory struct {
	file            *lumberjack.Logger
	async           *AsyncLogger
	sysWriter       io.Writer
	format          string
	level           string
	logRotateConfig cfg.LogRotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{
		sysWriter: os.Stderr,
		format:    "text",
		level:     SeverityInfo,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel(SeverityInfo), ""))
)

func programLevel(severity string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(severity, v)
	return v
}

// InitLogFile switches the default logger to write to a rotated file
// through an AsyncLogger, replacing the stderr default.
func InitLogFile(resolved cfg.LoggingConfig) error {
	if resolved.FilePath == "" {
		return fmt.Errorf("logger: empty file path")
	}

	lj := &lumberjack.Logger{
		Filename:   string(resolved.FilePath),
		MaxSize:    resolved.LogRotate.MaxFileSizeMB,
		MaxBackups: resolved.LogRotate.BackupFileCount,
		Compress:   resolved.LogRotate.Compress,
	}

	async := NewAsyncLogger(lj, 4096)

	format := resolved.Format
	if format == "" {
		format = "json"
	}

	factory := &loggerFactory{
		file:            lj,
		async:           async,
		format:          format,
		level:           resolved.Severity,
		logRotateConfig: resolved.LogRotate,
	}
	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(async, programLevel(resolved.Severity), ""))
	return nil
}

// SetLogFormat switches the default logger's encoding without touching
// its destination or severity.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.async != nil {
		w = defaultLoggerFactory.async
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel(defaultLoggerFactory.level), ""))
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				a.Value = slog.StringValue(levelName(a.Value.Any().(slog.Level)))
			case slog.MessageKey:
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}

	if f.format == "text" {
		return &textHandler{w: w, opts: opts, prefix: prefix}
	}
	return &jsonTimestampHandler{w: w, level: level, prefix: prefix}
}

// textHandler renders `time="..." severity=LEVEL message="..."`, the
// format the original daemon's text logs use.
type textHandler struct {
	w      io.Writer
	opts   *slog.HandlerOptions
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("01/02/2006 15:04:05.000000"), levelName(r.Level), h.prefix+r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonTimestampHandler nests the timestamp as {"seconds":N,"nanos":N}
// instead of slog's default RFC3339 string, matching the original
// daemon's structured-log schema for downstream log processors.
type jsonTimestampHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonTimestampHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonTimestampHandler) Handle(_ context.Context, r slog.Record) error {
	type envelope struct {
		Timestamp struct {
			Seconds int64 `json:"seconds"`
			Nanos   int   `json:"nanos"`
		} `json:"timestamp"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}
	var e envelope
	e.Timestamp.Seconds = r.Time.Unix()
	e.Timestamp.Nanos = r.Time.Nanosecond()
	e.Severity = levelName(r.Level)
	e.Message = h.prefix + r.Message

	out, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(h.w, string(out))
	return err
}

func (h *jsonTimestampHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonTimestampHandler) WithGroup(_ string) slog.Handler      { return h }

// Logger returns the process-wide *slog.Logger, for components that take
// a logger explicitly (internal/service) instead of calling the
// package-level Tracef/Debugf/... helpers.
func Logger() *slog.Logger { return defaultLogger }

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func logf(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}
