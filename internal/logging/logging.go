package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"psfmatch/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json", "text" or "traditional".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional":
		handler = NewTraditionalHandler(w, parseLevel(level))
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging, optionally teeing to a dated file in LogDir.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	// Always include stdout for immediate feedback
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("psfmatch-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "psfmatch-current.log")
		os.Remove(currentLogPath)
		// best effort; the dated file is the real log
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(io.MultiWriter(writers...), level)
	}

	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Info("psfmatch logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes to w with standard log timestamps.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.format(a))
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a match job
func LogJobStart(logger *slog.Logger, jobType, jobID, template, science string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"template", template,
		"science", science,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual processing steps within a job
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}
