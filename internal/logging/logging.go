package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mapfree/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewTraditionalHandler(w, parseLevel(level))
	}
	return slog.New(handler)
}

// Setup configures process logging: stdout plus a dated file in LogDir.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	// Parse log level
	level := parseLevel(cfg.Logging.Level)

	// Create log directory
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	// Always include stdout for immediate feedback
	writers := []io.Writer{os.Stdout}

	// Add file output if enabled, one file per day
	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("mapfree-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		// Point mapfree-current.log at today's file; a failed symlink is not fatal
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "mapfree-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	// Combine all writers behind one handler
	var handler slog.Handler
	out := io.MultiWriter(writers...)
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	slogLogger := slog.New(handler)

	// Set as default logger
	slog.SetDefault(slogLogger)

	// Log startup information
	slogLogger.Debug("mapfree logging initialized",
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
	attrs  []slog.Attr
	group  string
}

// NewTraditionalHandler writes standard-library formatted lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	// Build message with handler attributes first, then the record's
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// log.Logger adds the timestamp
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

// format renders one attribute, qualified by the open group.
func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

// teeHandler duplicates records to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

// Tee fans records out to every handler.
func Tee(handlers ...slog.Handler) slog.Handler {
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			// Each handler gets its own copy of the record
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}

// ProjectLogger returns base teed into <dir>/mapfree.log. Close the returned
// closer when the run ends.
func ProjectLogger(base *slog.Logger, dir string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create project log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "mapfree.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open project log: %w", err)
	}
	if base == nil {
		base = slog.Default()
	}
	// The project file records everything, independent of the console level
	return slog.New(Tee(base.Handler(), NewTraditionalHandler(f, slog.LevelDebug))), f, nil
}

// parseLevel maps a config level name to a slog level, defaulting to info.
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

// LogRunStart logs the beginning of a reconstruction run.
func LogRunStart(logger *slog.Logger, runID, imageDir, projectDir string, options map[string]any) {
	logger.Info("run started",
		"id", runID,
		"images", imageDir,
		"project", projectDir,
		"options", options,
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, duration time.Duration, state string) {
	logger.Info("run completed successfully",
		"id", runID,
		"state", state,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogRunError logs run failures.
func LogRunError(logger *slog.Logger, runID, stage string, duration time.Duration, err error) {
	logger.Error("run failed",
		"id", runID,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogStageStep logs individual steps within a stage.
func LogStageStep(logger *slog.Logger, runID, stage, status string, details map[string]any) {
	logger.Info("stage step",
		"run_id", runID,
		"stage", stage,
		"status", status,
		"details", details,
	)
}
