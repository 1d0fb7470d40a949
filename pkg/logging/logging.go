// Package logging builds the structured loggers used across routinerunner and
// provides helpers for recording run and step lifecycle events.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogConfig contains configuration for the logger
type LogConfig struct {
	// Level is the minimum log level to output
	Level string `json:"level"`

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is where logs are written
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file (if Output is "file")
	FilePath string `json:"file_path,omitempty"`

	// IncludeCaller indicates whether to include caller information
	IncludeCaller bool `json:"include_caller"`
}

// New creates a logger from the configuration. The returned closer releases
// the log file when Output is "file" and is a no-op otherwise.
func New(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output is file but no file path is set")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	return NewWithWriter(w, cfg), closer, nil
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.IncludeCaller,
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
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

// EnrichLogger returns a logger carrying the run's identifiers
func EnrichLogger(logger *slog.Logger, runID, routineID, accountID string) *slog.Logger {
	return logger.With(
		slog.String("run_id", runID),
		slog.String("routine_id", routineID),
		slog.String("account_id", accountID),
	)
}

// LogRunStart records the start of a run
func LogRunStart(logger *slog.Logger, runID, routineID string, inputs int) {
	logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("routine_id", routineID),
		slog.Int("inputs", inputs))
}

// LogRunComplete records a finished run
func LogRunComplete(logger *slog.Logger, runID, status string, steps int, credits string, elapsed time.Duration) {
	logger.Info("run completed",
		slog.String("run_id", runID),
		slog.String("status", status),
		slog.Int("steps", steps),
		slog.String("credits", credits),
		slog.Duration("duration", elapsed))
}

// LogRunError records a failed run
func LogRunError(logger *slog.Logger, runID string, err error) {
	logger.Error("run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()))
}

// LogStepStart records the start of a step
func LogStepStart(logger *slog.Logger, runID, stepID, stepType string) {
	logger.Debug("step started",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.String("step_type", stepType))
}

// LogStepComplete records a finished step
func LogStepComplete(logger *slog.Logger, runID, stepID string, credits int64, tokens int, elapsed time.Duration) {
	logger.Info("step completed",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.Int64("credits", credits),
		slog.Int("tokens", tokens),
		slog.Duration("duration", elapsed))
}

// LogStepError records a failed step
func LogStepError(logger *slog.Logger, runID, stepID string, err error) {
	logger.Warn("step failed",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.String("error", err.Error()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
