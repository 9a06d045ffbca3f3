// Package tracelog is the interpreter's structured run log: a
// slog.Logger emitting one JSON line per traced instruction (and per
// pipeline stage) when -trace is set, tagged with a run ID so
// concurrent invocations' logs can be told apart when aggregated.
package tracelog

import (
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lama-vm/lama/decode"
)

// Logger wraps a slog.Logger with the run's identity. When disabled,
// every method is a no-op — callers don't need to branch on whether
// tracing is on.
type Logger struct {
	slog    *slog.Logger
	runID   string
	enabled bool
}

// New creates a run logger writing JSON lines to w. enabled controls
// whether anything is actually emitted; a disabled Logger is safe to
// use unconditionally from hot paths.
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{
		slog:    slog.New(handler),
		runID:   uuid.New().String(),
		enabled: enabled,
	}
}

// RunID returns the UUID identifying this invocation.
func (l *Logger) RunID() string { return l.runID }

// Stage logs a pipeline milestone (load, verify, interpret) with an
// optional duration.
func (l *Logger) Stage(name string, args ...any) {
	if !l.enabled {
		return
	}
	l.slog.Info(name, append([]any{"run_id", l.runID}, args...)...)
}

// Error logs a fatal pipeline error.
func (l *Logger) Error(name string, err error) {
	if !l.enabled {
		return
	}
	l.slog.Error(name, "run_id", l.runID, "error", err.Error())
}

// TraceInstruction implements interp.Tracer: one JSON line per
// executed instruction, offset/opcode/operand-stack depth.
func (l *Logger) TraceInstruction(offset int32, op decode.Op, stackDepth int) {
	if !l.enabled {
		return
	}
	l.slog.Debug("instruction",
		"run_id", l.runID,
		"offset", offset,
		"op", op.String(),
		"stack_depth", stackDepth,
	)
}
