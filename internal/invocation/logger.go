package invocation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mattjoyce/ductile-host/internal/protocol"
)

// Logger ships run logs to the service. Delivery failures are logged locally
// and never returned to workflow code.
type Logger struct {
	runID  string
	caller Caller
	local  *slog.Logger
}

// Log sends one entry with the given properties.
func (l *Logger) Log(ctx context.Context, level protocol.LogLevel, msg string, props map[string]any) {
	entry := protocol.LogEntry{Message: msg, Level: level}
	if len(props) > 0 {
		b, err := json.Marshal(props)
		if err != nil {
			l.local.Warn("dropping unserializable log properties", "error", err)
		} else {
			entry.Properties = string(b)
		}
	}

	l.local.Log(ctx, slogLevel(level), msg, "properties", entry.Properties)

	req := &protocol.SendLogRequest{RunID: l.runID, Log: entry}
	if err := l.caller.Call(ctx, protocol.MethodSendLog, req, nil); err != nil {
		l.local.Warn("failed to deliver run log", "level", string(level), "error", err)
	}
}

// Debug logs at DEBUG with slog-style key/value args as properties.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, protocol.LevelDebug, msg, props(args))
}

// Info logs at INFO.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, protocol.LevelInfo, msg, props(args))
}

// Warn logs at WARN.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, protocol.LevelWarn, msg, props(args))
}

// Error logs at ERROR.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, protocol.LevelError, msg, props(args))
}

const badKey = "!BADKEY"

// props pairs args the way slog does: string keys followed by values, or slog.Attr.
func props(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args)/2+1)
	for len(args) > 0 {
		switch k := args[0].(type) {
		case slog.Attr:
			out[k.Key] = k.Value.Any()
			args = args[1:]
		case string:
			if len(args) == 1 {
				out[badKey] = k
				return out
			}
			out[k] = args[1]
			args = args[2:]
		default:
			out[badKey] = k
			args = args[1:]
		}
	}
	return out
}

func slogLevel(level protocol.LogLevel) slog.Level {
	switch level {
	case protocol.LevelDebug:
		return slog.LevelDebug
	case protocol.LevelWarn:
		return slog.LevelWarn
	case protocol.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
