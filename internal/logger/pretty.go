// internal/logger/pretty.go
package logger

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Colors for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

// PrettyEncoder creates a user-friendly console encoder
func PrettyEncoder() zapcore.Encoder {
	config := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		CallerKey:      "",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    customLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return zapcore.NewConsoleEncoder(config)
}

// customLevelEncoder formats log levels with colors
func customLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString(fmt.Sprintf("%s[DEBUG]%s", ColorCyan, ColorReset))
	case zapcore.InfoLevel:
		enc.AppendString(fmt.Sprintf("%s[INFO]%s", ColorGreen, ColorReset))
	case zapcore.WarnLevel:
		enc.AppendString(fmt.Sprintf("%s[WARN]%s", ColorYellow, ColorReset))
	case zapcore.ErrorLevel:
		enc.AppendString(fmt.Sprintf("%s[ERROR]%s", ColorRed, ColorReset))
	default:
		enc.AppendString(fmt.Sprintf("[%s]", level.CapitalString()))
	}
}

func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}

// FormatMessage turns the stream layer's log messages into short status lines.
// Unknown messages pass through unchanged.
func FormatMessage(msg string, fields ...zap.Field) string {
	switch {
	case msg == "Connection open":
		if extractField(fields, "reopened") == "true" {
			return fmt.Sprintf("%s● Reconnected %s%s", ColorGreen, extractField(fields, "key"), ColorReset)
		}
		return fmt.Sprintf("%s● Connected %s%s", ColorGreen, extractField(fields, "key"), ColorReset)

	case msg == "Connection lost":
		return fmt.Sprintf("%s✗ Lost %s: %s%s", ColorRed, extractField(fields, "key"), extractField(fields, "error"), ColorReset)

	case msg == "Reconnect scheduled":
		return fmt.Sprintf("%s↻ Reconnecting %s in %s (attempt %s)%s", ColorYellow,
			extractField(fields, "key"), extractField(fields, "delay"), extractField(fields, "attempt"), ColorReset)

	case msg == "Reconnect not scheduled":
		return fmt.Sprintf("%s■ Gave up on %s%s", ColorRed, extractField(fields, "key"), ColorReset)

	case msg == "Reconnection halted":
		return fmt.Sprintf("%s■ %s reached a final state%s", ColorPurple, extractField(fields, "key"), ColorReset)

	case msg == "Connection closed by owner":
		return fmt.Sprintf("%s○ Closed %s%s", ColorBlue, extractField(fields, "key"), ColorReset)

	case strings.HasPrefix(msg, "Starting fallback polling"):
		return fmt.Sprintf("%s⇣ Polling every %s while disconnected%s", ColorYellow, extractField(fields, "interval"), ColorReset)

	case msg == "Event received":
		return fmt.Sprintf("%s%s%s %s", ColorCyan, extractField(fields, "event_type"), ColorReset, extractField(fields, "payload"))

	default:
		if e := extractField(fields, "error"); e != "" {
			return msg + ": " + e
		}
		return msg
	}
}

func extractField(fields []zap.Field, key string) string {
	for _, field := range fields {
		if field.Key != key {
			continue
		}
		switch field.Type {
		case zapcore.StringType:
			return field.String
		case zapcore.BoolType:
			return fmt.Sprintf("%t", field.Integer == 1)
		case zapcore.DurationType:
			return time.Duration(field.Integer).String()
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Uint64Type:
			return fmt.Sprintf("%d", field.Integer)
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok {
				return err.Error()
			}
		case zapcore.ByteStringType, zapcore.BinaryType:
			if b, ok := field.Interface.([]byte); ok {
				return string(b)
			}
		}
		if field.Interface != nil {
			return fmt.Sprintf("%v", field.Interface)
		}
		return field.String
	}
	return ""
}

// FieldFilterCore prints FormatMessage output instead of raw fields.
type FieldFilterCore struct {
	core    zapcore.Core
	context []zapcore.Field
}

func (c *FieldFilterCore) Enabled(level zapcore.Level) bool {
	return c.core.Enabled(level)
}

func (c *FieldFilterCore) With(fields []zapcore.Field) zapcore.Core {
	ctx := make([]zapcore.Field, 0, len(c.context)+len(fields))
	ctx = append(ctx, c.context...)
	ctx = append(ctx, fields...)
	return &FieldFilterCore{core: c.core, context: ctx}
}

func (c *FieldFilterCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *FieldFilterCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(c.context)+len(fields))
	all = append(all, c.context...)
	all = append(all, fields...)

	cleanEntry := entry
	cleanEntry.Message = FormatMessage(entry.Message, all...)
	return c.core.Write(cleanEntry, nil)
}

func (c *FieldFilterCore) Sync() error {
	return c.core.Sync()
}
