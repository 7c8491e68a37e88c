package logger

import (
	"bytes"
	"encoding/json"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/rovshanmuradov/eventstream/internal/reconcile"
)

// LogEntry represents a single log entry in the buffer
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogBuffer keeps the most recent log entries in memory for on-screen display.
// It is an io.Writer for zap's JSON encoder (see bufferEncoderConfig).
type LogBuffer struct {
	ring *reconcile.Ring[LogEntry]
}

// NewLogBuffer creates a buffer holding up to maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	return &LogBuffer{ring: reconcile.NewRing[LogEntry](maxSize)}
}

func bufferEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// Write parses one or more JSON log lines. Lines that are not JSON are kept
// as plain messages.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lb.ring.Add(parseEntry(line))
	}
	return len(p), nil
}

// Add appends an entry directly.
func (lb *LogBuffer) Add(level, message string, fields map[string]interface{}) {
	lb.ring.Add(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

func parseEntry(line []byte) LogEntry {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{Timestamp: time.Now(), Level: "info", Message: string(line)}
	}

	entry := LogEntry{Timestamp: time.Now()}
	if s, ok := raw["time"].(string); ok {
		if ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", s); err == nil {
			entry.Timestamp = ts
		}
	}
	entry.Level, _ = raw["level"].(string)
	entry.Logger, _ = raw["logger"].(string)
	entry.Message, _ = raw["msg"].(string)

	delete(raw, "time")
	delete(raw, "level")
	delete(raw, "logger")
	delete(raw, "msg")
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry
}

// GetRecentLogs returns up to limit of the newest entries, oldest first.
func (lb *LogBuffer) GetRecentLogs(limit int) []LogEntry {
	return lb.ring.Recent(limit)
}

// GetStats returns how many entries were written and how many were evicted.
func (lb *LogBuffer) GetStats() (total, evicted uint64) {
	return lb.ring.Stats()
}

// Sync implements zapcore.WriteSyncer.
func (lb *LogBuffer) Sync() error { return nil }
