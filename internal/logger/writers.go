package logger

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
)

// Record is one received envelope as written by an EventWriter.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Feed      string          `json:"feed"`
	Key       string          `json:"key"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRecord builds a record from an envelope.
func NewRecord(feed, key string, env events.Envelope) Record {
	return Record{
		Timestamp: env.ReceivedAt,
		Feed:      feed,
		Key:       key,
		Type:      string(env.Type),
		Payload:   env.Payload,
	}
}

var csvHeader = []string{"timestamp", "feed", "key", "type", "payload"}

// EventWriter appends records to a file as JSON lines or CSV, chosen by
// extension. Writes are buffered and flushed periodically and on Close.
type EventWriter struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	csv      *csv.Writer
	ticker   *time.Ticker
	done     chan struct{}
	logger   *zap.Logger
	filePath string

	// Stats
	written    uint64
	flushCount uint64
}

// NewEventWriter opens filePath for appending. A .csv extension selects CSV
// (with a header for new files); anything else writes JSON lines.
func NewEventWriter(filePath string, flushInterval time.Duration, logger *zap.Logger) (*EventWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	w := &EventWriter{
		file:     file,
		buf:      bufio.NewWriter(file),
		ticker:   time.NewTicker(flushInterval),
		done:     make(chan struct{}),
		logger:   logger,
		filePath: filePath,
	}

	if strings.EqualFold(filepath.Ext(filePath), ".csv") {
		stat, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		w.csv = csv.NewWriter(w.buf)
		if stat.Size() == 0 {
			if err := w.csv.Write(csvHeader); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to write header: %w", err)
			}
		}
	}

	go w.periodicFlush()
	return w, nil
}

// Write appends one record.
func (w *EventWriter) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csv != nil {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Feed, r.Key, r.Type, string(r.Payload),
		}
		if err := w.csv.Write(row); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	} else {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.buf.Write(data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	w.written++
	return nil
}

// Flush forces buffered records to disk.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *EventWriter) flushLocked() error {
	if w.csv != nil {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return fmt.Errorf("CSV writer error: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	w.flushCount++
	return nil
}

func (w *EventWriter) periodicFlush() {
	for {
		select {
		case <-w.ticker.C:
			if err := w.Flush(); err != nil {
				w.logger.Error("Periodic flush failed",
					zap.String("file", w.filePath),
					zap.Error(err))
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the periodic flush, writes what is buffered and closes the file.
func (w *EventWriter) Close() error {
	close(w.done)
	w.ticker.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	w.logger.Info("Event writer closed",
		zap.String("file", w.filePath),
		zap.Uint64("records", w.written),
		zap.Uint64("flushes", w.flushCount))
	return nil
}

// GetStats returns writer statistics
func (w *EventWriter) GetStats() (records, flushes uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.flushCount
}
