package logger

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
)

func testRecord(i int) Record {
	env := events.Envelope{
		Type:       events.TraceProgress,
		Payload:    json.RawMessage(fmt.Sprintf(`{"progress":%d}`, i)),
		ReceivedAt: time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
	}
	return NewRecord("trace", "trace:abc", env)
}

func TestEventWriterJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.jsonl")
	writer, err := NewEventWriter(path, 50*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create event writer: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := writer.Write(testRecord(i)); err != nil {
					t.Errorf("Failed to write record: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	records, flushes := writer.GetStats()
	if records != 200 {
		t.Errorf("Expected 200 records, got %d", records)
	}
	if flushes == 0 {
		t.Error("Expected at least one flush")
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Line %d is not a record: %v", lines, err)
		}
		if r.Type != "trace.progress" || r.Feed != "trace" {
			t.Errorf("Unexpected record: %+v", r)
		}
		lines++
	}
	if lines != 200 {
		t.Errorf("Expected 200 lines, got %d", lines)
	}
}

func TestEventWriterCSVHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")

	for round := 0; round < 2; round++ {
		writer, err := NewEventWriter(path, time.Second, nil)
		if err != nil {
			t.Fatalf("Failed to create event writer: %v", err)
		}
		if err := writer.Write(testRecord(round)); err != nil {
			t.Fatalf("Failed to write record: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("Failed to close writer: %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][4] != "payload" {
		t.Errorf("Unexpected header: %v", rows[0])
	}
	if rows[2][4] != `{"progress":1}` {
		t.Errorf("Unexpected payload: %v", rows[2][4])
	}
	if rows[1][0] != "2024-05-01T12:00:00Z" {
		t.Errorf("Unexpected timestamp: %v", rows[1][0])
	}
}
