// internal/feeds/scanner.go
package feeds

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

// ScanStatus is the state of one scan.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "error"
)

// Scan is the progress of one scan job.
type Scan struct {
	ID        string          `json:"scan_id"`
	Status    ScanStatus      `json:"status"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage,omitempty"`
	Findings  int             `json:"findings"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"-"`
}

// Scanner follows every scan of one user, keyed by scan id.
type Scanner struct {
	base
	userID string

	smu   sync.Mutex
	scans map[string]Scan
}

// NewScanner creates a scanner feed for userID.
func NewScanner(env Env, userID string) *Scanner {
	s := &Scanner{userID: userID, scans: make(map[string]Scan)}
	s.init(NameScanner, env)
	return s
}

// Connect opens /api/v1/ws/scanner/{user_id}.
func (s *Scanner) Connect() error {
	cfg := stream.Config{
		Key:     NameScanner + ":" + s.userID,
		URL:     s.env.wsURL("/api/v1/ws/scanner", s.userID),
		Backoff: s.env.backoffFor(NameScanner),
	}
	return s.open(cfg, func(conn *stream.Connection) {
		s.subscribe(conn, events.ScanProgress, s.onProgress)
		s.subscribe(conn, events.ScanCompleted, s.onCompleted)
		s.subscribe(conn, events.ScanError, s.onError)
	})
}

// Disconnect closes the feed.
func (s *Scanner) Disconnect() { s.close() }

// Clear forgets every scan.
func (s *Scanner) Clear() {
	s.smu.Lock()
	s.scans = make(map[string]Scan)
	s.smu.Unlock()
	s.changed()
}

// Scans returns every known scan, most recently updated first.
func (s *Scanner) Scans() []Scan {
	s.smu.Lock()
	out := make([]Scan, 0, len(s.scans))
	for _, sc := range s.scans {
		out = append(out, sc)
	}
	s.smu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Scan returns one scan by id.
func (s *Scanner) Scan(id string) (Scan, bool) {
	s.smu.Lock()
	defer s.smu.Unlock()
	sc, ok := s.scans[id]
	return sc, ok
}

func (s *Scanner) apply(env events.Envelope, fn func(prev Scan, in Scan) Scan) error {
	var in Scan
	if err := env.Decode(&in); err != nil {
		return err
	}
	if in.ID == "" {
		return nil
	}

	s.smu.Lock()
	prev, ok := s.scans[in.ID]
	if !ok {
		prev = Scan{ID: in.ID, Status: ScanRunning}
	}
	next := fn(prev, in)
	next.UpdatedAt = env.ReceivedAt
	s.scans[in.ID] = next
	s.smu.Unlock()

	s.changed()
	return nil
}

func (s *Scanner) onProgress(env events.Envelope) error {
	return s.apply(env, func(prev, in Scan) Scan {
		if prev.Status != ScanRunning {
			return prev
		}
		if in.Progress > prev.Progress {
			prev.Progress = in.Progress
		}
		if in.Stage != "" {
			prev.Stage = in.Stage
		}
		if in.Findings > prev.Findings {
			prev.Findings = in.Findings
		}
		return prev
	})
}

func (s *Scanner) onCompleted(env events.Envelope) error {
	return s.apply(env, func(prev, in Scan) Scan {
		prev.Status = ScanCompleted
		prev.Progress = 100
		prev.Findings = in.Findings
		prev.Result = in.Result
		prev.Err = ""
		return prev
	})
}

func (s *Scanner) onError(env events.Envelope) error {
	return s.apply(env, func(prev, in Scan) Scan {
		prev.Status = ScanFailed
		prev.Err = in.Err
		return prev
	})
}
