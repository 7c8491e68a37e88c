// internal/feeds/trace.go
package feeds

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

// TraceProgress is the payload of trace.progress.
type TraceProgress struct {
	TraceID    string `json:"trace_id"`
	Progress   int    `json:"progress"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	NodesFound int    `json:"nodes_found"`
}

// TraceState is what a trace feed exposes.
type TraceState struct {
	TraceID    string
	Progress   int
	Stage      string
	Message    string
	NodesFound int
	Completed  bool
	Result     json.RawMessage
	Err        string
}

// Trace follows the progress of one trace job.
type Trace struct {
	base
	id string

	smu   sync.Mutex
	state TraceState
}

// NewTrace creates a trace feed for traceID.
func NewTrace(env Env, traceID string) *Trace {
	t := &Trace{id: traceID, state: TraceState{TraceID: traceID}}
	t.init(NameTrace, env)
	return t
}

// Connect opens /api/v1/ws/trace/{id}.
func (t *Trace) Connect() error {
	cfg := stream.Config{
		Key:     NameTrace + ":" + t.id,
		URL:     t.env.wsURL("/api/v1/ws/trace", t.id),
		Backoff: t.env.backoffFor(NameTrace),
	}
	return t.open(cfg, func(conn *stream.Connection) {
		t.subscribe(conn, events.TraceProgress, t.onProgress)
		t.subscribe(conn, events.TraceCompleted, t.onCompleted)
		t.subscribe(conn, events.TraceError, t.onError)
	})
}

// Disconnect closes the feed and cancels any pending reconnect.
func (t *Trace) Disconnect() { t.close() }

// Clear resets the trace state.
func (t *Trace) Clear() {
	t.smu.Lock()
	t.state = TraceState{TraceID: t.id}
	t.smu.Unlock()
	t.changed()
}

// State returns a copy of the current state.
func (t *Trace) State() TraceState {
	t.smu.Lock()
	defer t.smu.Unlock()
	s := t.state
	s.Result = append(json.RawMessage(nil), t.state.Result...)
	return s
}

func (t *Trace) mine(id string) bool {
	return id == "" || id == t.id
}

func (t *Trace) onProgress(env events.Envelope) error {
	var p TraceProgress
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !t.mine(p.TraceID) {
		return nil
	}

	t.smu.Lock()
	// Progress never moves backwards within one trace.
	if p.Progress > t.state.Progress {
		t.state.Progress = p.Progress
	}
	if p.Stage != "" {
		t.state.Stage = p.Stage
	}
	t.state.Message = p.Message
	if p.NodesFound > t.state.NodesFound {
		t.state.NodesFound = p.NodesFound
	}
	t.smu.Unlock()

	t.changed()
	return nil
}

func (t *Trace) onCompleted(env events.Envelope) error {
	var p struct {
		TraceID string          `json:"trace_id"`
		Result  json.RawMessage `json:"result"`
	}
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !t.mine(p.TraceID) {
		return nil
	}

	t.smu.Lock()
	t.state.Completed = true
	t.state.Progress = 100
	t.state.Result = p.Result
	t.state.Err = ""
	t.smu.Unlock()

	t.logger.Info("Trace completed", zap.String("trace_id", t.id))
	t.changed()
	return nil
}

func (t *Trace) onError(env events.Envelope) error {
	var p struct {
		TraceID string `json:"trace_id"`
		Error   string `json:"error"`
	}
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !t.mine(p.TraceID) {
		return nil
	}

	t.smu.Lock()
	t.state.Err = p.Error
	t.smu.Unlock()

	t.changed()
	return nil
}
