package feeds

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventstream/internal/events"
)

func TestTrace_ProgressNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	tr := NewTrace(h.env, "abc")
	t.Cleanup(tr.Disconnect)

	require.NoError(t, tr.Connect())
	conn := h.ws.Await(t)

	conn.Push("", `{"type":"trace.progress","trace_id":"abc","progress":40,"stage":"expanding","nodes_found":12}`)
	conn.Push("", `{"type":"trace.progress","trace_id":"abc","progress":25,"stage":"scoring","nodes_found":3}`)
	conn.Push("", `{"type":"trace.progress","trace_id":"other","progress":90}`)
	conn.Push("", `{"type":"trace.error","trace_id":"abc","error":"upstream timeout"}`)

	require.Eventually(t, func() bool { return tr.State().Err != "" }, waitFor, tick)
	s := tr.State()
	assert.Equal(t, 40, s.Progress)
	assert.Equal(t, "scoring", s.Stage)
	assert.Equal(t, 12, s.NodesFound)
	assert.Equal(t, "upstream timeout", s.Err)

	conn.Push("", `{"type":"trace.completed","trace_id":"abc","result":{"nodes":12}}`)
	require.Eventually(t, func() bool { return tr.State().Completed }, waitFor, tick)
	s = tr.State()
	assert.Equal(t, 100, s.Progress)
	assert.Empty(t, s.Err)
	assert.JSONEq(t, `{"nodes":12}`, string(s.Result))

	tr.Clear()
	assert.Equal(t, TraceState{TraceID: "abc"}, tr.State())
}

func TestScanner_TracksScansByID(t *testing.T) {
	h := newHarness(t)
	s := NewScanner(h.env, "user 7")
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Connect())
	conn := h.ws.Await(t)
	assert.Equal(t, "ws://example.test/api/v1/ws/scanner/user%207", conn.Target)

	conn.Push("", `{"type":"scan.progress","scan_id":"s1","progress":10,"stage":"fetching"}`)
	conn.Push("", `{"type":"scan.progress","scan_id":"s2","progress":50,"findings":2}`)
	conn.Push("", `{"type":"scan.progress","scan_id":"s1","progress":5}`)
	conn.Push("", `{"type":"scan.error","scan_id":"s2","error":"rpc unavailable"}`)
	conn.Push("", `{"type":"scan.progress","scan_id":"s2","progress":80}`)
	conn.Push("", `{"type":"scan.completed","scan_id":"s1","findings":4,"result":{"ok":true}}`)

	require.Eventually(t, func() bool {
		sc, ok := s.Scan("s1")
		return ok && sc.Status == ScanCompleted
	}, waitFor, tick)

	s1, _ := s.Scan("s1")
	assert.Equal(t, 100, s1.Progress)
	assert.Equal(t, 4, s1.Findings)
	assert.Equal(t, "fetching", s1.Stage)

	s2, ok := s.Scan("s2")
	require.True(t, ok)
	assert.Equal(t, ScanFailed, s2.Status)
	assert.Equal(t, 50, s2.Progress, "progress after an error is ignored")
	assert.Equal(t, "rpc unavailable", s2.Err)

	assert.Len(t, s.Scans(), 2)

	s.Clear()
	assert.Empty(t, s.Scans())
}

func TestFeed_TapSeesEveryEnvelope(t *testing.T) {
	h := newHarness(t)
	tr := NewTrace(h.env, "abc")
	t.Cleanup(tr.Disconnect)

	_, err := tr.Tap(func(events.Envelope) {})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, tr.Connect())
	conn := h.ws.Await(t)

	var mu sync.Mutex
	var seen []events.EventType
	stop, err := tr.Tap(func(env events.Envelope) {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	conn.Push("", `{"type":"trace.progress","trace_id":"abc","progress":10}`)
	conn.Push("", `{"type":"something.else"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	assert.Equal(t, 10, tr.State().Progress, "feed handlers still run")

	stop()
	conn.Push("", `{"type":"trace.progress","trace_id":"abc","progress":20}`)
	require.Eventually(t, func() bool { return tr.State().Progress == 20 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{events.TraceProgress, "something.else"}, seen)
}
