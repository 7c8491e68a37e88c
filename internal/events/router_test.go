package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/eventstream/internal/metrics"
)

type recorder struct {
	seen []string
}

func (r *recorder) handler(tag string) HandlerFunc {
	return func(_ context.Context, env Envelope) error {
		r.seen = append(r.seen, fmt.Sprintf("%s:%s", tag, env.Type))
		return nil
	}
}

func TestParse_WebSocketEnvelope(t *testing.T) {
	at := time.Unix(100, 0)
	env, err := Parse("", []byte(`{"type":"trace.progress","progress":40}`), at)
	require.NoError(t, err)

	assert.Equal(t, TraceProgress, env.Type)
	assert.Equal(t, at, env.ReceivedAt)

	var payload struct {
		Progress int `json:"progress"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, 40, payload.Progress)
}

func TestParse_Failures(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"json array", `[1,2]`, ErrMalformed},
		{"missing type", `{"progress":1}`, ErrNoType},
		{"empty type", `{"type":""}`, ErrNoType},
		{"non string type", `{"type":7}`, ErrNoType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("", []byte(tc.data), time.Now())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParse_NamedSSEEvent(t *testing.T) {
	env, err := Parse("chat.delta", []byte(`{"text":"hi"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ChatDelta, env.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))

	env, err = Parse("chat.keepalive", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "null", string(env.Payload))

	env, err = Parse("chat.typing", []byte("thinking..."), time.Now())
	require.NoError(t, err)
	var s string
	require.NoError(t, env.Decode(&s))
	assert.Equal(t, "thinking...", s)
}

func TestRouter_ExactlyOncePerMatchingEnvelopeInOrder(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t), nil)
	rec := &recorder{}

	r.Subscribe(TraceProgress, rec.handler("a"))
	r.Subscribe(KYTResult, rec.handler("b"))
	r.Subscribe(TraceProgress, rec.handler("c"))

	msgs := []string{
		`{"type":"trace.progress"}`,
		`{"type":"kyt.result"}`,
		`{"type":"scan.progress"}`,
		`{"type":"trace.progress"}`,
	}
	for _, m := range msgs {
		r.Route(context.Background(), "", []byte(m))
	}

	assert.Equal(t, []string{
		"a:trace.progress", "c:trace.progress",
		"b:kyt.result",
		"a:trace.progress", "c:trace.progress",
	}, rec.seen)
}

func TestRouter_AnyReceivesEverythingAfterTyped(t *testing.T) {
	r := NewRouter(nil, nil)
	rec := &recorder{}
	r.Subscribe(Any, rec.handler("all"))
	r.Subscribe(ScanProgress, rec.handler("scan"))

	r.Route(context.Background(), "", []byte(`{"type":"scan.progress"}`))
	r.Route(context.Background(), "", []byte(`{"type":"unknown.thing"}`))

	assert.Equal(t, []string{"scan:scan.progress", "all:scan.progress", "all:unknown.thing"}, rec.seen)
}

func TestRouter_HandlerFailureDoesNotStopOthers(t *testing.T) {
	collector := metrics.NewCollector()
	r := NewRouter(zaptest.NewLogger(t), collector)
	rec := &recorder{}

	r.SubscribeFunc(KYTAlert, func(context.Context, Envelope) error { panic("boom") })
	r.SubscribeFunc(KYTAlert, func(context.Context, Envelope) error { return errors.New("nope") })
	r.Subscribe(KYTAlert, rec.handler("ok"))

	n := r.Dispatch(context.Background(), Envelope{Type: KYTAlert})

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"ok:kyt.alert"}, rec.seen)
}

func TestRouter_MalformedMessagesAreDropped(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t), nil)
	rec := &recorder{}
	r.Subscribe(Any, rec.handler("all"))

	assert.NotPanics(t, func() {
		r.Route(context.Background(), "", []byte(`{not json`))
		r.Route(context.Background(), "", []byte(`{"no":"type"}`))
	})
	assert.Empty(t, rec.seen)
}

func TestSubscription_UnsubscribeTwiceIsNoop(t *testing.T) {
	r := NewRouter(nil, nil)
	rec := &recorder{}
	first := r.Subscribe(TraceProgress, rec.handler("first"))
	r.Subscribe(TraceProgress, rec.handler("second"))

	first.Unsubscribe()
	first.Unsubscribe()

	assert.False(t, first.Active())
	assert.Equal(t, 1, r.SubscriberCount(TraceProgress))

	r.Dispatch(context.Background(), Envelope{Type: TraceProgress})
	assert.Equal(t, []string{"second:trace.progress"}, rec.seen)
}

func TestSubscription_SwapKeepsSingleRegistration(t *testing.T) {
	r := NewRouter(nil, nil)
	rec := &recorder{}
	sub := r.Subscribe(PaymentStatusUpdate, rec.handler("v1"))

	r.Dispatch(context.Background(), Envelope{Type: PaymentStatusUpdate})
	sub.Swap(rec.handler("v2"))
	r.Dispatch(context.Background(), Envelope{Type: PaymentStatusUpdate})

	assert.Equal(t, 1, r.SubscriberCount(PaymentStatusUpdate))
	assert.Equal(t, []string{"v1:payment.status_update", "v2:payment.status_update"}, rec.seen)
	assert.NotEmpty(t, sub.ID())
}

func TestRouter_Stats(t *testing.T) {
	r := NewRouter(nil, nil)
	r.SubscribeFunc(ChatDelta, func(context.Context, Envelope) error { return nil })
	r.SubscribeFunc(ChatDelta, func(context.Context, Envelope) error { return nil })

	stats := r.Stats()
	assert.Equal(t, 1, stats["event_types"])
	assert.Equal(t, map[string]int{"chat.delta": 2}, stats["handlers_per_type"])
}
