package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventstream/internal/transport/transporttest"
)

const (
	kytEVM = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"
	kytSOL = "11111111111111111111111111111111"
)

func awaitSubscribe(t *testing.T, conn *transporttest.Conn) kytSubscribe {
	t.Helper()
	var msg kytSubscribe
	require.NoError(t, json.Unmarshal(conn.AwaitSent(t), &msg))
	return msg
}

func TestKYT_SubscribesOnEveryOpen(t *testing.T) {
	h := newHarness(t)
	k := NewKYT(h.env,
		Address{Chain: "ETH", Address: kytEVM},
		Address{Chain: "sol", Address: kytSOL},
		Address{Chain: "eth", Address: "0xnot-an-address"},
	)
	t.Cleanup(k.Disconnect)
	assert.Len(t, k.State().Watched, 2, "invalid address skipped")

	require.NoError(t, k.Connect())
	conn := h.ws.Await(t)
	assert.Equal(t, "ws://example.test/api/v1/ws/kyt", conn.Target)

	msg := awaitSubscribe(t, conn)
	assert.Equal(t, "subscribe", msg.Action)
	assert.Equal(t, []Address{
		{Chain: "eth", Address: "0xabcdef0123456789abcdef0123456789abcdef01"},
		{Chain: "sol", Address: kytSOL},
	}, msg.Addresses)

	conn.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return k.Status().RetryIn > 0 }, waitFor, tick)
	h.clock.Advance(k.Status().RetryIn)

	again := h.ws.Await(t)
	assert.Len(t, awaitSubscribe(t, again).Addresses, 2)
}

func TestKYT_SharedSocketResubscribesEveryFeed(t *testing.T) {
	h := newHarness(t)
	a := NewKYT(h.env, Address{Chain: "eth", Address: kytEVM})
	b := NewKYT(h.env, Address{Chain: "sol", Address: kytSOL})
	t.Cleanup(a.Disconnect)
	t.Cleanup(b.Disconnect)

	require.NoError(t, a.Connect())
	conn := h.ws.Await(t)
	assert.Equal(t, "eth", awaitSubscribe(t, conn).Addresses[0].Chain)
	require.Eventually(t, func() bool { return a.Status().Connected }, waitFor, tick)

	require.NoError(t, b.Connect())
	assert.Equal(t, []Address{{Chain: "sol", Address: kytSOL}}, awaitSubscribe(t, conn).Addresses,
		"joining an open socket subscribes right away")
	assert.True(t, b.Status().Connected)

	conn.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return a.Status().RetryIn > 0 }, waitFor, tick)
	h.clock.Advance(a.Status().RetryIn)

	again := h.ws.Await(t)
	chains := map[string]bool{}
	for i := 0; i < 2; i++ {
		for _, addr := range awaitSubscribe(t, again).Addresses {
			chains[addr.Chain] = true
		}
	}
	assert.Equal(t, map[string]bool{"eth": true, "sol": true}, chains)
	require.Eventually(t, func() bool { return a.Status().Connected }, waitFor, tick)

	// Once b leaves, only a's interest is re-sent.
	b.Disconnect()
	again.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return a.Status().RetryIn > 0 }, waitFor, tick)
	h.clock.Advance(a.Status().RetryIn)

	third := h.ws.Await(t)
	assert.Equal(t, "eth", awaitSubscribe(t, third).Addresses[0].Chain)
	require.Eventually(t, func() bool { return a.Status().Connected }, waitFor, tick)
	assert.Len(t, third.Sent(), 1)
}

func TestKYT_WatchRefreshesSubscription(t *testing.T) {
	h := newHarness(t)
	k := NewKYT(h.env, Address{Chain: "eth", Address: kytEVM})
	t.Cleanup(k.Disconnect)

	// Not connected yet: the address is queued for the next open.
	require.NoError(t, k.Watch(Address{Chain: "btc", Address: "bc1qxyz"}))

	require.NoError(t, k.Connect())
	conn := h.ws.Await(t)
	assert.Len(t, awaitSubscribe(t, conn).Addresses, 2)

	require.NoError(t, k.Watch(Address{Chain: "sol", Address: kytSOL}))
	assert.Len(t, awaitSubscribe(t, conn).Addresses, 3)

	err := k.Watch(Address{Chain: "sol", Address: "0OIl"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Len(t, k.State().Watched, 3)
}

func TestKYT_ResultsAlertsAndErrors(t *testing.T) {
	h := newHarness(t)
	k := NewKYT(h.env, Address{Chain: "eth", Address: kytEVM})
	t.Cleanup(k.Disconnect)

	require.NoError(t, k.Connect())
	conn := h.ws.Await(t)
	awaitSubscribe(t, conn)

	conn.Push("", `{"type":"kyt.error","error":"rate limited","retry_after":30}`)
	require.Eventually(t, func() bool { return k.State().Err != "" }, waitFor, tick)
	s := k.State()
	assert.Equal(t, "rate limited", s.Err)
	assert.Equal(t, 30*time.Second, s.RetryAfter)
	assert.Empty(t, k.Status().Err, "application errors stay out of the transport status")

	conn.Push("", `{"type":"kyt.result","chain":"eth","address":"`+kytEVM+`","risk_score":0.7,"risk_level":"medium"}`)
	conn.Push("", `{"type":"kyt.alert","id":"a1","chain":"eth","address":"`+kytEVM+`","severity":"high","message":"mixer"}`)
	require.Eventually(t, func() bool { return len(k.State().Alerts) == 1 }, waitFor, tick)

	s = k.State()
	key := Address{Chain: "eth", Address: kytEVM}.Key()
	require.Contains(t, s.Results, key)
	assert.Equal(t, "medium", s.Results[key].RiskLevel)
	assert.Empty(t, s.Err, "a result clears the last error")
	assert.Zero(t, s.RetryAfter)
	assert.False(t, s.Alerts[0].Timestamp.IsZero())

	k.Clear()
	s = k.State()
	assert.Empty(t, s.Results)
	assert.Empty(t, s.Alerts)
	assert.Len(t, s.Watched, 1)
}

func TestKYT_AlertLogIsBounded(t *testing.T) {
	h := newHarness(t)
	k := NewKYT(h.env)
	t.Cleanup(k.Disconnect)

	require.NoError(t, k.Connect())
	conn := h.ws.Await(t)

	for i := 0; i < kytAlertLogSize+10; i++ {
		conn.PushJSON(map[string]interface{}{"type": "kyt.alert", "id": fmt.Sprintf("a%d", i), "severity": "low"})
	}
	require.Eventually(t, func() bool {
		alerts := k.State().Alerts
		return len(alerts) == kytAlertLogSize && alerts[len(alerts)-1].ID == "a109"
	}, waitFor, tick)
	assert.Equal(t, "a10", k.State().Alerts[0].ID, "oldest alerts evicted first")
}
