package feeds

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventstream/internal/stream"
)

func TestPayment_FinalStatusStopsReconnecting(t *testing.T) {
	h := newHarness(t)
	p := NewPayment(h.env, "pay-1")
	t.Cleanup(p.Disconnect)

	assert.Equal(t, PaymentPending, p.State().Status)

	require.NoError(t, p.Connect())
	conn := h.ws.Await(t)
	assert.Equal(t, "ws://example.test/api/v1/ws/payment/pay-1", conn.Target)

	var exhausted atomic.Bool
	stop := p.connection().OnLifecycle(func(ev stream.LifecycleEvent) {
		if ev.Exhausted {
			exhausted.Store(true)
		}
	})
	defer stop()

	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-1","status":"confirming"}`)
	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-1","status":"sending","amount":12.5,"currency":"USDT"}`)
	conn.Push("", `{"type":"payment.final_status","payment_id":"pay-1","status":"finished","tx_hash":"0xabc"}`)

	require.Eventually(t, p.Terminal, waitFor, tick)
	s := p.State()
	assert.Equal(t, PaymentFinished, s.Status)
	assert.True(t, s.Final)
	assert.Equal(t, []string{"confirming", "sending", "finished"}, s.History)
	assert.Equal(t, 12.5, s.Amount)
	assert.Equal(t, "0xabc", s.TxHash)

	conn.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, exhausted.Load, waitFor, tick)

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.ws.Dials(), "no reconnect after a terminal status")
	assert.Zero(t, p.Status().RetryIn)
}

func TestPayment_IgnoresOtherPaymentsAndLateUpdates(t *testing.T) {
	h := newHarness(t)
	p := NewPayment(h.env, "pay-1")
	t.Cleanup(p.Disconnect)

	require.NoError(t, p.Connect())
	conn := h.ws.Await(t)

	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-2","status":"confirming"}`)
	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-1","status":"failed"}`)
	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-1","status":"confirming"}`)
	conn.Push("", `{"type":"payment.final_status","payment_id":"pay-1","status":"finished"}`)

	require.Eventually(t, p.Terminal, waitFor, tick)
	// Let the remaining messages drain through the router.
	time.Sleep(20 * time.Millisecond)

	s := p.State()
	assert.Equal(t, PaymentFailed, s.Status, "a plain update with a terminal status is final too")
	assert.Equal(t, []string{"failed"}, s.History)
}

func TestPayment_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.ws.FailNext(10, errors.New("connection refused"))

	p := NewPayment(h.env, "pay-1")
	t.Cleanup(p.Disconnect)
	require.NoError(t, p.Connect())

	conn := p.connection()
	delay := time.Second
	for attempt := 1; attempt <= defaultPaymentAttempts; attempt++ {
		require.Eventually(t, func() bool { return conn.RetryCount() == attempt }, waitFor, tick, "attempt %d", attempt)
		h.clock.Advance(delay)
		require.Eventually(t, func() bool { return h.ws.Dials() == attempt+1 }, waitFor, tick)
		delay *= 2
	}

	require.Eventually(t, func() bool {
		s := p.Status()
		return s.RetryIn == 0 && s.Err != ""
	}, waitFor, tick)
	assert.Equal(t, defaultPaymentAttempts+1, h.ws.Dials())
}

func TestPayment_StaleWhileDroppedUntilNextUpdate(t *testing.T) {
	h := newHarness(t)
	p := NewPayment(h.env, "pay-1")
	t.Cleanup(p.Disconnect)

	require.NoError(t, p.Connect())
	conn := h.ws.Await(t)
	conn.Push("", `{"type":"payment.status_update","payment_id":"pay-1","status":"confirming"}`)
	require.Eventually(t, func() bool { return p.State().Status == "confirming" }, waitFor, tick)
	assert.False(t, p.Status().Stale)

	conn.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return p.Status().Stale }, waitFor, tick)
	assert.Equal(t, "confirming", p.State().Status, "last known status is kept")

	require.Eventually(t, func() bool { return p.Status().RetryIn > 0 }, waitFor, tick)
	h.clock.Advance(p.Status().RetryIn)
	again := h.ws.Await(t)
	require.Eventually(t, func() bool { return p.Status().Connected }, waitFor, tick)
	assert.True(t, p.Status().Stale, "reopening alone does not confirm the status")

	again.Push("", `{"type":"payment.final_status","payment_id":"pay-1","status":"finished"}`)
	require.Eventually(t, p.Terminal, waitFor, tick)
	assert.False(t, p.Status().Stale)

	again.Fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return !p.Status().Connected }, waitFor, tick)
	assert.False(t, p.Status().Stale, "a terminal status cannot go stale")
}

func TestPayment_ClearReturnsToPending(t *testing.T) {
	h := newHarness(t)
	p := NewPayment(h.env, "pay-1")

	p.rec.ApplyDelta(PaymentUpdate{PaymentID: "pay-1", Status: PaymentExpired}, h.clock.Now())
	assert.Equal(t, PaymentExpired, p.State().Status)

	p.Clear()
	assert.Equal(t, PaymentPending, p.State().Status)
	assert.Empty(t, p.State().History)
	assert.False(t, p.Terminal())
}

func TestIsTerminalPaymentStatus(t *testing.T) {
	for _, s := range []string{PaymentFinished, PaymentFailed, PaymentExpired} {
		assert.True(t, IsTerminalPaymentStatus(s), s)
	}
	for _, s := range []string{PaymentPending, "confirming", ""} {
		assert.False(t, IsTerminalPaymentStatus(s), s)
	}
}
