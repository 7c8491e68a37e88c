package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"metrics", "client", "feed"} {
		name := name
		h.AddFunc(name, func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, []string{"feed", "client", "metrics"}, order)

	require.NoError(t, h.Shutdown(context.Background()), "second call is a no-op")
	assert.Len(t, order, 3)
}

func TestShutdown_CollectsErrorsAndTimeouts(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), time.Second)
	boom := errors.New("boom")
	release := make(chan struct{})
	defer close(release)

	var ranAfter bool
	h.AddFunc("after", func() error { ranAfter = true; return nil })
	h.AddFunc("stuck", func() error { <-release; return nil })
	h.AddFunc("broken", func() error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stuck: shutdown timeout")
	assert.Contains(t, err.Error(), "after: shutdown timeout")
	assert.False(t, ranAfter, "services after a timeout are skipped")
}

func TestWait_ReturnsWhenContextDone(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), time.Second)
	closed := make(chan struct{})
	h.AddFunc("client", func() error { close(closed); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Wait(ctx) }()

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	select {
	case <-closed:
	default:
		t.Fatal("service was not closed")
	}
}
