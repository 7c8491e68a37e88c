// Package transporttest provides in-memory transports for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rovshanmuradov/eventstream/internal/transport"
)

const waitTimeout = 2 * time.Second

// Conn is a scripted transport. Messages pushed with Push are returned by
// Receive in order; Fail ends the stream with an error.
type Conn struct {
	Target      string
	ReceiveOnly bool

	in   chan transport.Message
	errc chan error
	done chan struct{}

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	sentc  chan []byte
}

// NewConn returns an open fake transport.
func NewConn() *Conn {
	return &Conn{
		in:    make(chan transport.Message, 256),
		errc:  make(chan error, 1),
		done:  make(chan struct{}),
		sentc: make(chan []byte, 256),
	}
}

func (c *Conn) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case <-c.done:
		return transport.Message{}, transport.ErrClosed
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case err := <-c.errc:
		return transport.Message{}, err
	case <-c.done:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *Conn) Send(_ context.Context, data []byte) error {
	if c.ReceiveOnly {
		return transport.ErrReceiveOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	cp := append([]byte(nil), data...)
	c.sent = append(c.sent, cp)
	select {
	case c.sentc <- cp:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Push queues a raw message with an optional SSE event name.
func (c *Conn) Push(event string, data string) {
	c.in <- transport.Message{Event: event, Data: []byte(data)}
}

// PushJSON marshals v and queues it as an unnamed message.
func (c *Conn) PushJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.in <- transport.Message{Data: data}
}

// Fail ends the stream with err as if the peer dropped it.
func (c *Conn) Fail(err error) {
	select {
	case c.errc <- err:
	default:
	}
}

// Sent returns a copy of everything written so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// AwaitSent waits for the next outbound write.
func (c *Conn) AwaitSent(tb testing.TB) []byte {
	tb.Helper()
	select {
	case data := <-c.sentc:
		return data
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a send")
		return nil
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type outcome struct {
	err error
}

// Dialer hands out fresh Conns, or scripted failures queued with FailNext.
type Dialer struct {
	// Gate, when set, blocks every Dial until it is closed, regardless of ctx.
	Gate chan struct{}
	// ReceiveOnly marks produced Conns as receive-only.
	ReceiveOnly bool

	mu      sync.Mutex
	script  []outcome
	dials   int
	targets []string
	conns   []*Conn
	dialed  chan *Conn
	once    sync.Once
}

func (d *Dialer) init() {
	d.once.Do(func() { d.dialed = make(chan *Conn, 256) })
}

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.script = append(d.script, outcome{err: err})
	}
}

func (d *Dialer) Dial(_ context.Context, target string) (transport.Transport, error) {
	d.init()
	if d.Gate != nil {
		<-d.Gate
	}

	d.mu.Lock()
	d.dials++
	d.targets = append(d.targets, target)
	if len(d.script) > 0 {
		o := d.script[0]
		d.script = d.script[1:]
		d.mu.Unlock()
		return nil, o.err
	}
	conn := NewConn()
	conn.Target = target
	conn.ReceiveOnly = d.ReceiveOnly
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	d.dialed <- conn
	return conn, nil
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Targets returns every dialed target in order.
func (d *Dialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

// Conns returns every successfully dialed Conn in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Await waits for the next successful dial.
func (d *Dialer) Await(tb testing.TB) *Conn {
	tb.Helper()
	d.init()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a dial")
		return nil
	}
}
