// internal/transport/websocket.go
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	PingInterval time.Duration // 0 uses the default, negative disables pings
	ReadTimeout  time.Duration // 0 disables the read deadline
	WriteTimeout time.Duration
}

// Dial performs the handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}

	ws := &wsConn{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		readTimeout:  d.ReadTimeout,
		done:         make(chan struct{}),
	}
	if ws.writeTimeout <= 0 {
		ws.writeTimeout = defaultWriteTimeout
	}

	if ws.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		})
	}

	interval := d.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	if interval > 0 {
		go ws.pingLoop(interval)
	}

	return ws, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func (w *wsConn) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-w.done:
			return Message{}, ErrClosed
		default:
		}

		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return Message{}, ErrClosed
			default:
			}
			return Message{}, err
		}
		if w.readTimeout > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return Message{Data: data}, nil
		}
	}
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		w.writeMu.Unlock()

		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
