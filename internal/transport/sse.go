// internal/transport/sse.go
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const maxErrorBody = 512

// SSEDialer opens Server-Sent Events streams over plain HTTP.
type SSEDialer struct {
	Client *http.Client
	Header http.Header
}

// Dial issues the GET and validates the response. The stream lives until ctx
// is cancelled or Close is called.
func (d *SSEDialer) Dial(ctx context.Context, target string) (Transport, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse request %s: %w", target, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse request %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse request %s: unexpected content type %q", target, ct)
	}

	return &sseStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		cancel: cancel,
	}, nil
}

type sseStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
	lastID    string
}

// Receive reads lines until a blank line dispatches an event.
func (s *sseStream) Receive(ctx context.Context) (Message, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.isClosed() {
				return Message{}, ErrClosed
			}
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			if event == "" {
				event = "message"
			}
			return Message{Event: event, Data: []byte(data.String()), ID: s.lastID}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		}
	}
}

func (s *sseStream) Send(context.Context, []byte) error {
	return ErrReceiveOnly
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
