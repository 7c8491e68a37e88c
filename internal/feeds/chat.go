// internal/feeds/chat.go
package feeds

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/stream"
	"github.com/rovshanmuradov/eventstream/internal/transport"
)

// ErrEmptyQuery is returned by Ask for a blank query.
var ErrEmptyQuery = errors.New("chat: empty query")

// ChatPhase is the lifecycle of one chat request.
type ChatPhase string

const (
	ChatIdle      ChatPhase = "idle"
	ChatStreaming ChatPhase = "streaming"
	ChatDone      ChatPhase = "done"
	ChatFailed    ChatPhase = "error"
)

// ChatState is what a chat feed exposes for the in-flight (or last) request.
type ChatState struct {
	RequestID  string
	Query      string
	Phase      ChatPhase
	Ready      bool
	Typing     bool
	Text       string
	Context    []json.RawMessage
	Tools      []json.RawMessage
	Err        string
	RetryAfter time.Duration
}

func (s ChatState) clone() ChatState {
	s.Context = append([]json.RawMessage(nil), s.Context...)
	s.Tools = append([]json.RawMessage(nil), s.Tools...)
	return s
}

// Chat streams one answer at a time over SSE. Asking again abandons the
// previous request; events from an abandoned request are ignored.
type Chat struct {
	base

	smu   sync.Mutex
	state ChatState
}

// NewChat creates an idle chat feed.
func NewChat(env Env) *Chat {
	c := &Chat{state: ChatState{Phase: ChatIdle}}
	c.init(NameChat, env)
	c.lifecycle = c.onLifecycle
	return c
}

// Ask starts a new request for query and returns its request id.
func (c *Chat) Ask(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	c.close()

	id := uuid.NewString()
	c.smu.Lock()
	c.state = ChatState{RequestID: id, Query: query, Phase: ChatStreaming}
	c.smu.Unlock()
	c.changed()

	bo := c.env.backoffFor(NameChat)
	bo.Disabled = true

	cfg := stream.Config{
		Key:     NameChat + ":" + id,
		URL:     c.env.httpURL("/api/v1/chat/stream") + "?q=" + url.QueryEscape(query),
		Kind:    transport.KindStream,
		Backoff: bo,
	}
	err := c.open(cfg, func(conn *stream.Connection) {
		c.subscribe(conn, events.ChatReady, c.guard(id, c.onReady))
		c.subscribe(conn, events.ChatTyping, c.guard(id, c.onTyping))
		c.subscribe(conn, events.ChatKeepalive, c.guard(id, func(events.Envelope) error { return nil }))
		c.subscribe(conn, events.ChatContext, c.guard(id, c.onContext))
		c.subscribe(conn, events.ChatDelta, c.guard(id, c.onDelta))
		c.subscribe(conn, events.ChatTools, c.guard(id, c.onTools))
		c.subscribe(conn, events.ChatAnswer, c.guard(id, c.onAnswer))
		c.subscribe(conn, events.ChatError, c.guard(id, c.onError))
	})
	if err != nil {
		c.fail(id, err.Error(), 0)
		return id, err
	}

	c.logger.Info("Chat request started", zap.String("request_id", id))
	return id, nil
}

// Connect re-asks the last query, if there is one.
func (c *Chat) Connect() error {
	c.smu.Lock()
	query := c.state.Query
	c.smu.Unlock()
	if query == "" {
		return nil
	}
	_, err := c.Ask(query)
	return err
}

// Disconnect abandons the in-flight request.
func (c *Chat) Disconnect() {
	c.close()
	c.smu.Lock()
	if c.state.Phase == ChatStreaming {
		c.state.Phase = ChatIdle
	}
	c.smu.Unlock()
	c.changed()
}

// Clear abandons any request and forgets its state.
func (c *Chat) Clear() {
	c.close()
	c.smu.Lock()
	c.state = ChatState{Phase: ChatIdle}
	c.smu.Unlock()
	c.changed()
}

// State returns a copy of the current request state.
func (c *Chat) State() ChatState {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.state.clone()
}

// guard drops events that belong to an abandoned request.
func (c *Chat) guard(id string, fn func(events.Envelope) error) func(events.Envelope) error {
	return func(env events.Envelope) error {
		c.smu.Lock()
		current := c.state.RequestID == id && c.state.Phase == ChatStreaming
		c.smu.Unlock()
		if !current {
			return nil
		}
		return fn(env)
	}
}

func (c *Chat) update(fn func(s *ChatState)) {
	c.smu.Lock()
	fn(&c.state)
	c.smu.Unlock()
	c.changed()
}

func (c *Chat) onReady(events.Envelope) error {
	c.update(func(s *ChatState) { s.Ready = true })
	return nil
}

func (c *Chat) onTyping(events.Envelope) error {
	c.update(func(s *ChatState) { s.Typing = true })
	return nil
}

func (c *Chat) onContext(env events.Envelope) error {
	raw := append(json.RawMessage(nil), env.Payload...)
	c.update(func(s *ChatState) { s.Context = append(s.Context, raw) })
	return nil
}

func (c *Chat) onTools(env events.Envelope) error {
	raw := append(json.RawMessage(nil), env.Payload...)
	c.update(func(s *ChatState) { s.Tools = append(s.Tools, raw) })
	return nil
}

type chatText struct {
	Text    string `json:"text"`
	Delta   string `json:"delta"`
	Content string `json:"content"`
	Answer  string `json:"answer"`
}

func (t chatText) value() string {
	for _, v := range []string{t.Text, t.Delta, t.Content, t.Answer} {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeText(env events.Envelope) (string, error) {
	var s string
	if err := json.Unmarshal(env.Payload, &s); err == nil {
		return s, nil
	}
	var t chatText
	if err := env.Decode(&t); err != nil {
		return "", err
	}
	return t.value(), nil
}

func (c *Chat) onDelta(env events.Envelope) error {
	text, err := decodeText(env)
	if err != nil {
		return err
	}
	c.update(func(s *ChatState) {
		s.Typing = false
		s.Text += text
	})
	return nil
}

func (c *Chat) onAnswer(env events.Envelope) error {
	text, err := decodeText(env)
	if err != nil {
		return err
	}
	c.update(func(s *ChatState) {
		if text != "" {
			s.Text = text
		}
		s.Typing = false
		s.Phase = ChatDone
	})
	c.logger.Info("Chat answer received")
	c.close()
	return nil
}

func (c *Chat) onError(env events.Envelope) error {
	var p struct {
		Error      string  `json:"error"`
		Message    string  `json:"message"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := env.Decode(&p); err != nil {
		return err
	}
	msg := p.Error
	if msg == "" {
		msg = p.Message
	}
	c.smu.Lock()
	id := c.state.RequestID
	c.smu.Unlock()

	c.fail(id, msg, time.Duration(p.RetryAfter*float64(time.Second)))
	c.close()
	return nil
}

func (c *Chat) fail(id, msg string, retryAfter time.Duration) {
	c.smu.Lock()
	if c.state.RequestID != id {
		c.smu.Unlock()
		return
	}
	c.state.Phase = ChatFailed
	c.state.Typing = false
	c.state.Err = msg
	c.state.RetryAfter = retryAfter
	c.smu.Unlock()

	c.logger.Warn("Chat request failed", zap.String("request_id", id), zap.String("error", msg))
	c.changed()
}

// onLifecycle turns a stream that ends before the answer into a request error.
// Reconnecting is disabled for chat, so a close is final.
func (c *Chat) onLifecycle(ev stream.LifecycleEvent) {
	if ev.State != stream.StateClosed || ev.Planned {
		return
	}
	c.smu.Lock()
	id, phase := c.state.RequestID, c.state.Phase
	c.smu.Unlock()
	if phase != ChatStreaming {
		return
	}

	msg := "stream closed before answer"
	if ev.Err != nil && !transport.IsEOF(ev.Err) && !transport.IsCleanClose(ev.Err) {
		msg = ev.Err.Error()
	}
	c.fail(id, msg, 0)
}
