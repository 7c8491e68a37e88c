// internal/events/types.go
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the namespaced discriminator carried in every envelope.
type EventType string

// Any subscribes to every envelope regardless of type.
const Any EventType = "*"

const (
	// Trace progress
	TraceProgress  EventType = "trace.progress"
	TraceCompleted EventType = "trace.completed"
	TraceError     EventType = "trace.error"

	// KYT risk engine
	KYTResult EventType = "kyt.result"
	KYTAlert  EventType = "kyt.alert"
	KYTError  EventType = "kyt.error"

	// Payment processor
	PaymentStatusUpdate EventType = "payment.status_update"
	PaymentFinalStatus  EventType = "payment.final_status"

	// News-case feed
	NewsCaseStatus   EventType = "news_case.status"
	NewsCaseSnapshot EventType = "news_case.snapshot"
	NewsCaseTx       EventType = "news_case.tx"
	NewsCaseRisk     EventType = "news_case.risk"

	// Chat stream (SSE named events)
	ChatReady     EventType = "chat.ready"
	ChatTyping    EventType = "chat.typing"
	ChatKeepalive EventType = "chat.keepalive"
	ChatContext   EventType = "chat.context"
	ChatDelta     EventType = "chat.delta"
	ChatTools     EventType = "chat.tools"
	ChatAnswer    EventType = "chat.answer"
	ChatError     EventType = "chat.error"

	// Scanner
	ScanProgress  EventType = "scan.progress"
	ScanCompleted EventType = "scan.completed"
	ScanError     EventType = "scan.error"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrNoType    = errors.New("message has no type discriminator")
)

// Envelope is one self-describing inbound message. The payload is kept raw;
// consumers decode the variant they expect.
type Envelope struct {
	Type       EventType
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Parse builds an envelope from a raw transport message. name is the SSE event
// name (empty or "message" for WebSocket frames and unnamed SSE events); when it
// is set it is the discriminator and data is the payload. Otherwise data must be
// a JSON object with a non-empty string "type" field.
func Parse(name string, data []byte, receivedAt time.Time) (Envelope, error) {
	if name != "" && name != "message" {
		payload := json.RawMessage(data)
		switch {
		case len(data) == 0:
			payload = json.RawMessage("null")
		case !json.Valid(data):
			quoted, err := json.Marshal(string(data))
			if err != nil {
				return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			payload = quoted
		}
		return Envelope{Type: EventType(name), Payload: payload, ReceivedAt: receivedAt}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, ErrNoType
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == "" {
		return Envelope{}, ErrNoType
	}

	return Envelope{
		Type:       EventType(typ),
		Payload:    json.RawMessage(data),
		ReceivedAt: receivedAt,
	}, nil
}
