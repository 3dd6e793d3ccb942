package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Context keys carried in the message envelope for routing and correlation.
const (
	CtxSessionID   = "session_id"
	CtxSkillID     = "skill_id"
	CtxIdent       = "ident"
	CtxSource      = "source"
	CtxDestination = "destination"
	CtxLang        = "lang"
)

// ErrMalformed marks an envelope missing required fields. Malformed frames
// are dropped and logged; the bus keeps running.
var ErrMalformed = errors.New("malformed message")

// Message is the typed envelope every collaborator exchanges: a
// dot-namespaced topic, a payload, and routing metadata. A published message
// is immutable; responding means publishing a new message whose context
// echoes the originating invocation id.
type Message struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// NewMessage builds an envelope with a fresh invocation id.
func NewMessage(msgType string, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Type:    msgType,
		Data:    data,
		Context: map[string]any{CtxIdent: uuid.NewString()},
	}
}

// Reply derives a new message that echoes this message's context, so the
// invocation id and session routing survive across the request/response pair.
func (m *Message) Reply(msgType string, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	ctx := make(map[string]any, len(m.Context))
	for k, v := range m.Context {
		ctx[k] = v
	}
	if _, ok := ctx[CtxIdent]; !ok {
		ctx[CtxIdent] = uuid.NewString()
	}
	return &Message{Type: msgType, Data: data, Context: ctx}
}

// Response derives the conventional "<type>.response" reply.
func (m *Message) Response(data map[string]any) *Message {
	return m.Reply(m.Type+".response", data)
}

// Ident returns the invocation id, or "" when the context has none.
func (m *Message) Ident() string {
	return m.ContextString(CtxIdent)
}

// ContextString reads a string context value, tolerating absent keys.
func (m *Message) ContextString(key string) string {
	if m.Context == nil {
		return ""
	}
	if value, ok := m.Context[key].(string); ok {
		return value
	}
	return ""
}

// DataString reads a string data value, tolerating absent keys.
func (m *Message) DataString(key string) string {
	if m.Data == nil {
		return ""
	}
	if value, ok := m.Data[key].(string); ok {
		return value
	}
	return ""
}

// Utterances returns data.utterances as an ordered string slice. The wire
// form may be []any after JSON decoding.
func (m *Message) Utterances() []string {
	if m.Data == nil {
		return nil
	}
	switch raw := m.Data["utterances"].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Validate enforces the minimal envelope contract.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: empty type", ErrMalformed)
	}
	return nil
}

// Marshal encodes the envelope as one JSON frame.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Unmarshal decodes one wire frame into an envelope.
func Unmarshal(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	if m.Context == nil {
		m.Context = map[string]any{}
	}
	return &m, nil
}
