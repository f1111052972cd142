// Package dap implements the wire side of the Debug Adapter Protocol server:
// the message model and the Content-Length framing codec.
package dap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the protocol message type.
type Kind int

const (
	// KindEvent is also the fallback for unrecognised type strings.
	KindEvent Kind = iota
	// KindRequest is a client-originated request.
	KindRequest
	// KindResponse answers a request.
	KindResponse
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "event"
	}
}

// ParseKind maps a wire type string to a Kind. Anything unknown is an event.
func ParseKind(s string) Kind {
	switch s {
	case "request":
		return KindRequest
	case "response":
		return KindResponse
	default:
		return KindEvent
	}
}

// Message is a single DAP message. Requests carry Arguments, responses and
// events carry Body. Both are free-form maps.
type Message struct {
	Seq       int
	Kind      Kind
	Command   string
	Event     string
	Arguments map[string]any

	// Response-only fields; nil when absent.
	RequestSeq *int
	Success    *bool
	Text       *string

	Body map[string]any
}

// wireMessage fixes the field order of the encoded JSON object.
type wireMessage struct {
	Seq        int            `json:"seq"`
	Type       string         `json:"type"`
	Command    string         `json:"command,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	RequestSeq *int           `json:"request_seq,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Event      string         `json:"event,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// NewEvent creates an event message. Seq is assigned when it is written.
func NewEvent(name string) *Message {
	return &Message{Kind: KindEvent, Event: name}
}

// NewRequest creates a request message.
func NewRequest(seq int, command string, args map[string]any) *Message {
	return &Message{Seq: seq, Kind: KindRequest, Command: command, Arguments: args}
}

// NewResponse creates a successful response to req.
func NewResponse(req *Message) *Message {
	requestSeq := req.Seq
	success := true
	return &Message{
		Kind:       KindResponse,
		Command:    req.Command,
		RequestSeq: &requestSeq,
		Success:    &success,
	}
}

// WithBody sets a body entry and returns the message for chaining.
func (m *Message) WithBody(key string, value any) *Message {
	if m.Body == nil {
		m.Body = make(map[string]any)
	}
	m.Body[key] = value
	return m
}

// MarshalJSON encodes the message in wire order.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Seq:        m.Seq,
		Type:       m.Kind.String(),
		Command:    m.Command,
		Arguments:  m.Arguments,
		RequestSeq: m.RequestSeq,
		Success:    m.Success,
		Message:    m.Text,
		Event:      m.Event,
		Body:       m.Body,
	})
}

// UnmarshalJSON decodes a wire object into the message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Seq:        w.Seq,
		Kind:       ParseKind(w.Type),
		Command:    w.Command,
		Event:      w.Event,
		Arguments:  w.Arguments,
		RequestSeq: w.RequestSeq,
		Success:    w.Success,
		Text:       w.Message,
		Body:       w.Body,
	}
	return nil
}

// String returns a compact description for logs.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[seq: %d, type: %s", m.Seq, m.Kind)
	if m.Command != "" {
		fmt.Fprintf(&sb, ", command: %s", m.Command)
	}
	if m.Arguments != nil {
		fmt.Fprintf(&sb, ", arguments: %v", m.Arguments)
	}
	if m.RequestSeq != nil {
		fmt.Fprintf(&sb, ", request_seq: %d", *m.RequestSeq)
	}
	if m.Event != "" {
		fmt.Fprintf(&sb, ", event: %s", m.Event)
	}
	if m.Body != nil {
		fmt.Fprintf(&sb, ", body: %v", m.Body)
	}
	sb.WriteString("]")
	return sb.String()
}
