package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message type discriminators carried in the wire "type" field.
const (
	TypeMessage    = "message"
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeTyping     = "typing"
	TypeAudio      = "audio"
	TypeHandoff    = "handoff"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Class partitions message types for queue-overflow purposes. Control
// messages are never displaced by newer stream frames.
type Class int

const (
	ClassStream Class = iota
	ClassControl
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Message is the unit routed between transports, replicas and
// session logic. Known kinds get typed fields; anything else rides in
// Raw so unknown future types still route.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Topic     string `json:"topic,omitempty"`

	// TypeMessage / TypeTranscript
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// TypeTranscript. Partial transcripts may carry blank content
	// (silence); Final marks the end of an utterance.
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`

	// TypeStatus / TypeTyping
	Status string `json:"status,omitempty"`

	// TypeAudio: synthesized playback for media legs, base64 on the
	// wire via encoding/json.
	Audio []byte `json:"audio,omitempty"`

	// TypeHandoff
	HandoffTarget string `json:"handoff_target,omitempty"`
	HandoffReason string `json:"handoff_reason,omitempty"`

	// TypeError
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Unrecognized payload fields, preserved verbatim for routing.
	Raw json.RawMessage `json:"raw,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Class reports whether a message may be dropped under queue pressure.
func (m Message) Class() Class {
	switch m.Type {
	case TypeStatus, TypeHandoff, TypeError:
		return ClassControl
	default:
		return ClassStream
	}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound frame. The type field is required;
// unknown types are accepted and kept opaque in Raw.
func DecodeMessage(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, badRequest("invalid json frame", "")
	}
	if strings.TrimSpace(probe.Type) == "" {
		return Message{}, badRequest("type is required", "type")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, badRequest("malformed message body", probe.Type)
	}

	switch msg.Type {
	case TypeMessage:
		if strings.TrimSpace(msg.Content) == "" {
			return Message{}, badRequest("content is required", "content")
		}
		if msg.Role == "" {
			msg.Role = "user"
		}
	case TypeHandoff:
		if strings.TrimSpace(msg.HandoffTarget) == "" {
			return Message{}, badRequest("handoff_target is required", "handoff_target")
		}
	case TypeTranscript, TypeAudio, TypeStatus, TypeTyping, TypeError, TypePing, TypePong:
	default:
		// Unknown kind: keep the full frame so downstream routers can
		// still forward it.
		msg.Raw = json.RawMessage(data)
	}
	return msg, nil
}

// FormatHandoff builds the default operator-facing handoff message for
// adapters that do not supply their own wording.
func FormatHandoff(sessionID, target, reason string) Message {
	content := fmt.Sprintf("conversation %s handed off to %s", sessionID, target)
	if strings.TrimSpace(reason) != "" {
		content += ": " + reason
	}
	return Message{
		Type:          TypeHandoff,
		SessionID:     sessionID,
		HandoffTarget: target,
		HandoffReason: reason,
		Content:       content,
		Timestamp:     time.Now().UTC(),
	}
}
