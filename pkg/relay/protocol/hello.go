package protocol

import (
	"encoding/json"
	"strings"
)

// Hello is the first frame a client sends after the WebSocket upgrade.
// It binds the connection to a session, call and topics before any
// traffic is routed.
type Hello struct {
	Type       string   `json:"type"`
	ClientType string   `json:"client_type,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	CallID     string   `json:"call_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Topics     []string `json:"topics,omitempty"`
}

// HelloAck confirms registration and tells the client which node and
// connection id it landed on.
type HelloAck struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
}

var validClientTypes = map[string]struct{}{
	"dashboard":    {},
	"conversation": {},
	"media":        {},
	"other":        {},
}

// DecodeHello parses and validates the handshake frame. A connection
// must attach to a session or to at least one topic.
func DecodeHello(data []byte) (Hello, error) {
	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return Hello{}, badRequest("invalid hello frame", "")
	}
	if hello.Type != "hello" {
		return Hello{}, badRequest("first frame must be hello", "type")
	}
	hello.ClientType = strings.ToLower(strings.TrimSpace(hello.ClientType))
	if hello.ClientType != "" {
		if _, ok := validClientTypes[hello.ClientType]; !ok {
			return Hello{}, badRequest("unknown client_type", "client_type")
		}
	}
	hello.SessionID = strings.TrimSpace(hello.SessionID)
	hello.CallID = strings.TrimSpace(hello.CallID)
	hello.UserID = strings.TrimSpace(hello.UserID)
	topics := hello.Topics[:0]
	for _, topic := range hello.Topics {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			topics = append(topics, topic)
		}
	}
	hello.Topics = topics
	if hello.SessionID == "" && len(hello.Topics) == 0 {
		return Hello{}, badRequest("session_id or topics is required", "session_id")
	}
	return hello, nil
}
