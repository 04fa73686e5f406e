package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxline/voxline/pkg/relay/collab"
	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/registry"
	"github.com/voxline/voxline/pkg/relay/session"
)

// connHandler routes inbound frames for one registered connection.
// Transcripts and user messages drive the session runtime; everything
// else is relayed to the session's other connections and replicated
// over the bus.
type connHandler struct {
	logger   *slog.Logger
	registry *registry.Registry
	sessions *session.Manager
	bus      session.Publisher

	connID     string
	sessionID  string
	callID     string
	clientType registry.ClientType
}

func (h *connHandler) HandleIncoming(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		h.sendError(err)
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = h.sessionID
	}
	if msg.CallID == "" {
		msg.CallID = h.callID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	switch msg.Type {
	case protocol.TypePing:
		h.registry.SendToConnection(h.connID, protocol.Message{
			Type:      protocol.TypePong,
			Timestamp: time.Now().UTC(),
		})
	case protocol.TypePong:
		// Heartbeat reply; nothing to route.
	case protocol.TypeTranscript:
		if h.sessions == nil || msg.SessionID == "" {
			return
		}
		rt := h.sessions.GetOrCreate(msg.SessionID, msg.CallID)
		rt.HandleTranscript(ctx, collab.TranscriptEvent{
			Text:       msg.Content,
			Confidence: msg.Confidence,
			Final:      msg.Final,
		})
	case protocol.TypeMessage:
		h.relay(ctx, msg)
		if msg.Role == "user" && h.sessions != nil && msg.SessionID != "" {
			h.sessions.GetOrCreate(msg.SessionID, msg.CallID).HandleUserText(ctx, msg.Content)
		}
	default:
		h.relay(ctx, msg)
	}
}

// relay delivers locally by topic or session, then replicates through
// the bus so connections on other nodes see the message too.
func (h *connHandler) relay(ctx context.Context, msg protocol.Message) {
	delivered := 0
	if msg.Topic != "" {
		delivered = h.registry.BroadcastTopic(msg.Topic, msg)
	} else if msg.SessionID != "" {
		delivered = h.registry.BroadcastSession(msg.SessionID, msg)
	}

	if h.bus == nil || msg.SessionID == "" {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		h.logf().Error("encode relay frame", "error", err)
		return
	}
	if err := h.bus.Publish(ctx, msg.SessionID, data, msg.Type); err != nil {
		h.logf().Warn("relay publish failed, delivered locally only",
			"session_id", msg.SessionID, "delivered", delivered, "error", err)
	}
}

func (h *connHandler) sendError(err error) {
	msg := protocol.Message{
		Type:         protocol.TypeError,
		ErrorCode:    "bad_request",
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UTC(),
	}
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		msg.ErrorCode = decodeErr.Code
	}
	h.registry.SendToConnection(h.connID, msg)
}

func (h *connHandler) Stop(ctx context.Context) {
	h.logf().Debug("connection handler stopped",
		"connection_id", h.connID, "session_id", h.sessionID)
}

func (h *connHandler) logf() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
