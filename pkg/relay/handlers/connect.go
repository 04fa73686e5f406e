package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/voxline/pkg/relay/apierror"
	"github.com/voxline/voxline/pkg/relay/config"
	"github.com/voxline/voxline/pkg/relay/lifecycle"
	"github.com/voxline/voxline/pkg/relay/mw"
	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/registry"
	"github.com/voxline/voxline/pkg/relay/session"
	"github.com/voxline/voxline/pkg/relay/store"
	"github.com/voxline/voxline/pkg/relay/transport"
)

// SessionState is the slice of the session store the connect path
// writes: presence fields and reverse mappings.
type SessionState interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetHash(ctx context.Context, sessionID string, fields map[string]string) error
}

// ConnectHandler upgrades /v1/connect to a WebSocket, performs the
// hello handshake and hands the connection to the registry.
type ConnectHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
	Sessions  *session.Manager
	State     SessionState
	Bus       session.Publisher
	NodeID    string
}

func (h ConnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "method not allowed", RequestID: reqID,
		})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		apierror.WriteJSON(w, 529, &apierror.Error{
			Type: apierror.ErrOverloaded, Message: "relay is draining", RequestID: reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		apierror.WriteJSON(w, http.StatusForbidden, &apierror.Error{
			Type: apierror.ErrAuthentication, Message: "origin is not allowed", Param: "Origin", RequestID: reqID,
		})
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	ws := transport.NewWS(conn, h.Config.WSWriteTimeout)

	hello, ok := helloFromQuery(r)
	if !ok {
		hello, ok = h.readHello(conn)
		if !ok {
			return
		}
	}

	handler := &connHandler{
		logger:     h.Logger,
		registry:   h.Registry,
		sessions:   h.Sessions,
		bus:        h.Bus,
		sessionID:  hello.SessionID,
		callID:     hello.CallID,
		clientType: registry.ClientType(hello.ClientType),
	}

	id, err := h.Registry.Register(ws, registry.RegisterOptions{
		ClientType: registry.ClientType(hello.ClientType),
		SessionID:  hello.SessionID,
		CallID:     hello.CallID,
		UserID:     hello.UserID,
		Topics:     hello.Topics,
		Handler:    handler,
	})
	if err != nil {
		if errors.Is(err, registry.ErrClosed) {
			h.writeWSError(ws, "draining", "relay is shutting down")
		} else {
			h.writeWSError(ws, "capacity", "connection capacity exceeded")
		}
		return
	}
	handler.connID = id

	h.recordPresence(r.Context(), hello)

	ack, err := json.Marshal(protocol.HelloAck{
		Type:         "hello_ack",
		ConnectionID: id,
		SessionID:    hello.SessionID,
		NodeID:       h.NodeID,
	})
	if err == nil {
		_ = ws.Send(r.Context(), ack)
	}

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handler.HandleIncoming(r.Context(), frame)
	}
	h.Registry.Unregister(id)
}

func (h ConnectHandler) readHello(conn *websocket.Conn) (protocol.Hello, bool) {
	handshakeTimeout := h.Config.WSHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		return protocol.Hello{}, false
	}
	if messageType != websocket.TextMessage {
		return protocol.Hello{}, false
	}
	hello, err := protocol.DecodeHello(frame)
	if err != nil {
		h.writeRawWSError(conn, "bad_request", err.Error())
		return protocol.Hello{}, false
	}
	return hello, true
}

// recordPresence writes connection metadata into the session store so
// other replicas and operators can locate live sessions. Failures are
// logged, never fatal to the connection.
func (h ConnectHandler) recordPresence(ctx context.Context, hello protocol.Hello) {
	if h.State == nil {
		return
	}
	if hello.SessionID != "" {
		err := h.State.SetHash(ctx, hello.SessionID, map[string]string{
			"last_client_type":  hello.ClientType,
			"last_connected_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil && h.Logger != nil {
			h.Logger.Warn("presence write failed", "session_id", hello.SessionID, "error", err)
		}
	}
	if hello.CallID != "" && hello.SessionID != "" {
		err := h.State.Set(ctx, store.MappingKey("call", hello.CallID), hello.SessionID, h.Config.MappingTTL)
		if err != nil && h.Logger != nil {
			h.Logger.Warn("call mapping write failed", "call_id", hello.CallID, "error", err)
		}
	}
}

func (h ConnectHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h ConnectHandler) writeWSError(ws *transport.WS, code, message string) {
	frame, err := protocol.Message{
		Type:         protocol.TypeError,
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    time.Now().UTC(),
	}.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ws.Send(ctx, frame)
}

func (h ConnectHandler) writeRawWSError(conn *websocket.Conn, code, message string) {
	frame, err := protocol.Message{
		Type:         protocol.TypeError,
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    time.Now().UTC(),
	}.Encode()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// helloFromQuery lets clients that cannot send a handshake frame (for
// example PBX media bridges) bind through query parameters instead.
func helloFromQuery(r *http.Request) (protocol.Hello, bool) {
	q := r.URL.Query()
	hello := protocol.Hello{
		Type:       "hello",
		ClientType: strings.ToLower(strings.TrimSpace(q.Get("client_type"))),
		SessionID:  strings.TrimSpace(q.Get("session_id")),
		CallID:     strings.TrimSpace(q.Get("call_id")),
		UserID:     strings.TrimSpace(q.Get("user_id")),
	}
	for _, topic := range strings.Split(q.Get("topics"), ",") {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			hello.Topics = append(hello.Topics, topic)
		}
	}
	if hello.SessionID == "" && len(hello.Topics) == 0 {
		return protocol.Hello{}, false
	}
	return hello, true
}
