package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport: closed")

const defaultWriteTimeout = 5 * time.Second

// WS wraps a gorilla websocket connection. Writes are serialized with
// a mutex because gorilla connections allow only one concurrent
// writer.
type WS struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewWS(conn *websocket.Conn, writeTimeout time.Duration) *WS {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WS{conn: conn, writeTimeout: writeTimeout}
}

func (w *WS) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WS) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *WS) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

func (w *WS) RemoteDescription() string {
	if addr := w.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
