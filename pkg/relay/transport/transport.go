// Package transport abstracts the byte-level channel a connection
// speaks over so the registry can treat phone media legs, browser
// WebSockets and dashboard relays uniformly.
package transport

import "context"

// Transport is the narrow surface the registry needs from a live
// client channel. Implementations must tolerate Close being called
// more than once and concurrently with Send.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
	IsOpen() bool
	RemoteDescription() string
}

// Handler receives lifecycle callbacks for a registered connection.
// The registry holds it as a weak back-reference only; it never owns
// the handler or extends its lifetime.
type Handler interface {
	HandleIncoming(ctx context.Context, data []byte)
	Stop(ctx context.Context)
}
