// Package registry tracks every live transport connection in this
// process, with per-connection delivery queues and lookup indices by
// session, call and topic.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/transport"
)

var (
	// ErrCapacityExceeded is returned by Register when the process is
	// at its connection limit. Callers should back off and retry.
	ErrCapacityExceeded = errors.New("registry: connection capacity exceeded")
	// ErrClosed is returned by Register after shutdown began.
	ErrClosed = errors.New("registry: closed")
)

type ClientType string

const (
	ClientDashboard    ClientType = "dashboard"
	ClientConversation ClientType = "conversation"
	ClientMedia        ClientType = "media"
	ClientOther        ClientType = "other"
)

type Options struct {
	MaxConnections int
	QueueCapacity  int
	// DrainStopTimeout bounds how long Unregister waits for a
	// connection's drain goroutine before force-closing the transport.
	DrainStopTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 1000
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.DrainStopTimeout <= 0 {
		o.DrainStopTimeout = 3 * time.Second
	}
}

type RegisterOptions struct {
	ClientType ClientType
	SessionID  string
	CallID     string
	UserID     string
	Topics     []string
	Handler    transport.Handler
}

// Connection is registry-owned connection metadata. The Handler is a
// weak back-reference used only for lifecycle callbacks.
type Connection struct {
	ID         string
	ClientType ClientType
	SessionID  string
	CallID     string
	UserID     string
	Topics     map[string]struct{}
	Handler    transport.Handler
	CreatedAt  time.Time

	transport transport.Transport
	queue     *deliveryQueue
	cancel    context.CancelFunc
	drained   chan struct{}
	stopOnce  sync.Once
}

// Registry is the per-process connection table. The primary map and
// all indices are mutated only under a single mutex; critical sections
// are index updates, never I/O.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	conns     map[string]*Connection
	bySession map[string]map[string]struct{}
	byCall    map[string]map[string]struct{}
	byTopic   map[string]map[string]struct{}

	wg sync.WaitGroup
}

func New(opts Options, logger *slog.Logger) *Registry {
	opts.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:      opts,
		logger:    logger,
		conns:     make(map[string]*Connection),
		bySession: make(map[string]map[string]struct{}),
		byCall:    make(map[string]map[string]struct{}),
		byTopic:   make(map[string]map[string]struct{}),
	}
}

// Register adds a connection and starts its dedicated drain goroutine.
// At capacity it fails immediately with ErrCapacityExceeded rather
// than queueing the caller.
func (r *Registry) Register(t transport.Transport, opts RegisterOptions) (string, error) {
	if opts.ClientType == "" {
		opts.ClientType = ClientOther
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:         uuid.NewString(),
		ClientType: opts.ClientType,
		SessionID:  opts.SessionID,
		CallID:     opts.CallID,
		UserID:     opts.UserID,
		Topics:     make(map[string]struct{}, len(opts.Topics)),
		Handler:    opts.Handler,
		CreatedAt:  time.Now().UTC(),
		transport:  t,
		queue:      newDeliveryQueue(r.opts.QueueCapacity),
		cancel:     cancel,
		drained:    make(chan struct{}),
	}
	for _, topic := range opts.Topics {
		if topic != "" {
			conn.Topics[topic] = struct{}{}
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		cancel()
		return "", ErrCapacityExceeded
	}
	r.conns[conn.ID] = conn
	if conn.SessionID != "" {
		addIndex(r.bySession, conn.SessionID, conn.ID)
	}
	if conn.CallID != "" {
		addIndex(r.byCall, conn.CallID, conn.ID)
	}
	for topic := range conn.Topics {
		addIndex(r.byTopic, topic, conn.ID)
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.drain(drainCtx, conn)

	r.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"client_type", string(conn.ClientType),
		"session_id", conn.SessionID,
		"call_id", conn.CallID,
		"remote", t.RemoteDescription())
	return conn.ID, nil
}

// drain is the single writer for one connection: strict FIFO, no
// interleaving between concurrent senders.
func (r *Registry) drain(ctx context.Context, conn *Connection) {
	defer r.wg.Done()
	defer close(conn.drained)

	for {
		msg, err := conn.queue.pop(ctx)
		if err != nil {
			return
		}
		data, err := msg.Encode()
		if err != nil {
			r.logger.Warn("dropping unencodable message",
				"connection_id", conn.ID, "type", msg.Type, "error", err)
			continue
		}
		if !conn.transport.IsOpen() {
			go r.Unregister(conn.ID)
			return
		}
		if err := conn.transport.Send(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("send failed, unregistering connection",
				"connection_id", conn.ID, "error", err)
			go r.Unregister(conn.ID)
			return
		}
	}
}

// Unregister removes a connection. Idempotent and safe to call
// concurrently with delivery.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		if conn.SessionID != "" {
			dropIndex(r.bySession, conn.SessionID, connectionID)
		}
		if conn.CallID != "" {
			dropIndex(r.byCall, conn.CallID, connectionID)
		}
		for topic := range conn.Topics {
			dropIndex(r.byTopic, topic, connectionID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	conn.stopOnce.Do(func() {
		conn.cancel()
		select {
		case <-conn.drained:
		case <-time.After(r.opts.DrainStopTimeout):
			r.logger.Warn("drain goroutine did not stop in time",
				"connection_id", conn.ID)
		}
		if conn.Handler != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), r.opts.DrainStopTimeout)
			conn.Handler.Stop(stopCtx)
			stopCancel()
		}
		_ = conn.transport.Close()
		r.logger.Debug("connection unregistered", "connection_id", conn.ID)
	})
}

// SendToConnection enqueues a message for one connection. It reports
// whether the message was admitted to the queue; transport I/O happens
// asynchronously in the drain goroutine.
func (r *Registry) SendToConnection(connectionID string, msg protocol.Message) bool {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return conn.queue.push(msg)
}

// BroadcastSession enqueues msg for every connection bound to the
// session and returns how many accepted it.
func (r *Registry) BroadcastSession(sessionID string, msg protocol.Message) int {
	return r.broadcast(r.collect(r.bySession, sessionID), msg)
}

func (r *Registry) BroadcastCall(callID string, msg protocol.Message) int {
	return r.broadcast(r.collect(r.byCall, callID), msg)
}

func (r *Registry) BroadcastTopic(topic string, msg protocol.Message) int {
	return r.broadcast(r.collect(r.byTopic, topic), msg)
}

func (r *Registry) BroadcastAll(msg protocol.Message) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.Unlock()
	return r.broadcast(targets, msg)
}

func (r *Registry) collect(index map[string]map[string]struct{}, key string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := index[key]
	targets := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	return targets
}

func (r *Registry) broadcast(targets []*Connection, msg protocol.Message) int {
	sent := 0
	for _, conn := range targets {
		if conn.queue.push(msg) {
			sent++
		}
	}
	return sent
}

// ConnectionInfo is a read-only metadata view of a registered
// connection. It carries no transport state, so it is safe to copy.
type ConnectionInfo struct {
	ID         string
	ClientType ClientType
	SessionID  string
	CallID     string
	UserID     string
	Topics     map[string]struct{}
	CreatedAt  time.Time
}

// Connection returns a snapshot of the metadata for id.
func (r *Registry) Connection(id string) (ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	info := ConnectionInfo{
		ID:         conn.ID,
		ClientType: conn.ClientType,
		SessionID:  conn.SessionID,
		CallID:     conn.CallID,
		UserID:     conn.UserID,
		Topics:     make(map[string]struct{}, len(conn.Topics)),
		CreatedAt:  conn.CreatedAt,
	}
	for t := range conn.Topics {
		info.Topics[t] = struct{}{}
	}
	return info, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close unregisters every connection and waits for all drain
// goroutines, bounded by ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
