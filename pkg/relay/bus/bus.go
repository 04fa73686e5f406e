// Package bus fans session events out across process replicas over a
// pub/sub backplane, so a publisher never needs to know which replica
// holds the live connection for a session.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPublish marks a failed publish; delivery degrades to local-only
// and the caller should not treat it as fatal.
var ErrPublish = errors.New("bus: publish failed")

const DefaultPrefix = "session"

// Envelope is the wire unit. Origin lets a replica drop its own
// publications, which it already delivered locally.
type Envelope struct {
	SessionID   string          `json:"session_id"`
	Payload     json.RawMessage `json:"envelope"`
	Origin      string          `json:"origin"`
	Event       string          `json:"event"`
	PublishedAt time.Time       `json:"published_at"`
}

// Receiver is one pattern subscription.
type Receiver interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
	Close() error
}

// Client is the slice of the pub/sub backplane the bus needs.
// go-redis single-node and cluster clients both satisfy it through
// redisClient below; tests supply fakes.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, pattern string) (Receiver, error)
	Close() error
}

// ClientFactory rebuilds the backplane client, e.g. after an
// authentication failure with a refreshed credential.
type ClientFactory func(ctx context.Context) (Client, error)

// DeliverFunc hands a decoded payload to the local connection
// registry and reports how many connections received it.
type DeliverFunc func(sessionID string, payload []byte) int

type Config struct {
	Prefix string
	// ResubscribeWait throttles reconnect attempts after receive
	// failures.
	ResubscribeWait time.Duration
}

type Bus struct {
	cfg     Config
	nodeID  string
	logger  *slog.Logger
	factory ClientFactory
	deliver DeliverFunc

	mu     sync.Mutex
	client Client
	done   chan struct{}
}

func New(cfg Config, factory ClientFactory, deliver DeliverFunc, logger *slog.Logger) (*Bus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ResubscribeWait <= 0 {
		cfg.ResubscribeWait = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := factory(context.Background())
	if err != nil {
		return nil, fmt.Errorf("bus: build client: %w", err)
	}
	return &Bus{
		cfg:     cfg,
		nodeID:  uuid.NewString(),
		logger:  logger,
		factory: factory,
		deliver: deliver,
		client:  client,
	}, nil
}

// NodeID identifies this process on the bus.
func (b *Bus) NodeID() string { return b.nodeID }

func (b *Bus) channel(sessionID string) string {
	return b.cfg.Prefix + ":" + sessionID
}

func (b *Bus) pattern() string {
	return b.cfg.Prefix + ":*"
}

// Publish sends a payload addressed to a session to every replica.
func (b *Bus) Publish(ctx context.Context, sessionID string, payload []byte, event string) error {
	env := Envelope{
		SessionID:   sessionID,
		Payload:     payload,
		Origin:      b.nodeID,
		Event:       event,
		PublishedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}
	if err := b.currentClient().Publish(ctx, b.channel(sessionID), body); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Listen consumes envelopes for all sessions until ctx is done. Run it
// once per process. On authentication failures the client is rebuilt
// with refreshed credentials and the subscription re-established;
// delivery is at-most-once.
func (b *Bus) Listen(ctx context.Context) {
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		for {
			if ctx.Err() != nil {
				return
			}
			recv, err := b.currentClient().Subscribe(ctx, b.pattern())
			if err != nil {
				b.logger.Warn("bus subscribe failed", "error", err)
				if !b.recover(ctx, err) {
					return
				}
				continue
			}
			err = b.consume(ctx, recv)
			_ = recv.Close()
			if err == nil || ctx.Err() != nil {
				return
			}
			if !b.recover(ctx, err) {
				return
			}
		}
	}()
}

func (b *Bus) consume(ctx context.Context, recv Receiver) error {
	for {
		msg, err := recv.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.handle(msg.Payload)
	}
}

func (b *Bus) handle(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("bus dropped undecodable envelope", "error", err)
		return
	}
	if env.Origin == b.nodeID {
		// Already delivered locally by the publisher.
		return
	}
	if b.deliver == nil {
		return
	}
	n := b.deliver(env.SessionID, env.Payload)
	if n == 0 {
		b.logger.Debug("bus envelope had no local connections",
			"session_id", env.SessionID, "event", env.Event)
	}
}

// recover rebuilds the client after a receive failure. Auth errors
// rebuild immediately with fresh credentials; anything else waits a
// beat first. Returns false if ctx ended.
func (b *Bus) recover(ctx context.Context, cause error) bool {
	if !isAuthError(cause) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.cfg.ResubscribeWait):
		}
	}
	next, err := b.factory(ctx)
	if err != nil {
		b.logger.Warn("bus client rebuild failed", "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.cfg.ResubscribeWait):
		}
		return true
	}
	b.mu.Lock()
	old := b.client
	b.client = next
	b.mu.Unlock()
	_ = old.Close()
	b.logger.Info("bus client rebuilt", "auth_failure", isAuthError(cause))
	return true
}

// Wait blocks until the listener loop has exited.
func (b *Bus) Wait(ctx context.Context) error {
	if b.done == nil {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus: listener did not stop: %w", ctx.Err())
	}
}

func (b *Bus) Close() error {
	return b.currentClient().Close()
}

func (b *Bus) currentClient() Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "AUTHENTICATION")
}
