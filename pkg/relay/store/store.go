// Package store keeps authoritative session state in a remote cache,
// surviving credential expiry and single-node/cluster topology flips
// without surfacing transient failures to session logic.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrRetriesExhausted wraps the last failure after the bounded
	// rebuild-and-retry policy gave up.
	ErrRetriesExhausted = errors.New("store: retries exhausted")
	// ErrStaleRead marks a hash read served from the local copy while
	// the remote store is unreachable.
	ErrStaleRead = errors.New("store: serving last known copy")
	// ErrNotFound is returned for keys that do not exist.
	ErrNotFound = errors.New("store: key not found")
)

// Mode selects the client topology.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeCluster Mode = "cluster"
)

// cmdable is the slice of go-redis shared by *redis.Client and
// *redis.ClusterClient that the store actually uses.
type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// ClientFactory builds a client for the given topology and credential.
// Overridable in tests.
type ClientFactory func(mode Mode, cred Credential) (cmdable, error)

type Config struct {
	Addr        string
	ClusterAddr []string
	Username    string
	Mode        Mode

	// SessionTTL bounds session hashes; MappingTTL bounds auxiliary
	// identifier mappings such as phone number lookups.
	SessionTTL time.Duration
	MappingTTL time.Duration

	// RefreshSkew is how long before credential expiry the background
	// refresher rebuilds the client.
	RefreshSkew time.Duration

	MaxRetries    uint64
	RetryBaseWait time.Duration
}

func (c *Config) fillDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSingle
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.MappingTTL <= 0 {
		c.MappingTTL = 7 * 24 * time.Hour
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseWait <= 0 {
		c.RetryBaseWait = 50 * time.Millisecond
	}
}

// Store is the sole source of truth for session state. The client
// handle is rebuilt under its own mutex so concurrent failures do not
// cause a reconnect storm.
type Store struct {
	cfg    Config
	creds  CredentialProvider
	logger *slog.Logger

	newClient ClientFactory

	mu     sync.Mutex
	mode   Mode
	cred   Credential
	client cmdable

	cacheMu   sync.Mutex
	lastKnown map[string]map[string]string

	refreshWake chan struct{}
	refreshDone chan struct{}
}

func New(cfg Config, creds CredentialProvider, logger *slog.Logger) (*Store, error) {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:         cfg,
		creds:       creds,
		logger:      logger,
		mode:        cfg.Mode,
		lastKnown:   make(map[string]map[string]string),
		refreshWake: make(chan struct{}, 1),
	}
	s.newClient = s.defaultFactory

	cred, err := fetchCredential(context.Background(), creds)
	if err != nil {
		return nil, fmt.Errorf("store: fetch initial credential: %w", err)
	}
	s.cred = cred
	client, err := s.newClient(s.mode, cred)
	if err != nil {
		return nil, fmt.Errorf("store: build client: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *Store) defaultFactory(mode Mode, cred Credential) (cmdable, error) {
	switch mode {
	case ModeCluster:
		addrs := s.cfg.ClusterAddr
		if len(addrs) == 0 {
			addrs = []string{s.cfg.Addr}
		}
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Username: s.cfg.Username,
			Password: cred.Token,
		}), nil
	default:
		return redis.NewClient(&redis.Options{
			Addr:     s.cfg.Addr,
			Username: s.cfg.Username,
			Password: cred.Token,
		}), nil
	}
}

// SessionKey is the canonical hash key for a session record.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// MappingKey namespaces auxiliary identifier lookups, e.g.
// MappingKey("phone", "+15550100") for phone-to-session resolution.
func MappingKey(kind, value string) string {
	return kind + ":" + value
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := s.execute(ctx, func(c cmdable) error {
		v, err := c.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return out, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.MappingTTL
	}
	return s.execute(ctx, func(c cmdable) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
}

// GetHash returns the session record. On retry exhaustion the last
// known in-process copy is returned together with ErrStaleRead so the
// caller can degrade instead of failing the turn.
func (s *Store) GetHash(ctx context.Context, sessionID string) (map[string]string, error) {
	key := SessionKey(sessionID)
	var out map[string]string
	err := s.execute(ctx, func(c cmdable) error {
		v, err := c.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err == nil {
		s.cacheMu.Lock()
		s.lastKnown[sessionID] = out
		s.cacheMu.Unlock()
		return out, nil
	}
	if errors.Is(err, ErrRetriesExhausted) {
		s.cacheMu.Lock()
		stale, ok := s.lastKnown[sessionID]
		s.cacheMu.Unlock()
		if ok {
			return stale, ErrStaleRead
		}
	}
	return nil, err
}

func (s *Store) SetHash(ctx context.Context, sessionID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	key := SessionKey(sessionID)
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	err := s.execute(ctx, func(c cmdable) error {
		if err := c.HSet(ctx, key, args...).Err(); err != nil {
			return err
		}
		return c.Expire(ctx, key, s.cfg.SessionTTL).Err()
	})
	if err == nil {
		s.cacheMu.Lock()
		known := s.lastKnown[sessionID]
		if known == nil {
			known = make(map[string]string, len(fields))
			s.lastKnown[sessionID] = known
		}
		for k, v := range fields {
			known[k] = v
		}
		s.cacheMu.Unlock()
	}
	return err
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := s.execute(ctx, func(c cmdable) error {
		return c.Del(ctx, SessionKey(sessionID)).Err()
	})
	if err == nil {
		s.cacheMu.Lock()
		delete(s.lastKnown, sessionID)
		s.cacheMu.Unlock()
	}
	return err
}

// execute runs op against the current client under the retry policy:
// auth failure refreshes the credential and retries once, topology
// errors flip the mode and rebuild, transient errors back off up to
// the configured bound.
func (s *Store) execute(ctx context.Context, op func(cmdable) error) error {
	authRetried := false
	topologyRetried := false

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewFibonacci(s.cfg.RetryBaseWait))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(s.currentClient())
		switch {
		case err == nil, errors.Is(err, redis.Nil):
			return err
		case isAuthError(err):
			if authRetried {
				return err
			}
			authRetried = true
			if rerr := s.rebuildWithFreshCredential(ctx); rerr != nil {
				return fmt.Errorf("rebuild after auth failure: %w", rerr)
			}
			return retry.RetryableError(err)
		case isTopologyError(err):
			if topologyRetried {
				return err
			}
			topologyRetried = true
			s.flipMode()
			if rerr := s.rebuild(ctx); rerr != nil {
				return fmt.Errorf("rebuild after topology change: %w", rerr)
			}
			return retry.RetryableError(err)
		case isTransient(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if isTransient(err) || isAuthError(err) || isTopologyError(err) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

func (s *Store) currentClient() cmdable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Store) rebuildWithFreshCredential(ctx context.Context) error {
	cred, err := fetchCredential(ctx, s.creds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapClientLocked(cred)
}

func (s *Store) rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapClientLocked(s.cred)
}

func (s *Store) swapClientLocked(cred Credential) error {
	next, err := s.newClient(s.mode, cred)
	if err != nil {
		return err
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = next
	s.cred = cred
	return nil
}

func (s *Store) flipMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeSingle {
		s.mode = ModeCluster
	} else {
		s.mode = ModeSingle
	}
	s.logger.Warn("store topology mode changed", "mode", string(s.mode))
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "INVALID PASSWORD") ||
		strings.Contains(msg, "AUTHENTICATION")
}

func isTopologyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "MOVED") ||
		strings.Contains(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "CLUSTER SUPPORT DISABLED")
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout")
}
