package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Connection registry
	MaxConnections   int
	QueueCapacity    int
	DrainStopTimeout time.Duration

	// WebSocket transport
	WSWriteTimeout     time.Duration
	WSHandshakeTimeout time.Duration
	WSMaxMessageBytes  int64

	// Speech-engine resource pool
	PoolSize           int
	PoolAcquireTimeout time.Duration

	// Session store
	RedisAddr        string
	RedisClusterAddr []string
	RedisUsername    string
	RedisPassword    string
	RedisCluster     bool
	SessionTTL       time.Duration
	MappingTTL       time.Duration
	RefreshSkew      time.Duration

	// Session bus
	BusPrefix string

	// Turn taking
	BargeInThreshold  int
	BargeInMinWords   int
	BargeInConfidence float64

	// Conversation logic
	LLMAPIKey       string
	LLMBaseURL      string
	LLMModel        string
	LLMSystemPrompt string

	// Turn archive (optional)
	ArchiveDSN string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("VOXLINE_ADDR", ":8080"),
		AuthMode:           AuthMode(envOr("VOXLINE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:            make(map[string]struct{}),
		CORSAllowedOrigins: make(map[string]struct{}),

		MaxConnections:   envIntOr("VOXLINE_MAX_CONNECTIONS", 1000),
		QueueCapacity:    envIntOr("VOXLINE_QUEUE_CAPACITY", 64),
		DrainStopTimeout: envDurationOr("VOXLINE_DRAIN_STOP_TIMEOUT", 3*time.Second),

		WSWriteTimeout:     envDurationOr("VOXLINE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout: envDurationOr("VOXLINE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:  envInt64Or("VOXLINE_WS_MAX_MESSAGE_BYTES", 64*1024),

		PoolSize:           envIntOr("VOXLINE_POOL_SIZE", 4),
		PoolAcquireTimeout: envDurationOr("VOXLINE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),

		RedisAddr:     envOr("VOXLINE_REDIS_ADDR", "localhost:6379"),
		RedisUsername: envOr("VOXLINE_REDIS_USERNAME", ""),
		RedisPassword: envOr("VOXLINE_REDIS_PASSWORD", ""),
		RedisCluster:  envBoolOr("VOXLINE_REDIS_CLUSTER", false),
		SessionTTL:    envDurationOr("VOXLINE_SESSION_TTL", 24*time.Hour),
		MappingTTL:    envDurationOr("VOXLINE_MAPPING_TTL", 7*24*time.Hour),
		RefreshSkew:   envDurationOr("VOXLINE_CREDENTIAL_REFRESH_SKEW", 2*time.Minute),

		BusPrefix: envOr("VOXLINE_BUS_PREFIX", "session"),

		BargeInThreshold:  envIntOr("VOXLINE_BARGE_IN_THRESHOLD", 3),
		BargeInMinWords:   envIntOr("VOXLINE_BARGE_IN_MIN_WORDS", 2),
		BargeInConfidence: envFloat64Or("VOXLINE_BARGE_IN_MIN_CONFIDENCE", 0.5),

		LLMAPIKey:       envOr("VOXLINE_LLM_API_KEY", ""),
		LLMBaseURL:      envOr("VOXLINE_LLM_BASE_URL", ""),
		LLMModel:        envOr("VOXLINE_LLM_MODEL", "gpt-4o-mini"),
		LLMSystemPrompt: envOr("VOXLINE_LLM_SYSTEM_PROMPT", ""),

		ArchiveDSN: envOr("VOXLINE_ARCHIVE_DSN", ""),

		ReadHeaderTimeout:   envDurationOr("VOXLINE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOXLINE_READ_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXLINE_SHUTDOWN_GRACE_PERIOD", 20*time.Second),
	}

	for _, key := range strings.Split(os.Getenv("VOXLINE_API_KEYS"), ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			cfg.APIKeys[key] = struct{}{}
		}
	}
	for _, origin := range strings.Split(os.Getenv("VOXLINE_CORS_ALLOWED_ORIGINS"), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VOXLINE_REDIS_CLUSTER_ADDRS")); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cfg.RedisClusterAddr = append(cfg.RedisClusterAddr, addr)
			}
		}
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXLINE_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOXLINE_API_KEYS must be set when VOXLINE_AUTH_MODE=required")
	}
	if cfg.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_MAX_CONNECTIONS must be > 0")
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_QUEUE_CAPACITY must be > 0")
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_POOL_SIZE must be > 0")
	}
	if cfg.PoolAcquireTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_POOL_ACQUIRE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" && len(cfg.RedisClusterAddr) == 0 {
		return Config{}, fmt.Errorf("VOXLINE_REDIS_ADDR must not be empty")
	}
	if cfg.BargeInThreshold <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_BARGE_IN_THRESHOLD must be > 0")
	}
	if cfg.BargeInConfidence < 0 || cfg.BargeInConfidence > 1 {
		return Config{}, fmt.Errorf("VOXLINE_BARGE_IN_MIN_CONFIDENCE must be within [0,1]")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_SESSION_TTL must be > 0")
	}
	if cfg.MappingTTL <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_MAPPING_TTL must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
