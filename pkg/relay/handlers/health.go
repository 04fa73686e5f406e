package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voxline/voxline/pkg/relay/config"
	"github.com/voxline/voxline/pkg/relay/lifecycle"
	"github.com/voxline/voxline/pkg/relay/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports configuration validity plus drain state. Load
// balancers use it to stop routing new connections during shutdown.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		AuthMode    string   `json:"auth_mode"`
		Connections int      `json:"connections"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxConnections <= 0 {
		issues = append(issues, "max_connections must be > 0")
	}
	if h.Config.QueueCapacity <= 0 {
		issues = append(issues, "queue_capacity must be > 0")
	}
	if h.Config.PoolSize <= 0 {
		issues = append(issues, "pool_size must be > 0")
	}
	if strings.TrimSpace(h.Config.RedisAddr) == "" && len(h.Config.RedisClusterAddr) == 0 {
		issues = append(issues, "redis address not configured")
	}
	if h.Config.BargeInThreshold <= 0 {
		issues = append(issues, "barge-in threshold must be > 0")
	}
	if h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "shutdown grace period must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	if draining {
		issues = append(issues, "draining")
	}

	connections := 0
	if h.Registry != nil {
		connections = h.Registry.Len()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		AuthMode:    string(h.Config.AuthMode),
		Connections: connections,
		Issues:      issues,
	})
}
