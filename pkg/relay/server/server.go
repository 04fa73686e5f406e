// Package server wires the orchestration components into one process:
// registry, session store, bus, speech-engine pool, session runtimes
// and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/voxline/pkg/relay/archive"
	"github.com/voxline/voxline/pkg/relay/bus"
	"github.com/voxline/voxline/pkg/relay/collab"
	"github.com/voxline/voxline/pkg/relay/config"
	"github.com/voxline/voxline/pkg/relay/handlers"
	"github.com/voxline/voxline/pkg/relay/lifecycle"
	"github.com/voxline/voxline/pkg/relay/mw"
	"github.com/voxline/voxline/pkg/relay/pool"
	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/registry"
	"github.com/voxline/voxline/pkg/relay/session"
	"github.com/voxline/voxline/pkg/relay/store"
	"github.com/voxline/voxline/pkg/relay/turn"
)

// Deps are the replaceable collaborators. Zero values select the
// production implementations; tests inject fakes.
type Deps struct {
	Store       *store.Store
	BusFactory  bus.ClientFactory
	Logic       collab.ConversationLogic
	EngineMaker pool.Factory[collab.SpeechEngine]
	ArchiveOpen func(ctx context.Context, dsn string) (archive.Writer, error)
	SkipMigrate bool
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lc       *lifecycle.Lifecycle
	registry *registry.Registry
	store    *store.Store
	bus      *bus.Bus
	engines  *pool.Pool[collab.SpeechEngine]
	sessions *session.Manager
	archive  archive.Writer

	busCancel context.CancelFunc
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		lc:     &lifecycle.Lifecycle{},
	}

	s.registry = registry.New(registry.Options{
		MaxConnections:   cfg.MaxConnections,
		QueueCapacity:    cfg.QueueCapacity,
		DrainStopTimeout: cfg.DrainStopTimeout,
	}, logger)

	if deps.Store != nil {
		s.store = deps.Store
	} else {
		mode := store.ModeSingle
		if cfg.RedisCluster {
			mode = store.ModeCluster
		}
		st, err := store.New(store.Config{
			Addr:        cfg.RedisAddr,
			ClusterAddr: cfg.RedisClusterAddr,
			Username:    cfg.RedisUsername,
			Mode:        mode,
			SessionTTL:  cfg.SessionTTL,
			MappingTTL:  cfg.MappingTTL,
			RefreshSkew: cfg.RefreshSkew,
		}, store.StaticCredential(cfg.RedisPassword), logger)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		s.store = st
	}

	factory := deps.BusFactory
	if factory == nil {
		factory = bus.NewRedisFactory(cfg.RedisAddr, cfg.RedisUsername, func(ctx context.Context) (string, error) {
			return cfg.RedisPassword, nil
		})
	}
	b, err := bus.New(bus.Config{Prefix: cfg.BusPrefix}, factory, s.deliver, logger)
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	s.bus = b

	engineMaker := deps.EngineMaker
	if engineMaker == nil && cfg.LLMAPIKey != "" {
		engineMaker = func(ctx context.Context) (collab.SpeechEngine, error) {
			return collab.NewOpenAISpeech(cfg.LLMAPIKey, cfg.LLMBaseURL), nil
		}
	}
	if engineMaker != nil {
		s.engines = pool.New(cfg.PoolSize, engineMaker)
	}

	logic := deps.Logic
	if logic == nil && cfg.LLMAPIKey != "" {
		logic = collab.NewOpenAIConversation(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMSystemPrompt)
	}

	if strings.TrimSpace(cfg.ArchiveDSN) != "" {
		open := deps.ArchiveOpen
		if open == nil {
			open = func(ctx context.Context, dsn string) (archive.Writer, error) {
				if !deps.SkipMigrate {
					if err := archive.Migrate(ctx, dsn); err != nil {
						return nil, err
					}
				}
				pg, err := archive.Open(ctx, dsn)
				if err != nil {
					return nil, err
				}
				return pg, nil
			}
		}
		w, err := open(ctx, cfg.ArchiveDSN)
		if err != nil {
			return nil, fmt.Errorf("turn archive: %w", err)
		}
		s.archive = w
	}

	media := mediaControl{registry: s.registry}
	s.sessions = session.NewManager(func(sessionID, callID string) *session.Runtime {
		return session.New(session.Dependencies{
			SessionID: sessionID,
			CallID:    callID,
			Turns: turn.New(sessionID, turn.Config{
				Threshold:     cfg.BargeInThreshold,
				MinWords:      cfg.BargeInMinWords,
				MinConfidence: cfg.BargeInConfidence,
			}, s.store, logger),
			Logic:     logic,
			Engines:   s.engines,
			Call:      media,
			Archive:   s.archive,
			Broadcast: s.registry,
			Bus:       s.bus,
			Logger:    logger,
		})
	})

	s.routes()
	return s, nil
}

// deliver is the bus sink: frames published by other nodes fan out to
// this node's local connections.
func (s *Server) deliver(sessionID string, payload []byte) int {
	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		s.logger.Warn("drop undecodable bus frame", "session_id", sessionID, "error", err)
		return 0
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	return s.registry.BroadcastSession(sessionID, msg)
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lc,
		Registry:  s.registry,
	})
	s.mux.Handle("/v1/connect", handlers.ConnectHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lc,
		Registry:  s.registry,
		Sessions:  s.sessions,
		State:     s.store,
		Bus:       s.bus,
		NodeID:    s.bus.NodeID(),
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Start warms the speech-engine pool and launches the background
// loops: bus listener and store credential refresher.
func (s *Server) Start(ctx context.Context) error {
	if s.engines != nil {
		if err := s.engines.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare speech engine pool: %w", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.busCancel = cancel
	s.bus.Listen(bgCtx)
	s.store.StartRefresh(bgCtx)
	return nil
}

func (s *Server) SetDraining(draining bool) {
	s.lc.SetDraining(draining)
}

// Shutdown drains in dependency order: stop accepting (caller already
// closed the HTTP listener), close connections, stop the bus and
// refresher, flush session runtimes, then release storage handles.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetDraining(true)

	if err := s.registry.Close(ctx); err != nil {
		s.logger.Warn("registry close", "error", err)
	}

	if s.busCancel != nil {
		s.busCancel()
	}
	if err := s.bus.Wait(ctx); err != nil {
		s.logger.Warn("bus listener did not stop in time", "error", err)
	}
	_ = s.bus.Close()

	s.sessions.Wait()

	if err := s.store.WaitRefreshStopped(ctx); err != nil {
		s.logger.Warn("credential refresher did not stop in time", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close", "error", err)
	}

	if s.engines != nil {
		if err := s.engines.Close(); err != nil {
			s.logger.Warn("engine pool close", "error", err)
		}
	}
	if closer, ok := s.archive.(interface{ Close() }); ok {
		closer.Close()
	}
	return nil
}

// Registry exposes the connection table for operational surfaces.
func (s *Server) Registry() *registry.Registry { return s.registry }
