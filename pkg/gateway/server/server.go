package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

type Options struct {
	Manager *bridge.Manager
	Store   handlers.Pinger
	// Metrics is optional; /metrics is only served when set.
	Metrics *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	mgr       *bridge.Manager
	store     handlers.Pinger
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle

	// baseCtx parents every request; it is cancelled on drain so long-lived
	// observer streams end and let the HTTP server shut down.
	baseCtx context.Context
}

func New(cfg config.Config, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		mgr:       opts.Manager,
		store:     opts.Store,
		metrics:   opts.Metrics,
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentStreams:  cfg.LimitMaxConcurrentStreams,
		}),
		baseCtx: baseCtx,
	}
	s.lifecycle.OnDrain(cancel)

	s.routes()
	return s
}

func (s *Server) routes() {
	var observe func(kind string) func()
	if s.metrics != nil {
		observe = s.metrics.ObserverAttached
	}

	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Store:     s.store,
		Sessions:  s.mgr.Count,
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	bridges := handlers.BridgesHandler{Config: s.cfg, Manager: s.mgr, Logger: s.logger}
	s.mux.HandleFunc("POST /v1/bridges", bridges.Create)
	s.mux.HandleFunc("GET /v1/bridges", bridges.List)
	s.mux.HandleFunc("GET /v1/bridges/{id}", bridges.Get)
	s.mux.HandleFunc("POST /v1/bridges/{id}/stop", bridges.Stop)
	s.mux.HandleFunc("POST /v1/bridges/{id}/force-stop", bridges.ForceStop)
	s.mux.HandleFunc("POST /v1/bridges/{id}/text", bridges.Text)
	s.mux.HandleFunc("POST /v1/bridges/{id}/commit", bridges.Commit)
	s.mux.HandleFunc("POST /v1/bridges/{id}/nested", bridges.Forward(session.TargetNested))
	s.mux.HandleFunc("POST /v1/bridges/{id}/code", bridges.Forward(session.TargetCode))

	convs := handlers.ConversationsHandler{Config: s.cfg, Manager: s.mgr}
	s.mux.HandleFunc("POST /v1/conversations", convs.Create)
	s.mux.HandleFunc("GET /v1/conversations", convs.List)
	s.mux.HandleFunc("GET /v1/conversations/{id}", convs.Get)
	s.mux.Handle("GET /v1/conversations/{id}/events", handlers.EventsHandler{
		Config:  s.cfg,
		Manager: s.mgr,
		Logger:  s.logger,
		Observe: observe,
	})

	s.mux.Handle("GET /v1/agents/{source}/ws", handlers.AgentsHandler{
		Config:  s.cfg,
		Manager: s.mgr,
		Logger:  s.logger,
		Observe: observe,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var onLimited func(string)
	if s.metrics != nil {
		onLimited = s.metrics.RecordRateLimitHit
	}

	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, onLimited, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// BaseContext is meant for http.Server.BaseContext.
func (s *Server) BaseContext(net.Listener) context.Context {
	return s.baseCtx
}

// SetDraining fails readiness, rejects new bridges and ends observer streams.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) IsDraining() bool {
	return s.lifecycle.IsDraining()
}

// Shutdown drains and stops every live bridge, waiting for teardown until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetDraining()
	return s.mgr.Shutdown(ctx)
}
