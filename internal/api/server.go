package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/ordertrack/internal/api/handler"
	mw "github.com/edvin/ordertrack/internal/api/middleware"
	"github.com/edvin/ordertrack/internal/config"
	"github.com/edvin/ordertrack/internal/notify"
	"github.com/edvin/ordertrack/internal/tenant"
	"github.com/edvin/ordertrack/internal/workflow"
)

type Server struct {
	router        chi.Router
	logger        zerolog.Logger
	directoryPool *pgxpool.Pool
	directory     *tenant.Directory
	registry      *tenant.Registry
	engine        *workflow.Engine
	bootstrapper  *workflow.Bootstrapper
	hub           *notify.Hub
	cfg           *config.Config
}

func NewServer(
	logger zerolog.Logger,
	directoryPool *pgxpool.Pool,
	directory *tenant.Directory,
	registry *tenant.Registry,
	engine *workflow.Engine,
	bootstrapper *workflow.Bootstrapper,
	hub *notify.Hub,
	cfg *config.Config,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger,
		directoryPool: directoryPool,
		directory:     directory,
		registry:      registry,
		engine:        engine,
		bootstrapper:  bootstrapper,
		hub:           hub,
		cfg:           cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	wf := handler.NewWorkflow(s.registry, s.engine, s.bootstrapper)
	stream := handler.NewStream(s.hub, s.logger)
	tenants := handler.NewTenant(s.directory, s.registry)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mw.TenantKey)

			r.Route("/entities/{entityType}/{entityID}/workflows", func(r chi.Router) {
				r.Post("/initialize", wf.Initialize)
				r.Get("/{workflowType}", wf.Get)
				r.Put("/{workflowType}/stage", wf.SetStage)
				r.Put("/{workflowType}/flags", wf.SetFlags)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/tenants", tenants.List)
			r.Get("/connections", tenants.Connections)
			r.Delete("/connections/{routingKey}", tenants.InvalidateConnection)
		})
	})

	// Realtime change stream (WebSocket).
	s.router.Group(func(r chi.Router) {
		r.Use(mw.TenantKey)
		r.Get("/ws/changes", stream.Changes)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.directoryPool.Ping(r.Context()); err != nil {
		http.Error(w, "directory database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
