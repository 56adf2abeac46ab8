// Package server exposes the mux engine over HTTP: message streaming,
// history access, background process control and an SSE event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/config"
	"github.com/mux-ai/mux/internal/engine"
	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/provider"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE connections are long-lived
	}
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *config.Config

	engine    *engine.Manager
	history   *history.Store
	processes *bgprocess.Manager
	providers *provider.Registry
	bus       *event.Bus
}

// New creates a server wired to the engine and its stores.
func New(cfg *Config, appConfig *config.Config, eng *engine.Manager, hist *history.Store, procs *bgprocess.Manager, providers *provider.Registry, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		appConfig: appConfig,
		engine:    eng,
		history:   hist,
		processes: procs,
		providers: providers,
		bus:       bus,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/event", s.allEvents)
	r.Get("/model", s.listModels)
	r.Get("/config", s.getConfig)

	r.Route("/workspace/{workspaceID}", func(r chi.Router) {
		r.Post("/message", s.sendMessage)
		r.Post("/interrupt", s.interrupt)
		r.Post("/compact", s.compact)
		r.Get("/state", s.getState)
		r.Get("/history", s.getHistory)
		r.Get("/partial", s.getPartial)
		r.Get("/event", s.workspaceEvents)

		r.Route("/process", func(r chi.Router) {
			r.Get("/", s.listProcesses)
			r.Post("/", s.spawnProcess)
			r.Get("/{processID}", s.readProcess)
			r.Delete("/{processID}", s.terminateProcess)
		})
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
