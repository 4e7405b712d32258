// Package server wires the job store, skeleton store, quota guard, and step
// executor behind one HTTP surface. Endpoints are registered through the
// api.Registry so each route exists exactly once for both HTTP and CLI.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
	"github.com/lectern-ai/lectern/internal/server/endpoints"
	"github.com/lectern-ai/lectern/internal/skeleton"
	"github.com/lectern-ai/lectern/internal/svcctx"
	"github.com/lectern-ai/lectern/internal/worker"
)

// Server is the main Lectern HTTP server.
type Server struct {
	httpServer *http.Server
	store      *jobs.Store
	skeletons  *skeleton.Store
	quota      *jobs.QuotaGuard
	executor   *worker.Executor
	registry   *providers.Registry
	configMgr  *config.Manager
	logger     *slog.Logger
	authToken  string
	dbPath     string

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// DBPath is the SQLite database file for the job store
	DBPath string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)

	// If config manager provided, set up the provider and hot reload
	var authToken string
	if cfg.ConfigManager != nil {
		appCfg := cfg.ConfigManager.Get()
		authToken = appCfg.Server.AuthToken
		if err := registry.Reload(appCfg.Provider); err != nil {
			cfg.Logger.Warn("provider not configured", "error", err)
		}

		// Watch for config changes
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			if err := registry.Reload(c.Provider); err != nil {
				cfg.Logger.Warn("provider reload failed", "error", err)
				return
			}
			cfg.Logger.Info("provider registry reloaded from config")
		})
	}

	s := &Server{
		registry:  registry,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
		authToken: authToken,
		dbPath:    cfg.DBPath,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withAuth(s.withServices(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Worker steps hold the request for a full LLM call
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Initialize opens the job store and builds the remaining services. Split out
// from Start so tests can exercise Handler without a listening socket.
func (s *Server) Initialize(ctx context.Context) error {
	appCfg := config.DefaultConfig()
	if s.configMgr != nil {
		appCfg = s.configMgr.Get()
	}

	var storeOpts []jobs.StoreOption
	if appCfg.Worker.StaleAfter > 0 {
		storeOpts = append(storeOpts, jobs.WithStaleAfter(appCfg.Worker.StaleAfter))
	}

	store, err := jobs.Open(s.dbPath, s.logger, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	skeletons, err := skeleton.NewStore(store.DB())
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to open skeleton store: %w", err)
	}

	quota := jobs.NewQuotaGuard(store, jobs.QuotaLimits{
		HourlyLimit: appCfg.Quota.HourlyLimit,
		DailyLimit:  appCfg.Quota.DailyLimit,
	}, s.logger)

	executor := worker.NewExecutor(store, skeletons, s.registry, s.logger, appCfg.Worker.MaxAttempts)

	s.store = store
	s.skeletons = skeletons
	s.quota = quota
	s.executor = executor

	s.services = &svcctx.Services{
		Store:     store,
		Skeletons: skeletons,
		Quota:     quota,
		Executor:  executor,
		Registry:  s.registry,
		ConfigMgr: s.configMgr,
		Logger:    s.logger,
	}

	return nil
}

// Start initializes services and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Initialize(ctx); err != nil {
		s.setNotRunning()
		return err
	}
	s.logger.Info("job store is ready", "path", s.dbPath, "stale_after", s.store.StaleAfter())

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown performs graceful shutdown of the HTTP server and job store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("job store close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the job store. Returns nil before Initialize.
func (s *Server) Store() *jobs.Store {
	return s.store
}

// Executor returns the step executor. Returns nil before Initialize.
func (s *Server) Executor() *worker.Executor {
	return s.executor
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the fully wrapped HTTP handler, for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth enforces the agent bearer token on /api/ routes when one is
// configured. Health probes stay open.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid or missing bearer token"}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable before Initialize has run.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil || s.executor == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
