// Package server is the composition root: it builds every dependency from
// the configuration, wires the routes and runs the HTTP server.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config
//	  → store (sqlite.DB or postgres.DB)   ─┐
//	  → locker (lock.Local or lock.Redis)  ─┼→ AccountResolver → AuthService → AuthHandler
//	  → PasswordService, TokenService      ─┘
//	  → auth.Registry (OAuth providers)    ───────────────────────────────→ AuthHandler
//
// Everything is assembled in New, so nothing else in the codebase knows
// which store or locker is in use.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/config"
	"github.com/sakif/identity-service/internal/handler"
	"github.com/sakif/identity-service/internal/lock"
	"github.com/sakif/identity-service/internal/metrics"
	"github.com/sakif/identity-service/internal/middleware"
	"github.com/sakif/identity-service/internal/repository"
	"github.com/sakif/identity-service/internal/repository/postgres"
	sqliteRepo "github.com/sakif/identity-service/internal/repository/sqlite"
	"github.com/sakif/identity-service/internal/service"
)

// Server owns the router and every resource that must be released on
// shutdown (store, Redis client, rate limiter sweep).
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	closers []func()
}

// New builds the full dependency graph. A missing default role, an
// unreachable store or a bad provider configuration fails startup.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (s *Server, err error) {
	s = &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	// === STORE ===
	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	// === LOCKER ===
	locker, err := s.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	// === CREDENTIALS ===
	passwords, err := auth.NewPasswordService(cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	// === METRICS ===
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// === SERVICES ===
	resolver := service.NewAccountResolver(store, passwords, locker, cfg.DefaultRole, collector, logger)
	if err := resolver.CheckDefaultRole(ctx); err != nil {
		return nil, fmt.Errorf("server: default role %q: %w", cfg.DefaultRole, err)
	}
	authService := service.NewAuthService(store, resolver, passwords, tokens, locker,
		service.LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration},
		collector, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, 10*time.Minute, logger)
	s.closers = append(s.closers, limiter.Stop)

	s.setupRoutes(handler.NewAuthHandler(authService, providers, logger), tokens, limiter, collector, registry)

	logger.Info("oauth providers configured", slog.Any("providers", providers.Names()))
	return s, nil
}

// openStore picks Postgres when DATABASE_URL is set, else the SQLite file.
func (s *Server) openStore(ctx context.Context) (repository.AccountRepository, error) {
	if s.config.DatabaseURL != "" {
		db, err := postgres.New(ctx, s.config.DatabaseURL, s.logger)
		if err != nil {
			return nil, fmt.Errorf("server: opening postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		return db, nil
	}

	if s.config.DBPath != ":memory:" {
		// 0755 = owner can read/write/execute, others can read/execute.
		if err := os.MkdirAll(filepath.Dir(s.config.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("server: creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(s.config.DBPath, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: opening sqlite: %w", err)
	}
	s.closers = append(s.closers, func() { _ = db.Close() })
	return db, nil
}

// newLocker uses Redis leases when REDIS_URL is set. Several instances
// sharing one store must share one Redis, or only the store's unique
// constraints stand between them.
func (s *Server) newLocker(ctx context.Context) (lock.Locker, error) {
	if s.config.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	client, err := lock.NewRedisClient(ctx, s.config.RedisURL, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.closers = append(s.closers, func() { _ = client.Close() })
	return lock.NewRedis(client, s.config.LockTTL, s.logger), nil
}

// buildProviders registers the built-in GitHub and Google providers when
// configured, plus any generic ones from OAUTH_PROVIDERS_JSON.
func buildProviders(cfg config.Config) (*auth.Registry, error) {
	var list []*auth.OAuthProvider
	if cfg.GitHub.Enabled() {
		list = append(list, auth.NewGitHubProvider(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.RedirectURL))
	}
	if cfg.Google.Enabled() {
		list = append(list, auth.NewGoogleProvider(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL))
	}

	extra, err := cfg.ExtraProviders()
	if err != nil {
		return nil, err
	}
	for _, pc := range extra {
		p, err := auth.NewOAuthProvider(pc)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return auth.NewRegistry(list...)
}

// setupRoutes configures middleware and routes.
//
// ROUTE STRUCTURE:
// GET  /healthz                        → store ping
// GET  /metrics                        → Prometheus
// POST /auth/register                  → create local account   (rate limited)
// POST /auth/login                     → password login         (rate limited)
// POST /auth/refresh                   → new token pair         (rate limited)
// GET  /auth/validate                  → {valid, username}
// GET  /auth/me                        → caller's profile       (bearer)
// GET  /auth/oauth2/{provider}/login   → redirect to provider
// GET  /auth/oauth2/callback           → finish provider login
//
// MIDDLEWARE ORDER MATTERS:
// RequestID first so every log line has it, RealIP before the rate limiter
// so it keys on the client, Recoverer innermost of the globals so a panic is
// still logged with its status.
func (s *Server) setupRoutes(
	h *handler.AuthHandler,
	tokens *auth.TokenService,
	limiter *middleware.RateLimiter,
	recorder metrics.HTTPRecorder,
	gatherer prometheus.Gatherer,
) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger, recorder))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", h.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler(gatherer))

	s.router.Route("/auth", func(r chi.Router) {
		// Bounds store, lock and provider calls; they all take r.Context().
		r.Use(chimiddleware.Timeout(s.config.RequestTimeout))

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/register", h.HandleRegister)
			r.Post("/login", h.HandleLogin)
			r.Post("/refresh", h.HandleRefresh)
		})

		r.Get("/validate", h.HandleValidate)
		r.With(auth.RequireAuth(tokens)).Get("/me", h.HandleMe)

		r.Get("/oauth2/{provider}/login", h.HandleOAuthLogin)
		r.Get("/oauth2/callback", h.HandleOAuthCallback)
	})
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases resources in reverse order of acquisition.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully:
//  1. Stop accepting new connections
//  2. Wait up to 30s for in-flight requests
//  3. Close the store, Redis client and background sweeps
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.Bool("postgres", s.config.DatabaseURL != ""),
			slog.Bool("redisLocks", s.config.RedisURL != ""),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
