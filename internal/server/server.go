// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects the user store, the
// password grant, the handlers and the middleware, and decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and a logger, then:
//
//	Server.New() creates:
//	  sqlstore.Store ─────────────┐
//	  auth.PasswordService ───────┼→ service.Authenticator ─┐
//	  auth.TokenIssuer ───────────┼─────────────────────────┼→ service.PasswordGrant → handler.OIDCHandler
//	  auth.ClientRegistry ────────┘                         │
//	  ratelimit.Limiter (Redis, optional) ──────────────────┘
//
// This is the "composition root" pattern: every dependency is built here and
// nowhere else.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/config"
	"github.com/sakif/synaps-idp/internal/handler"
	"github.com/sakif/synaps-idp/internal/middleware"
	"github.com/sakif/synaps-idp/internal/ratelimit"
	"github.com/sakif/synaps-idp/internal/repository/sqlstore"
	"github.com/sakif/synaps-idp/internal/service"
	"github.com/sakif/synaps-idp/internal/telemetry"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database pool, the Redis client (when throttling is
// on) and the tracer provider. Close releases all three; Start calls it
// after the HTTP server has drained.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	store   *sqlstore.Store
	redis   *redis.Client
	tokens  *auth.TokenIssuer
	closers []func(context.Context) error
}

// New builds the dependency graph for cfg. cfg must already be validated.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, shutdownTracing)

	// === USER STORE ===
	store, err := sqlstore.Open(ctx, StoreOptions(cfg), logger)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("opening user store: %w", err)
	}
	s.store = store
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })

	if cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}

	// === LOGIN THROTTLE ===
	var throttle service.LoginThrottle
	if cfg.Throttle.Enabled() {
		client, err := ratelimit.Dial(ctx, cfg.Throttle.RedisURL)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.redis = client
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		throttle = ratelimit.New(client, ratelimit.Config{
			MaxAttempts: cfg.Throttle.MaxAttempts,
			Cooldown:    cfg.Throttle.Cooldown,
		})
	}

	// === TOKEN PIPELINE ===
	schemes, err := auth.ParseSchemes(cfg.PasswordSchemes)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.SigningSecret, cfg.IssuerURL, cfg.Audience)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.tokens = tokens

	passwords, err := auth.NewPasswordService(schemes...).WithDummyCost(cfg.DummyHashCost)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	clients := make(map[string]string, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients[c.ID] = c.Secret
	}
	registry := auth.NewClientRegistry(clients)

	authn := service.NewAuthenticator(store, passwords, cfg.HashConcurrency, logger)
	grant := service.NewPasswordGrant(authn, tokens, registry, throttle, logger)

	s.setupRoutes(
		handler.NewOIDCHandler(grant, cfg.IssuerURL, registry.Enabled(), cfg.RequestTimeout, logger),
		handler.NewHealthHandler(store, logger),
	)

	return s, nil
}

// StoreOptions maps the configuration onto sqlstore.Options.
func StoreOptions(cfg config.Config) sqlstore.Options {
	return sqlstore.Options{
		Driver:   sqlstore.Driver(cfg.DB.Driver),
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Name:     cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
		Columns: sqlstore.Columns{
			Table:    cfg.Users.Table,
			ID:       cfg.Users.ID,
			Email:    cfg.Users.Email,
			Password: cfg.Users.Password,
			Name:     cfg.Users.Name,
		},
		LookupTries:    cfg.DB.LookupTries,
		ConnectTimeout: cfg.DB.ConnectTimeout,
	}
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET  /.well-known/openid-configuration → discovery document
// POST /token                            → password grant
// GET  /userinfo                         → profile from a bearer token
// GET  /healthz                          → liveness
// GET  /readyz                           → readiness (pings the user store)
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request
// 2. RealIP: takes the client IP from proxy headers, but only when the direct
//    peer is listed in TRUSTED_PROXIES (the throttle keys on it)
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
// 5. CORS: browser clients call /token and /userinfo cross-origin
func (s *Server) setupRoutes(oidc *handler.OIDCHandler, health *handler.HealthHandler) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(middleware.RealIP(s.config.TrustedProxyPrefixes()))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", health.HandleLive)
	s.router.Get("/readyz", health.HandleReady)

	s.router.Get("/.well-known/openid-configuration", oidc.HandleDiscovery)
	s.router.Post("/token", oidc.HandleToken)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireBearer(s.tokens))
		r.Get("/userinfo", oidc.HandleUserInfo)
	})
}

// Handler returns the root handler: the router wrapped in otelhttp, so every
// request gets a server span (a no-op when tracing is off).
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "synaps-idp",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
		}),
	)
}

// Close releases everything New acquired, in reverse order.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Close the database pool, the Redis client and flush pending spans
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("issuer", s.config.IssuerURL),
			slog.String("driver", string(s.config.DB.Driver)),
			slog.Bool("throttle", s.redis != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		s.Close(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.Close(ctx)
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.Close(ctx); err != nil {
			s.logger.Warn("releasing resources", slog.String("error", err.Error()))
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
