// cmd/smgd/main.go
// Package main implements the entry point for the secure media gateway.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/authz"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/config"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/delivery"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/event"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/invalidation"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/server"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/session"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/telemetry"
)

// version is set at build time.
var version = "dev"

// main is the entry point for the gateway.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer("securemedia-gateway", version); err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		s, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		store = s
	} else {
		logger.Warn("SMG_DB_DSN not set, using empty in-memory metadata store")
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize cache backend (Redis or in-process)
	backend := newCacheBackend(ctx, cfg, logger)
	c := cache.NewStore(backend, cache.Options{Timeout: cfg.CacheOpTimeout, Logger: logger, Metrics: m})
	defer c.Close()

	versions := cacheversion.NewRegistry(c, cfg.VersionTTL, logger, m)
	paths := resolver.NewPathCache(c, cfg.PathCacheTTL, logger)
	res := resolver.New(store, paths, resolver.Options{MediaRoot: cfg.MediaRoot, Logger: logger, Metrics: m})

	// Roles beyond those in the bearer token come from the identity service
	authzOpts := authz.Options{
		ElevatedRoles: cfg.ElevatedRoles,
		PermissionTTL: cfg.PermissionCacheTTL,
		RestrictedTTL: cfg.RestrictedCacheTTL,
		Logger:        logger,
		Metrics:       m,
	}
	if cfg.IdentityURL != "" {
		authzOpts.Roles = identity.New(cfg.IdentityURL)
	}
	engine := authz.NewEngine(c, versions, authzOpts)

	var verifier server.TokenVerifier
	if cfg.JWTIssuer != "" {
		verifier = jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
	} else {
		logger.Warn("SMG_JWT_ISSUER not set, every caller is anonymous")
	}

	markers := session.New(cfg.SessionSecret, session.DefaultLifetime)
	if markers == nil {
		logger.Warn("SMG_SESSION_SECRET not set, restricted assets require the password on every request")
	}

	deliverer, closeDeliverer, err := newDeliverer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDeliverer()

	// Invalidation signals from the metadata service
	inv := invalidation.New(versions, paths, logger)
	if cfg.NATSURL != "" {
		validator, err := schema.NewValidator()
		if err != nil {
			return err
		}
		nc, js, err := event.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		listener := event.NewListener(inv, validator, logger, m)
		if err := listener.Subscribe(ctx, js, sharedCache(backend)); err != nil {
			return err
		}
		defer listener.Close()
	} else {
		logger.Warn("SMG_NATS_URL not set, cached entries expire only by TTL")
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(server.Deps{
		Resolver:      res,
		Authz:         engine,
		Deliverer:     deliverer,
		Store:         store,
		Cache:         c,
		Verifier:      verifier,
		Markers:       markers,
		SecureCookies: cfg.Env != "dev",
		Logger:        logger,
		Metrics:       m,
	})

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Direct and S3 delivery stream whole files
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Start server in a separate goroutine
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "delivery", cfg.DeliveryMode, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// newDeliverer builds the deliverer for the configured mode.
func newDeliverer(ctx context.Context, cfg config.Config) (delivery.Deliverer, func(), error) {
	noop := func() {}
	switch cfg.DeliveryMode {
	case config.DeliveryDirect:
		d, err := delivery.NewDirect(cfg.MediaRoot)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open media root: %w", err)
		}
		return d, func() { closeQuietly(d) }, nil
	case config.DeliveryS3:
		d, err := delivery.NewS3(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize S3 delivery: %w", err)
		}
		return d, noop, nil
	default:
		return delivery.NewXAccel(cfg.XAccelPrefix), noop, nil
	}
}

// newCacheBackend connects to Redis when configured. The gateway degrades to a
// per-replica cache rather than refusing to start.
func newCacheBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) cache.Backend {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryBackend()
	}
	b, err := cache.NewRedisBackend(ctx, cache.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", "addr", cfg.RedisAddr, "error", err)
		return cache.NewMemoryBackend()
	}
	return b
}

// sharedCache reports whether backend is seen by every replica. Only then may
// replicas split invalidation signals through a queue group; a replica that fell
// back to an in-process cache must receive every signal itself.
func sharedCache(backend cache.Backend) bool {
	_, ok := backend.(*cache.RedisBackend)
	return ok
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
}
