// Package server wires the gateway components together and exposes them over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/config"
	"github.com/HailBahafi/KeyGuard-sub002/internal/database"
	"github.com/HailBahafi/KeyGuard-sub002/internal/enrollment"
	"github.com/HailBahafi/KeyGuard-sub002/internal/keydir"
	"github.com/HailBahafi/KeyGuard-sub002/internal/middleware"
	"github.com/HailBahafi/KeyGuard-sub002/internal/nonce"
	"github.com/HailBahafi/KeyGuard-sub002/internal/proxy"
	"github.com/HailBahafi/KeyGuard-sub002/internal/repository"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
)

// limiterBuckets bounds the in-memory limiter's tracked devices and keys.
const limiterBuckets = 100_000

// App is a fully wired gateway.
type App struct {
	Handler    http.Handler
	Enrollment *enrollment.Service
	Directory  *keydir.Directory
	Verifier   *signature.Verifier
	Emitter    *audit.Emitter

	logger  *slog.Logger
	closers []func(ctx context.Context) error
}

type options struct {
	sinks     []audit.Sink
	creds     proxy.CredentialSource
	redis     *database.Redis
	forwarder []proxy.Option
	verifier  []signature.Option
}

// Option customises App construction.
type Option func(*options)

// WithAuditSink adds a sink next to the configured ones.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s)
	}
}

// WithCredentials replaces the configured credential source.
func WithCredentials(c proxy.CredentialSource) Option {
	return func(o *options) {
		o.creds = c
	}
}

// WithRedis uses an existing Redis client instead of dialing redis.* settings.
func WithRedis(r *database.Redis) Option {
	return func(o *options) {
		o.redis = r
	}
}

// WithForwarderOptions passes options through to the proxy forwarder.
func WithForwarderOptions(opts ...proxy.Option) Option {
	return func(o *options) {
		o.forwarder = append(o.forwarder, opts...)
	}
}

// WithVerifierOptions passes options through to the signature verifier.
func WithVerifierOptions(opts ...signature.Option) Option {
	return func(o *options) {
		o.verifier = append(o.verifier, opts...)
	}
}

// New connects to the configured stores and builds every component.
// On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()
	ready := map[string]Pinger{}

	var (
		devices repository.DeviceRepository
		codes   repository.EnrollmentRepository
		events  repository.AuditRepository
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		app.onClose(func(context.Context) error { db.Close(); return nil })
		if err := database.RunMigrations(cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Connected to PostgreSQL")
		devices = repository.NewDeviceRepository(db.Pool())
		codes = repository.NewEnrollmentRepository(db.Pool())
		events = repository.NewAuditRepository(db.Pool())
		ready["database"] = db
	default:
		store := repository.NewMemoryStore()
		devices, codes, events = store, store, store
		logger.Warn("Using in-memory storage; devices are lost on restart")
	}

	rdb := o.redis
	if rdb == nil && cfg.Redis.Enabled {
		rdb, err = database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.onClose(func(context.Context) error { return rdb.Close() })
		logger.Info("Connected to Redis")
	}
	if rdb != nil {
		ready["redis"] = rdb
	}

	var nonces nonce.Store
	switch cfg.Nonce.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("nonce backend redis requires redis")
		}
		nonces = nonce.NewRedisStore(rdb, cfg.Nonce.KeyPrefix)
	default:
		mem := nonce.NewMemoryStore(
			nonce.WithShards(cfg.Nonce.Shards),
			nonce.WithCapacity(cfg.Nonce.Capacity),
			nonce.WithSweepInterval(cfg.Nonce.SweepInterval),
		)
		app.onClose(func(context.Context) error { return mem.Close() })
		nonces = mem
	}

	dirOpts := []keydir.Option{keydir.WithLogger(logger)}
	if rdb != nil && cfg.KeyDir.InvalidationChannel != "" {
		dirOpts = append(dirOpts, keydir.WithBus(keydir.NewRedisBus(rdb, cfg.KeyDir.InvalidationChannel)))
	}
	app.Directory = keydir.New(devices, cfg.KeyDir.CacheSize, cfg.KeyDir.CacheTTL, dirOpts...)

	algs, err := signature.NewRegistry(cfg.Security.Algorithms...)
	if err != nil {
		return nil, err
	}
	verifierOpts := append([]signature.Option{signature.WithWindow(cfg.Security.FreshnessWindow)}, o.verifier...)
	app.Verifier = signature.NewVerifier(app.Directory, nonces, algs, verifierOpts...)

	sinks, err := auditSinks(cfg.Audit.Sinks, events, logger)
	if err != nil {
		return nil, err
	}
	app.Emitter = audit.NewEmitter(append(sinks, o.sinks...),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithRetry(cfg.Audit.RetryAttempts, cfg.Audit.RetryBackoff),
		audit.WithLogger(logger),
	)
	// Registered after the stores, so it drains first.
	app.onClose(app.Emitter.Close)

	policy := repository.FingerprintReject
	if cfg.Enrollment.DuplicateFingerprint == "supersede" {
		policy = repository.FingerprintSupersede
	}
	app.Enrollment = enrollment.NewService(codes, devices, app.Directory, app.Emitter, enrollment.Config{
		CodeTTL:       cfg.Enrollment.CodeTTL,
		AutoActivate:  cfg.Enrollment.AutoActivate,
		Fingerprint:   policy,
		AllowCodeless: cfg.Enrollment.AllowCodeless,
	}, enrollment.WithLogger(logger))

	providers, err := proxy.NewProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	creds := o.creds
	if creds == nil {
		if creds, err = proxy.NewCredentialSource(cfg.Credentials); err != nil {
			return nil, err
		}
	}
	fwd := proxy.NewForwarder(providers, creds, app.Emitter, proxy.Config{
		DialTimeout:           cfg.Proxy.DialTimeout,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		MaxStreamDuration:     cfg.Proxy.MaxStreamDuration,
		IdleTimeout:           cfg.Proxy.IdleTimeout,
	}, append([]proxy.Option{proxy.WithLogger(logger)}, o.forwarder...)...)

	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		if limiter, err = middleware.NewLimiter(cfg.RateLimit.Backend, rdb, limiterBuckets, cfg.RateLimit.Window); err != nil {
			return nil, err
		}
	}

	app.Handler = NewRouter(RouterConfig{
		Logger:        logger,
		CORSOrigins:   cfg.Server.CORSOrigins,
		MaxBodyBytes:  cfg.Security.MaxBodyBytes,
		ExposeReasons: cfg.Security.ExposeVerifyReasons,
		AdminToken:    cfg.Admin.Token,
		Verifier:      app.Verifier,
		Enrollment:    app.Enrollment,
		Forwarder:     fwd,
		Audit:         app.Emitter,
		Limiter:       limiter,
		RateLimit: middleware.RateLimitConfig{
			PerDevice: cfg.RateLimit.PerDevice,
			PerKey:    cfg.RateLimit.PerKey,
			Window:    cfg.RateLimit.Window,
		},
		Ready: ready,
	})

	logger.Info("Gateway assembled",
		slog.Any("providers", providers.Names()),
		slog.Any("algorithms", algs.IDs()),
		slog.String("nonce_backend", cfg.Nonce.Backend),
		slog.Bool("rate_limit", limiter != nil),
	)
	return app, nil
}

func auditSinks(names []string, events repository.AuditRepository, logger *slog.Logger) ([]audit.Sink, error) {
	sinks := make([]audit.Sink, 0, len(names))
	for _, name := range names {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger))
		case "database":
			sinks = append(sinks, audit.NewRepositorySink(events))
		default:
			return nil, fmt.Errorf("audit sink %q is not supported", name)
		}
	}
	return sinks, nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Run blocks running background loops until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Directory.Run(ctx); err != nil {
			a.logger.Error("key directory invalidation listener stopped", "error", err)
			return err
		}
		return nil
	})
	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
