package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/analytics"
	"github.com/hengadev/medvault/audit"
	"github.com/hengadev/medvault/catalog"
	"github.com/hengadev/medvault/envelope"
	"github.com/hengadev/medvault/files"
	"github.com/hengadev/medvault/internal/health"
	"github.com/hengadev/medvault/internal/logging"
	"github.com/hengadev/medvault/internal/metrics"
	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
	"github.com/hengadev/medvault/providers/awskms"
	s3bucket "github.com/hengadev/medvault/providers/s3"
	"github.com/hengadev/medvault/providers/vault"
	"github.com/hengadev/medvault/provision"
	"github.com/hengadev/medvault/reconcile"
)

// app is the storage core wired from a Config.
type app struct {
	cfg     medvault.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ns       *namespace.Namespace
	store    objectstore.Client
	catalog  *catalog.Store
	keys     envelope.KeyProvider
	envelope *envelope.Envelope
	journal  *audit.Journal
	guard    reconcile.Guard
	redis    *redis.Client

	closers []func() error
}

// newApp wires every component. A non-nil store replaces the configured backend.
func newApp(ctx context.Context, cfg medvault.Config, logger zerolog.Logger, store objectstore.Client) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dept, err := namespace.LookupDepartment(cfg.DepartmentsFile, cfg.Department)
	if err != nil {
		return nil, err
	}
	a.ns = namespace.New(dept)

	if store == nil {
		if store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}
	a.store = objectstore.WithRetry(store, objectstore.RetryOptions{
		MaxRetries: uint64(cfg.StoreRetries),
		Metrics:    a.metrics,
	})

	if cfg.DBDriver == medvault.DriverSQLite {
		if err := ensureSQLiteDir(cfg.DBDSN); err != nil {
			return nil, err
		}
	}
	if a.catalog, err = catalog.Open(ctx, cfg.DBDriver, cfg.DBDSN); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.catalog.Close)

	if a.keys, err = a.openKeys(ctx); err != nil {
		return nil, err
	}
	a.envelope = envelope.New(a.keys,
		envelope.WithLogger(logging.Component(logger, "envelope")),
		envelope.WithMetrics(a.metrics))

	if err := a.openJournal(); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		guard, err := reconcile.NewRedisGuard(a.redis, cfg.ReconcileLease,
			reconcile.WithGuardLogger(logging.Component(logger, "reconcile")))
		if err != nil {
			return nil, err
		}
		a.guard = guard
	}

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}

	logger.Debug().
		Str("department", dept.Name).
		Str("store", cfg.Store).
		Str("kms", cfg.KMS).
		Bool("pass_through", a.envelope.PassThrough()).
		Msg("storage core ready")
	return a, nil
}

func (a *app) openStore(ctx context.Context) (objectstore.Client, error) {
	switch a.cfg.Store {
	case medvault.StoreMemory:
		a.logger.Warn().Msg("using the in-memory object store, nothing outlives this process")
		return objectstore.NewMemory(), nil
	default:
		return s3bucket.New(ctx, s3bucket.Config{
			Bucket:       a.cfg.S3Bucket,
			Region:       a.cfg.S3Region,
			Endpoint:     a.cfg.S3Endpoint,
			UsePathStyle: a.cfg.S3PathStyle,
		})
	}
}

func (a *app) openKeys(ctx context.Context) (envelope.KeyProvider, error) {
	var kms envelope.KeyManagementService
	switch a.cfg.KMS {
	case medvault.KMSNone:
		return nil, nil
	case medvault.KMSStatic:
		secrets, err := medvault.ParseEncryptionKeys(a.cfg.EncryptionKeys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", medvault.ErrInvalidConfiguration, err)
		}
		if len(secrets) == 0 {
			return nil, nil
		}
		keyring, err := envelope.NewStaticKeyring(secrets)
		if err != nil {
			return nil, err
		}
		return keyring, nil
	case medvault.KMSVault:
		transit, err := vault.NewTransitService(ctx, vault.ConfigFromEnvironment())
		if err != nil {
			return nil, err
		}
		kms = transit
	case medvault.KMSAWS:
		service, err := awskms.New(ctx, awskms.Config{Region: a.cfg.KMSRegion, Keyring: a.cfg.KMSKeyAlias})
		if err != nil {
			return nil, err
		}
		kms = service
	default:
		return nil, fmt.Errorf("%w: unsupported key provider '%s'", medvault.ErrInvalidConfiguration, a.cfg.KMS)
	}

	if err := ensureSQLiteDir(a.cfg.KeyringDB); err != nil {
		return nil, err
	}
	keyring, err := envelope.OpenSQLKeyring(ctx, a.cfg.KeyringDB, kms, a.cfg.KMSKeyAlias,
		envelope.WithKeyringLogger(logging.Component(a.logger, "keyring")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, keyring.Close)
	return keyring, nil
}

func (a *app) openJournal() error {
	sink, err := audit.NewFileSink(a.cfg.AuditDir)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sink.Close)

	sinks := []audit.Sink{sink}
	if a.cfg.AuditMirror {
		sinks = append(sinks, audit.NewObjectStoreSink(a.store))
	}
	a.journal = audit.New(sinks,
		audit.WithLogger(logging.Component(a.logger, "audit")),
		audit.WithMetrics(a.metrics))
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	checks := health.Handler(a.healthChecker())
	mux.Handle("/health", checks)
	mux.Handle("/health/", checks)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	a.logger.Info().Str("addr", addr).Msg("serving metrics and health checks")
}

// healthChecker probes every dependency the configuration enables.
func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker(Version)
	_ = c.Register(health.Check{Name: "catalog", Critical: true, Probe: a.catalog.Ping})
	_ = c.Register(health.Check{Name: "object_store", Critical: true, Probe: func(ctx context.Context) error {
		return a.store.List(ctx, namespace.Root, func(objectstore.ObjectInfo) error {
			return objectstore.SkipAll
		})
	}})
	_ = c.Register(health.Check{Name: "audit_dir", Probe: func(context.Context) error {
		return checkWritable(a.cfg.AuditDir)
	}})
	if a.keys != nil {
		_ = c.Register(health.Check{Name: "key_provider", Critical: true, Timeout: 10 * time.Second, Probe: func(ctx context.Context) error {
			version, err := a.keys.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			_, err = a.keys.Key(ctx, version)
			return err
		}})
	}
	if a.redis != nil {
		_ = c.Register(health.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return c
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ensureSQLiteDir creates the parent directory of a file DSN.
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// tenant loads a tenant and checks it belongs to the configured department.
func (a *app) tenant(ctx context.Context, id string) (medvault.Tenant, error) {
	t, err := a.catalog.Tenant(ctx, id)
	if err != nil {
		return medvault.Tenant{}, err
	}
	if dept := a.ns.Department().Name; t.Department != dept {
		return medvault.Tenant{}, fmt.Errorf("%w: tenant '%s' belongs to department '%s', configured department is '%s'",
			medvault.ErrInvalidConfiguration, id, t.Department, dept)
	}
	return t, nil
}

func (a *app) provisioner() *provision.Provisioner {
	return provision.New(a.ns, a.store, a.envelope,
		provision.WithOwnerStore(a.catalog),
		provision.WithJournal(a.journal),
		provision.WithLogger(logging.Component(a.logger, "provision")),
		provision.WithMetrics(a.metrics))
}

func (a *app) files() *files.Service {
	return files.New(a.ns, a.store, a.envelope, a.catalog,
		files.WithJournal(a.journal),
		files.WithLogger(logging.Component(a.logger, "files")),
		files.WithMetrics(a.metrics))
}

func (a *app) reconciler() *reconcile.Engine {
	opts := []reconcile.Option{
		reconcile.WithJournal(a.journal),
		reconcile.WithLogger(logging.Component(a.logger, "reconcile")),
		reconcile.WithMetrics(a.metrics),
	}
	if a.guard != nil {
		opts = append(opts, reconcile.WithGuard(a.guard))
	}
	return reconcile.New(a.ns, a.store, a.catalog, opts...)
}

func (a *app) analytics() *analytics.Aggregator {
	return analytics.New(a.ns, a.store, logging.Component(a.logger, "analytics"))
}
