package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	rdb "github.com/redis/go-redis/v9"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/internal/config"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/server"
	"github.com/giantswarm/gallery-oauth/storage"
	"github.com/giantswarm/gallery-oauth/storage/memory"
	"github.com/giantswarm/gallery-oauth/storage/postgres"
	"github.com/giantswarm/gallery-oauth/storage/valkey"
)

// app holds the server and the resources it was built from
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	store  storage.Store
	server *server.Server

	closers []func()
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// newApp wires storage, lockout, instrumentation and auditing into a server.
// Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:     instrumentation.DefaultServiceName,
		ServiceVersion:  version,
		Enabled:         cfg.Metrics.Enabled,
		MetricsExporter: cfg.Metrics.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.inst.Shutdown(context.Background()); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	})

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	a.server, err = server.New(a.store, cfg.ServerConfig(), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.server.Stop)
	a.server.SetInstrumentation(a.inst)

	if cfg.Audit.Enabled {
		auditor := security.NewAuditor(logger, true)
		auditor.SetInstrumentation(a.inst)
		a.server.SetAuditor(auditor)
	}

	if cfg.Lockout.Backend == config.LockoutRedis {
		client := rdb.NewClient(&rdb.Options{
			Addr:     cfg.Lockout.Redis.Addr,
			Password: cfg.Lockout.Redis.Password,
			DB:       cfg.Lockout.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to lockout redis: %w", err)
		}
		a.server.SetLockout(security.NewRedisLockout(client, cfg.Lockout.Redis.Prefix, cfg.LockoutPolicy()))
		logger.Info("Using shared client lockout", "redis", cfg.Lockout.Redis.Addr)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := a.cfg.Storage.Postgres
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			Schema:          pg.Schema,
			CleanupInterval: pg.CleanupInterval,
			Logger:          a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.DriverValkey:
		vk := a.cfg.Storage.Valkey
		store, err := valkey.New(valkey.Config{
			Address:   vk.Address,
			Password:  vk.Password,
			DB:        vk.DB,
			KeyPrefix: vk.KeyPrefix,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		store := memory.New()
		store.SetLogger(a.logger)
		store.SetInstrumentation(a.inst)
		a.closers = append(a.closers, store.Stop)
		return store, nil
	}
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// seed creates the configured clients and users that do not exist yet.
// Existing records are left untouched.
func (a *app) seed(ctx context.Context) error {
	for _, c := range a.cfg.Clients {
		_, err := a.server.GetClient(ctx, c.ID)
		if err == nil {
			a.logger.Debug("Seed client already registered", "client_id", c.ID)
			continue
		}
		if !errors.Is(err, server.ErrInvalidClient) {
			return err
		}
		_, _, err = a.server.RegisterClient(ctx, server.ClientRegistration{
			ClientID:      c.ID,
			Name:          c.Name,
			Secret:        c.Secret,
			Trusted:       c.Trusted,
			RedirectURIs:  c.RedirectURIs,
			AllowedScopes: c.AllowedScopes,
		})
		if err != nil {
			return fmt.Errorf("seed client %q: %w", c.ID, err)
		}
	}

	for _, u := range a.cfg.Users {
		_, err := a.store.GetUserByUsername(ctx, u.Username)
		if err == nil {
			a.logger.Debug("Seed user already exists", "username", u.Username)
			continue
		}
		if !errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
		if _, err := a.server.CreateUser(ctx, u.Username, u.Email, u.Password); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	return nil
}
