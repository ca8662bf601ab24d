package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/gallery-oauth"
	"github.com/giantswarm/gallery-oauth/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func handlerConfig(cfg *config.Config, a *app) *oauth.Config {
	return &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			LoginRequestsPerMinute: cfg.RateLimit.LoginPerMinute,
			LoginBurst:             cfg.RateLimit.LoginBurst,
			TokenRequestsPerMinute: cfg.RateLimit.TokenPerMinute,
			TokenBurst:             cfg.RateLimit.TokenBurst,
		},
		SessionTTL:    cfg.Session.TTL,
		SecureCookies: cfg.Session.Secure,
		Logger:        a.logger,
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains it
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.seed(ctx); err != nil {
		return err
	}
	if cfg.Storage.Driver == config.DriverMemory {
		a.logger.Warn("Using in-memory storage; clients, users and tokens are lost on restart")
	}

	h := oauth.NewHandler(a.server, handlerConfig(cfg, a))
	defer h.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting gallery-oauth",
			"addr", cfg.Server.Addr,
			"issuer", cfg.Server.Issuer,
			"storage", cfg.Storage.Driver,
			"lockout", cfg.Lockout.Backend,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
