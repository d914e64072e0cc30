package commands

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long: `Run the froyobox API server.

The server migrates the database, opens the configured compute provider,
registers the deploy step handlers and the cronjob triggers, and serves the
HTTP API until interrupted. Deployments in flight are cancelled on shutdown.`,
		Example: `  # Serve with defaults (docker provider, ./froyobox.db)
  froyobox serve

  # Serve a fleet configuration on all interfaces
  froyobox serve --config /etc/froyobox/froyobox.yaml --addr 0.0.0.0:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:         cfg.Server.Address,
				Handler:      a.handler(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}
			metricsServer := a.telemetry.Metrics.StartMetricsServer(a.logger)

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().
					Str("addr", cfg.Server.Address).
					Str("provider", a.provider.Name()).
					Str("database", cfg.Database.Path).
					Msg("API server listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn().Err(err).Msg("HTTP server shutdown failed")
			}
			if metricsServer != nil {
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			if err := a.close(shutdownCtx); err != nil {
				a.logger.Warn().Err(err).Msg("Shutdown incomplete")
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")

	return cmd
}
