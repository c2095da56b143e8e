package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/gaffer/config"
	srv "github.com/mohammad-safakhou/gaffer/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var migDir string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API and WhatsApp webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			logger, err := newLogger(cfg.General)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if pg := cfg.Storage.Postgres; pg.Enabled() && pg.Migrate {
				dsn, err := pg.DSN()
				if err != nil {
					return err
				}
				if err := srv.Migrate(migDir, dsn, "up", 0); err != nil {
					return err
				}
			}

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			server, err := srv.New(a.serverOptions())
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(cfg.Server.Address) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&migDir, "migrations", "file://migrations", "migrations source applied on start when storage.postgres.migrate is set")
	return serve
}
