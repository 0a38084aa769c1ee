package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqgraph/internal/server"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve every namespace of the data directory over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := core.NewStdLogger(core.ParseLogLevel(cfg.LogLevel))
		cfg.Logger = logger

		ctx := cmd.Context()
		db, err := openDBWith(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		srv := &http.Server{
			Addr:              addr,
			Handler:           server.NewServer(db, logger).SetupRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", addr, "data_dir", cfg.DataDir)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
}
