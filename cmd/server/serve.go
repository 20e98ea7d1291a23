package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webdav-server/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebDAV server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			cfg.Logging.Level = "debug"
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "config file (default is ./config.yaml)")
	serveCmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging (sets log level to debug)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize server")
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close stores")
		}
	}()

	srv := &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        a.router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.Address,
			"prefix":  cfg.Server.Prefix,
			"auth":    cfg.Auth.Enabled,
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
		return err
	}
	logger.WithField("locks", a.locks.Len()).Info("server exited")
	return nil
}
