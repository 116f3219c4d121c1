package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud-relay/internal/cloudrelay"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Initialize credentials and run the HTTP relay.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := cloudrelay.LoadConfig(configPath)
	if err != nil {
		return configError(err)
	}

	logger, err := cloudrelay.NewLogger(cfg.LogLevel)
	if err != nil {
		return configError(err)
	}
	defer func() { _ = logger.Sync() }()

	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("configuration loaded",
		zap.String("listen", cfg.Listen),
		zap.String("log_level", cfg.LogLevel),
		zap.String("environment", cfg.Environment),
		zap.String("provider", cfg.Provider),
		zap.Int("users", len(cfg.Users)),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := cloudrelay.NewService(cfg, logger)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return startError(err)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           service,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", zap.String("listen", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown error", zap.Error(err))
	}
	return service.Shutdown(shutdownCtx)
}
