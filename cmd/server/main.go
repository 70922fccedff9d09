package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gihan9a/recordsync/internal/config"
	"gihan9a/recordsync/internal/server"
	"gihan9a/recordsync/internal/tls"
)

func main() {
	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing configuration: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger); err != nil {
			return fmt.Errorf("failed to set up TLS certificate: %w", err)
		}
	}

	recordServer, err := server.NewRecordServer(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	defer recordServer.Close()

	if err := recordServer.SetupWatchers(); err != nil {
		return fmt.Errorf("failed to set up file watchers: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: recordServer.SetupRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("record server starting",
		zap.String("addr", httpServer.Addr),
		zap.String("root_dir", cfg.Server.RootDir),
		zap.Bool("tls", cfg.TLS.Enabled),
		zap.Bool("persist", cfg.Server.Persist),
	)
	if cfg.TLS.Enabled {
		err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("record server stopped")
		return nil
	}
	return err
}
