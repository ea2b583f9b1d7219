package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"genaichat/internal/bus"
	"genaichat/internal/channel"
	"genaichat/internal/config"
	"genaichat/internal/conversation"
	"genaichat/internal/domain"
	"genaichat/internal/extract"
	"genaichat/internal/provider"
)

const ledgerRetention = 30 * 24 * time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web chat (and Telegram, if enabled)",
		Long:  "Serves the browser chat page, the optional generation gateway and metrics, and the Telegram bot when enabled. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, err := provider.NewFromConfig(cfg.Endpoint, logger)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	prov := provider.NewSwappable(initial)
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("endpoint unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("endpoint healthy", "provider", prov.Name())
	}

	store, recorder, err := newRecorder(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if n, err := store.Prune(ctx, time.Now().Add(-ledgerRetention)); err != nil {
			logger.Warn("ledger prune failed", "err", err)
		} else if n > 0 {
			logger.Info("ledger pruned", "removed", n)
		}
	}

	hub := bus.New(16, logger)
	sessions := conversation.NewRegistry(conversation.RegistryConfig{
		Provider:       prov,
		Extractor:      extract.NewPDF(logger),
		Recorder:       recorder,
		ExtractTimeout: time.Duration(cfg.Documents.ExtractTimeoutSeconds) * time.Second,
		Publish:        hub.Publish,
		Logger:         logger,
	})

	var gateway *channel.Gateway
	if cfg.API.Enabled {
		gateway = channel.NewGateway(channel.GatewayConfig{
			Provider: prov,
			Model:    cfg.Endpoint.Model,
			APIKey:   cfg.API.APIKey,
			Logger:   logger,
		})
		logger.Info("generation gateway enabled", "auth", cfg.API.APIKey != "")
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}

	surfaces := []domain.Channel{channel.NewWeb(channel.WebConfig{
		Host:           cfg.Channels.Web.Host,
		Port:           cfg.Channels.Web.Port,
		Sessions:       sessions,
		Hub:            hub,
		Provider:       prov,
		Gateway:        gateway,
		Auth:           cfg.Channels.Web.Auth,
		MaxUploadBytes: cfg.Documents.MaxUploadBytes,
		MetricsPath:    metricsPath,
		Version:        version,
		Logger:         logger,
	})}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		surfaces = append(surfaces, channel.NewTelegram(channel.TelegramConfig{
			Token:          cfg.Channels.Telegram.Token,
			AllowFrom:      cfg.Channels.Telegram.AllowFrom,
			Sessions:       sessions,
			MaxUploadBytes: cfg.Documents.MaxUploadBytes,
			HTTPClient:     provider.SharedHTTPClient(0),
			Logger:         logger,
		}))
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	errCh := make(chan error, len(surfaces))
	for _, s := range surfaces {
		go func(s domain.Channel) {
			if err := s.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
			}
		}(s)
	}

	go func() {
		err := config.Watch(ctx, resolveConfigPath(), logger, func(next *config.Config) {
			if next.Endpoint.Mode == cfg.Endpoint.Mode &&
				next.Endpoint.APIKey == cfg.Endpoint.APIKey &&
				next.Endpoint.APIBase == cfg.Endpoint.APIBase &&
				next.Endpoint.Model == cfg.Endpoint.Model &&
				next.Endpoint.TimeoutSeconds == cfg.Endpoint.TimeoutSeconds {
				return
			}
			p, err := provider.NewFromConfig(next.Endpoint, logger)
			if err != nil {
				logger.Warn("config reload: keeping current endpoint", "err", err)
				return
			}
			old := prov.Swap(p)
			cfg.Endpoint = next.Endpoint
			logger.Info("endpoint swapped", "from", old.Name(), "to", p.Name(), "model", next.Endpoint.Model)
		})
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		}
	}()

	logger.Info("genaichat started. Press Ctrl+C to stop.", "version", version)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("channel failed", "err", runErr)
		stop()
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range surfaces {
			s.Stop()
		}
		sessions.Close()
		hub.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = fmt.Errorf("shutdown timed out")
		}
	}
	return runErr
}
