package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/api"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/capture"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/logging"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/syncer"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/upload"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	quota := int64(float64(cfg.Queue.StorageBudgetBytes) * cfg.Queue.QuotaFraction)
	store := queue.Open(cfg.Queue, quota, logger)
	defer store.Close()

	client := upload.NewClient(cfg.Upload, logger)
	orch := syncer.New(store, client, cfg.Sync, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)
	defer orch.Stop()

	// Engines are wired per session. The daemon trusts the host's
	// permission report and uses a fixed calibration level until a live
	// amplitude feed is plumbed from the platform primitive.
	factory := func(t models.Tier) (*capture.Engine, error) {
		return capture.NewEngine(capture.Options{
			Tier:        t,
			Store:       store,
			Permission:  capture.StaticPermission(models.PermissionGranted),
			Amplitude:   capture.FixedAmplitude{Level: 0.2},
			Logger:      logger,
			MaxDuration: cfg.Capture.MaxDuration,
			MinDuration: cfg.Capture.MinDuration,
		})
	}

	handlers := api.NewHandlers(cfg, store, orch, factory,
		func() bool { return true }, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("control surface listening", zap.String("addr", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}
