// starmus-archived runs the reference archive endpoint for local
// development: a dumb resumable-upload server plus completion webhook.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/archive"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/logging"
)

func main() {
	addr := envOr("STARMUS_ARCHIVE_ADDR", ":8090")
	secret := os.Getenv("STARMUS_UPLOAD_SECRET")
	webhook := os.Getenv("STARMUS_ARCHIVE_WEBHOOK")

	logger, err := logging.New(envOr("STARMUS_LOG_LEVEL", "info"), "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if secret == "" {
		logger.Fatal("STARMUS_UPLOAD_SECRET must be set; refusing to serve without a credential")
	}

	server := archive.NewServer(secret, webhook, logger)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("archive endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
