package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall"
	"github.com/harshabose/agentcall/pkg/signal/relay"
)

func main() {
	configPath := flag.String("config", "agentcall.yaml", "path to the yaml config")
	flag.Parse()

	boot := zap.Must(zap.NewProduction())

	cfg, err := agentcall.LoadConfig(*configPath)
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := agentcall.NewLogger(cfg.LogLevel)
	if err != nil {
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := agentcall.NewChannel(ctx, cfg.Relay.Backend, cfg, logger.Named("backend"))
	if err != nil {
		logger.Fatal("failed to open signal backend", zap.Error(err))
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("error while closing backend", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/:room", relay.NewServer(backend, logger.Named("relay")).HandleRoom)

	srv := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("signal relay listening", zap.String("addr", cfg.Relay.ListenAddr), zap.String("backend", string(cfg.Relay.Backend)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("signal relay failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error while shutting down", zap.Error(err))
	}
}
