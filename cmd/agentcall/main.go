package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harshabose/agentcall"
)

func main() {
	configPath := flag.String("config", "agentcall.yaml", "path to the yaml config")
	call := flag.Bool("call", false, "place a call instead of waiting for one")
	snapshots := flag.Duration("snapshots", 0, "log a captured frame at this interval while a call is active")
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

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	participant, err := agentcall.NewParticipant(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create participant", zap.Error(err))
	}
	defer func() {
		if err := participant.Close(); err != nil {
			logger.Warn("error while closing participant", zap.Error(err))
		}
	}()

	logger.Info("participant ready", zap.String("peer", participant.PeerID().String()), zap.String("room", participant.Room()))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notice := <-participant.Notices():
				logger.Warn("call notice", zap.String("kind", notice.Kind.String()), zap.Error(notice.Err))
			}
		}
	}()

	if *snapshots > 0 {
		go capture(ctx, participant, *snapshots, logger)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- participant.Run(ctx)
	}()

	if *call {
		select {
		case <-participant.Ready():
			if err := participant.StartCall(ctx); err != nil {
				logger.Error("failed to start call", zap.Error(err))
			}
		case err := <-errc:
			logger.Error("participant stopped before the call", zap.Error(err))
			return
		}
	}

	if err := <-errc; err != nil {
		logger.Error("participant stopped", zap.Error(err))
	}
}

func capture(ctx context.Context, participant *agentcall.Participant, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if participant.State() != agentcall.StateActive {
			continue
		}

		frameCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		frame, err := participant.CaptureFrame(frameCtx)
		cancel()
		if err != nil {
			logger.Warn("frame capture failed", zap.Error(err))
			continue
		}
		logger.Info("frame captured", zap.String("source", frame.Source.String()), zap.Int("width", frame.Width), zap.Int("height", frame.Height), zap.Int("bytes", len(frame.JPEG)))
	}
}
