package agentcall

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/mediasource"
	"github.com/harshabose/agentcall/pkg/signal"
	"github.com/harshabose/agentcall/pkg/signal/firebase"
	"github.com/harshabose/agentcall/pkg/signal/redis"
	"github.com/harshabose/agentcall/pkg/signal/relay"
	"github.com/harshabose/agentcall/pkg/signal/sqlite"
)

// NewChannel opens the signal backend named by backend. The returned
// function releases it.
func NewChannel(ctx context.Context, backend SignalBackend, cfg *Config, logger *zap.Logger) (signal.Channel, func() error, error) {
	noop := func() error { return nil }
	logger = logger.With(zap.String("backend", string(backend)))

	switch backend {
	case BackendMemory:
		return signal.NewMemory(logger), noop, nil

	case BackendFirebase:
		channel, err := firebase.New(ctx, firebase.WithCollection(cfg.Signal.Firebase.Collection), firebase.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return channel, channel.Close, nil

	case BackendRedis:
		channel, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.Signal.Redis.Addr,
			Password: cfg.Signal.Redis.Password,
			DB:       cfg.Signal.Redis.DB,
		}, redis.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return channel, channel.Close, nil

	case BackendSQLite:
		channel, err := sqlite.Open(cfg.Signal.SQLite.Path, sqlite.WithPollInterval(cfg.Signal.SQLite.PollInterval), sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return channel, channel.Close, nil

	case BackendRelay:
		channel, err := relay.New(cfg.Signal.RelayURL, relay.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return channel, channel.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown signal backend %q", backend)
	}
}

// Participant is a Controller wired to real devices, a peer connection
// client and the configured signal backend.
type Participant struct {
	*Controller
	client       *Client
	closeChannel func() error
}

func NewParticipant(ctx context.Context, cfg *Config, logger *zap.Logger) (*Participant, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	selector, err := mediasource.NewCodecSelector(cfg.Media.VP8BitRate)
	if err != nil {
		return nil, err
	}

	devices, err := mediasource.NewDevices(
		mediasource.WithCodecSelector(selector),
		mediasource.WithMaxResolution(cfg.Media.MaxWidth, cfg.Media.MaxHeight),
		mediasource.WithLogger(logger.Named("media")),
	)
	if err != nil {
		return nil, err
	}

	clientOptions := append([]ClientOption{
		WithCodecSelector(selector),
		WithClientLogger(logger.Named("rtc")),
	}, cfg.ToOptions()...)

	client, err := NewClient(cfg.RTCConfiguration(), clientOptions...)
	if err != nil {
		return nil, err
	}

	channel, closeChannel, err := NewChannel(ctx, cfg.Signal.Backend, cfg, logger.Named("signal"))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	controllerOptions, err := cfg.ControllerOptions(logger.Named("call"))
	if err != nil {
		_ = client.Close()
		_ = closeChannel()
		return nil, err
	}

	controller, err := NewController(channel, client, devices, controllerOptions...)
	if err != nil {
		_ = client.Close()
		_ = closeChannel()
		return nil, err
	}

	return &Participant{Controller: controller, client: client, closeChannel: closeChannel}, nil
}

func (p *Participant) Close() error {
	return multierr.Combine(p.Controller.Close(), p.client.Close(), p.closeChannel())
}
