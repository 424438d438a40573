// Package redis keeps each room's signals in a Redis stream and follows it
// with blocking reads.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/signal"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Channel struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	block  time.Duration
	logger *zap.Logger
}

type Option = func(*Channel) error

// WithMaxLen caps each room's stream, trimming approximately.
func WithMaxLen(n int64) Option {
	return func(c *Channel) error {
		if n <= 0 {
			return errors.New("stream length must be positive")
		}
		c.maxLen = n
		return nil
	}
}

// WithBlock sets how long one read waits for new entries. It bounds how
// long Close takes.
func WithBlock(block time.Duration) Option {
	return func(c *Channel) error {
		if block <= 0 {
			return errors.New("block must be positive")
		}
		c.block = block
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) error {
		c.logger = logger
		return nil
	}
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, cfg Config, options ...Option) (*Channel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, options...)
}

func New(client redis.UniversalClient, options ...Option) (*Channel, error) {
	c := &Channel{
		client: client,
		prefix: signal.DefaultTable,
		maxLen: 1000,
		block:  time.Second,
		logger: zap.NewNop(),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) key(room string) string {
	return c.prefix + ":" + room
}

func (c *Channel) Send(ctx context.Context, room string, envelope signal.Envelope) error {
	data, err := signal.Encode(envelope)
	if err != nil {
		return err
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key(room),
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			signal.FieldRoom:      room,
			signal.FieldSignal:    string(data),
			signal.FieldCreatedAt: time.Now().UnixMilli(),
		},
	}).Err(); err != nil {
		return fmt.Errorf("error while appending signal to stream: %w", err)
	}

	signal.CountSent(envelope.Kind)
	return nil
}

// Subscribe delivers entries appended after the call.
func (c *Channel) Subscribe(ctx context.Context, room string, handler signal.Handler) (signal.Subscription, error) {
	key := c.key(room)

	last := "0-0"
	entries, err := c.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("error while reading stream tail: %w", err)
	}
	if len(entries) > 0 {
		last = entries[0].ID
	}

	logger := c.logger.With(zap.String("room", room))
	pump := signal.NewPump(ctx, handler, logger)

	go func() {
		defer pump.Finish()

		for {
			streams, err := c.client.XRead(pump.Context(), &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   64,
				Block:   c.block,
			}).Result()
			if pump.Context().Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				logger.Error("stream read failed", zap.Error(err))
				pump.Fail(fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, err))
				return
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					last = message.ID
					data, ok := message.Values[signal.FieldSignal].(string)
					if !ok {
						logger.Warn("stream entry without signal", zap.String("id", message.ID))
						continue
					}
					pump.Deliver([]byte(data))
				}
			}
		}
	}()

	return pump, nil
}

func (c *Channel) Close() error {
	return c.client.Close()
}
