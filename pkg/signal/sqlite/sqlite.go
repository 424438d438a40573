// Package sqlite keeps signals in a webrtc_signals table and follows new
// rows by polling on the autoincrement id.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harshabose/agentcall/pkg/signal"
)

// maxFailures is how many polls in a row may fail before the subscription
// is reported lost.
const maxFailures = 3

// SignalRecord is one persisted envelope. Signal holds the wire JSON.
type SignalRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Room      string `gorm:"index;not null"`
	Signal    string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (SignalRecord) TableName() string {
	return signal.DefaultTable
}

type Channel struct {
	db       *gorm.DB
	interval time.Duration
	logger   *zap.Logger
}

type Option = func(*Channel) error

func WithPollInterval(interval time.Duration) Option {
	return func(c *Channel) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		c.interval = interval
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) error {
		c.logger = logger
		return nil
	}
}

// Open opens or creates the database at path and migrates the table.
// ":memory:" gives a private in-memory database.
func Open(path string, options ...Option) (*Channel, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// sqlite allows one writer; an in-memory database exists per connection
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SignalRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate signal table: %w", err)
	}

	c := &Channel{db: db, interval: 250 * time.Millisecond, logger: zap.NewNop()}
	for _, option := range options {
		if err := option(c); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	c.logger.Info("signal database opened", zap.String("path", path))
	return c, nil
}

func (c *Channel) Send(ctx context.Context, room string, envelope signal.Envelope) error {
	data, err := signal.Encode(envelope)
	if err != nil {
		return err
	}

	if err := c.insert(ctx, room, string(data)); err != nil {
		return err
	}

	signal.CountSent(envelope.Kind)
	return nil
}

// Insert stores a raw payload without validating it.
func (c *Channel) Insert(ctx context.Context, room string, data []byte) error {
	return c.insert(ctx, room, string(data))
}

func (c *Channel) insert(ctx context.Context, room, data string) error {
	record := &SignalRecord{Room: room, Signal: data}
	if err := c.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("error while inserting signal: %w", err)
	}
	return nil
}

// Records returns every row of room, oldest first.
func (c *Channel) Records(ctx context.Context, room string) ([]SignalRecord, error) {
	var records []SignalRecord
	if err := c.db.WithContext(ctx).Where("room = ?", room).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Subscribe delivers rows inserted after the call.
func (c *Channel) Subscribe(ctx context.Context, room string, handler signal.Handler) (signal.Subscription, error) {
	var last uint64
	if err := c.db.WithContext(ctx).Model(&SignalRecord{}).
		Where("room = ?", room).
		Select("COALESCE(MAX(id), 0)").
		Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("error while reading table tail: %w", err)
	}

	logger := c.logger.With(zap.String("room", room))
	pump := signal.NewPump(ctx, handler, logger)

	go func() {
		defer pump.Finish()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-pump.Context().Done():
				return
			case <-ticker.C:
			}

			var records []SignalRecord
			err := c.db.WithContext(pump.Context()).
				Where("room = ? AND id > ?", room, last).
				Order("id ASC").
				Find(&records).Error
			if pump.Context().Err() != nil {
				return
			}
			if err != nil {
				failures++
				logger.Warn("signal poll failed", zap.Int("failures", failures), zap.Error(err))
				if failures >= maxFailures {
					pump.Fail(fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, err))
					return
				}
				continue
			}
			failures = 0

			for _, record := range records {
				last = record.ID
				pump.Deliver([]byte(record.Signal))
			}
		}
	}()

	return pump, nil
}

func (c *Channel) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
