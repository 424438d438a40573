package agentcall

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/icequeue"
	"github.com/harshabose/agentcall/pkg/signal"
)

type ControllerOption = func(*Controller) error

func WithRoom(room string) ControllerOption {
	return func(c *Controller) error {
		if room == "" {
			return errors.New("room cannot be empty")
		}
		c.room = room
		return nil
	}
}

func WithPeerID(id signal.PeerID) ControllerOption {
	return func(c *Controller) error {
		if id == "" {
			return errors.New("peer id cannot be empty")
		}
		c.self = id
		return nil
	}
}

// WithCandidateHold bounds the remote candidates held before a connection
// can take them: at most limit are kept, and those that arrived before any
// connection existed are discarded after ttl.
func WithCandidateHold(limit int, ttl time.Duration) ControllerOption {
	return func(c *Controller) error {
		if limit <= 0 || ttl <= 0 {
			return fmt.Errorf("invalid candidate hold %d/%s", limit, ttl)
		}
		c.hold = []icequeue.Option{icequeue.WithHoldLimit(limit), icequeue.WithHoldTTL(ttl)}
		return nil
	}
}

func WithGlarePolicy(policy GlarePolicy) ControllerOption {
	return func(c *Controller) error {
		c.policy = policy
		return nil
	}
}

// WithMaxResolution caps camera and screen capture. Zero leaves the
// dimension to the provider.
func WithMaxResolution(width, height int) ControllerOption {
	return func(c *Controller) error {
		if width < 0 || height < 0 {
			return fmt.Errorf("invalid resolution %dx%d", width, height)
		}
		c.constraints.MaxWidth, c.constraints.MaxHeight = width, height
		return nil
	}
}

func WithJPEGQuality(quality int) ControllerOption {
	return func(c *Controller) error {
		if quality < 1 || quality > 100 {
			return fmt.Errorf("jpeg quality %d out of range 1-100", quality)
		}
		c.jpegQuality = quality
		return nil
	}
}

// WithNoticeBuffer sets how many notices are held for a slow reader.
func WithNoticeBuffer(size int) ControllerOption {
	return func(c *Controller) error {
		if size < 1 {
			return errors.New("notice buffer must hold at least one notice")
		}
		c.notices = make(chan Notice, size)
		return nil
	}
}

func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}
