package mediasink

import (
	"errors"

	"go.uber.org/zap"
)

type SinkOption = func(*Sink) error

func WithRTCPWriter(writer RTCPWriter) SinkOption {
	return func(sink *Sink) error {
		if writer == nil {
			return errors.New("nil rtcp writer")
		}
		sink.writeRTCP = writer
		return nil
	}
}

// WithMaxLate sets how many packets the sample builder waits for a missing
// sequence number before giving up on a frame.
func WithMaxLate(packets uint16) SinkOption {
	return func(sink *Sink) error {
		if packets == 0 {
			return errors.New("max late must be positive")
		}
		sink.maxLate = packets
		return nil
	}
}

func WithLogger(logger *zap.Logger) SinkOption {
	return func(sink *Sink) error {
		sink.logger = logger
		return nil
	}
}
