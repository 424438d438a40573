package agentcall

import (
	"errors"

	"go.uber.org/zap"
)

type PeerConnectionOption = func(*PeerConnection) error

func WithPeerConnectionLogger(logger *zap.Logger) PeerConnectionOption {
	return func(pc *PeerConnection) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		pc.logger = logger
		return nil
	}
}

// WithNotificationBuffer sizes the candidate and remote track channels.
func WithNotificationBuffer(size int) PeerConnectionOption {
	return func(pc *PeerConnection) error {
		if size <= 0 {
			return errors.New("notification buffer must be positive")
		}
		pc.bufferSize = size
		return nil
	}
}

// WithKeepOnFailure leaves a failed connection open instead of closing it.
func WithKeepOnFailure() PeerConnectionOption {
	return func(pc *PeerConnection) error {
		pc.closeOnFailure = false
		return nil
	}
}
