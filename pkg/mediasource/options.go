package mediasource

import (
	"github.com/pion/mediadevices"
	"go.uber.org/zap"
)

type DevicesOption = func(*Devices) error

func WithCodecSelector(selector *mediadevices.CodecSelector) DevicesOption {
	return func(devices *Devices) error {
		devices.codecSelector = selector
		return nil
	}
}

func WithMaxResolution(width, height int) DevicesOption {
	return func(devices *Devices) error {
		devices.maxWidth = width
		devices.maxHeight = height
		return nil
	}
}

func WithLogger(logger *zap.Logger) DevicesOption {
	return func(devices *Devices) error {
		devices.logger = logger
		return nil
	}
}
