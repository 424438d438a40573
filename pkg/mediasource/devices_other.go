//go:build !linux

package mediasource

import (
	"fmt"
	"runtime"

	"github.com/pion/mediadevices"
)

func NewCodecSelector(_ int) (*mediadevices.CodecSelector, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrUnavailable, runtime.GOOS)
}
