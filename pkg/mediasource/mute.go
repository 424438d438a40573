package mediasource

import (
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// Mute passes audio through while enabled is set and replaces it with
// silence otherwise. The track keeps producing packets either way.
func Mute(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			silence(chunk)
			return chunk, release, nil
		})
	}
}

func silence(chunk wave.Audio) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		clear(c.Data)
	case *wave.Int16NonInterleaved:
		for _, channel := range c.Data {
			clear(channel)
		}
	case *wave.Float32Interleaved:
		clear(c.Data)
	case *wave.Float32NonInterleaved:
		for _, channel := range c.Data {
			clear(channel)
		}
	}
}
