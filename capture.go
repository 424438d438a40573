package agentcall

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"

	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/mediasource"
)

var ErrNoFrameSource = errors.New("no video to capture from")

// Frame is one JPEG-encoded still of the call.
type Frame struct {
	JPEG   []byte
	Width  int
	Height int
	Source Source
}

// DataURL renders the frame the way it is handed to an image consumer.
func (f Frame) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.JPEG)
}

// CaptureFrame grabs a still from the remote video, or from the local video
// when the remote side sends none.
func (c *Controller) CaptureFrame(ctx context.Context) (Frame, error) {
	c.mux.Lock()
	sess := c.currentLocked()
	if sess == nil || sess.state != StateActive {
		c.mux.Unlock()
		return Frame{}, ErrInvalidState
	}

	var (
		source mediasource.FrameSource
		from   Source
	)
	if remote, ok := sess.remoteVideo().(mediasource.FrameSource); ok {
		source, from = remote, SourceRemote
	} else {
		for _, track := range sess.local.VideoTracks() {
			if local, ok := track.(mediasource.FrameSource); ok {
				source, from = local, SourceLocal
				break
			}
		}
	}
	quality := c.jpegQuality
	c.mux.Unlock()

	if source == nil {
		return Frame{}, ErrNoFrameSource
	}

	img, err := source.Snapshot(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("error while capturing %s frame: %w", from, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, fmt.Errorf("error while encoding frame: %w", err)
	}

	bounds := img.Bounds()
	c.logger.Debug("frame captured", zap.String("source", from.String()), zap.Int("bytes", buf.Len()))

	return Frame{JPEG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy(), Source: from}, nil
}
