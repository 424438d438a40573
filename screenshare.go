package agentcall

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/mediasource"
)

// ToggleScreenShare swaps the outgoing video between the camera and a
// captured screen and reports whether the screen is now shared. The
// connection is not renegotiated. A declined screen picker leaves the call
// unchanged and produces no notice.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mux.Lock()
	sess := c.currentLocked()
	if sess == nil || sess.state != StateActive {
		c.mux.Unlock()
		return false, ErrInvalidState
	}
	if sess.switching {
		sharing := sess.sharing
		c.mux.Unlock()
		return sharing, ErrBusy
	}
	sess.switching = true
	sharing := sess.sharing
	c.mux.Unlock()

	defer c.doneSwitching(sess)

	if sharing {
		if err := c.switchToCamera(ctx, sess); err != nil {
			if !errors.Is(err, ErrSessionEnded) {
				c.notify(NoticeMediaFailed, err)
			}
			return true, err
		}
		return false, nil
	}

	if err := c.switchToScreen(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) switchToScreen(ctx context.Context, sess *CallSession) error {
	constraints := c.constraints
	constraints.Video, constraints.Audio = true, false

	display, err := c.media.GetDisplayMedia(ctx, constraints)
	if err != nil {
		if errors.Is(err, mediasource.ErrPermissionDenied) || errors.Is(err, context.Canceled) {
			c.logger.Info("screen share declined", zap.Error(err))
			return err
		}
		c.notify(NoticeScreenShareFailed, err)
		return err
	}

	screen, err := c.takeVideo(display)
	if err != nil {
		c.notify(NoticeScreenShareFailed, err)
		return err
	}

	if err := c.replaceVideo(sess, screen); err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			c.notify(NoticeScreenShareFailed, err)
		}
		return err
	}

	c.mux.Lock()
	sess.sharing = true
	sess.screen = screen
	c.mux.Unlock()

	screen.OnEnded(func() {
		go c.revertToCamera(sess, screen)
	})

	c.logger.Info("screen share started", zap.String("track", screen.ID()))
	return nil
}

func (c *Controller) switchToCamera(ctx context.Context, sess *CallSession) error {
	constraints := c.constraints
	constraints.Video, constraints.Audio = true, false

	camera, err := c.media.GetUserMedia(ctx, constraints)
	if err != nil {
		return err
	}

	video, err := c.takeVideo(camera)
	if err != nil {
		return err
	}

	if err := c.replaceVideo(sess, video); err != nil {
		return err
	}

	c.mux.Lock()
	sess.sharing = false
	sess.screen = nil
	c.mux.Unlock()

	c.logger.Info("camera restored", zap.String("track", video.ID()))
	return nil
}

// revertToCamera runs when the shared screen ends on its own.
func (c *Controller) revertToCamera(sess *CallSession, screen mediasource.Track) {
	c.mux.Lock()
	if sess.Ended() || !sess.sharing || sess.screen != screen {
		c.mux.Unlock()
		return
	}
	if sess.switching {
		sess.revertPending = true
		c.mux.Unlock()
		return
	}
	sess.switching = true
	c.mux.Unlock()

	defer c.doneSwitching(sess)

	c.logger.Info("shared screen ended; reverting to camera")
	if err := c.switchToCamera(c.runContext(), sess); err != nil && !errors.Is(err, ErrSessionEnded) {
		c.logger.Error("error while reverting to camera", zap.Error(err))
		c.notify(NoticeCameraRevertFailed, err)
	}
}

func (c *Controller) doneSwitching(sess *CallSession) {
	c.mux.Lock()
	defer c.mux.Unlock()

	sess.switching = false
	if !sess.revertPending {
		return
	}
	sess.revertPending = false

	screen := sess.screen
	if sess.Ended() || !sess.sharing || screen == nil || screen.ReadyState() != mediasource.ReadyStateEnded {
		return
	}
	go c.revertToCamera(sess, screen)
}

// takeVideo keeps the first video track of stream and stops the rest.
func (c *Controller) takeVideo(stream *mediasource.Stream) (mediasource.Track, error) {
	var (
		video  mediasource.Track
		extras []mediasource.Track
	)
	for _, track := range stream.Tracks() {
		if video == nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			video = track
			continue
		}
		extras = append(extras, track)
	}

	if err := mediasource.StopTracks(extras...); err != nil {
		c.logger.Warn("error while stopping unused tracks", zap.Error(err))
	}
	if video == nil {
		return nil, mediasource.ErrNoVideo
	}
	return video, nil
}

// replaceVideo puts video on the outgoing sender, then swaps it into the
// local stream and stops the video it replaced. The microphone state is
// carried over.
func (c *Controller) replaceVideo(sess *CallSession, video mediasource.Track) error {
	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		_ = video.Stop()
		return ErrSessionEnded
	}
	conn := sess.conn
	c.mux.Unlock()

	if err := conn.ReplaceVideoTrack(video); err != nil {
		_ = video.Stop()
		return err
	}

	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		_ = video.Stop()
		return ErrSessionEnded
	}
	previous := sess.local.VideoTracks()
	sess.local = sess.local.WithVideo(video)
	sess.local.SetAudioEnabled(sess.micEnabled)
	c.mux.Unlock()

	if err := mediasource.StopTracks(previous...); err != nil {
		c.logger.Warn("error while stopping replaced video", zap.Error(err))
	}
	return nil
}
