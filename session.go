package agentcall

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/harshabose/agentcall/pkg/mediasource"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingMedia
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingMedia:
		return "awaiting-media"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// CallSession is everything one call attempt owns. Fields are guarded by the
// controller's mutex; negotiation steps on conn are serialised by
// negotiation.
type CallSession struct {
	id        uint64
	role      Role
	state     State
	startedAt time.Time

	conn   Connection
	local  *mediasource.Stream
	remote []RemoteTrack

	micEnabled bool
	sharing    bool
	screen     mediasource.Track
	switching  bool

	// revertPending is set when the shared screen ends during a switch.
	revertPending bool

	// pendingOffer is a remote offer this side agreed to answer before its
	// own connection existed.
	pendingOffer *webrtc.SessionDescription

	negotiation sync.Mutex
	ended       chan struct{}
	endOnce     sync.Once
}

func newCallSession(id uint64, role Role) *CallSession {
	return &CallSession{
		id:         id,
		role:       role,
		state:      StateAwaitingMedia,
		startedAt:  time.Now(),
		micEnabled: true,
		ended:      make(chan struct{}),
	}
}

func (s *CallSession) ID() uint64 {
	return s.id
}

// Ended reports whether the session has been torn down. Results of blocking
// steps that complete after this point are discarded.
func (s *CallSession) Ended() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}

func (s *CallSession) end() {
	s.endOnce.Do(func() {
		close(s.ended)
	})
}

func (s *CallSession) remoteVideo() RemoteTrack {
	for _, track := range s.remote {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return track
		}
	}
	return nil
}

type Source int

const (
	SourceNone Source = iota
	SourceLocal
	SourceRemote
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return "none"
	}
}

// View says which stream belongs in the main area and which in the
// picture-in-picture inset.
type View struct {
	Main Source
	PiP  Source
}

func (s *CallSession) view() View {
	if s == nil || s.state == StateEnded {
		return View{}
	}

	hasLocal := len(s.local.Tracks()) > 0
	if len(s.remote) == 0 {
		if hasLocal {
			return View{Main: SourceLocal}
		}
		return View{}
	}

	// a shared screen is shown large so the sharer can see what is sent
	if s.sharing {
		return View{Main: SourceLocal, PiP: SourceRemote}
	}
	if hasLocal {
		return View{Main: SourceRemote, PiP: SourceLocal}
	}
	return View{Main: SourceRemote}
}

type NoticeKind int

const (
	NoticeMediaFailed NoticeKind = iota
	NoticeNegotiationFailed
	NoticeSignalLost
	NoticeConnectionLost
	NoticeScreenShareFailed
	NoticeCameraRevertFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeMediaFailed:
		return "media-failed"
	case NoticeNegotiationFailed:
		return "negotiation-failed"
	case NoticeSignalLost:
		return "signal-lost"
	case NoticeConnectionLost:
		return "connection-lost"
	case NoticeScreenShareFailed:
		return "screen-share-failed"
	case NoticeCameraRevertFailed:
		return "camera-revert-failed"
	default:
		return "unknown"
	}
}

// Notice is a user-visible, non-panicking report of a failure.
type Notice struct {
	Kind NoticeKind
	Err  error
}

func (n Notice) Error() string {
	if n.Err == nil {
		return n.Kind.String()
	}
	return fmt.Sprintf("%s: %v", n.Kind, n.Err)
}
