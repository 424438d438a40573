package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindOffer
	KindAnswer
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "ice"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed     = errors.New("malformed signal envelope")
	ErrMissingSender = errors.New("signal envelope has no sender")
)

// Envelope is one signaling message. Exactly one of SDP or Candidate is
// meaningful, selected by Kind.
type Envelope struct {
	Kind      Kind
	Sender    PeerID
	SDP       webrtc.SessionDescription
	Candidate webrtc.ICECandidateInit
}

func NewOffer(sender PeerID, sdp string) Envelope {
	return Envelope{Kind: KindOffer, Sender: sender, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}}
}

func NewAnswer(sender PeerID, sdp string) Envelope {
	return Envelope{Kind: KindAnswer, Sender: sender, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}}
}

func NewCandidate(sender PeerID, candidate webrtc.ICECandidateInit) Envelope {
	return Envelope{Kind: KindCandidate, Sender: sender, Candidate: candidate}
}

func (e Envelope) Validate() error {
	if e.Sender == "" {
		return ErrMissingSender
	}

	switch e.Kind {
	case KindOffer, KindAnswer:
		want := webrtc.SDPTypeOffer
		if e.Kind == KindAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if e.SDP.Type != want {
			return fmt.Errorf("%w: %s envelope carries sdp of type %s", ErrMalformed, e.Kind, e.SDP.Type)
		}
		if e.SDP.SDP == "" {
			return fmt.Errorf("%w: empty session description", ErrMalformed)
		}
		parsed := &sdp.SessionDescription{}
		if err := parsed.Unmarshal([]byte(e.SDP.SDP)); err != nil {
			return fmt.Errorf("%w: error while parsing session description: %v", ErrMalformed, err)
		}
		return nil
	case KindCandidate:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind", ErrMalformed)
	}
}

// wire mirrors the stored JSON document: {"sdp": {...}, "sender": "..."} or
// {"ice": {...}, "sender": "..."}.
type wire struct {
	SDP    *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE    *webrtc.ICECandidateInit   `json:"ice,omitempty"`
	Sender PeerID                     `json:"sender"`
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	w := wire{Sender: e.Sender}
	switch e.Kind {
	case KindOffer, KindAnswer:
		desc := e.SDP
		w.SDP = &desc
	case KindCandidate:
		candidate := e.Candidate
		w.ICE = &candidate
	}

	return json.Marshal(w)
}

func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if (w.SDP == nil) == (w.ICE == nil) {
		return Envelope{}, fmt.Errorf("%w: exactly one of sdp or ice must be set", ErrMalformed)
	}

	e := Envelope{Sender: w.Sender}
	if w.ICE != nil {
		e.Kind = KindCandidate
		e.Candidate = *w.ICE
	} else {
		e.SDP = *w.SDP
		switch w.SDP.Type {
		case webrtc.SDPTypeOffer:
			e.Kind = KindOffer
		case webrtc.SDPTypeAnswer:
			e.Kind = KindAnswer
		default:
			return Envelope{}, fmt.Errorf("%w: unsupported sdp type %s", ErrMalformed, w.SDP.Type)
		}
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
