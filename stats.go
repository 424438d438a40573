package agentcall

import (
	"errors"
	"maps"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stat is a snapshot of the transport side of the active connection.
type Stat struct {
	PeerConnectionStat     webrtc.PeerConnectionStats               `json:"peer_connection_stat"`
	ICECandidatePairStat   webrtc.ICECandidatePairStats             `json:"ice_candidate_pair_stat"`
	ICECandidateLocalStat  map[string]webrtc.ICECandidateStats      `json:"ice_candidate_local_stat"`
	ICECandidateRemoteStat map[string]webrtc.ICECandidateStats      `json:"ice_candidate_remote_stat"`
	CodecStats             map[string]webrtc.CodecStats             `json:"codec_stats"`
	InboundRTPStats        map[string]webrtc.InboundRTPStreamStats  `json:"inbound_rtp_stats"`
	OutboundRTPStats       map[string]webrtc.OutboundRTPStreamStats `json:"outbound_rtp_stats"`
	ICETransportStat       webrtc.TransportStats                    `json:"ice_transport_stat"`
}

// StatsProvider is implemented by connections that can report stats.
type StatsProvider interface {
	Stats() Stat
}

type stat struct {
	*Stat
	mux sync.RWMutex
}

func newStat() *stat {
	return &stat{
		Stat: &Stat{
			ICECandidateLocalStat:  make(map[string]webrtc.ICECandidateStats),
			ICECandidateRemoteStat: make(map[string]webrtc.ICECandidateStats),
			CodecStats:             make(map[string]webrtc.CodecStats),
			InboundRTPStats:        make(map[string]webrtc.InboundRTPStreamStats),
			OutboundRTPStats:       make(map[string]webrtc.OutboundRTPStreamStats),
		},
	}
}

func (s *stat) Consume(stats webrtc.Stats) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	switch stat := stats.(type) {
	case webrtc.PeerConnectionStats:
		s.PeerConnectionStat = stat
		return nil

	case webrtc.ICECandidateStats:
		if stat.Type == webrtc.StatsTypeLocalCandidate {
			s.ICECandidateLocalStat[stat.ID] = stat
			return nil
		}

		if stat.Type == webrtc.StatsTypeRemoteCandidate {
			s.ICECandidateRemoteStat[stat.ID] = stat
			return nil
		}

		return errors.New("ICE candidate stat is neither local or remote")

	case webrtc.ICECandidatePairStats:
		if stat.Nominated {
			s.ICECandidatePairStat = stat
		}
		return nil

	case webrtc.CodecStats:
		s.CodecStats[stat.ID] = stat
		return nil

	case webrtc.InboundRTPStreamStats:
		s.InboundRTPStats[stat.ID] = stat
		return nil

	case webrtc.OutboundRTPStreamStats:
		s.OutboundRTPStats[stat.ID] = stat
		return nil

	case webrtc.TransportStats:
		s.ICETransportStat = stat
		return nil

	default:
		return errors.New("stat type is not managed")
	}
}

func (s *stat) Generate() Stat {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return Stat{
		PeerConnectionStat:     s.PeerConnectionStat,
		ICECandidatePairStat:   s.ICECandidatePairStat,
		ICECandidateLocalStat:  maps.Clone(s.ICECandidateLocalStat),
		ICECandidateRemoteStat: maps.Clone(s.ICECandidateRemoteStat),
		CodecStats:             maps.Clone(s.CodecStats),
		InboundRTPStats:        maps.Clone(s.InboundRTPStats),
		OutboundRTPStats:       maps.Clone(s.OutboundRTPStats),
		ICETransportStat:       s.ICETransportStat,
	}
}
