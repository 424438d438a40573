package firebase

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/agentcall/pkg/signal"
)

func TestDocumentRoundTrip(t *testing.T) {
	mline := uint16(0)
	mid := "0"
	envelope := signal.NewCandidate("peer_b", webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})

	data, err := signal.Encode(envelope)
	require.NoError(t, err)

	document, err := toDocument("room-a", data)
	require.NoError(t, err)
	require.Equal(t, "room-a", document[signal.FieldRoom])

	back, err := fromDocument(document)
	require.NoError(t, err)

	decoded, err := signal.Decode(back)
	require.NoError(t, err)
	require.Equal(t, signal.KindCandidate, decoded.Kind)
	require.Equal(t, envelope.Candidate.Candidate, decoded.Candidate.Candidate)
	require.Equal(t, signal.PeerID("peer_b"), decoded.Sender)
}

func TestFromDocumentWithoutSignal(t *testing.T) {
	_, err := fromDocument(map[string]interface{}{signal.FieldRoom: "room-a"})
	require.Error(t, err)
}

func TestGetConfigurationNeedsCredentials(t *testing.T) {
	t.Setenv("FIREBASE_PROJECT_ID", "")
	t.Setenv("FIREBASE_PRIVATE_KEY", "")

	_, err := GetConfiguration()
	require.ErrorIs(t, err, ErrNoCredentials)
}
