package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PeerID identifies one participant for the lifetime of its process.
type PeerID string

func NewPeerID() PeerID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return PeerID(fmt.Sprintf("peer_%d_%s", time.Now().UnixMilli(), suffix))
}

// YieldsTo reports whether p gives up its own offer when both p and other
// offered at the same time. The lexicographically smaller identity yields.
func (p PeerID) YieldsTo(other PeerID) bool {
	return p < other
}

func (p PeerID) String() string {
	return string(p)
}
