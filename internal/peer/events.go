package peer

import (
	"github.com/dkeye/Studio/internal/domain"
	"github.com/pion/webrtc/v4"
)

type EventType string

const (
	EventPeerConnecting         EventType = "peer-connecting"
	EventPeerConnected          EventType = "peer-connected"
	EventPeerDisconnected       EventType = "peer-disconnected"
	EventPeerFailed             EventType = "peer-failed"
	EventStreamAdded            EventType = "stream-added"
	EventStreamRemoved          EventType = "stream-removed"
	EventICECandidate           EventType = "ice-candidate"
	EventConnectionStateChanged EventType = "connection-state-changed"
	EventStatsUpdated           EventType = "stats-updated"
	EventDataChannelMessage     EventType = "data-channel-message"
)

type Event struct {
	Type      EventType
	RemoteID  domain.ConnectionID
	State     webrtc.PeerConnectionState
	Track     RemoteTrack
	Candidate *webrtc.ICECandidateInit
	Stats     *Stats
	Message   string
}

// Info is a read-only view of one peer record.
type Info struct {
	RemoteID       domain.ConnectionID        `json:"remoteId"`
	State          webrtc.PeerConnectionState `json:"state"`
	SignalingState webrtc.SignalingState      `json:"signalingState"`
	RemoteTracks   int                        `json:"remoteTracks"`
	LocalTracks    int                        `json:"localTracks"`
	DataChannel    bool                       `json:"dataChannel"`
	PendingICE     int                        `json:"pendingIce"`
	Stats          *Stats                     `json:"stats,omitempty"`
}
