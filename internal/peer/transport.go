// Package peer drives one WebRTC connection per remote participant through
// offer/answer/ICE exchange.
package peer

import (
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Sender is the handle returned when a local track is attached.
type Sender interface {
	Track() webrtc.TrackLocal
}

// RemoteTrack is an incoming media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Stats is the subset of the transport statistics sampled while connected.
type Stats struct {
	BytesSent     uint64        `json:"bytesSent"`
	BytesReceived uint64        `json:"bytesReceived"`
	PacketsLost   int64         `json:"packetsLost"`
	RoundTripTime time.Duration `json:"roundTripTime"`
	SampledAt     time.Time     `json:"sampledAt"`
}

// Transport is one underlying peer connection.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(webrtc.TrackLocal) (Sender, error)
	RemoveTrack(Sender) error
	CreateDataChannel(label string, ordered bool) (DataChannel, error)

	// OnICECandidate receives nil when gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnDataChannel(func(DataChannel))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnSignalingStateChange(func(webrtc.SignalingState))

	Stats() Stats
	Close() error
}

type TransportFactory func(remote domain.ConnectionID) (Transport, error)
