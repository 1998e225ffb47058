// Package protocol is the JSON wire format shared by the signaling server and its clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Studio/internal/domain"
)

type MessageType string

const (
	TypeJoin          MessageType = "join"
	TypeLeave         MessageType = "leave"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice-candidate"
	TypePeerJoined    MessageType = "peer-joined"
	TypePeerLeft      MessageType = "peer-left"
	TypeSessionUpdate MessageType = "session-update"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeQuality       MessageType = "connection-quality"

	// Older clients name the membership messages this way.
	TypeJoinSession  MessageType = "join-session"
	TypeLeaveSession MessageType = "leave-session"
)

// Negotiation reports whether t is relayed between peers.
func (t MessageType) Negotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Message is the envelope of every frame. Payload is relayed byte for byte.
type Message struct {
	Type      MessageType         `json:"type"`
	From      domain.ConnectionID `json:"from,omitempty"`
	To        domain.ConnectionID `json:"to,omitempty"`
	SessionID domain.SessionID    `json:"sessionId,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	// Data is the legacy name of Payload, read on input only.
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Body returns the payload under either field name.
func (m *Message) Body() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	return m.Data
}

// New builds a server-stamped message with v encoded as payload.
func New(t MessageType, v any) (Message, error) {
	m := Message{Type: t, Timestamp: Now()}
	if v == nil {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	m.Payload = raw
	return m, nil
}

func Now() int64 { return time.Now().UnixMilli() }

type JoinPayload struct {
	SessionID domain.SessionID `json:"sessionId"`
	IsHost    bool             `json:"isHost"`
}

// Welcome is the session-update payload sent right after connect.
type Welcome struct {
	ClientID domain.ConnectionID `json:"clientId"`
}

// SessionUpdate is the join confirmation.
type SessionUpdate struct {
	ClientID        domain.ConnectionID  `json:"clientId"`
	Joined          bool                 `json:"joined,omitempty"`
	SessionID       domain.SessionID     `json:"sessionId,omitempty"`
	IsHost          bool                 `json:"isHost,omitempty"`
	HostID          domain.ConnectionID  `json:"hostId,omitempty"`
	MaxParticipants int                  `json:"maxParticipants,omitempty"`
	Participants    []domain.Participant `json:"participants"`
}

type PeerLeft struct {
	ClientID domain.ConnectionID `json:"clientId"`
	UserID   domain.UserID       `json:"userId"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type QualityPayload struct {
	Latency    float64 `json:"latency"`
	PacketLoss float64 `json:"packetLoss"`
	Bandwidth  float64 `json:"bandwidth"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
