package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionID is unique per socket and exists independent of session membership.
type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// ConnectionQuality is the last sample a client reported about its media links.
type ConnectionQuality struct {
	LatencyMs     float64   `json:"latency"`
	PacketLoss    float64   `json:"packetLoss"`
	BandwidthKbps float64   `json:"bandwidth"`
	UpdatedAt     time.Time `json:"lastUpdated"`
}

// Participant is a read-only view of a connected client (no transport fields).
type Participant struct {
	ConnectionID ConnectionID       `json:"clientId"`
	UserID       UserID             `json:"userId"`
	DisplayName  string             `json:"userName,omitempty"`
	IsHost       bool               `json:"isHost"`
	IsGuest      bool               `json:"isGuest"`
	JoinedAt     time.Time          `json:"joinedAt"`
	Quality      *ConnectionQuality `json:"connectionQuality,omitempty"`
}
