package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultMaxParticipants = 10

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Session is the in-memory registry entry meta. Membership lives in the registry.
type Session struct {
	ID               SessionID    `json:"sessionId"`
	HostConnectionID ConnectionID `json:"hostId"`
	HostUserID       UserID       `json:"hostUserId"`
	HostDisplayName  string       `json:"hostName,omitempty"`
	MaxParticipants  int          `json:"maxParticipants"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// SessionStats is the snapshot served over HTTP.
type SessionStats struct {
	Session
	ParticipantCount int           `json:"participantCount"`
	DurationSeconds  int64         `json:"duration"`
	Participants     []Participant `json:"participants"`
}
