// Package store keeps the durable session and guest metadata that outlives sockets.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/google/uuid"
)

const (
	DefaultMaxGuests = 5
	DefaultInviteTTL = 6 * time.Hour
)

var (
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionCancelled = errors.New("session cancelled")
	ErrGuestNotFound    = errors.New("guest not found")
	ErrInvalidStatus    = errors.New("invalid session status")
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
	StatusCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

type GuestStatus string

const (
	GuestInvited GuestStatus = "invited"
	GuestJoined  GuestStatus = "joined"
	GuestLeft    GuestStatus = "left"
	GuestKicked  GuestStatus = "kicked"
)

type GuestRecord struct {
	ID       string      `json:"id"`
	Name     string      `json:"guestName"`
	Email    string      `json:"guestEmail,omitempty"`
	UserID   string      `json:"userId,omitempty"`
	ClientID string      `json:"clientId,omitempty"`
	Status   GuestStatus `json:"status"`
	JoinedAt *time.Time  `json:"joinedAt,omitempty"`
	LeftAt   *time.Time  `json:"leftAt,omitempty"`
}

type SessionRecord struct {
	ID          domain.SessionID `json:"id"`
	HostID      domain.UserID    `json:"hostId"`
	HostName    string           `json:"hostName,omitempty"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	InviteToken string           `json:"inviteToken"`
	MaxGuests   int              `json:"maxGuests"`
	Status      SessionStatus    `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Guests      []GuestRecord    `json:"guests"`
}

// ActiveGuests returns the guests currently marked joined.
func (r *SessionRecord) ActiveGuests() []GuestRecord {
	out := make([]GuestRecord, 0, len(r.Guests))
	for _, g := range r.Guests {
		if g.Status == GuestJoined {
			out = append(out, g)
		}
	}
	return out
}

// checkInvitable reports why an invite for r can no longer be used.
func (r *SessionRecord) checkInvitable(now time.Time) error {
	if r.ExpiresAt.Before(now) {
		return ErrSessionExpired
	}
	if r.Status == StatusCancelled {
		return ErrSessionCancelled
	}
	return nil
}

type CreateParams struct {
	HostID      domain.UserID
	HostName    string
	Title       string
	Description string
	MaxGuests   int
	ExpiresIn   time.Duration
}

type GuestJoin struct {
	Name     string
	Email    string
	UserID   string
	ClientID string
}

// Store is the CRUD surface of the durable session metadata.
type Store interface {
	CreateSessionRecord(ctx context.Context, p CreateParams) (SessionRecord, error)
	GetSessionRecord(ctx context.Context, id domain.SessionID) (SessionRecord, error)
	GetSessionByInviteToken(ctx context.Context, token string) (SessionRecord, error)
	RecordGuestJoin(ctx context.Context, inviteToken string, g GuestJoin) (SessionRecord, GuestRecord, error)
	GuestLeft(ctx context.Context, id domain.SessionID, clientID string) error
	KickGuest(ctx context.Context, id domain.SessionID, guestID string) error
	UpdateSessionStatus(ctx context.Context, id domain.SessionID, status SessionStatus) (SessionRecord, error)
	ActiveGuests(ctx context.Context, id domain.SessionID) ([]GuestRecord, error)
}

// NewInviteToken returns 32 random bytes, base64url encoded.
func NewInviteToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// InviteLink builds the guest-facing URL for token.
func InviteLink(baseURL, token string) string {
	if baseURL == "" {
		baseURL = "http://localhost:3001"
	}
	return baseURL + "/join/" + token
}

func newRecord(p CreateParams, now time.Time) (SessionRecord, error) {
	if p.HostID == "" {
		return SessionRecord{}, domain.ErrUserIDEmpty
	}
	token, err := NewInviteToken()
	if err != nil {
		return SessionRecord{}, err
	}
	if p.MaxGuests <= 0 {
		p.MaxGuests = DefaultMaxGuests
	}
	if p.ExpiresIn <= 0 {
		p.ExpiresIn = DefaultInviteTTL
	}
	return SessionRecord{
		ID:          domain.NewSessionID(),
		HostID:      p.HostID,
		HostName:    p.HostName,
		Title:       p.Title,
		Description: p.Description,
		InviteToken: token,
		MaxGuests:   p.MaxGuests,
		Status:      StatusWaiting,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.ExpiresIn),
		Guests:      []GuestRecord{},
	}, nil
}

func joinGuest(r *SessionRecord, g GuestJoin, now time.Time) (GuestRecord, error) {
	if err := r.checkInvitable(now); err != nil {
		return GuestRecord{}, err
	}
	if len(r.ActiveGuests()) >= r.MaxGuests {
		return GuestRecord{}, fmt.Errorf("session %s: %w", r.ID, errs.ErrSessionFull)
	}
	at := now
	guest := GuestRecord{
		ID:       uuid.NewString(),
		Name:     g.Name,
		Email:    g.Email,
		UserID:   g.UserID,
		ClientID: g.ClientID,
		Status:   GuestJoined,
		JoinedAt: &at,
	}
	r.Guests = append(r.Guests, guest)
	return guest, nil
}

// markLeft flags every joined guest matching clientID (or user id) as left.
func markLeft(r *SessionRecord, clientID string, now time.Time) bool {
	changed := false
	for i := range r.Guests {
		g := &r.Guests[i]
		if g.Status != GuestJoined {
			continue
		}
		if g.ClientID == clientID || g.UserID == clientID {
			at := now
			g.Status = GuestLeft
			g.LeftAt = &at
			changed = true
		}
	}
	return changed
}

func kick(r *SessionRecord, guestID string, now time.Time) error {
	for i := range r.Guests {
		if r.Guests[i].ID == guestID {
			at := now
			r.Guests[i].Status = GuestKicked
			r.Guests[i].LeftAt = &at
			return nil
		}
	}
	return ErrGuestNotFound
}
