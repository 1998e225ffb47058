// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDEmpty        = errors.New("user id empty")
)

type UserID string

// InviteContext is attached to guest identities verified through an invite token.
type InviteContext struct {
	SessionID   SessionID `json:"sessionId"`
	InviteToken string    `json:"inviteToken,omitempty"`
	GuestID     string    `json:"guestId,omitempty"`
}

// Identity is what the identity collaborator vouches for on connect.
type Identity struct {
	UserID      UserID         `json:"userId"`
	DisplayName string         `json:"displayName"`
	IsGuest     bool           `json:"isGuest"`
	Invite      *InviteContext `json:"invite,omitempty"`
}

// NewIdentity validates the verified fields and avoids ad-hoc literals in adapters.
func NewIdentity(userID, displayName string, isGuest bool) (Identity, error) {
	if userID == "" {
		return Identity{}, ErrUserIDEmpty
	}
	if len(userID) > MaxUserIDLen {
		userID = userID[:MaxUserIDLen]
	}
	id := Identity{UserID: UserID(userID), IsGuest: isGuest}
	if err := id.SetDisplayName(displayName); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewGuestUserID returns a fresh id for guests that have no account.
func NewGuestUserID() UserID {
	return UserID("guest_" + uuid.NewString())
}

func (i *Identity) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	i.DisplayName = name
	return nil
}
