// Package auth verifies who is behind an inbound request: signed tokens for
// hosts and invited guests, or the dev cookie session.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

const DefaultHostTokenTTL = 24 * time.Hour

// Claims are shared by host and invite tokens; Session is set only for guests.
type Claims struct {
	UserID      string `json:"uid"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	SessionID   string `json:"sid,omitempty"`
	GuestID     string `json:"gid,omitempty"`
	InviteToken string `json:"inv,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the identity handed to the gateway.
func (c *Claims) Identity() (domain.Identity, error) {
	id, err := domain.NewIdentity(c.UserID, c.Name, c.Role == RoleGuest)
	if err != nil {
		return domain.Identity{}, err
	}
	if c.Role == RoleGuest {
		id.Invite = &domain.InviteContext{
			SessionID:   domain.SessionID(c.SessionID),
			InviteToken: c.InviteToken,
			GuestID:     c.GuestID,
		}
	}
	return id, nil
}

// Issuer signs and validates HS256 tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

func (i *Issuer) HostToken(userID domain.UserID, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultHostTokenTTL
	}
	now := i.now()
	return i.sign(&Claims{
		UserID: string(userID),
		Name:   name,
		Role:   RoleHost,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

type GuestGrant struct {
	UserID      domain.UserID
	Name        string
	SessionID   domain.SessionID
	GuestID     string
	InviteToken string
	ExpiresAt   time.Time
}

// GuestToken is scoped to one session and expires with the invite.
func (i *Issuer) GuestToken(g GuestGrant) (string, error) {
	return i.sign(&Claims{
		UserID:      string(g.UserID),
		Name:        g.Name,
		Role:        RoleGuest,
		SessionID:   string(g.SessionID),
		GuestID:     g.GuestID,
		InviteToken: g.InviteToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(g.UserID),
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	})
}

func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errs.ErrAuthenticationFailed
	}
	if claims.Role != RoleHost && claims.Role != RoleGuest {
		return nil, fmt.Errorf("%w: unknown role %q", errs.ErrAuthenticationFailed, claims.Role)
	}
	if claims.Role == RoleGuest && claims.SessionID == "" {
		return nil, fmt.Errorf("%w: guest token without session", errs.ErrAuthenticationFailed)
	}
	return claims, nil
}

var errNoCredentials = errors.New("no credentials")
