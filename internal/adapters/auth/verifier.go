package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	TokenCookie     = "studio_token"
	SessionName     = "StudioSessions"
	sessionUser     = "user_id"
	sessionUserName = "user_name"
)

// Verifier turns request credentials into an identity or an authentication error.
type Verifier interface {
	Verify(c *gin.Context) (domain.Identity, error)
}

// TokenVerifier accepts a JWT from ?token=, a bearer header or the studio_token cookie.
type TokenVerifier struct {
	Issuer *Issuer
}

func bearer(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if t, err := c.Cookie(TokenCookie); err == nil {
		return t
	}
	return ""
}

func (v TokenVerifier) Verify(c *gin.Context) (domain.Identity, error) {
	raw := bearer(c)
	if raw == "" {
		return domain.Identity{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, errNoCredentials)
	}
	claims, err := v.Issuer.Parse(raw)
	if err != nil {
		return domain.Identity{}, err
	}
	id, err := claims.Identity()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, err)
	}
	return id, nil
}

// SessionVerifier reads the cookie session written by Login.
type SessionVerifier struct{}

func (SessionVerifier) Verify(c *gin.Context) (domain.Identity, error) {
	s := sessions.Default(c)
	uid, _ := s.Get(sessionUser).(string)
	name, _ := s.Get(sessionUserName).(string)
	if uid == "" {
		return domain.Identity{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, errNoCredentials)
	}
	id, err := domain.NewIdentity(uid, name, false)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, err)
	}
	return id, nil
}

// Login stores the identity in the cookie session.
func Login(c *gin.Context, id domain.Identity) error {
	s := sessions.Default(c)
	s.Set(sessionUser, string(id.UserID))
	s.Set(sessionUserName, id.DisplayName)
	return s.Save()
}

// Chain tries each verifier in order. Missing credentials fall through;
// presented but invalid credentials stop the chain.
type Chain []Verifier

func (ch Chain) Verify(c *gin.Context) (domain.Identity, error) {
	for _, v := range ch {
		id, err := v.Verify(c)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, errNoCredentials) {
			log.Debug().Err(err).Str("module", "adapters.auth").Msg("credentials rejected")
			return domain.Identity{}, err
		}
	}
	return domain.Identity{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, errNoCredentials)
}
