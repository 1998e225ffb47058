package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Studio/internal/adapters/auth"
	"github.com/dkeye/Studio/internal/app/orch"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

type API struct {
	Orch      *orch.Orchestrator
	Store     store.Store
	Issuer    *auth.Issuer
	Verifier  auth.Verifier
	StudioURL string
	InviteTTL time.Duration
}

func (a *API) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Verifier.Verify(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errs.Code(err)})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) domain.Identity {
	id, _ := c.Get(identityKey)
	v, _ := id.(domain.Identity)
	return v
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrSessionNotFound),
		errors.Is(err, store.ErrSessionExpired),
		errors.Is(err, store.ErrSessionCancelled),
		errors.Is(err, store.ErrGuestNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSessionFull):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidStatus), errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) fail(c *gin.Context, err error, msg string) {
	code := storeStatus(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg(msg)
		c.JSON(code, gin.H{"error": msg})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"clients":  a.Orch.Registry.ClientCount(),
		"sessions": len(a.Orch.Registry.AllSessions()),
	})
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, a.Orch.Registry.AllSessions())
}

func (a *API) sessionStats(c *gin.Context) {
	st, ok := a.Orch.Registry.SessionStats(domain.SessionID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type loginRequest struct {
	Name string `json:"name"`
}

// login is the development stand-in for the external auth service.
func (a *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	uid := domain.UserID("user_" + string(domain.NewConnectionID()))
	if prev, err := (auth.SessionVerifier{}).Verify(c); err == nil {
		uid = prev.UserID
	}
	id, err := domain.NewIdentity(string(uid), req.Name, false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := auth.Login(c, id); err != nil {
		a.fail(c, err, "failed to save session")
		return
	}
	token, err := a.Issuer.HostToken(id.UserID, id.DisplayName, 0)
	if err != nil {
		a.fail(c, err, "failed to sign token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id.UserID, "name": id.DisplayName, "token": token})
}

type createSessionRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	MaxGuests      int    `json:"maxGuests"`
	ExpiresInHours int    `json:"expiresInHours"`
}

func (a *API) createSession(c *gin.Context) {
	host := identity(c)
	if host.IsGuest {
		c.JSON(http.StatusForbidden, gin.H{"error": errs.Code(errs.ErrNotHost)})
		return
	}
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	ttl := a.InviteTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours) * time.Hour
	}
	rec, err := a.Store.CreateSessionRecord(c.Request.Context(), store.CreateParams{
		HostID:      host.UserID,
		HostName:    host.DisplayName,
		Title:       req.Title,
		Description: req.Description,
		MaxGuests:   req.MaxGuests,
		ExpiresIn:   ttl,
	})
	if err != nil {
		a.fail(c, err, "failed to create session")
		return
	}
	a.Orch.PrepareSession(rec)

	c.JSON(http.StatusOK, gin.H{
		"session":     rec,
		"inviteLink":  store.InviteLink(a.StudioURL, rec.InviteToken),
		"inviteToken": rec.InviteToken,
	})
}

type invitePreview struct {
	ID            domain.SessionID    `json:"id"`
	HostName      string              `json:"hostName,omitempty"`
	Title         string              `json:"title,omitempty"`
	Description   string              `json:"description,omitempty"`
	MaxGuests     int                 `json:"maxGuests"`
	CurrentGuests int                 `json:"currentGuests"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	Status        store.SessionStatus `json:"status"`
}

func preview(rec store.SessionRecord) invitePreview {
	return invitePreview{
		ID:            rec.ID,
		HostName:      rec.HostName,
		Title:         rec.Title,
		Description:   rec.Description,
		MaxGuests:     rec.MaxGuests,
		CurrentGuests: len(rec.ActiveGuests()),
		ExpiresAt:     rec.ExpiresAt,
		Status:        rec.Status,
	}
}

func (a *API) getInvite(c *gin.Context) {
	rec, err := a.Store.GetSessionByInviteToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		a.fail(c, err, "failed to load invite")
		return
	}
	c.JSON(http.StatusOK, preview(rec))
}

type joinInviteRequest struct {
	GuestName  string `json:"guestName"`
	GuestEmail string `json:"guestEmail"`
}

// joinInvite records the guest durably and hands back a session-scoped token
// for the signaling socket.
func (a *API) joinInvite(c *gin.Context) {
	var req joinInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	uid := domain.NewGuestUserID()
	id, err := domain.NewIdentity(string(uid), req.GuestName, true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := c.Param("token")
	rec, guest, err := a.Store.RecordGuestJoin(c.Request.Context(), token, store.GuestJoin{
		Name:   id.DisplayName,
		Email:  req.GuestEmail,
		UserID: string(uid),
	})
	if err != nil {
		a.fail(c, err, "failed to join session")
		return
	}
	signed, err := a.Issuer.GuestToken(auth.GuestGrant{
		UserID:      uid,
		Name:        id.DisplayName,
		SessionID:   rec.ID,
		GuestID:     guest.ID,
		InviteToken: token,
		ExpiresAt:   rec.ExpiresAt,
	})
	if err != nil {
		a.fail(c, err, "failed to sign token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": preview(rec), "guest": guest, "token": signed})
}

// ownedSession loads the record and checks the caller is its host.
func (a *API) ownedSession(c *gin.Context) (store.SessionRecord, bool) {
	rec, err := a.Store.GetSessionRecord(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		a.fail(c, err, "failed to load session")
		return store.SessionRecord{}, false
	}
	if rec.HostID != identity(c).UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": errs.Code(errs.ErrNotHost)})
		return store.SessionRecord{}, false
	}
	return rec, true
}

func (a *API) getSession(c *gin.Context) {
	if rec, ok := a.ownedSession(c); ok {
		c.JSON(http.StatusOK, rec)
	}
}

type statusRequest struct {
	Status store.SessionStatus `json:"status"`
}

func (a *API) updateStatus(c *gin.Context) {
	rec, ok := a.ownedSession(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	updated, err := a.Store.UpdateSessionStatus(c.Request.Context(), rec.ID, req.Status)
	if err != nil {
		a.fail(c, err, "failed to update session")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) kickGuest(c *gin.Context) {
	rec, ok := a.ownedSession(c)
	if !ok {
		return
	}
	guestID := c.Param("guestId")
	if err := a.Store.KickGuest(c.Request.Context(), rec.ID, guestID); err != nil {
		a.fail(c, err, "failed to kick guest")
		return
	}
	closed := a.Orch.KickGuest(rec.ID, guestID)
	c.JSON(http.StatusOK, gin.H{"success": true, "closed": closed})
}
