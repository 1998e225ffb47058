package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(req *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

func TestHostTokenFromQueryHeaderAndCookie(t *testing.T) {
	iss := NewIssuer("s3cret")
	tok, err := iss.HostToken("u1", "Ana", time.Hour)
	require.NoError(t, err)
	v := TokenVerifier{Issuer: iss}

	byQuery := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	byHeader := httptest.NewRequest(http.MethodGet, "/ws", nil)
	byHeader.Header.Set("Authorization", "Bearer "+tok)
	byCookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	byCookie.AddCookie(&http.Cookie{Name: TokenCookie, Value: tok})

	for name, req := range map[string]*http.Request{"query": byQuery, "header": byHeader, "cookie": byCookie} {
		t.Run(name, func(t *testing.T) {
			id, err := v.Verify(testContext(req))
			require.NoError(t, err)
			assert.Equal(t, domain.UserID("u1"), id.UserID)
			assert.Equal(t, "Ana", id.DisplayName)
			assert.False(t, id.IsGuest)
			assert.Nil(t, id.Invite)
		})
	}
}

func TestGuestTokenCarriesInvite(t *testing.T) {
	iss := NewIssuer("s3cret")
	tok, err := iss.GuestToken(GuestGrant{
		UserID:      "guest_1",
		Name:        "Bo",
		SessionID:   "S1",
		GuestID:     "g1",
		InviteToken: "inv",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	id, err := claims.Identity()
	require.NoError(t, err)
	assert.True(t, id.IsGuest)
	require.NotNil(t, id.Invite)
	assert.Equal(t, domain.SessionID("S1"), id.Invite.SessionID)
	assert.Equal(t, "g1", id.Invite.GuestID)
}

func TestParseRejects(t *testing.T) {
	iss := NewIssuer("s3cret")
	past := time.Now().Add(-2 * time.Hour)
	iss.now = func() time.Time { return past }
	expired, err := iss.HostToken("u1", "Ana", time.Hour)
	require.NoError(t, err)
	iss.now = time.Now

	_, err = iss.Parse(expired)
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)

	other, err := NewIssuer("different").HostToken("u1", "Ana", time.Hour)
	require.NoError(t, err)
	_, err = iss.Parse(other)
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)

	_, err = iss.Parse("not-a-jwt")
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)
}

func newSessionEngine(v Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions(SessionName, cookie.NewStore([]byte("cookie-secret"))))
	r.POST("/login", func(c *gin.Context) {
		id, _ := domain.NewIdentity("u-cookie", "Cookie User", false)
		if err := Login(c, id); err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/me", func(c *gin.Context) {
		id, err := v.Verify(c)
		if err != nil {
			c.String(http.StatusUnauthorized, errs.Code(err))
			return
		}
		c.String(http.StatusOK, string(id.UserID))
	})
	return r
}

func TestSessionVerifierAfterLogin(t *testing.T) {
	r := newSessionEngine(SessionVerifier{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTHENTICATION_FAILED", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-cookie", w.Body.String())
}

func TestChainFallsThroughOnlyWithoutCredentials(t *testing.T) {
	iss := NewIssuer("s3cret")
	r := newSessionEngine(Chain{TokenVerifier{Issuer: iss}, SessionVerifier{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	cookies := w.Result().Cookies()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "u-cookie", w.Body.String())

	bad := httptest.NewRequest(http.MethodGet, "/me?token=garbage", nil)
	for _, ck := range cookies {
		bad.AddCookie(ck)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
