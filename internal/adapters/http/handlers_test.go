package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studio/internal/adapters/auth"
	"github.com/dkeye/Studio/internal/adapters/signal"
	"github.com/dkeye/Studio/internal/app"
	"github.com/dkeye/Studio/internal/app/orch"
	"github.com/dkeye/Studio/internal/config"
	"github.com/dkeye/Studio/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Store: st, Policy: app.SimplePolicy{}}
	issuer := auth.NewIssuer("test-secret")
	verifier := auth.Chain{auth.TokenVerifier{Issuer: issuer}, auth.SessionVerifier{}}
	gw := signal.NewSignalWSController(o, verifier, nil, signal.Options{})
	api := &API{
		Orch:      o,
		Store:     st,
		Issuer:    issuer,
		Verifier:  verifier,
		StudioURL: "http://studio.test",
		InviteTTL: time.Hour,
	}
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret", StaticPath: t.TempDir()}
	return SetupRouter(context.Background(), cfg, api, gw)
}

type request struct {
	method  string
	path    string
	token   string
	body    any
	cookies []*http.Cookie
}

func do(t *testing.T, r http.Handler, req request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	hr := httptest.NewRequest(req.method, req.path, &body)
	if req.body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		hr.Header.Set("Authorization", "Bearer "+req.token)
	}
	for _, c := range req.cookies {
		hr.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, hr)
	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func login(t *testing.T, r http.Handler, name string) (string, []*http.Cookie) {
	t.Helper()
	w, out := do(t, r, request{method: http.MethodPost, path: "/api/auth/login", body: gin.H{"name": name}})
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)
	return token, w.Result().Cookies()
}

func createSession(t *testing.T, r http.Handler, token string) (id, invite string) {
	t.Helper()
	w, out := do(t, r, request{method: http.MethodPost, path: "/api/sessions", token: token, body: gin.H{"title": "Episode 12", "maxGuests": 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess := out["session"].(map[string]any)
	return sess["id"].(string), out["inviteToken"].(string)
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	w, out := do(t, r, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 0, out["clients"])
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	r := newTestRouter(t)
	w, out := do(t, r, request{method: http.MethodPost, path: "/api/sessions"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTHENTICATION_FAILED", out["error"])

	w, _ = do(t, r, request{method: http.MethodPost, path: "/api/sessions", token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejectsEmptyName(t *testing.T) {
	r := newTestRouter(t)
	w, _ := do(t, r, request{method: http.MethodPost, path: "/api/auth/login", body: gin.H{"name": "  "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	r := newTestRouter(t)
	token, _ := login(t, r, "Alice")
	id, invite := createSession(t, r, token)

	// the registry entry exists before anyone connects
	w, out := do(t, r, request{method: http.MethodGet, path: "/sessions/" + id})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Alice", out["hostName"])
	assert.EqualValues(t, 2, out["maxParticipants"])

	w, out = do(t, r, request{method: http.MethodGet, path: "/api/sessions/invite/" + invite})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Episode 12", out["title"])
	assert.EqualValues(t, 0, out["currentGuests"])

	w, out = do(t, r, request{method: http.MethodPost, path: "/api/sessions/invite/" + invite + "/join", body: gin.H{"guestName": "Bob"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	guestToken := out["token"].(string)
	guest := out["guest"].(map[string]any)
	assert.Equal(t, "Bob", guest["guestName"])
	assert.EqualValues(t, 1, out["session"].(map[string]any)["currentGuests"])

	// maxGuests is 1
	w, _ = do(t, r, request{method: http.MethodPost, path: "/api/sessions/invite/" + invite + "/join", body: gin.H{"guestName": "Carol"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	// guests cannot host
	w, out = do(t, r, request{method: http.MethodPost, path: "/api/sessions", token: guestToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_HOST", out["error"])

	w, out = do(t, r, request{method: http.MethodPatch, path: "/api/sessions/" + id + "/status", token: token, body: gin.H{"status": "active"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", out["status"])

	w, _ = do(t, r, request{method: http.MethodPatch, path: "/api/sessions/" + id + "/status", token: token, body: gin.H{"status": "paused"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = do(t, r, request{method: http.MethodPost, path: "/api/sessions/" + id + "/kick/" + guest["id"].(string), token: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 0, out["closed"])

	w, _ = do(t, r, request{method: http.MethodPost, path: "/api/sessions/" + id + "/kick/nobody", token: token})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOnlyOwnerManagesSession(t *testing.T) {
	r := newTestRouter(t)
	alice, _ := login(t, r, "Alice")
	mallory, _ := login(t, r, "Mallory")
	id, _ := createSession(t, r, alice)

	w, _ := do(t, r, request{method: http.MethodGet, path: "/api/sessions/" + id, token: alice})
	assert.Equal(t, http.StatusOK, w.Code)

	w, out := do(t, r, request{method: http.MethodGet, path: "/api/sessions/" + id, token: mallory})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_HOST", out["error"])

	w, _ = do(t, r, request{method: http.MethodGet, path: "/api/sessions/missing", token: alice})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCookieSessionAuthenticates(t *testing.T) {
	r := newTestRouter(t)
	_, cookies := login(t, r, "Alice")
	require.NotEmpty(t, cookies)

	w, out := do(t, r, request{method: http.MethodPost, path: "/api/sessions", cookies: cookies})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(out["inviteLink"].(string), "http://studio.test/join/"))
}

func TestUnknownInvite(t *testing.T) {
	r := newTestRouter(t)
	w, _ := do(t, r, request{method: http.MethodGet, path: "/api/sessions/invite/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, r, request{method: http.MethodGet, path: "/sessions/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
