package app

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	closed atomic.Int32
}

func (s *stubConn) TrySend(core.Frame) error { return nil }
func (s *stubConn) Ping() error              { return nil }
func (s *stubConn) Close()                   { s.closed.Add(1) }

func newClient(name string, at time.Time) (*core.Client, *stubConn) {
	conn := &stubConn{}
	id, _ := domain.NewIdentity("user-"+name, name, false)
	return core.NewClient(domain.ConnectionID("conn-"+name), id, conn, at), conn
}

func hostOf(c *core.Client) Host {
	return Host{ConnectionID: c.ID, UserID: c.Identity.UserID, DisplayName: c.Identity.DisplayName}
}

func TestCreateSessionWithIDIsIdempotent(t *testing.T) {
	r := NewRegistry()
	first, created := r.CreateSessionWithID("S1", Host{UserID: "u1", DisplayName: "Ana"}, 4)
	require.True(t, created)

	second, created := r.CreateSessionWithID("S1", Host{UserID: "u2", DisplayName: "Bob"}, 8)
	assert.False(t, created)
	assert.Equal(t, first, second)
	assert.Equal(t, domain.UserID("u1"), second.HostUserID)
	assert.Equal(t, 4, second.MaxParticipants)
}

func TestCreateSessionGeneratesFreshIDs(t *testing.T) {
	r := NewRegistry()
	a := r.CreateSession(Host{UserID: "u1"}, 0)
	b := r.CreateSession(Host{UserID: "u1"}, 0)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, domain.DefaultMaxParticipants, a.MaxParticipants)
}

func TestAddClientToSessionErrors(t *testing.T) {
	r := NewRegistry()
	host, _ := newClient("host", time.Now())
	r.RegisterClient(host)

	err := r.AddClientToSession("missing", host, true)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	r.CreateSessionWithID("S1", hostOf(host), 2)
	require.NoError(t, r.AddClientToSession("S1", host, true))
	assert.ErrorIs(t, r.AddClientToSession("S1", host, true), errs.ErrAlreadyJoined)

	sid, in := host.SessionID()
	assert.True(t, in)
	assert.Equal(t, domain.SessionID("S1"), sid)
	assert.True(t, host.IsHost())
}

func TestSessionFullKeepsCount(t *testing.T) {
	r := NewRegistry()
	host, _ := newClient("host", time.Now())
	guest, _ := newClient("guest", time.Now())
	r.RegisterClient(host)
	r.RegisterClient(guest)

	r.CreateSessionWithID("S1", hostOf(host), 1)
	require.NoError(t, r.AddClientToSession("S1", host, true))

	err := r.AddClientToSession("S1", guest, false)
	assert.ErrorIs(t, err, errs.ErrSessionFull)
	assert.Equal(t, 1, r.ParticipantCount("S1"))
	_, in := guest.SessionID()
	assert.False(t, in)
}

func TestMoveRejectedKeepsCurrentSession(t *testing.T) {
	r := NewRegistry()
	a, _ := newClient("a", time.Now())
	b, _ := newClient("b", time.Now())
	h2, _ := newClient("h2", time.Now())
	r.CreateSessionWithID("S1", hostOf(a), 4)
	require.NoError(t, r.AddClientToSession("S1", a, true))
	require.NoError(t, r.AddClientToSession("S1", b, false))
	r.CreateSessionWithID("S2", hostOf(h2), 1)
	require.NoError(t, r.AddClientToSession("S2", h2, true))

	prev, err := r.MoveClientToSession("S2", b, false)
	assert.ErrorIs(t, err, errs.ErrSessionFull)
	assert.Empty(t, prev)
	sid, in := b.SessionID()
	assert.True(t, in)
	assert.Equal(t, domain.SessionID("S1"), sid)
	assert.Equal(t, 2, r.ParticipantCount("S1"))
	assert.Equal(t, 1, r.ParticipantCount("S2"))

	_, err = r.MoveClientToSession("missing", b, false)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.Equal(t, 2, r.ParticipantCount("S1"))
}

func TestMoveLeavesPreviousSession(t *testing.T) {
	r := NewRegistry()
	a, _ := newClient("a", time.Now())
	b, _ := newClient("b", time.Now())
	r.CreateSessionWithID("S1", hostOf(a), 4)
	require.NoError(t, r.AddClientToSession("S1", a, true))
	require.NoError(t, r.AddClientToSession("S1", b, false))
	r.CreateSessionWithID("S2", hostOf(b), 4)

	prev, err := r.MoveClientToSession("S2", b, true)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("S1"), prev)
	assert.Equal(t, 1, r.ParticipantCount("S1"))
	assert.Equal(t, 1, r.ParticipantCount("S2"))
	assert.True(t, b.IsHost())

	prev, err = r.MoveClientToSession("S1", a, true)
	assert.ErrorIs(t, err, errs.ErrAlreadyJoined)
	assert.Empty(t, prev)
}

func TestHostReclaimDemotesPreviousConnection(t *testing.T) {
	r := NewRegistry()
	id, err := domain.NewIdentity("user-host", "Host", false)
	require.NoError(t, err)
	first := core.NewClient("conn-host-1", id, &stubConn{}, time.Now())
	second := core.NewClient("conn-host-2", id, &stubConn{}, time.Now())
	r.CreateSessionWithID("S1", hostOf(first), 4)
	require.NoError(t, r.AddClientToSession("S1", first, true))
	require.NoError(t, r.AddClientToSession("S1", second, true))

	st, ok := r.SessionStats("S1")
	require.True(t, ok)
	hosts := 0
	for _, p := range st.Participants {
		if p.IsHost {
			hosts++
			assert.Equal(t, second.ID, p.ConnectionID)
		}
	}
	assert.Equal(t, 1, hosts)
	assert.Equal(t, second.ID, st.Session.HostConnectionID)
	assert.False(t, first.IsHost())
}

func TestRemoveClientDeletesEmptySession(t *testing.T) {
	r := NewRegistry()
	host, _ := newClient("host", time.Now())
	guest, _ := newClient("guest", time.Now())
	r.CreateSessionWithID("S1", hostOf(host), 5)
	require.NoError(t, r.AddClientToSession("S1", host, true))
	require.NoError(t, r.AddClientToSession("S1", guest, false))

	sid, ok := r.RemoveClientFromSession(guest.ID)
	assert.True(t, ok)
	assert.Equal(t, domain.SessionID("S1"), sid)

	st, ok := r.SessionStats("S1")
	require.True(t, ok)
	assert.Equal(t, 1, st.ParticipantCount)
	for _, p := range st.Participants {
		assert.NotEqual(t, guest.ID, p.ConnectionID)
	}

	_, ok = r.RemoveClientFromSession(guest.ID)
	assert.False(t, ok, "second removal is a no-op")

	r.RemoveClientFromSession(host.ID)
	_, exists := r.Session("S1")
	assert.False(t, exists)
}

func TestUnregisterCascadesToSession(t *testing.T) {
	r := NewRegistry()
	host, _ := newClient("host", time.Now())
	guest, _ := newClient("guest", time.Now())
	r.RegisterClient(host)
	r.RegisterClient(guest)
	r.CreateSessionWithID("S1", hostOf(host), 5)
	require.NoError(t, r.AddClientToSession("S1", host, true))
	require.NoError(t, r.AddClientToSession("S1", guest, false))

	sid, left := r.UnregisterClient(guest.ID)
	assert.True(t, left)
	assert.Equal(t, domain.SessionID("S1"), sid)
	_, ok := r.GetClient(guest.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, r.ParticipantCount("S1"))
	assert.Equal(t, 1, r.ClientCount())
}

func TestColocated(t *testing.T) {
	r := NewRegistry()
	a, _ := newClient("a", time.Now())
	b, _ := newClient("b", time.Now())
	c, _ := newClient("c", time.Now())
	r.CreateSessionWithID("S1", hostOf(a), 5)
	r.CreateSessionWithID("S2", hostOf(c), 5)
	require.NoError(t, r.AddClientToSession("S1", a, true))
	require.NoError(t, r.AddClientToSession("S1", b, false))
	require.NoError(t, r.AddClientToSession("S2", c, true))

	got, sid, err := r.Colocated(a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, domain.SessionID("S1"), sid)

	_, _, err = r.Colocated(a.ID, c.ID)
	assert.ErrorIs(t, err, errs.ErrRecipientNotInSession)

	_, _, err = r.Colocated(a.ID, "ghost")
	assert.ErrorIs(t, err, errs.ErrRecipientNotInSession)

	lonely, _ := newClient("lonely", time.Now())
	r.RegisterClient(lonely)
	_, _, err = r.Colocated(lonely.ID, a.ID)
	assert.ErrorIs(t, err, errs.ErrNotInSession)
}

func TestConcurrentJoinLeaveNeverExceedsCapacity(t *testing.T) {
	r := NewRegistry()
	const max = 5
	r.CreateSessionWithID("S1", Host{UserID: "host"}, max)
	anchor, _ := newClient("anchor", time.Now())
	require.NoError(t, r.AddClientToSession("S1", anchor, true))

	var wg sync.WaitGroup
	var violations atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newClient(fmt.Sprintf("g%d", i), time.Now())
			r.RegisterClient(c)
			for j := 0; j < 20; j++ {
				if err := r.AddClientToSession("S1", c, false); err == nil {
					if n := r.ParticipantCount("S1"); n > max {
						violations.Add(1)
					}
					r.RemoveClientFromSession(c.ID)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, 1, r.ParticipantCount("S1"))
}

func TestCleanupStaleClients(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	fresh, freshConn := newClient("fresh", base)
	stale, staleConn := newClient("stale", base.Add(-time.Minute))
	r.RegisterClient(fresh)
	r.RegisterClient(stale)
	r.CreateSessionWithID("S1", hostOf(fresh), 5)
	require.NoError(t, r.AddClientToSession("S1", fresh, true))
	require.NoError(t, r.AddClientToSession("S1", stale, false))

	var evicted []domain.SessionID
	r.OnEvict(func(c *core.Client, sid domain.SessionID) {
		assert.Equal(t, stale.ID, c.ID)
		evicted = append(evicted, sid)
	})

	n := r.CleanupStaleClients()
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.SessionID{"S1"}, evicted)
	assert.EqualValues(t, 1, staleConn.closed.Load())
	assert.EqualValues(t, 0, freshConn.closed.Load())
	assert.Equal(t, 1, r.ParticipantCount("S1"))

	assert.Zero(t, r.CleanupStaleClients())
}

func TestCleanupExpiresUnclaimedSessions(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.CreateSessionWithID("pre", Host{UserID: "u1"}, 3)

	r.now = func() time.Time { return base.Add(DefaultEmptySessionTTL + time.Second) }
	r.CleanupStaleClients()
	_, ok := r.Session("pre")
	assert.False(t, ok)
}

func TestUpdateConnectionQuality(t *testing.T) {
	r := NewRegistry()
	c, _ := newClient("a", time.Now())
	r.RegisterClient(c)

	assert.True(t, r.UpdateConnectionQuality(c.ID, domain.ConnectionQuality{LatencyMs: 42}))
	assert.False(t, r.UpdateConnectionQuality("ghost", domain.ConnectionQuality{}))

	snap := c.Snapshot()
	require.NotNil(t, snap.Quality)
	assert.Equal(t, 42.0, snap.Quality.LatencyMs)
	assert.False(t, snap.Quality.UpdatedAt.IsZero())
}
