package store

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionRecordDefaults(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	rec, err := m.CreateSessionRecord(context.Background(), CreateParams{HostID: "u1", HostName: "Ana"})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxGuests, rec.MaxGuests)
	assert.Equal(t, StatusWaiting, rec.Status)
	assert.Equal(t, base.Add(6*time.Hour), rec.ExpiresAt)
	assert.Len(t, rec.InviteToken, 43)
	assert.NotContains(t, rec.InviteToken, "=")

	_, err = m.CreateSessionRecord(context.Background(), CreateParams{})
	assert.Error(t, err)
}

func TestInviteLookupFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.GetSessionByInviteToken(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	rec, err := m.CreateSessionRecord(ctx, CreateParams{HostID: "u1", ExpiresIn: time.Hour})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = m.GetSessionByInviteToken(ctx, rec.InviteToken)
	assert.ErrorIs(t, err, ErrSessionExpired)

	m.now = func() time.Time { return base }
	_, err = m.UpdateSessionStatus(ctx, rec.ID, StatusCancelled)
	require.NoError(t, err)
	_, err = m.GetSessionByInviteToken(ctx, rec.InviteToken)
	assert.ErrorIs(t, err, ErrSessionCancelled)
}

func TestRecordGuestJoinCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rec, err := m.CreateSessionRecord(ctx, CreateParams{HostID: "u1", MaxGuests: 2})
	require.NoError(t, err)

	_, g1, err := m.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "one", ClientID: "c1"})
	require.NoError(t, err)
	_, _, err = m.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "two", ClientID: "c2"})
	require.NoError(t, err)

	_, _, err = m.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "three"})
	assert.ErrorIs(t, err, errs.ErrSessionFull)

	require.NoError(t, m.GuestLeft(ctx, rec.ID, "c2"))
	active, err := m.ActiveGuests(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, g1.ID, active[0].ID)

	require.NoError(t, m.KickGuest(ctx, rec.ID, g1.ID))
	assert.ErrorIs(t, m.KickGuest(ctx, rec.ID, "ghost"), ErrGuestNotFound)

	got, err := m.GetSessionRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, GuestKicked, got.Guests[0].Status)
	assert.NotNil(t, got.Guests[0].LeftAt)
	assert.Equal(t, GuestLeft, got.Guests[1].Status)
}

func TestUpdateSessionStatusValidates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rec, err := m.CreateSessionRecord(ctx, CreateParams{HostID: "u1"})
	require.NoError(t, err)

	_, err = m.UpdateSessionStatus(ctx, rec.ID, "bogus")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = m.UpdateSessionStatus(ctx, "missing", StatusActive)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	got, err := m.UpdateSessionStatus(ctx, rec.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestInviteLink(t *testing.T) {
	assert.Equal(t, "https://studio.test/join/abc", InviteLink("https://studio.test", "abc"))
	assert.Equal(t, "http://localhost:3001/join/abc", InviteLink("", "abc"))
}
