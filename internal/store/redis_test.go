package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	rec, err := s.CreateSessionRecord(ctx, CreateParams{HostID: "u1", HostName: "Ana", Title: "Pilot", ExpiresIn: 3 * time.Hour})
	require.NoError(t, err)

	got, err := s.GetSessionRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pilot", got.Title)
	assert.Equal(t, StatusWaiting, got.Status)

	byInvite, err := s.GetSessionByInviteToken(ctx, rec.InviteToken)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byInvite.ID)

	assert.True(t, mr.Exists("studio:session:"+string(rec.ID)))
	assert.True(t, mr.Exists("studio:invite:"+rec.InviteToken))
	assert.InDelta(t, (3 * time.Hour).Seconds(), mr.TTL("studio:session:"+string(rec.ID)).Seconds(), 5)

	_, err = s.GetSessionRecord(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	_, err = s.GetSessionByInviteToken(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestRedisGuestLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	rec, err := s.CreateSessionRecord(ctx, CreateParams{HostID: "u1", MaxGuests: 1})
	require.NoError(t, err)

	_, g, err := s.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "Bea", ClientID: "c1"})
	require.NoError(t, err)
	_, _, err = s.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "Cy", ClientID: "c2"})
	assert.ErrorIs(t, err, errs.ErrSessionFull)

	active, err := s.ActiveGuests(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, g.ID, active[0].ID)

	require.NoError(t, s.GuestLeft(ctx, rec.ID, "c1"))
	active, err = s.ActiveGuests(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.NoError(t, s.KickGuest(ctx, rec.ID, g.ID))
	assert.ErrorIs(t, s.KickGuest(ctx, rec.ID, "nobody"), ErrGuestNotFound)
}

func TestRedisStatusUpdates(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	rec, err := s.CreateSessionRecord(ctx, CreateParams{HostID: "u1"})
	require.NoError(t, err)

	_, err = s.UpdateSessionStatus(ctx, rec.ID, "bogus")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	updated, err := s.UpdateSessionStatus(ctx, rec.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)

	_, err = s.GetSessionByInviteToken(ctx, rec.InviteToken)
	assert.ErrorIs(t, err, ErrSessionCancelled)
	_, err = s.UpdateSessionStatus(ctx, "missing", StatusEnded)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestRedisConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	rec, err := s.CreateSessionRecord(ctx, CreateParams{HostID: "u1", MaxGuests: 2})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.RecordGuestJoin(ctx, rec.InviteToken, GuestJoin{Name: "g"}); err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	active, err := s.ActiveGuests(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, active, joined)
	assert.LessOrEqual(t, joined, 2)
}
