package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const maxTxRetries = 5

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each session record as one JSON value keyed by id, plus an
// invite-token index. Both keys expire with the invite.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("studio:session:%s", id)
}

func (s *RedisStore) inviteKey(token string) string {
	return fmt.Sprintf("studio:invite:%s", token)
}

// ttl keeps ended sessions readable for a while after the invite expires.
func (s *RedisStore) ttl(rec *SessionRecord) time.Duration {
	d := rec.ExpiresAt.Sub(s.now())
	if d < time.Hour {
		d = time.Hour
	}
	return d
}

func (s *RedisStore) CreateSessionRecord(ctx context.Context, p CreateParams) (SessionRecord, error) {
	rec, err := newRecord(p, s.now())
	if err != nil {
		return SessionRecord{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return SessionRecord{}, err
	}
	ttl := s.ttl(&rec)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.ID), data, ttl)
		pipe.Set(ctx, s.inviteKey(rec.InviteToken), string(rec.ID), ttl)
		return nil
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("store session %s: %w", rec.ID, err)
	}
	log.Info().Str("module", "store.redis").Str("session", string(rec.ID)).Msg("session record created")
	return rec, nil
}

func (s *RedisStore) load(ctx context.Context, cmd getter, id domain.SessionID) (SessionRecord, error) {
	data, err := cmd.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisStore) GetSessionRecord(ctx context.Context, id domain.SessionID) (SessionRecord, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) idByToken(ctx context.Context, token string) (domain.SessionID, error) {
	id, err := s.client.Get(ctx, s.inviteKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("invite: %w", errs.ErrSessionNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.SessionID(id), nil
}

func (s *RedisStore) GetSessionByInviteToken(ctx context.Context, token string) (SessionRecord, error) {
	id, err := s.idByToken(ctx, token)
	if err != nil {
		return SessionRecord{}, err
	}
	rec, err := s.load(ctx, s.client, id)
	if err != nil {
		return SessionRecord{}, err
	}
	if err := rec.checkInvitable(s.now()); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// update runs fn as an optimistic WATCH/MULTI transaction on the session key.
func (s *RedisStore) update(ctx context.Context, id domain.SessionID, fn func(rec *SessionRecord) error) (SessionRecord, error) {
	key := s.sessionKey(id)
	var out SessionRecord
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(&rec))
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("module", "store.redis").Str("session", string(id)).Int("attempt", i+1).Msg("tx conflict, retrying")
			continue
		}
		return out, err
	}
	return SessionRecord{}, fmt.Errorf("update session %s: too many conflicts", id)
}

func (s *RedisStore) RecordGuestJoin(ctx context.Context, token string, g GuestJoin) (SessionRecord, GuestRecord, error) {
	id, err := s.idByToken(ctx, token)
	if err != nil {
		return SessionRecord{}, GuestRecord{}, err
	}
	var guest GuestRecord
	rec, err := s.update(ctx, id, func(rec *SessionRecord) error {
		var err error
		guest, err = joinGuest(rec, g, s.now())
		return err
	})
	if err != nil {
		return SessionRecord{}, GuestRecord{}, err
	}
	return rec, guest, nil
}

func (s *RedisStore) GuestLeft(ctx context.Context, id domain.SessionID, clientID string) error {
	_, err := s.update(ctx, id, func(rec *SessionRecord) error {
		markLeft(rec, clientID, s.now())
		return nil
	})
	return err
}

func (s *RedisStore) KickGuest(ctx context.Context, id domain.SessionID, guestID string) error {
	_, err := s.update(ctx, id, func(rec *SessionRecord) error {
		return kick(rec, guestID, s.now())
	})
	return err
}

func (s *RedisStore) UpdateSessionStatus(ctx context.Context, id domain.SessionID, status SessionStatus) (SessionRecord, error) {
	if !status.Valid() {
		return SessionRecord{}, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	return s.update(ctx, id, func(rec *SessionRecord) error {
		rec.Status = status
		return nil
	})
}

func (s *RedisStore) ActiveGuests(ctx context.Context, id domain.SessionID) ([]GuestRecord, error) {
	rec, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	return rec.ActiveGuests(), nil
}
