package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
)

// MemoryStore keeps records in process memory. Used when redis is disabled and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*SessionRecord
	invites  map[string]domain.SessionID
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[domain.SessionID]*SessionRecord),
		invites:  make(map[string]domain.SessionID),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateSessionRecord(_ context.Context, p CreateParams) (SessionRecord, error) {
	rec, err := newRecord(p, m.now())
	if err != nil {
		return SessionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = &rec
	m.invites[rec.InviteToken] = rec.ID
	return clone(rec), nil
}

func (m *MemoryStore) GetSessionRecord(_ context.Context, id domain.SessionID) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	return clone(*rec), nil
}

func (m *MemoryStore) byToken(token string) (*SessionRecord, error) {
	id, ok := m.invites[token]
	if !ok {
		return nil, fmt.Errorf("invite: %w", errs.ErrSessionNotFound)
	}
	rec, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("invite: %w", errs.ErrSessionNotFound)
	}
	if err := rec.checkInvitable(m.now()); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *MemoryStore) GetSessionByInviteToken(_ context.Context, token string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.byToken(token)
	if err != nil {
		return SessionRecord{}, err
	}
	return clone(*rec), nil
}

func (m *MemoryStore) RecordGuestJoin(_ context.Context, token string, g GuestJoin) (SessionRecord, GuestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.byToken(token)
	if err != nil {
		return SessionRecord{}, GuestRecord{}, err
	}
	guest, err := joinGuest(rec, g, m.now())
	if err != nil {
		return SessionRecord{}, GuestRecord{}, err
	}
	return clone(*rec), guest, nil
}

func (m *MemoryStore) GuestLeft(_ context.Context, id domain.SessionID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	markLeft(rec, clientID, m.now())
	return nil
}

func (m *MemoryStore) KickGuest(_ context.Context, id domain.SessionID, guestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	return kick(rec, guestID, m.now())
}

func (m *MemoryStore) UpdateSessionStatus(_ context.Context, id domain.SessionID, status SessionStatus) (SessionRecord, error) {
	if !status.Valid() {
		return SessionRecord{}, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	rec.Status = status
	return clone(*rec), nil
}

func (m *MemoryStore) ActiveGuests(_ context.Context, id domain.SessionID) ([]GuestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	return rec.ActiveGuests(), nil
}

func clone(r SessionRecord) SessionRecord {
	r.Guests = append([]GuestRecord(nil), r.Guests...)
	return r
}
