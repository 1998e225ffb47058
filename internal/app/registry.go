package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStaleAfter = 30 * time.Second
	// DefaultEmptySessionTTL bounds how long a pre-created session may wait for its first socket.
	DefaultEmptySessionTTL = 10 * time.Minute
)

// Host describes who owns a session being created.
type Host struct {
	ConnectionID domain.ConnectionID
	UserID       domain.UserID
	DisplayName  string
}

type sessionEntry struct {
	meta    domain.Session
	members map[domain.ConnectionID]*core.Client
	order   []domain.ConnectionID
}

func (e *sessionEntry) remove(id domain.ConnectionID) {
	delete(e.members, id)
	for i, cid := range e.order {
		if cid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// EvictionHandler observes clients removed by the stale sweep.
// sid is empty when the client was not in a session.
type EvictionHandler func(c *core.Client, sid domain.SessionID)

// Registry is the authoritative in-memory map of sessions and connected clients.
// Every mutation is a short critical section under mu; no I/O happens while it is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	clients  map[domain.ConnectionID]*core.Client

	staleAfter time.Duration
	emptyTTL   time.Duration
	onEvict    EvictionHandler
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[domain.SessionID]*sessionEntry),
		clients:    make(map[domain.ConnectionID]*core.Client),
		staleAfter: DefaultStaleAfter,
		emptyTTL:   DefaultEmptySessionTTL,
		now:        time.Now,
	}
}

func (r *Registry) SetStaleAfter(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.staleAfter = d
	}
}

// OnEvict installs the handler called after stale clients are dropped.
func (r *Registry) OnEvict(fn EvictionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

func (r *Registry) CreateSession(host Host, maxParticipants int) domain.Session {
	s, _ := r.CreateSessionWithID(domain.NewSessionID(), host, maxParticipants)
	return s
}

// CreateSessionWithID is idempotent: an existing id returns the existing session and false.
func (r *Registry) CreateSessionWithID(id domain.SessionID, host Host, maxParticipants int) (domain.Session, bool) {
	if maxParticipants <= 0 {
		maxParticipants = domain.DefaultMaxParticipants
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		log.Debug().Str("module", "app.registry").Str("session", string(id)).Msg("session exists, reusing")
		return e.meta, false
	}
	e := &sessionEntry{
		meta: domain.Session{
			ID:               id,
			HostConnectionID: host.ConnectionID,
			HostUserID:       host.UserID,
			HostDisplayName:  host.DisplayName,
			MaxParticipants:  maxParticipants,
			CreatedAt:        r.now(),
		},
		members: make(map[domain.ConnectionID]*core.Client),
	}
	r.sessions[id] = e
	log.Info().Str("module", "app.registry").Str("session", string(id)).Str("host", string(host.UserID)).Int("max", maxParticipants).Msg("session created")
	return e.meta, true
}

func (r *Registry) Session(id domain.SessionID) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return e.meta, true
}

// AddClientToSession inserts c and binds its session id in one step.
// asHost also records c as the session's current host connection.
func (r *Registry) AddClientToSession(sid domain.SessionID, c *core.Client, asHost bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.admitLocked(sid, c)
	if err != nil {
		return err
	}
	if cur, in := c.SessionID(); in {
		return fmt.Errorf("join %s while in %s: %w", sid, cur, errs.ErrAlreadyJoined)
	}
	r.joinLocked(e, sid, c, asHost)
	return nil
}

// MoveClientToSession joins c to sid, leaving its current session in the same
// critical section. A rejected join leaves the current membership untouched.
// prev is empty when c was not in a session.
func (r *Registry) MoveClientToSession(sid domain.SessionID, c *core.Client, asHost bool) (prev domain.SessionID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.admitLocked(sid, c)
	if err != nil {
		return "", err
	}
	if cur, in := c.SessionID(); in {
		r.clients[c.ID] = c
		prev, _ = r.removeLocked(c.ID)
		log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("from", string(cur)).Str("to", string(sid)).Msg("client moving session")
	}
	r.joinLocked(e, sid, c, asHost)
	return prev, nil
}

func (r *Registry) admitLocked(sid domain.SessionID, c *core.Client) (*sessionEntry, error) {
	e, ok := r.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("join %s: %w", sid, errs.ErrSessionNotFound)
	}
	if _, member := e.members[c.ID]; member {
		return nil, fmt.Errorf("join %s: %w", sid, errs.ErrAlreadyJoined)
	}
	if len(e.members) >= e.meta.MaxParticipants {
		return nil, fmt.Errorf("join %s: %w", sid, errs.ErrSessionFull)
	}
	return e, nil
}

// joinLocked binds c to e. A new host connection demotes the previous one so a
// session never reports two hosts.
func (r *Registry) joinLocked(e *sessionEntry, sid domain.SessionID, c *core.Client, asHost bool) {
	r.clients[c.ID] = c
	e.members[c.ID] = c
	e.order = append(e.order, c.ID)
	c.BindSession(sid, asHost, r.now())
	if asHost {
		if old, ok := e.members[e.meta.HostConnectionID]; ok && old.ID != c.ID {
			old.SetHost(false)
			log.Info().Str("module", "app.registry").Str("conn", string(old.ID)).Str("session", string(sid)).Msg("host connection replaced")
		}
		e.meta.HostConnectionID = c.ID
	}
	log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("session", string(sid)).Bool("host", asHost).Msg("client joined session")
}

// RemoveClientFromSession is a no-op for non-members. An emptied session is deleted.
func (r *Registry) RemoveClientFromSession(id domain.ConnectionID) (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id domain.ConnectionID) (domain.SessionID, bool) {
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	sid, in := c.SessionID()
	if !in {
		return "", false
	}
	c.ClearSession()
	e, ok := r.sessions[sid]
	if !ok {
		return sid, true
	}
	e.remove(id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("session", string(sid)).Msg("client left session")
	if len(e.members) == 0 {
		delete(r.sessions, sid)
		log.Info().Str("module", "app.registry").Str("session", string(sid)).Msg("session deleted (empty)")
	}
	return sid, true
}

func (r *Registry) RegisterClient(c *core.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("user", string(c.Identity.UserID)).Msg("client registered")
}

// UnregisterClient drops the connection, leaving its session first.
func (r *Registry) UnregisterClient(id domain.ConnectionID) (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, left := r.removeLocked(id)
	if _, ok := r.clients[id]; ok {
		delete(r.clients, id)
		log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("client unregistered")
	}
	return sid, left
}

func (r *Registry) GetClient(id domain.ConnectionID) (*core.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Colocated returns the recipient when both ids are members of the same session.
func (r *Registry) Colocated(from, to domain.ConnectionID) (*core.Client, domain.SessionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.clients[from]
	if !ok {
		return nil, "", errs.ErrNotInSession
	}
	sid, in := sender.SessionID()
	if !in {
		return nil, "", errs.ErrNotInSession
	}
	e, ok := r.sessions[sid]
	if !ok {
		return nil, "", errs.ErrNotInSession
	}
	recipient, ok := e.members[to]
	if !ok {
		return nil, sid, errs.ErrRecipientNotInSession
	}
	return recipient, sid, nil
}

// SessionClients returns the members of sid in join order.
func (r *Registry) SessionClients(sid domain.SessionID) []*core.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]*core.Client, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.members[id])
	}
	return out
}

func (r *Registry) ParticipantCount(sid domain.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return len(e.members)
	}
	return 0
}

func (r *Registry) SessionStats(sid domain.SessionID) (domain.SessionStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.SessionStats{}, false
	}
	return r.statsLocked(e), true
}

func (r *Registry) statsLocked(e *sessionEntry) domain.SessionStats {
	st := domain.SessionStats{
		Session:          e.meta,
		ParticipantCount: len(e.members),
		DurationSeconds:  int64(r.now().Sub(e.meta.CreatedAt) / time.Second),
		Participants:     make([]domain.Participant, 0, len(e.order)),
	}
	for _, id := range e.order {
		st.Participants = append(st.Participants, e.members[id].Snapshot())
	}
	return st
}

func (r *Registry) AllSessions() []domain.SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionStats, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, r.statsLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Clients returns every registered client, in or out of a session.
func (r *Registry) Clients() []*core.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records liveness for id.
func (r *Registry) Touch(id domain.ConnectionID) {
	if c, ok := r.GetClient(id); ok {
		c.Touch(r.now())
	}
}

func (r *Registry) UpdateConnectionQuality(id domain.ConnectionID, q domain.ConnectionQuality) bool {
	c, ok := r.GetClient(id)
	if !ok {
		return false
	}
	q.UpdatedAt = r.now()
	c.SetQuality(q)
	return true
}

type eviction struct {
	client *core.Client
	sid    domain.SessionID
}

// CleanupStaleClients unregisters every client silent for longer than the stale
// threshold and closes its transport. Transports are closed and the eviction
// handler runs after the lock is released.
func (r *Registry) CleanupStaleClients() int {
	r.mu.Lock()
	now := r.now()
	var evicted []eviction
	for id, c := range r.clients {
		if now.Sub(c.LastSeen()) <= r.staleAfter {
			continue
		}
		sid, _ := r.removeLocked(id)
		delete(r.clients, id)
		evicted = append(evicted, eviction{client: c, sid: sid})
	}
	for sid, e := range r.sessions {
		if len(e.members) == 0 && now.Sub(e.meta.CreatedAt) > r.emptyTTL {
			delete(r.sessions, sid)
			log.Info().Str("module", "app.registry").Str("session", string(sid)).Msg("expired unclaimed session")
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	for _, ev := range evicted {
		log.Info().Str("module", "app.registry").Str("conn", string(ev.client.ID)).Msg("cleaning up stale client")
		if sig := ev.client.Signal(); sig != nil {
			sig.Close()
		}
		if onEvict != nil {
			onEvict(ev.client, ev.sid)
		}
	}
	return len(evicted)
}
