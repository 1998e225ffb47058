package core

import (
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/domain"
)

// Client is one registered connection. Membership fields are written only by the
// registry while it holds its own lock, so registry and client never disagree.
type Client struct {
	ID       domain.ConnectionID
	Identity domain.Identity

	conn SignalConnection

	mu        sync.RWMutex
	sessionID domain.SessionID
	isHost    bool
	joinedAt  time.Time
	lastSeen  time.Time
	quality   *domain.ConnectionQuality
}

func NewClient(id domain.ConnectionID, identity domain.Identity, conn SignalConnection, now time.Time) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		conn:     conn,
		joinedAt: now,
		lastSeen: now,
	}
}

func (c *Client) Signal() SignalConnection { return c.conn }

// SessionID reports the session the client is currently a member of.
func (c *Client) SessionID() (domain.SessionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.sessionID != ""
}

func (c *Client) IsHost() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHost
}

func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) Touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.lastSeen) {
		c.lastSeen = at
	}
}

func (c *Client) SetQuality(q domain.ConnectionQuality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quality = &q
}

// BindSession is called by the registry under its lock.
func (c *Client) BindSession(sid domain.SessionID, isHost bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sid
	c.isHost = isHost
	c.joinedAt = at
}

// SetHost is called by the registry under its lock.
func (c *Client) SetHost(isHost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isHost = isHost
}

// ClearSession is called by the registry under its lock.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.isHost = false
}

func (c *Client) Snapshot() domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := domain.Participant{
		ConnectionID: c.ID,
		UserID:       c.Identity.UserID,
		DisplayName:  c.Identity.DisplayName,
		IsHost:       c.isHost,
		IsGuest:      c.Identity.IsGuest,
		JoinedAt:     c.joinedAt,
	}
	if c.quality != nil {
		q := *c.quality
		p.Quality = &q
	}
	return p
}
