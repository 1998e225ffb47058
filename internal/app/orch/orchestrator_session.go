package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Studio/internal/app"
	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/store"
	"github.com/rs/zerolog/log"
)

type JoinRequest struct {
	SessionID domain.SessionID
	IsHost    bool
}

type JoinResult struct {
	Session domain.Session
	// Others is the participant list minus the joiner, in join order.
	Others []domain.Participant
	// Rejoined is set when the client was already a member; nothing changed.
	Rejoined bool
	// Left is set when joining moved the client out of a previous session.
	Left *LeaveResult
}

type LeaveResult struct {
	SessionID domain.SessionID
	Client    domain.Participant
	Remaining int
}

// Join attaches c to req.SessionID, moving it out of its current session when
// it has one. A rejected join keeps the current membership. Store lookups happen
// before any registry mutation and store updates after it.
func (o *Orchestrator) Join(ctx context.Context, c *core.Client, req JoinRequest) (JoinResult, error) {
	sid := req.SessionID
	if sid == "" {
		if !req.IsHost {
			return JoinResult{}, fmt.Errorf("join: %w", errs.ErrSessionNotFound)
		}
		sid = domain.NewSessionID()
	}
	if inv := c.Identity.Invite; inv != nil && inv.SessionID != sid {
		return JoinResult{}, fmt.Errorf("invite is for another session: %w", errs.ErrSessionNotFound)
	}
	if req.IsHost && c.Identity.IsGuest {
		return JoinResult{}, fmt.Errorf("guest cannot host: %w", errs.ErrNotHost)
	}

	if cur, in := c.SessionID(); in && cur == sid {
		sess, _ := o.Registry.Session(sid)
		log.Info().Str("module", "orch").Str("conn", string(c.ID)).Str("session", string(sid)).Msg("re-join, resending confirmation")
		return JoinResult{Session: sess, Others: o.others(sid, c.ID), Rejoined: true}, nil
	}

	asHost, err := o.admit(ctx, c, sid, req.IsHost)
	if err != nil {
		return JoinResult{}, err
	}

	var res JoinResult
	snap := c.Snapshot()
	prev, err := o.Registry.MoveClientToSession(sid, c, asHost)
	if err != nil {
		return res, err
	}
	if prev != "" {
		left := o.afterLeave(ctx, prev, snap)
		res.Left = &left
	}
	res.Session, _ = o.Registry.Session(sid)
	res.Others = o.others(sid, c.ID)

	if asHost && o.Store != nil {
		o.markStatus(ctx, sid, store.StatusActive)
	}
	return res, nil
}

// admit resolves the session for a join, creating it for its host when absent,
// and reports whether c joins as host.
func (o *Orchestrator) admit(ctx context.Context, c *core.Client, sid domain.SessionID, wantHost bool) (bool, error) {
	if sess, ok := o.Registry.Session(sid); ok {
		return o.hostCheck(sess, c, wantHost)
	}
	if !wantHost {
		return false, fmt.Errorf("join %s: %w", sid, errs.ErrSessionNotFound)
	}

	max := o.maxParticipants()
	if o.Store != nil {
		sctx, cancel := o.storeCtx(ctx)
		rec, err := o.Store.GetSessionRecord(sctx, sid)
		cancel()
		switch {
		case err == nil:
			if rec.HostID != c.Identity.UserID {
				return false, fmt.Errorf("join %s: %w", sid, errs.ErrNotHost)
			}
			if rec.Status == store.StatusCancelled {
				return false, fmt.Errorf("join %s: cancelled: %w", sid, errs.ErrSessionNotFound)
			}
			max = rec.MaxGuests + 1
		case errors.Is(err, errs.ErrSessionNotFound):
		default:
			log.Warn().Err(err).Str("module", "orch").Str("session", string(sid)).Msg("store lookup failed, creating ad-hoc session")
		}
	}

	host := app.Host{ConnectionID: c.ID, UserID: c.Identity.UserID, DisplayName: c.Identity.DisplayName}
	sess, created := o.Registry.CreateSessionWithID(sid, host, max)
	if !created {
		return o.hostCheck(sess, c, wantHost)
	}
	return true, nil
}

// hostCheck applies the host rule to an existing session: the user that created
// it may reclaim host from any connection, anyone else asking for host is rejected.
// The owner joining without asking for host joins as a plain participant.
func (o *Orchestrator) hostCheck(sess domain.Session, c *core.Client, wantHost bool) (bool, error) {
	if !wantHost {
		return false, nil
	}
	if sess.HostUserID != c.Identity.UserID {
		return false, fmt.Errorf("join %s: %w", sess.ID, errs.ErrNotHost)
	}
	return true, nil
}

func (o *Orchestrator) others(sid domain.SessionID, self domain.ConnectionID) []domain.Participant {
	clients := o.Registry.SessionClients(sid)
	out := make([]domain.Participant, 0, len(clients))
	for _, m := range clients {
		if m.ID != self {
			out = append(out, m.Snapshot())
		}
	}
	return out
}

// Leave removes c from its session. ok is false when c was not a member.
func (o *Orchestrator) Leave(ctx context.Context, c *core.Client) (LeaveResult, bool) {
	snap := c.Snapshot()
	sid, ok := o.Registry.RemoveClientFromSession(c.ID)
	if !ok {
		return LeaveResult{}, false
	}
	return o.afterLeave(ctx, sid, snap), true
}

// Disconnect unregisters c, leaving its session first.
func (o *Orchestrator) Disconnect(ctx context.Context, c *core.Client) (LeaveResult, bool) {
	snap := c.Snapshot()
	sid, left := o.Registry.UnregisterClient(c.ID)
	log.Info().Str("module", "orch").Str("conn", string(c.ID)).Msg("client disconnected")
	if !left {
		return LeaveResult{}, false
	}
	return o.afterLeave(ctx, sid, snap), true
}

// Evicted finishes the bookkeeping of a client dropped by the stale sweep.
func (o *Orchestrator) Evicted(ctx context.Context, c *core.Client, sid domain.SessionID) (LeaveResult, bool) {
	if sid == "" {
		return LeaveResult{}, false
	}
	snap := c.Snapshot()
	return o.afterLeave(ctx, sid, snap), true
}

func (o *Orchestrator) afterLeave(ctx context.Context, sid domain.SessionID, who domain.Participant) LeaveResult {
	res := LeaveResult{SessionID: sid, Client: who, Remaining: o.Registry.ParticipantCount(sid)}
	log.Info().Str("module", "orch").Str("conn", string(who.ConnectionID)).Str("session", string(sid)).Int("remaining", res.Remaining).Msg("left session")
	if o.Store == nil {
		return res
	}
	if who.IsGuest {
		sctx, cancel := o.storeCtx(ctx)
		if err := o.Store.GuestLeft(sctx, sid, string(who.UserID)); err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
			log.Warn().Err(err).Str("module", "orch").Str("session", string(sid)).Msg("record guest left")
		}
		cancel()
	}
	if res.Remaining == 0 {
		o.markStatus(ctx, sid, store.StatusEnded)
	}
	return res
}

func (o *Orchestrator) markStatus(ctx context.Context, sid domain.SessionID, status store.SessionStatus) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if _, err := o.Store.UpdateSessionStatus(sctx, sid, status); err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
		log.Warn().Err(err).Str("module", "orch").Str("session", string(sid)).Str("status", string(status)).Msg("update session status")
	}
}

// PrepareSession pre-creates the registry entry for a durable record so the
// host's first socket attaches to it. Idempotent.
func (o *Orchestrator) PrepareSession(rec store.SessionRecord) domain.Session {
	host := app.Host{UserID: rec.HostID, DisplayName: rec.HostName}
	sess, _ := o.Registry.CreateSessionWithID(rec.ID, host, rec.MaxGuests+1)
	return sess
}
