package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Studio/internal/app/orch"
	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, client *core.Client, msg protocol.Message) {
	var p protocol.JoinPayload
	if body := msg.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
			ctl.sendError(client, fmt.Errorf("join: %w", errs.ErrBadPayload))
			return
		}
	}
	if p.SessionID == "" {
		p.SessionID = msg.SessionID
	}

	res, err := ctl.Orch.Join(ctx, client, orch.JoinRequest{SessionID: p.SessionID, IsHost: p.IsHost})
	if res.Left != nil {
		ctl.broadcastPeerLeft(*res.Left)
	}
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", string(client.ID)).Str("session", string(p.SessionID)).Msg("join rejected")
		ctl.sendError(client, err)
		return
	}

	sid := res.Session.ID
	confirm := message(protocol.TypeSessionUpdate, protocol.SessionUpdate{
		ClientID:        client.ID,
		Joined:          true,
		SessionID:       sid,
		IsHost:          client.IsHost(),
		HostID:          res.Session.HostConnectionID,
		MaxParticipants: res.Session.MaxParticipants,
		Participants:    res.Others,
	})
	confirm.SessionID = sid
	ctl.sendJSON(client, confirm)
	if res.Rejoined {
		return
	}

	joined := message(protocol.TypePeerJoined, client.Snapshot())
	joined.From = client.ID
	joined.SessionID = sid
	ctl.broadcast(sid, client.ID, joined)
	log.Info().Str("module", "signal").Str("conn", string(client.ID)).Str("session", string(sid)).Int("others", len(res.Others)).Msg("join")
}

// handleLeave leaves the current session; the socket stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, client *core.Client) {
	res, ok := ctl.Orch.Leave(ctx, client)
	if !ok {
		return
	}
	ctl.broadcastPeerLeft(res)
}

func (ctl *SignalWSController) broadcastPeerLeft(res orch.LeaveResult) {
	m := message(protocol.TypePeerLeft, protocol.PeerLeft{
		ClientID: res.Client.ConnectionID,
		UserID:   res.Client.UserID,
	})
	m.From = res.Client.ConnectionID
	m.SessionID = res.SessionID
	ctl.broadcast(res.SessionID, res.Client.ConnectionID, m)
}
