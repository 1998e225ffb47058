package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type joinReply struct {
	update protocol.SessionUpdate
	err    error
}

// Call binds a signaling connection to a peer manager. The joining side
// offers to every participant already present; everyone else answers.
type Call struct {
	conn   *Conn
	peers  *peer.Manager
	logger zerolog.Logger

	mu      sync.Mutex
	session domain.SessionID
	isHost  bool
	waiting chan joinReply

	unsubscribe func()
}

func NewCall(conn *Conn, peers *peer.Manager) *Call {
	c := &Call{
		conn:   conn,
		peers:  peers,
		logger: log.With().Str("module", "client").Str("conn", string(conn.ID())).Logger(),
	}
	c.unsubscribe = peers.Subscribe(c.onPeerEvent)
	return c
}

func (c *Call) ID() domain.ConnectionID { return c.conn.ID() }
func (c *Call) Peers() *peer.Manager   { return c.peers }

func (c *Call) Session() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Call) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// Run dispatches server frames until the socket closes or ctx ends.
func (c *Call) Run(ctx context.Context) error {
	return c.conn.Run(ctx, c.handle)
}

// Join asks to enter sid and waits for the confirmation. Run must be active.
func (c *Call) Join(ctx context.Context, sid domain.SessionID, host bool) (protocol.SessionUpdate, error) {
	reply := make(chan joinReply, 1)
	c.mu.Lock()
	if c.waiting != nil {
		c.mu.Unlock()
		return protocol.SessionUpdate{}, fmt.Errorf("join already pending: %w", errs.ErrInvalidState)
	}
	c.waiting = reply
	c.mu.Unlock()

	m, err := protocol.New(protocol.TypeJoin, protocol.JoinPayload{SessionID: sid, IsHost: host})
	if err == nil {
		m.SessionID = sid
		err = c.conn.Send(m)
	}
	if err != nil {
		c.clearWaiting(reply)
		return protocol.SessionUpdate{}, fmt.Errorf("send join: %w", err)
	}

	select {
	case r := <-reply:
		return r.update, r.err
	case <-ctx.Done():
		c.clearWaiting(reply)
		return protocol.SessionUpdate{}, ctx.Err()
	}
}

func (c *Call) clearWaiting(ch chan joinReply) {
	c.mu.Lock()
	if c.waiting == ch {
		c.waiting = nil
	}
	c.mu.Unlock()
}

func (c *Call) reply(r joinReply) bool {
	c.mu.Lock()
	ch := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

// Leave exits the current session and drops every peer.
func (c *Call) Leave() error {
	c.mu.Lock()
	c.session = ""
	c.isHost = false
	c.mu.Unlock()
	for _, id := range c.peers.Remotes() {
		c.peers.ClosePeerConnection(id)
	}
	return c.conn.Send(protocol.Message{Type: protocol.TypeLeave})
}

// SetLocalTracks swaps the outgoing media and renegotiates with every peer.
func (c *Call) SetLocalTracks(tracks []webrtc.TrackLocal) error {
	err := c.peers.SetLocalTracks(tracks)
	for _, id := range c.peers.Remotes() {
		if oerr := c.offer(id); oerr != nil {
			err = errors.Join(err, oerr)
		}
	}
	return err
}

// ReportQuality sends measured link quality to the server.
func (c *Call) ReportQuality(q protocol.QualityPayload) error {
	return c.conn.SendPayload(protocol.TypeQuality, "", q)
}

func (c *Call) Close() error {
	c.unsubscribe()
	c.peers.Dispose()
	return c.conn.Close()
}

func (c *Call) offer(to domain.ConnectionID) error {
	sdp, err := c.peers.CreateOffer(to)
	if err != nil {
		return err
	}
	return c.conn.SendPayload(protocol.TypeOffer, to, toWireSDP(sdp))
}

func (c *Call) onPeerEvent(e peer.Event) {
	if e.Type != peer.EventICECandidate || e.Candidate == nil {
		return
	}
	if err := c.conn.SendPayload(protocol.TypeICECandidate, e.RemoteID, toWireICE(*e.Candidate)); err != nil {
		c.logger.Warn().Err(err).Str("peer", string(e.RemoteID)).Msg("send candidate")
	}
}

func (c *Call) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeSessionUpdate:
		c.handleSessionUpdate(m)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := decode(m, &p); err != nil {
			c.logger.Error().Err(err).Msg("bad error frame")
			return
		}
		rerr := &RemoteError{Code: p.Code, Message: p.Error}
		if !c.reply(joinReply{err: rerr}) {
			c.logger.Warn().Str("code", p.Code).Str("error", p.Error).Msg("server error")
		}
	case protocol.TypePeerJoined:
		c.logger.Info().Str("peer", string(m.From)).Msg("peer joined")
	case protocol.TypePeerLeft:
		var p protocol.PeerLeft
		_ = decode(m, &p)
		id := p.ClientID
		if id == "" {
			id = m.From
		}
		c.peers.ClosePeerConnection(id)
		c.logger.Info().Str("peer", string(id)).Msg("peer left")
	case protocol.TypeOffer:
		var sdp protocol.SessionDescription
		if err := decode(m, &sdp); err != nil {
			c.logger.Error().Err(err).Msg("bad offer")
			return
		}
		answer, err := c.peers.HandleOffer(m.From, fromWireSDP(sdp))
		if err != nil {
			c.logger.Error().Err(err).Str("peer", string(m.From)).Msg("handle offer")
			return
		}
		if err := c.conn.SendPayload(protocol.TypeAnswer, m.From, toWireSDP(answer)); err != nil {
			c.logger.Error().Err(err).Str("peer", string(m.From)).Msg("send answer")
		}
	case protocol.TypeAnswer:
		var sdp protocol.SessionDescription
		if err := decode(m, &sdp); err != nil {
			c.logger.Error().Err(err).Msg("bad answer")
			return
		}
		if err := c.peers.HandleAnswer(m.From, fromWireSDP(sdp)); err != nil {
			c.logger.Error().Err(err).Str("peer", string(m.From)).Msg("handle answer")
		}
	case protocol.TypeICECandidate:
		var cand protocol.ICECandidate
		if err := decode(m, &cand); err != nil {
			c.logger.Error().Err(err).Msg("bad candidate")
			return
		}
		if err := c.peers.AddICECandidate(m.From, fromWireICE(cand)); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(m.From)).Msg("add candidate")
		}
	case protocol.TypePong:
	default:
		c.logger.Debug().Str("type", string(m.Type)).Msg("ignored frame")
	}
}

func (c *Call) handleSessionUpdate(m protocol.Message) {
	var u protocol.SessionUpdate
	if err := decode(m, &u); err != nil {
		c.logger.Error().Err(err).Msg("bad session-update")
		return
	}
	if !u.Joined {
		return
	}
	c.mu.Lock()
	c.session = u.SessionID
	c.isHost = u.IsHost
	c.mu.Unlock()
	c.reply(joinReply{update: u})

	for _, p := range u.Participants {
		if p.ConnectionID == c.conn.ID() {
			continue
		}
		if err := c.offer(p.ConnectionID); err != nil {
			c.logger.Error().Err(err).Str("peer", string(p.ConnectionID)).Msg("offer")
		}
	}
}
