package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, client *core.Client, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(client.ID)).Msg("readPump closing")
		c.Close()
		ctl.Limiter.Forget(client.ID)
		if res, ok := ctl.Orch.Disconnect(context.WithoutCancel(ctx), client); ok {
			ctl.broadcastPeerLeft(res)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(client.ID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(client.ID)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, client, data)
		}
	}
}

// handleSignal applies the rate limit and the size policy before any parsing.
func (ctl *SignalWSController) handleSignal(ctx context.Context, client *core.Client, data []byte) {
	if !ctl.Limiter.Allow(client.ID) {
		log.Warn().Str("module", "signal").Str("conn", string(client.ID)).Msg("rate limited")
		ctl.sendError(client, errs.ErrRateLimited)
		return
	}
	if len(data) > ctl.opts.MaxMessageSize {
		log.Warn().Str("module", "signal").Str("conn", string(client.ID)).Int("size", len(data)).Msg("oversized message")
		ctl.sendError(client, fmt.Errorf("%d bytes: %w", len(data), errs.ErrPayloadTooLarge))
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(client, fmt.Errorf("invalid message format: %w", errs.ErrBadPayload))
		return
	}

	switch msg.Type {
	case protocol.TypeJoin, protocol.TypeJoinSession:
		ctl.handleJoin(ctx, client, msg)
	case protocol.TypeLeave, protocol.TypeLeaveSession:
		ctl.handleLeave(ctx, client)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ctl.handleRelay(client, msg)
	case protocol.TypePing:
		ctl.handlePing(client)
	case protocol.TypeQuality:
		ctl.handleQuality(client, msg)
	default:
		log.Warn().Str("module", "signal").Str("conn", string(client.ID)).Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func message(t protocol.MessageType, v any) protocol.Message {
	m, err := protocol.New(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", string(t)).Msg("encode payload")
		return protocol.Message{Type: t, Timestamp: protocol.Now()}
	}
	return m
}

func (ctl *SignalWSController) sendJSON(c *core.Client, m protocol.Message) bool {
	b, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return false
	}
	return ctl.Orch.Deliver(c, b)
}

func (ctl *SignalWSController) sendError(c *core.Client, err error) {
	ctl.sendJSON(c, message(protocol.TypeError, protocol.ErrorPayload{Code: errs.Code(err), Error: err.Error()}))
}

func (ctl *SignalWSController) broadcast(sid domain.SessionID, exclude domain.ConnectionID, m protocol.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	ctl.Orch.Broadcast(sid, exclude, b)
}
