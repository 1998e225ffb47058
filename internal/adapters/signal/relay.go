package signal

import (
	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards offer, answer and ice-candidate payloads unmodified.
// from is always the sender's connection id, whatever the client wrote.
func (ctl *SignalWSController) handleRelay(client *core.Client, msg protocol.Message) {
	recipient, sid, err := ctl.Orch.Relay(client, msg.To)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", string(client.ID)).Str("type", string(msg.Type)).Msg("relay rejected")
		ctl.sendError(client, err)
		return
	}
	out := protocol.Message{
		Type:      msg.Type,
		From:      client.ID,
		To:        recipient.ID,
		SessionID: sid,
		Payload:   msg.Body(),
		Timestamp: protocol.Now(),
	}
	if !ctl.sendJSON(recipient, out) {
		log.Warn().Str("module", "signal").Str("from", string(client.ID)).Str("to", string(recipient.ID)).Msg("relay not delivered")
		return
	}
	log.Debug().Str("module", "signal").Str("type", string(msg.Type)).Str("from", string(client.ID)).Str("to", string(recipient.ID)).Msg("relayed")
}
