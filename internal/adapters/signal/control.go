package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/protocol"
)

func (ctl *SignalWSController) handlePing(client *core.Client) {
	ctl.Orch.Alive(client)
	ctl.sendJSON(client, message(protocol.TypePong, nil))
}

func (ctl *SignalWSController) handleQuality(client *core.Client, msg protocol.Message) {
	var p protocol.QualityPayload
	if err := json.Unmarshal(msg.Body(), &p); err != nil {
		ctl.sendError(client, fmt.Errorf("connection-quality: %w", errs.ErrBadPayload))
		return
	}
	ctl.Orch.ReportQuality(client, domain.ConnectionQuality{
		LatencyMs:     p.Latency,
		PacketLoss:    p.PacketLoss,
		BandwidthKbps: p.Bandwidth,
	})
}
