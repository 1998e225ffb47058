package orch

import (
	"fmt"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
)

// Relay resolves the recipient of a negotiation message from c.
// The recipient must be a member of c's current session.
func (o *Orchestrator) Relay(c *core.Client, to domain.ConnectionID) (*core.Client, domain.SessionID, error) {
	if _, in := c.SessionID(); !in {
		return nil, "", errs.ErrNotInSession
	}
	if to == "" {
		return nil, "", errs.ErrMissingRecipient
	}
	recipient, sid, err := o.Registry.Colocated(c.ID, to)
	if err != nil {
		return nil, sid, fmt.Errorf("relay to %s: %w", to, err)
	}
	return recipient, sid, nil
}

// Alive records a liveness signal (ping message or pong frame) from c.
func (o *Orchestrator) Alive(c *core.Client) {
	o.Registry.Touch(c.ID)
}

// ReportQuality stores the client's own connection sample on its participant entry.
func (o *Orchestrator) ReportQuality(c *core.Client, q domain.ConnectionQuality) {
	o.Registry.UpdateConnectionQuality(c.ID, q)
}

// KickGuest closes every live connection of the invited guest in sid.
// The read pump of each closed socket completes the leave.
func (o *Orchestrator) KickGuest(sid domain.SessionID, guestID string) int {
	n := 0
	for _, c := range o.Registry.SessionClients(sid) {
		inv := c.Identity.Invite
		if inv == nil || inv.GuestID != guestID {
			continue
		}
		if sig := c.Signal(); sig != nil {
			sig.Close()
			n++
		}
	}
	return n
}
