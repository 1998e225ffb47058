// Package orch applies the membership rules of the signaling server on top of the
// registry and the durable session store.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Studio/internal/app"
	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/store"
	"github.com/rs/zerolog/log"
)

const defaultStoreTimeout = 3 * time.Second

type Orchestrator struct {
	Registry *app.Registry
	// Store is optional; without it every host join creates an ad-hoc session.
	Store  store.Store
	Policy app.Policy

	MaxParticipants int
	StoreTimeout    time.Duration
}

func (o *Orchestrator) maxParticipants() int {
	if o.MaxParticipants > 0 {
		return o.MaxParticipants
	}
	return domain.DefaultMaxParticipants
}

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := o.StoreTimeout
	if d <= 0 {
		d = defaultStoreTimeout
	}
	return context.WithTimeout(ctx, d)
}

// Connect registers a freshly authenticated transport under a new connection id.
func (o *Orchestrator) Connect(identity domain.Identity, conn core.SignalConnection) *core.Client {
	c := core.NewClient(domain.NewConnectionID(), identity, conn, time.Now())
	o.Registry.RegisterClient(c)
	return c
}

// Deliver queues frame on c and applies the backpressure policy when the queue is full.
func (o *Orchestrator) Deliver(c *core.Client, frame core.Frame) bool {
	sig := c.Signal()
	if sig == nil {
		return false
	}
	err := sig.TrySend(frame)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(c.ID)).Msg("deliver failed")
		return false
	}
	switch o.Policy.OnBackPressure(c) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("conn", string(c.ID)).Msg("slow client kicked")
		sig.Close()
	case app.MarkSlow:
		log.Warn().Str("module", "orch").Str("conn", string(c.ID)).Msg("slow client")
	case app.DropFrame, app.NoAction:
	}
	return false
}

// Broadcast delivers frame to every member of sid except exclude.
func (o *Orchestrator) Broadcast(sid domain.SessionID, exclude domain.ConnectionID, frame core.Frame) int {
	n := 0
	for _, c := range o.Registry.SessionClients(sid) {
		if c.ID == exclude {
			continue
		}
		if o.Deliver(c, frame) {
			n++
		}
	}
	return n
}
