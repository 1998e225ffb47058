package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Run drives the heartbeat and the stale sweep on independent tickers until ctx ends.
func (ctl *SignalWSController) Run(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { ctl.tick(ctx, ctl.opts.PingPeriod, ctl.heartbeat) })
	wg.Go(func() { ctl.tick(ctx, ctl.opts.CleanupPeriod, ctl.cleanup) })
	wg.Wait()
}

func (ctl *SignalWSController) tick(ctx context.Context, every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (ctl *SignalWSController) heartbeat() {
	for _, c := range ctl.Orch.Registry.Clients() {
		sig := c.Signal()
		if sig == nil {
			continue
		}
		if err := sig.Ping(); err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.ID)).Msg("heartbeat ping failed")
		}
	}
}

func (ctl *SignalWSController) cleanup() {
	stale := ctl.Orch.Registry.CleanupStaleClients()
	windows := ctl.Limiter.Cleanup()
	if stale > 0 {
		log.Info().Str("module", "signal").Int("stale", stale).Int("rate_windows", windows).Msg("cleaned up stale clients")
	}
}
