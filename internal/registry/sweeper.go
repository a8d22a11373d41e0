package registry

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
)

// Sweeper periodically runs SweepMissedHeartbeats for a fixed set of
// tenants, promoting the teacher test suite's robfig/cron usage to a
// production scheduling role.
type Sweeper struct {
	cron *cron.Cron
	reg  *Registry
	log  *logging.Logger
}

// NewSweeper builds a Sweeper that checks heartbeats for tenantIDs on
// the given cron spec (e.g. "@every 10s").
func NewSweeper(reg *Registry, log *logging.Logger, spec string, tenantIDs []string) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{cron: c, reg: reg, log: log}
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		for _, t := range tenantIDs {
			if err := reg.SweepMissedHeartbeats(ctx, t); err != nil {
				log.WithError(err).WithField("tenant_id", t).Error("heartbeat sweep failed")
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the scheduled sweeps in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop waits for any running sweep to finish, then halts scheduling.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }
