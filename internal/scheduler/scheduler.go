// Package scheduler runs the engine's background maintenance job: periodic
// checkpointing on a cron schedule. Narrowed from tinySQL's general-purpose
// CatalogJob{ScheduleType: CRON} concept -- a SQL-visible table of arbitrary
// scheduled jobs -- down to the one fixed internal job this engine always
// runs.
package scheduler

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/relicio/rsqlcore/internal/dberrors"
)

// Scheduler calls a checkpoint function on a cron schedule until Stop.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// Start parses cronExpr (standard five-field cron, or a "@every"/"@daily"
// style descriptor) and begins calling checkpoint on that schedule. A
// checkpoint error is logged; the next scheduled tick tries again rather
// than retrying early.
func Start(cronExpr string, checkpoint func() error) (*Scheduler, error) {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(cronExpr, func() {
		if err := checkpoint(); err != nil {
			slog.Error("scheduled checkpoint failed", "error", err)
			return
		}
		slog.Info("scheduled checkpoint completed")
	}); err != nil {
		return nil, dberrors.Wrap(dberrors.InvalidInput, err, "scheduler: invalid checkpoint cron expression %q", cronExpr)
	}
	c.Start()
	return &Scheduler{cron: c, running: true}, nil
}

// Stop halts the scheduler, waiting for any in-flight checkpoint to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
