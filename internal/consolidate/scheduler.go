package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// runTimeout bounds one scheduled consolidation pass.
const runTimeout = 10 * time.Minute

// Scheduler runs consolidation passes on a cron schedule.
// Cron expressions use the standard 5-field format: minute hour
// day-of-month month day-of-week (e.g. "0 3 * * *" for 03:00 daily).
type Scheduler struct {
	cron         *cron.Cron
	consolidator *Consolidator
}

// NewScheduler creates a scheduler over the given consolidator.
func NewScheduler(c *Consolidator) *Scheduler {
	return &Scheduler{cron: cron.New(), consolidator: c}
}

// Register adds a cron entry consolidating the given project.
func (s *Scheduler) Register(spec, projectID string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		log.Info().Str("project_id", projectID).Msg("scheduled consolidation fired")
		report, err := s.consolidator.Run(ctx, projectID)
		if err != nil {
			log.Error().Err(err).Str("project_id", projectID).Msg("scheduled consolidation failed")
			return
		}
		log.Info().
			Str("project_id", projectID).
			Int("merged", report.Merged).
			Int("failed", report.Failed).
			Msg("scheduled consolidation done")
	})
	if err != nil {
		return fmt.Errorf("registering cron %q: %w", spec, err)
	}
	return nil
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
