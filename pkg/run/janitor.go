package run

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/observability"
)

// Sweeper moves stale RUNNING/PAUSED jobs to ABANDONED. *transcript.Store
// satisfies it.
type Sweeper interface {
	SweepAbandoned(ctx context.Context, cutoff time.Time) (int, error)
}

// Janitor periodically sweeps jobs whose process died without reaching a
// terminal state, so crashed runs do not look in-flight forever.
type Janitor struct {
	sweeper      Sweeper
	abandonAfter time.Duration
	schedule     string
	logger       zerolog.Logger

	cron *cron.Cron
}

// NewJanitor creates a janitor. Schedule accepts standard cron expressions
// and descriptors like "@every 5m".
func NewJanitor(sweeper Sweeper, schedule string, abandonAfter time.Duration, logger zerolog.Logger) *Janitor {
	if schedule == "" {
		schedule = "@every 5m"
	}
	if abandonAfter <= 0 {
		abandonAfter = 2 * time.Hour
	}
	return &Janitor{
		sweeper:      sweeper,
		abandonAfter: abandonAfter,
		schedule:     schedule,
		logger:       logger.With().Str("component", "janitor").Logger(),
	}
}

// Start schedules the sweep and runs one immediately to clear leftovers
// from a previous process.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.Sweep); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.cron = c
	c.Start()
	j.logger.Info().Str("schedule", j.schedule).Dur("abandon_after", j.abandonAfter).Msg("Janitor started")

	go j.Sweep()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("Janitor stopped")
}

// Sweep runs one sweep pass.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.abandonAfter)
	count, err := j.sweeper.SweepAbandoned(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("sweep failed")
		return
	}
	observability.RecordAbandonedJobs(count)
	if count > 0 {
		j.logger.Warn().Int("count", count).Time("cutoff", cutoff).Msg("abandoned stale jobs")
	}
}
