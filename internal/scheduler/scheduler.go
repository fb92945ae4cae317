// Package scheduler runs the platform's cron-cadenced maintenance work:
// the daily strategy review, the hourly correlation refresh and the
// daily flow digest. Sub-minute loops live inside their own components.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps a seconds-granularity cron runner with job logging.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a job on a six-field cron schedule ("0 0 6 * * *",
// "@hourly", "@every 30s").
func (s *Scheduler) Register(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			s.logger.Error().
				Err(err).
				Str("job", job.Name()).
				Dur("elapsed", time.Since(start)).
				Msg("Job failed")
			return
		}
		s.logger.Debug().
			Str("job", job.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}
	s.logger.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// RunNow executes a job outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.logger.Info().Str("job", job.Name()).Msg("Running job on demand")
	return job.Run()
}

// Start begins dispatching registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop waits for in-flight jobs before returning.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}
