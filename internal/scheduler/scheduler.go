package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by RunNow when a run of the same job is
// still in flight.
var ErrAlreadyRunning = errors.New("job already running")

// Job is a unit of scheduled work. Name must be stable; it keys the
// overlap guard and the log fields.
type Job interface {
	Run() error
	Name() string
}

// Scheduler drives sync jobs on cron schedules. Runs of the same job
// never overlap: a tick that fires while the previous run is still in
// flight is dropped, which matters for the minute-bar backfill where a
// cold start can outlast the schedule interval.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a scheduler with second-resolution cron expressions.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		log:      log.With().Str("component", "scheduler").Logger(),
		inFlight: make(map[string]bool),
	}
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops ticking and blocks until in-flight runs drain.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a six-field cron schedule, e.g.
// "0 30 17 * * MON-FRI" for 17:30 on weekdays.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.runGuarded(job); errors.Is(err, ErrAlreadyRunning) {
			s.log.Warn().Str("job", job.Name()).Msg("Previous run still in flight, tick skipped")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, subject to the same overlap guard
// as scheduled ticks. Returns ErrAlreadyRunning if a run is in flight.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.runGuarded(job)
}

func (s *Scheduler) runGuarded(job Job) error {
	s.mu.Lock()
	if s.inFlight[job.Name()] {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.inFlight[job.Name()] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.Name())
		s.mu.Unlock()
	}()

	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Job started")

	if err := job.Run(); err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("Job failed")
		return err
	}

	s.log.Debug().
		Str("job", job.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
	return nil
}
