package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/jobs"
	"github.com/aristath/marketsync/internal/minutebar"
	"github.com/aristath/marketsync/internal/syncer"
)

// DailySyncJob runs every registry resource through the sync engine once.
// The trading calendar goes first and is fetched through the end of next
// year so retention windows can always be sized.
type DailySyncJob struct {
	engine   *syncer.Engine
	registry map[string]*jobs.Spec
	log      zerolog.Logger
	now      func() time.Time
}

// NewDailySyncJob creates the daily feed sync job.
func NewDailySyncJob(engine *syncer.Engine, registry map[string]*jobs.Spec, log zerolog.Logger) *DailySyncJob {
	return &DailySyncJob{
		engine:   engine,
		registry: registry,
		log:      log.With().Str("job", "daily_sync").Logger(),
		now:      time.Now,
	}
}

// Name implements Job.
func (j *DailySyncJob) Name() string { return "daily_sync" }

// Run implements Job. A resource failure is logged and the remaining
// resources still run; the first error is returned so the scheduler records
// the run as failed.
func (j *DailySyncJob) Run() error {
	var firstErr error
	for _, name := range jobs.Ordered(j.registry) {
		spec := j.registry[name]

		opts := syncer.RunOptions{}
		if name == "trade_cal" {
			// Calendar rows exist for future dates too; fetch through next
			// year so window math never runs off the edge.
			opts.EndOverride = time.Date(j.now().Year()+1, 12, 31, 0, 0, 0, 0, time.UTC)
		}

		if _, err := j.engine.Run(spec, opts); err != nil {
			j.log.Error().Err(err).Str("resource", name).Msg("Resource sync failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s: %w", name, err)
			}
		}
	}
	return firstErr
}

// MinuteBarJob resumes the sharded minute-bar backfill for the current
// universe of listed codes.
type MinuteBarJob struct {
	engine *minutebar.Engine
	codes  func() ([]string, error)
	log    zerolog.Logger
}

// NewMinuteBarJob creates the minute-bar backfill job. codes supplies the
// current universe, typically from the stock_basic table.
func NewMinuteBarJob(engine *minutebar.Engine, codes func() ([]string, error), log zerolog.Logger) *MinuteBarJob {
	return &MinuteBarJob{
		engine: engine,
		codes:  codes,
		log:    log.With().Str("job", "minute_bars").Logger(),
	}
}

// Name implements Job.
func (j *MinuteBarJob) Name() string { return "minute_bars" }

// Run implements Job.
func (j *MinuteBarJob) Run() error {
	codes, err := j.codes()
	if err != nil {
		return fmt.Errorf("failed to load code universe: %w", err)
	}
	if len(codes) == 0 {
		j.log.Warn().Msg("Code universe empty, sync stock_basic first")
		return nil
	}
	return j.engine.Backfill(codes, minutebar.RunOptions{})
}
