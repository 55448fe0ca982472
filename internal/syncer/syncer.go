// Package syncer runs incremental, cursor-resumable, retention-bounded syncs
// of declaratively specified resources into the relational store.
package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/calendar"
	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/frame"
	"github.com/aristath/marketsync/internal/jobs"
	"github.com/aristath/marketsync/internal/state"
)

const (
	// defaultFlushRows bounds the in-memory batch for day-granular syncs.
	defaultFlushRows = 50000

	// defaultHistoryYears is how far back a cursorless, retentionless
	// resource reaches on its first run.
	defaultHistoryYears = 20
)

// Engine executes sync runs against one database.
type Engine struct {
	db      *database.DB
	cal     *calendar.Service
	cursors *state.CursorStore
	env     *jobs.Env
	scope   string
	log     zerolog.Logger

	flushRows int
	now       func() time.Time
}

// Config holds engine construction parameters.
type Config struct {
	// Scope namespaces cursor rows, e.g. "master" or "shard_1".
	Scope string

	// FlushRows overrides the day-granular batch flush threshold.
	FlushRows int
}

// New creates a sync engine. The calendar service may read from a different
// database than the one being written.
func New(db *database.DB, cal *calendar.Service, cursors *state.CursorStore, env *jobs.Env, cfg Config, log zerolog.Logger) *Engine {
	flush := cfg.FlushRows
	if flush <= 0 {
		flush = defaultFlushRows
	}
	return &Engine{
		db:        db,
		cal:       cal,
		cursors:   cursors,
		env:       env,
		scope:     cfg.Scope,
		log:       log.With().Str("component", "syncer").Str("scope", cfg.Scope).Logger(),
		flushRows: flush,
		now:       time.Now,
	}
}

// RunOptions tune a single invocation.
type RunOptions struct {
	// StartOverride forces the window start. Zero means derive it.
	StartOverride time.Time

	// EndOverride forces the window end. Zero means today.
	EndOverride time.Time

	// LookbackOpenDays re-fetches roughly the last N open days even when the
	// cursor is further ahead, to pick up late upstream restatements. The
	// window start never drops below the retention cutoff.
	LookbackOpenDays int

	// SkipRetention disables both the cutoff clamp and the retention delete.
	SkipRetention bool

	// Mode selects upsert (default) or insert-ignore writes.
	Mode database.WriteMode
}

// Report summarizes one completed run.
type Report struct {
	RunID        string
	Resource     string
	Start        time.Time
	End          time.Time
	RowsWritten  int64
	RowsDeleted  int64
	CursorBefore string
	CursorAfter  string
	Duration     time.Duration
}

// Run executes one sync of the given resource. Fatal fetch errors abort the
// run; retention delete failures are logged and do not fail the run.
func (e *Engine) Run(spec *jobs.Spec, opts RunOptions) (*Report, error) {
	started := e.now()
	rep := &Report{
		RunID:    uuid.NewString(),
		Resource: spec.Resource,
	}
	log := e.log.With().Str("resource", spec.Resource).Str("run_id", rep.RunID).Logger()

	mode := opts.Mode
	if mode == "" {
		mode = database.WriteUpsert
	}

	end := opts.EndOverride
	if end.IsZero() {
		end = truncateDay(e.now())
	}

	var cutoff time.Time
	hasCutoff := false
	if spec.RetentionOpenDays > 0 && !opts.SkipRetention {
		c, err := e.cal.CutoffByLastOpenDays(spec.Exchange, end, spec.RetentionOpenDays)
		if err != nil {
			if errors.Is(err, calendar.ErrInsufficientHistory) {
				return nil, fmt.Errorf("cannot size retention window for %s: %w", spec.Resource, err)
			}
			return nil, fmt.Errorf("failed to compute retention cutoff for %s: %w", spec.Resource, err)
		}
		cutoff = c
		hasCutoff = true
	}

	cursorBefore := ""
	if spec.CursorColumn != "" {
		v, err := e.cursors.Get(e.scope, spec.Resource, spec.CursorColumn)
		if err != nil {
			return nil, err
		}
		cursorBefore = v
	}
	rep.CursorBefore = cursorBefore
	rep.CursorAfter = cursorBefore

	start, err := e.resolveStart(spec, opts, cursorBefore, end, cutoff, hasCutoff)
	if err != nil {
		return nil, err
	}
	rep.Start = start
	rep.End = end

	log.Info().
		Str("start", calendar.FormatDate(start)).
		Str("end", calendar.FormatDate(end)).
		Str("cursor", cursorBefore).
		Msg("Sync window resolved")

	if !start.After(end) {
		candidate, written, err := e.fetchAndWrite(spec, log, start, end, mode)
		if err != nil {
			return rep, err
		}
		rep.RowsWritten = written

		if spec.CursorColumn != "" && candidate != "" && candidate > cursorBefore {
			if err := e.cursors.Set(e.scope, spec.Resource, spec.CursorColumn, candidate); err != nil {
				return rep, err
			}
			rep.CursorAfter = candidate
		}
	} else {
		log.Debug().Msg("Window empty, nothing to fetch")
	}

	if hasCutoff {
		deleted := e.enforceRetention(spec, log, cutoff)
		rep.RowsDeleted = deleted
	}

	rep.Duration = e.now().Sub(started)
	log.Info().
		Int64("rows_written", rep.RowsWritten).
		Int64("rows_deleted", rep.RowsDeleted).
		Str("cursor_after", rep.CursorAfter).
		Dur("duration", rep.Duration).
		Msg("Sync run complete")
	return rep, nil
}

// resolveStart picks the window start: explicit override, else the day after
// the cursor, else the retention cutoff, else a deep-history default. The
// result is then lowered by the lookback and clamped to the cutoff.
func (e *Engine) resolveStart(spec *jobs.Spec, opts RunOptions, cursor string, end, cutoff time.Time, hasCutoff bool) (time.Time, error) {
	var start time.Time
	switch {
	case !opts.StartOverride.IsZero():
		start = opts.StartOverride
	case cursor != "":
		c, err := calendar.ParseDate(cursor)
		if err != nil {
			return time.Time{}, fmt.Errorf("stored cursor for %s is not a date: %w", spec.Resource, err)
		}
		start = c.AddDate(0, 0, 1)
	case hasCutoff:
		start = cutoff
	default:
		start = end.AddDate(-defaultHistoryYears, 0, 0)
	}

	if opts.LookbackOpenDays > 0 {
		// Twice the open-day count in calendar days comfortably covers
		// weekends and holidays.
		lb := end.AddDate(0, 0, -2*opts.LookbackOpenDays)
		if lb.Before(start) {
			start = lb
		}
	}
	if hasCutoff && start.Before(cutoff) {
		start = cutoff
	}
	return start, nil
}

// fetchAndWrite runs the spec's strategy over the window, returning the
// cursor candidate derived from the fetched data and the rows written.
func (e *Engine) fetchAndWrite(spec *jobs.Spec, log zerolog.Logger, start, end time.Time, mode database.WriteMode) (string, int64, error) {
	switch strat := spec.Strategy.(type) {
	case jobs.DayGranular:
		return e.runDayGranular(spec, strat, log, start, end, mode)
	case jobs.RangeGranular:
		return e.runRangeGranular(spec, strat, log, start, end, mode)
	default:
		return "", 0, fmt.Errorf("resource %s has no fetch strategy", spec.Resource)
	}
}

func (e *Engine) runDayGranular(spec *jobs.Spec, strat jobs.DayGranular, log zerolog.Logger, start, end time.Time, mode database.WriteMode) (string, int64, error) {
	days, err := e.cal.OpenDates(spec.Exchange, start, end)
	if err != nil {
		return "", 0, err
	}
	if len(days) == 0 {
		return "", 0, nil
	}

	batch := &frame.Frame{}
	var written int64
	maxDataDay := ""

	flush := func() error {
		if batch.IsEmpty() {
			return nil
		}
		n, err := database.UpsertFrame(e.db.Conn(), spec.Resource, batch, spec.PrimaryKeys, mode)
		if err != nil {
			return fmt.Errorf("failed to write %s batch: %w", spec.Resource, err)
		}
		written += n
		batch = &frame.Frame{}
		return nil
	}

	for _, day := range days {
		f, err := strat.FetchDay(e.env, day)
		if err != nil {
			// Flush what we have; a restart re-fetches at most the failed day.
			if ferr := flush(); ferr != nil {
				log.Error().Err(ferr).Msg("Flush after fetch failure also failed")
			}
			return "", written, fmt.Errorf("failed to fetch %s for %s: %w", spec.Resource, calendar.FormatDate(day), err)
		}
		if f.IsEmpty() {
			continue
		}
		if spec.Transform != nil {
			spec.Transform(f)
		}
		batch.Append(f)
		maxDataDay = calendar.FormatDate(day)

		if batch.Len() >= e.flushRows {
			log.Debug().Int("rows", batch.Len()).Str("through", maxDataDay).Msg("Flushing batch")
			if err := flush(); err != nil {
				return "", written, err
			}
		}
	}
	if err := flush(); err != nil {
		return "", written, err
	}
	return maxDataDay, written, nil
}

func (e *Engine) runRangeGranular(spec *jobs.Spec, strat jobs.RangeGranular, log zerolog.Logger, start, end time.Time, mode database.WriteMode) (string, int64, error) {
	f, err := strat.FetchRange(e.env, start, end)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch %s: %w", spec.Resource, err)
	}
	if f.IsEmpty() {
		return "", 0, nil
	}
	if spec.Transform != nil {
		spec.Transform(f)
	}

	written, err := database.UpsertFrame(e.db.Conn(), spec.Resource, f, spec.PrimaryKeys, mode)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write %s: %w", spec.Resource, err)
	}

	candidate := maxColumn(f, spec.CursorColumn)
	if spec.AdvanceToEnd && written > 0 {
		// The fetch covered the whole window, so the window end is the honest
		// high-water mark even when the data itself is sparse.
		if endStr := calendar.FormatDate(end); endStr > candidate {
			candidate = endStr
		}
	}
	return candidate, written, nil
}

// enforceRetention deletes rows older than the cutoff in bounded chunks.
// Best-effort: failures are logged, never fatal.
func (e *Engine) enforceRetention(spec *jobs.Spec, log zerolog.Logger, cutoff time.Time) int64 {
	col := spec.RetentionDateColumn()
	if col == "" {
		return 0
	}
	exists, err := database.TableExists(e.db.Conn(), spec.Resource)
	if err != nil {
		log.Warn().Err(err).Msg("Retention check failed")
		return 0
	}
	if !exists {
		return 0
	}
	// Without an index on the date column each delete chunk is a full scan.
	idx := fmt.Sprintf("idx_%s_%s", spec.Resource, col)
	if _, err := database.EnsureIndex(e.db.Conn(), spec.Resource, idx, []string{col}); err != nil {
		log.Warn().Err(err).Str("index", idx).Msg("Retention index creation failed")
	}
	deleted, err := database.DeleteOlderThanChunked(e.db.Conn(), spec.Resource, col, calendar.FormatDate(cutoff))
	if err != nil {
		log.Warn().Err(err).Str("cutoff", calendar.FormatDate(cutoff)).Msg("Retention delete failed")
		return deleted
	}
	if deleted > 0 {
		log.Info().Int64("rows", deleted).Str("cutoff", calendar.FormatDate(cutoff)).Msg("Retention enforced")
	}
	return deleted
}

// maxColumn returns the lexicographically largest non-empty string value of a
// column. Dates are stored ISO-8601, so string order is date order.
func maxColumn(f *frame.Frame, col string) string {
	if col == "" || !f.HasColumn(col) {
		return ""
	}
	max := ""
	for r := 0; r < f.Len(); r++ {
		if s, ok := f.Value(r, col).(string); ok && s > max {
			max = s
		}
	}
	return max
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
