// Package minutebar backfills the sharded minute-bar feed through the worker
// bridge, with two-level resumability: a per-shard day cursor plus a
// within-day chunk-progress marker.
package minutebar

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/bridge"
	"github.com/aristath/marketsync/internal/calendar"
	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/frame"
	"github.com/aristath/marketsync/internal/jobs"
	"github.com/aristath/marketsync/internal/shard"
	"github.com/aristath/marketsync/internal/state"
)

// Config holds the backfill parameters shared by every shard.
type Config struct {
	// Resource is the bar table name in each shard database.
	Resource string

	// ChunkSize is how many codes go into one worker invocation.
	ChunkSize int

	// KeepOpenDays bounds retention; zero disables it.
	KeepOpenDays int

	// Exchange drives the trading calendar.
	Exchange string

	// SessionStart/SessionEnd are the intraday bounds passed to the worker,
	// compact "HHMMSS".
	SessionStart string
	SessionEnd   string

	// Mode selects upsert (default) or insert-ignore writes.
	Mode database.WriteMode
}

func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = "minute_bars"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 400
	}
	if c.SessionStart == "" {
		c.SessionStart = "093000"
	}
	if c.SessionEnd == "" {
		c.SessionEnd = "150000"
	}
	if c.Mode == "" {
		c.Mode = database.WriteUpsert
	}
}

// barPrimaryKeys are the upsert conflict columns of the bar table.
var barPrimaryKeys = []string{"ts_code", "trade_time"}

// timeColumn is the bar timestamp column, "YYYY-MM-DD HH:MM:SS".
const timeColumn = "trade_time"

// Engine drives per-shard minute-bar backfills.
type Engine struct {
	shards *shard.Set
	cal    *calendar.Service
	runner bridge.Runner
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a backfill engine. The calendar reads from the master database;
// bars and cursors live in the shard databases.
func New(shards *shard.Set, cal *calendar.Service, runner bridge.Runner, cfg Config, log zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		shards: shards,
		cal:    cal,
		runner: runner,
		cfg:    cfg,
		log:    log.With().Str("component", "minutebar").Logger(),
		now:    time.Now,
	}
}

// RunOptions tune one backfill invocation.
type RunOptions struct {
	// EndOverride forces the last day considered. Zero means the most recent
	// open day whose session has completed.
	EndOverride time.Time

	// SkipRetention disables the retention delete.
	SkipRetention bool
}

// Backfill processes every shard in turn for the given universe of codes.
// Shards are independent; a failure in one aborts that shard but the others
// still run, and the first error is returned.
func (e *Engine) Backfill(codes []string, opts RunOptions) error {
	byShard := e.shards.Partition(codes)
	var firstErr error
	for idx := 0; idx < e.shards.Count(); idx++ {
		keys := byShard[idx]
		if len(keys) == 0 {
			continue
		}
		if err := e.runShard(idx, keys, opts); err != nil {
			e.log.Error().Err(err).Int("shard", idx).Msg("Shard backfill failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("shard %d: %w", idx, err)
			}
		}
	}
	return firstErr
}

func shardScope(idx int) string {
	return fmt.Sprintf("shard_%d", idx)
}

func (e *Engine) runShard(idx int, keys []string, opts RunOptions) error {
	db, err := e.shards.DB(idx)
	if err != nil {
		return err
	}
	scope := shardScope(idx)
	log := e.log.With().Int("shard", idx).Logger()
	cursors := state.NewCursorStore(db.Conn(), log)

	end := opts.EndOverride
	if end.IsZero() {
		end, err = e.cal.LastCompletedOpenDay(e.cfg.Exchange, truncateDay(e.now()), e.now(), 15*time.Hour)
		if err != nil {
			return fmt.Errorf("failed to resolve backfill end: %w", err)
		}
	}

	var cutoff time.Time
	hasCutoff := false
	if e.cfg.KeepOpenDays > 0 {
		cutoff, err = e.cal.CutoffByLastOpenDays(e.cfg.Exchange, end, e.cfg.KeepOpenDays)
		if err != nil {
			if errors.Is(err, calendar.ErrInsufficientHistory) {
				return fmt.Errorf("cannot size bar retention window: %w", err)
			}
			return err
		}
		hasCutoff = true
	}

	if err := e.fastForwardCursor(db, cursors, scope, log, end, cutoff, hasCutoff); err != nil {
		return err
	}

	cursor, err := cursors.Get(scope, e.cfg.Resource, "trade_date")
	if err != nil {
		return err
	}
	resume := cursor != ""

	var start time.Time
	if resume {
		c, err := calendar.ParseDate(cursor)
		if err != nil {
			return fmt.Errorf("stored bar cursor is not a date: %w", err)
		}
		start = c.AddDate(0, 0, 1)
	} else if hasCutoff {
		start = cutoff
	} else {
		start = end.AddDate(0, 0, -30)
	}
	if hasCutoff && start.Before(cutoff) {
		start = cutoff
	}

	days, err := e.cal.OpenDates(e.cfg.Exchange, start, end)
	if err != nil {
		return err
	}

	if !resume && len(days) > 0 {
		days, err = e.trimUnavailableDays(days, keys, log)
		if err != nil {
			return err
		}
	}

	if len(days) == 0 {
		log.Debug().Msg("No days to backfill")
	} else if err := e.processDays(db, cursors, scope, log, days, keys); err != nil {
		return err
	}

	if hasCutoff && !opts.SkipRetention {
		e.enforceRetention(db, log, cutoff)
	}
	return nil
}

// fastForwardCursor advances the day cursor to the newest fully-written day
// already present in the store. Covers the crash window between a completed
// write and the cursor update; idempotent.
func (e *Engine) fastForwardCursor(db *database.DB, cursors *state.CursorStore, scope string, log zerolog.Logger, end, cutoff time.Time, hasCutoff bool) error {
	// A mid-day chunk marker means the newest stored day is incomplete;
	// advancing the cursor to it would skip the day's remaining chunks.
	if _, ok, err := cursors.GetChunkProgress(scope, e.cfg.Resource); err != nil {
		return err
	} else if ok {
		return nil
	}

	exists, err := database.TableExists(db.Conn(), e.cfg.Resource)
	if err != nil || !exists {
		return err
	}
	e.ensureTimeIndex(db, log)
	maxTs, err := database.MaxColumnValue(db.Conn(), e.cfg.Resource, timeColumn)
	if err != nil || len(maxTs) < len(calendar.DateLayout) {
		return err
	}
	observedDay := maxTs[:len(calendar.DateLayout)]

	// Only timestamps inside the current window are trusted; a corrupt row
	// with a far-future timestamp must not pin the cursor past real data.
	if observedDay > calendar.FormatDate(end) || (hasCutoff && observedDay < calendar.FormatDate(cutoff)) {
		log.Warn().Str("observed", observedDay).Msg("Newest stored bar is outside the sync window, not fast-forwarding")
		return nil
	}

	cursor, err := cursors.Get(scope, e.cfg.Resource, "trade_date")
	if err != nil {
		return err
	}
	if observedDay > cursor {
		log.Info().Str("from", cursor).Str("to", observedDay).Msg("Fast-forwarding bar cursor to stored data")
		return cursors.Set(scope, e.cfg.Resource, "trade_date", observedDay)
	}
	return nil
}

// ensureTimeIndex backs both MAX(trade_time) and the retention delete.
// Best-effort.
func (e *Engine) ensureTimeIndex(db *database.DB, log zerolog.Logger) {
	idx := fmt.Sprintf("idx_%s_%s", e.cfg.Resource, timeColumn)
	if _, err := database.EnsureIndex(db.Conn(), e.cfg.Resource, idx, []string{timeColumn}); err != nil {
		log.Warn().Err(err).Str("index", idx).Msg("Bar time index creation failed")
	}
}

// trimUnavailableDays probes whether the upstream still retains bars for the
// oldest requested days, and drops days before its horizon. Full-backfill
// mode only: in resume mode an empty day may just be a suspension and must
// not cause skipping.
func (e *Engine) trimUnavailableDays(days []time.Time, keys []string, log zerolog.Logger) ([]time.Time, error) {
	probeKey := keys[0]

	has, err := e.probeDay(probeKey, days[0])
	if err != nil {
		return nil, err
	}
	if has {
		return days, nil
	}

	// The oldest day is gone upstream. Binary-search the first retained day.
	lo, hi := 1, len(days)
	for lo < hi {
		mid := (lo + hi) / 2
		has, err := e.probeDay(probeKey, days[mid])
		if err != nil {
			return nil, err
		}
		if has {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo >= len(days) {
		log.Warn().Msg("Probe found no bar data in the whole window")
		return nil, nil
	}
	log.Info().
		Str("first_available", calendar.FormatDate(days[lo])).
		Int("skipped_days", lo).
		Msg("Upstream horizon detected, skipping unavailable days")
	return days[lo:], nil
}

func (e *Engine) probeDay(key string, day time.Time) (bool, error) {
	f, err := e.runner.FetchBars([]string{key}, e.sessionStart(day), e.sessionEnd(day))
	if err != nil {
		return false, fmt.Errorf("probe of %s failed: %w", calendar.FormatDate(day), err)
	}
	return !f.IsEmpty(), nil
}

func (e *Engine) processDays(db *database.DB, cursors *state.CursorStore, scope string, log zerolog.Logger, days []time.Time, keys []string) error {
	chunks := chunkKeys(keys, e.cfg.ChunkSize)

	startChunk := 0
	if p, ok, err := cursors.GetChunkProgress(scope, e.cfg.Resource); err != nil {
		return err
	} else if ok {
		if sameDay(p.Day, days[0]) && p.NextChunk < len(chunks) {
			startChunk = p.NextChunk
			log.Info().Str("day", calendar.FormatDate(p.Day)).Int("chunk", startChunk).Msg("Resuming mid-day")
		} else {
			// Marker from a different day or chunking layout; start over.
			if err := cursors.ClearChunkProgress(scope, e.cfg.Resource); err != nil {
				return err
			}
		}
	}

	for _, day := range days {
		dayStr := calendar.FormatDate(day)
		for ci := startChunk; ci < len(chunks); ci++ {
			f, err := e.runner.FetchBars(chunks[ci], e.sessionStart(day), e.sessionEnd(day))
			if err != nil {
				return fmt.Errorf("chunk %d of %s: %w", ci, dayStr, err)
			}
			if !f.IsEmpty() {
				e.transform(f)
				if _, err := database.UpsertFrame(db.Conn(), e.cfg.Resource, f, barPrimaryKeys, e.cfg.Mode); err != nil {
					return fmt.Errorf("failed to write chunk %d of %s: %w", ci, dayStr, err)
				}
			}
			// Progress only after the write committed.
			if err := cursors.SetChunkProgress(scope, e.cfg.Resource, state.ChunkProgress{Day: day, NextChunk: ci + 1}); err != nil {
				return err
			}
		}
		startChunk = 0

		// The day is complete only once every chunk is durable.
		if err := cursors.Set(scope, e.cfg.Resource, "trade_date", dayStr); err != nil {
			return err
		}
		if err := cursors.ClearChunkProgress(scope, e.cfg.Resource); err != nil {
			return err
		}
		log.Info().Str("day", dayStr).Int("chunks", len(chunks)).Msg("Day complete")
	}
	return nil
}

// transform normalizes worker output in place: 14-digit timestamps become
// "YYYY-MM-DD HH:MM:SS" and lot volumes become share volumes.
func (e *Engine) transform(f *frame.Frame) {
	jobs.NormalizeTimestampColumn(f, timeColumn)
	jobs.VolumeToShares(f, "volume", "vol_share")
}

func (e *Engine) enforceRetention(db *database.DB, log zerolog.Logger, cutoff time.Time) {
	exists, err := database.TableExists(db.Conn(), e.cfg.Resource)
	if err != nil || !exists {
		return
	}
	e.ensureTimeIndex(db, log)
	// trade_time is "YYYY-MM-DD HH:MM:SS"; a bare date sorts before any
	// timestamp on that date, so this keeps the cutoff day itself.
	deleted, err := database.DeleteOlderThanChunked(db.Conn(), e.cfg.Resource, timeColumn, calendar.FormatDate(cutoff))
	if err != nil {
		log.Warn().Err(err).Msg("Bar retention delete failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("rows", deleted).Str("cutoff", calendar.FormatDate(cutoff)).Msg("Bar retention enforced")
	}
}

// Update fetches current-day bars for an explicit code list and writes them
// without touching cursors. Used for the intraday refresh path.
func (e *Engine) Update(codes []string, day time.Time) error {
	byShard := e.shards.Partition(codes)
	var firstErr error
	for idx := 0; idx < e.shards.Count(); idx++ {
		keys := byShard[idx]
		if len(keys) == 0 {
			continue
		}
		db, err := e.shards.DB(idx)
		if err != nil {
			return err
		}
		for _, chunk := range chunkKeys(keys, e.cfg.ChunkSize) {
			f, err := e.runner.FetchBars(chunk, e.sessionStart(day), e.sessionEnd(day))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("shard %d: %w", idx, err)
				}
				break
			}
			if f.IsEmpty() {
				continue
			}
			e.transform(f)
			if _, err := database.UpsertFrame(db.Conn(), e.cfg.Resource, f, barPrimaryKeys, e.cfg.Mode); err != nil {
				return fmt.Errorf("failed to write intraday bars to shard %d: %w", idx, err)
			}
		}
	}
	return firstErr
}

// sessionStart and sessionEnd render the worker's compact "YYYYMMDDhhmmss"
// time bounds for one trading day.
func (e *Engine) sessionStart(day time.Time) string {
	return calendar.FormatCompact(day) + e.cfg.SessionStart
}

func (e *Engine) sessionEnd(day time.Time) string {
	return calendar.FormatCompact(day) + e.cfg.SessionEnd
}

func chunkKeys(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func sameDay(a, b time.Time) bool {
	return a.Format(calendar.DateLayout) == b.Format(calendar.DateLayout)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
