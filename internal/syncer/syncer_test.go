package syncer

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketsync/internal/calendar"
	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/frame"
	"github.com/aristath/marketsync/internal/jobs"
	"github.com/aristath/marketsync/internal/state"
)

type syncTestEnv struct {
	engine  *Engine
	db      *database.DB
	cursors *state.CursorStore
}

// setupSyncTest builds an engine over a real file-backed database with an open
// trading calendar of 2024-01-08 .. 2024-01-12 (five consecutive open days).
func setupSyncTest(t *testing.T) *syncTestEnv {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "master.db"),
		Profile: database.ProfileMaster,
		Name:    "master",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	_, err = db.Conn().Exec(`CREATE TABLE trade_cal (
		exchange TEXT NOT NULL, cal_date TEXT NOT NULL, is_open INTEGER NOT NULL,
		PRIMARY KEY (exchange, cal_date)
	)`)
	require.NoError(t, err)
	for _, d := range []string{"2024-01-08", "2024-01-09", "2024-01-10", "2024-01-11", "2024-01-12"} {
		_, err = db.Conn().Exec(
			`INSERT INTO trade_cal (exchange, cal_date, is_open) VALUES ('SSE', ?, 1)`, d)
		require.NoError(t, err)
	}

	nolog := zerolog.New(nil).Level(zerolog.Disabled)
	cal := calendar.New(db.Conn(), nolog)
	cursors := state.NewCursorStore(db.Conn(), nolog)
	engine := New(db, cal, cursors, &jobs.Env{}, Config{Scope: "master"}, nolog)

	return &syncTestEnv{engine: engine, db: db, cursors: cursors}
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := calendar.ParseDate(s)
	require.NoError(t, err)
	return d
}

func dayRows(day time.Time) *frame.Frame {
	f := &frame.Frame{Columns: []string{"ts_code", "trade_date", "close"}}
	f.AppendRow([]interface{}{"600000.SH", calendar.FormatDate(day), 10.5})
	f.AppendRow([]interface{}{"000001.SZ", calendar.FormatDate(day), 12.0})
	return f
}

func daySpec(fetched *[]string, keepDays int) *jobs.Spec {
	return &jobs.Spec{
		Resource:          "daily_raw",
		PrimaryKeys:       []string{"ts_code", "trade_date"},
		CursorColumn:      "trade_date",
		RetentionOpenDays: keepDays,
		Exchange:          "SSE",
		Strategy: jobs.DayGranular{FetchDay: func(_ *jobs.Env, day time.Time) (*frame.Frame, error) {
			*fetched = append(*fetched, calendar.FormatDate(day))
			return dayRows(day), nil
		}},
	}
}

func (s *syncTestEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.Conn().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestRun_FirstRunStartsAtRetentionCutoff(t *testing.T) {
	env := setupSyncTest(t)

	// Five open days with keep=3: the cutoff is 2024-01-10 and the first run
	// must not reach further back.
	var fetched []string
	rep, err := env.engine.Run(daySpec(&fetched, 3), RunOptions{
		EndOverride: mustDay(t, "2024-01-12"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-10", "2024-01-11", "2024-01-12"}, fetched)
	assert.Equal(t, int64(6), rep.RowsWritten)
	assert.Equal(t, "2024-01-12", rep.CursorAfter)
	assert.Equal(t, 6, env.countRows(t, "daily_raw"))

	v, err := env.cursors.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-12", v)
}

func TestRun_ResumesAfterCursor(t *testing.T) {
	env := setupSyncTest(t)
	require.NoError(t, env.cursors.Set("master", "daily_raw", "trade_date", "2024-01-10"))

	var fetched []string
	rep, err := env.engine.Run(daySpec(&fetched, 3), RunOptions{
		EndOverride: mustDay(t, "2024-01-12"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-11", "2024-01-12"}, fetched)
	assert.Equal(t, "2024-01-10", rep.CursorBefore)
	assert.Equal(t, "2024-01-12", rep.CursorAfter)
}

func TestRun_RetentionDeletesOldRows(t *testing.T) {
	env := setupSyncTest(t)

	// Backfill the whole calendar without retention, then run normally: the
	// two days before the cutoff must be pruned.
	var fetched []string
	_, err := env.engine.Run(daySpec(&fetched, 3), RunOptions{
		StartOverride: mustDay(t, "2024-01-08"),
		EndOverride:   mustDay(t, "2024-01-12"),
		SkipRetention: true,
	})
	require.NoError(t, err)
	require.Equal(t, 10, env.countRows(t, "daily_raw"))

	rep, err := env.engine.Run(daySpec(&fetched, 3), RunOptions{
		EndOverride: mustDay(t, "2024-01-12"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), rep.RowsDeleted)
	assert.Equal(t, 6, env.countRows(t, "daily_raw"))

	var minDate string
	require.NoError(t, env.db.Conn().QueryRow(
		`SELECT MIN(trade_date) FROM daily_raw`).Scan(&minDate))
	assert.Equal(t, "2024-01-10", minDate)

	// The prune runs against an index on the retention column.
	var n int
	require.NoError(t, env.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_daily_raw_trade_date'`,
	).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRun_EmptyFetchDoesNotAdvanceCursor(t *testing.T) {
	env := setupSyncTest(t)
	require.NoError(t, env.cursors.Set("master", "daily_raw", "trade_date", "2024-01-10"))

	spec := &jobs.Spec{
		Resource:     "daily_raw",
		PrimaryKeys:  []string{"ts_code", "trade_date"},
		CursorColumn: "trade_date",
		Exchange:     "SSE",
		Strategy: jobs.DayGranular{FetchDay: func(*jobs.Env, time.Time) (*frame.Frame, error) {
			return &frame.Frame{}, nil
		}},
	}

	rep, err := env.engine.Run(spec, RunOptions{EndOverride: mustDay(t, "2024-01-12")})
	require.NoError(t, err)

	assert.Equal(t, int64(0), rep.RowsWritten)
	assert.Equal(t, "2024-01-10", rep.CursorAfter)

	v, err := env.cursors.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", v)
}

func TestRun_CursorNeverMovesBackwards(t *testing.T) {
	env := setupSyncTest(t)
	require.NoError(t, env.cursors.Set("master", "ref_table", "trade_date", "2024-01-12"))

	spec := &jobs.Spec{
		Resource:     "ref_table",
		PrimaryKeys:  []string{"ts_code", "trade_date"},
		CursorColumn: "trade_date",
		Exchange:     "SSE",
		Strategy: jobs.RangeGranular{FetchRange: func(*jobs.Env, time.Time, time.Time) (*frame.Frame, error) {
			return dayRows(mustDay(t, "2024-01-09")), nil
		}},
	}

	rep, err := env.engine.Run(spec, RunOptions{
		StartOverride: mustDay(t, "2024-01-08"),
		EndOverride:   mustDay(t, "2024-01-10"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), rep.RowsWritten)
	assert.Equal(t, "2024-01-12", rep.CursorAfter)

	v, err := env.cursors.Get("master", "ref_table", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-12", v)
}

func TestRun_AdvanceToEndCoversSparseFeeds(t *testing.T) {
	env := setupSyncTest(t)

	spec := &jobs.Spec{
		Resource:     "sparse_feed",
		PrimaryKeys:  []string{"ts_code", "trade_date"},
		CursorColumn: "trade_date",
		AdvanceToEnd: true,
		Exchange:     "SSE",
		Strategy: jobs.RangeGranular{FetchRange: func(*jobs.Env, time.Time, time.Time) (*frame.Frame, error) {
			return dayRows(mustDay(t, "2024-01-08")), nil
		}},
	}

	rep, err := env.engine.Run(spec, RunOptions{
		StartOverride: mustDay(t, "2024-01-08"),
		EndOverride:   mustDay(t, "2024-01-12"),
	})
	require.NoError(t, err)

	// Newest row is 2024-01-08 but the whole window was covered.
	assert.Equal(t, "2024-01-12", rep.CursorAfter)
}

func TestRun_LookbackClampedToCutoff(t *testing.T) {
	env := setupSyncTest(t)
	require.NoError(t, env.cursors.Set("master", "daily_raw", "trade_date", "2024-01-12"))

	// Lookback of 2 open days reaches back to 2024-01-08, but the retention
	// cutoff (keep 3 of 5 open days) holds the start at 2024-01-10.
	var fetched []string
	_, err := env.engine.Run(daySpec(&fetched, 3), RunOptions{
		EndOverride:      mustDay(t, "2024-01-12"),
		LookbackOpenDays: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-10", "2024-01-11", "2024-01-12"}, fetched)
}

func TestRun_InsufficientCalendarHistoryIsFatal(t *testing.T) {
	env := setupSyncTest(t)

	var fetched []string
	_, err := env.engine.Run(daySpec(&fetched, 10), RunOptions{
		EndOverride: mustDay(t, "2024-01-12"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrInsufficientHistory))
	assert.Empty(t, fetched, "no fetch should run when the window cannot be sized")
}

func TestRun_FetchErrorAbortsButKeepsEarlierDays(t *testing.T) {
	env := setupSyncTest(t)

	boom := errors.New("unknown field")
	spec := &jobs.Spec{
		Resource:     "daily_raw",
		PrimaryKeys:  []string{"ts_code", "trade_date"},
		CursorColumn: "trade_date",
		Exchange:     "SSE",
		Strategy: jobs.DayGranular{FetchDay: func(_ *jobs.Env, day time.Time) (*frame.Frame, error) {
			if calendar.FormatDate(day) == "2024-01-11" {
				return nil, boom
			}
			return dayRows(day), nil
		}},
	}

	_, err := env.engine.Run(spec, RunOptions{
		StartOverride: mustDay(t, "2024-01-10"),
		EndOverride:   mustDay(t, "2024-01-12"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	// The day before the failure was flushed; the cursor did not move, so a
	// rerun re-fetches from the top of the window.
	assert.Equal(t, 2, env.countRows(t, "daily_raw"))
	v, verr := env.cursors.Get("master", "daily_raw", "trade_date")
	require.NoError(t, verr)
	assert.Equal(t, "", v)
}
