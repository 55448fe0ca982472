package database

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/aristath/marketsync/internal/frame"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func dailyFrame(t *testing.T, rows ...[]any) *frame.Frame {
	f := frame.New("ts_code", "trade_date", "close", "vol")
	for _, r := range rows {
		require.NoError(t, f.AppendRow(r))
	}
	return f
}

func TestReconcileSchema_CreatesTable(t *testing.T) {
	db := setupTestDB(t)
	f := dailyFrame(t, []any{"600000.SH", "2024-01-02", 10.5, int64(1000)})

	res, err := ReconcileSchema(db, "daily_raw", f, []string{"ts_code", "trade_date"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.AddedColumns)

	exists, err := TableExists(db, "daily_raw")
	require.NoError(t, err)
	assert.True(t, exists)

	cols, err := tableColumns(db, "daily_raw")
	require.NoError(t, err)
	assert.True(t, cols["ts_code"])
	assert.True(t, cols["vol"])
}

func TestReconcileSchema_AdditiveOnly(t *testing.T) {
	db := setupTestDB(t)
	f := dailyFrame(t, []any{"600000.SH", "2024-01-02", 10.5, int64(1000)})
	_, err := ReconcileSchema(db, "daily_raw", f, []string{"ts_code", "trade_date"})
	require.NoError(t, err)

	// Upstream grows a column.
	grown := frame.New("ts_code", "trade_date", "close", "vol", "pe_ttm")
	require.NoError(t, grown.AppendRow([]any{"600000.SH", "2024-01-03", 10.6, int64(900), 7.7}))

	res, err := ReconcileSchema(db, "daily_raw", grown, []string{"ts_code", "trade_date"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"pe_ttm"}, res.AddedColumns)

	// A narrower frame later must not drop anything.
	res, err = ReconcileSchema(db, "daily_raw", f, []string{"ts_code", "trade_date"})
	require.NoError(t, err)
	assert.Empty(t, res.AddedColumns)
	cols, err := tableColumns(db, "daily_raw")
	require.NoError(t, err)
	assert.True(t, cols["pe_ttm"])
}

func TestReconcileSchema_MissingPrimaryKey(t *testing.T) {
	db := setupTestDB(t)
	f := frame.New("close")
	require.NoError(t, f.AppendRow([]any{1.0}))

	_, err := ReconcileSchema(db, "t", f, []string{"ts_code"})
	assert.Error(t, err)
}

func TestColumnType_DateColumnsAreText(t *testing.T) {
	assert.Equal(t, "TEXT", columnType("trade_date", 20240102.0))
	assert.Equal(t, "TEXT", columnType("cal_date", int64(20240102)))
	assert.Equal(t, "TEXT", columnType("trade_time", nil))
	assert.Equal(t, "REAL", columnType("close", 10.5))
	assert.Equal(t, "INTEGER", columnType("is_open", int64(1)))
	assert.Equal(t, "TEXT", columnType("name", nil))
}

func TestEnsureIndex_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	f := dailyFrame(t, []any{"600000.SH", "2024-01-02", 10.5, int64(1000)})
	_, err := ReconcileSchema(db, "daily_raw", f, []string{"ts_code", "trade_date"})
	require.NoError(t, err)

	created, err := EnsureIndex(db, "daily_raw", "idx_daily_raw_date", []string{"trade_date"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureIndex(db, "daily_raw", "idx_daily_raw_date", []string{"trade_date"})
	require.NoError(t, err)
	assert.False(t, created)
}
