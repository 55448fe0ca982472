package state

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *CursorStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE etl_state (
		scope TEXT NOT NULL,
		table_name TEXT NOT NULL,
		cursor_col TEXT NOT NULL,
		cursor_value TEXT,
		updated_at TEXT,
		PRIMARY KEY (scope, table_name, cursor_col)
	)`)
	require.NoError(t, err)

	return NewCursorStore(db, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestCursorStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	v, err := store.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestCursorStore_SetGetUpdate(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Set("master", "daily_raw", "trade_date", "2024-01-10"))

	v, err := store.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", v)

	// The store is a plain upsert; it will happily move a value backwards.
	require.NoError(t, store.Set("master", "daily_raw", "trade_date", "2024-01-05"))

	v, err = store.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05", v)
}

func TestCursorStore_ScopesIsolated(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Set("master", "daily_raw", "trade_date", "2024-01-10"))
	require.NoError(t, store.Set("shard_0", "minute_bars", "trade_date", "2024-01-08"))

	v, err := store.Get("shard_0", "minute_bars", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-08", v)

	v, err = store.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", v)
}

func TestCursorStore_Clear(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Set("master", "daily_raw", "trade_date", "2024-01-10"))
	require.NoError(t, store.Clear("master", "daily_raw", "trade_date"))

	v, err := store.Get("master", "daily_raw", "trade_date")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	// Clearing a cursor that never existed is fine.
	require.NoError(t, store.Clear("master", "adj_factor", "trade_date"))
}

func TestCursorStore_List(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Set("master", "daily_raw", "trade_date", "2024-01-10"))
	require.NoError(t, store.Set("master", "adj_factor", "trade_date", "2024-01-09"))
	require.NoError(t, store.Set("shard_1", "minute_bars", "trade_date", "2024-01-08"))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "master", entries[0].Scope)
	assert.Equal(t, "adj_factor", entries[0].Resource)
	assert.Equal(t, "daily_raw", entries[1].Resource)
	assert.Equal(t, "shard_1", entries[2].Scope)
	assert.Equal(t, "2024-01-08", entries[2].Value)
	assert.NotEmpty(t, entries[0].UpdatedAt)
}

func TestChunkProgress_Roundtrip(t *testing.T) {
	p := ChunkProgress{
		Day:       time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		NextChunk: 3,
	}

	encoded := EncodeChunkProgress(p)
	assert.Equal(t, "2024-01-10@3", encoded)

	decoded, ok := DecodeChunkProgress(encoded)
	require.True(t, ok)
	assert.Equal(t, p, decoded)
}

func TestDecodeChunkProgress_Malformed(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"2024-01-10",
		"abc",
		"2024-01-10@x",
		"2024-01-10@-1",
		"not-a-date@2",
	}
	for _, raw := range cases {
		_, ok := DecodeChunkProgress(raw)
		assert.False(t, ok, "expected %q to be rejected", raw)
	}
}

func TestCursorStore_ChunkProgress(t *testing.T) {
	store := setupTestStore(t)

	_, ok, err := store.GetChunkProgress("shard_0", "minute_bars")
	require.NoError(t, err)
	assert.False(t, ok)

	p := ChunkProgress{
		Day:       time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		NextChunk: 2,
	}
	require.NoError(t, store.SetChunkProgress("shard_0", "minute_bars", p))

	got, ok, err := store.GetChunkProgress("shard_0", "minute_bars")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	require.NoError(t, store.ClearChunkProgress("shard_0", "minute_bars"))

	_, ok, err = store.GetChunkProgress("shard_0", "minute_bars")
	require.NoError(t, err)
	assert.False(t, ok)
}
