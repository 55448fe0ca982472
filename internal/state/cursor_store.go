// Package state provides the durable per-(scope, resource, column) sync
// cursor store backed by the etl_state table.
package state

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CursorStore persists sync progress markers. The store itself is a plain
// upsert surface; monotonicity (never moving a cursor backwards) is the
// caller's contract, enforced by the sync engines before Set.
type CursorStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCursorStore creates a cursor store over a database holding etl_state.
func NewCursorStore(db *sql.DB, log zerolog.Logger) *CursorStore {
	return &CursorStore{
		db:  db,
		log: log.With().Str("component", "cursor_store").Logger(),
	}
}

// Get returns the stored cursor value, or "" when no cursor exists.
func (s *CursorStore) Get(scope, resource, column string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRow(
		`SELECT cursor_value FROM etl_state WHERE scope = ? AND table_name = ? AND cursor_col = ?`,
		scope, resource, column,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor %s/%s/%s: %w", scope, resource, column, err)
	}
	return strings.TrimSpace(v.String), nil
}

// Set upserts a cursor value.
func (s *CursorStore) Set(scope, resource, column, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO etl_state (scope, table_name, cursor_col, cursor_value, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (scope, table_name, cursor_col)
		 DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		scope, resource, column, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set cursor %s/%s/%s: %w", scope, resource, column, err)
	}
	return nil
}

// Clear removes a cursor value (sets it to NULL, keeping the row).
func (s *CursorStore) Clear(scope, resource, column string) error {
	_, err := s.db.Exec(
		`INSERT INTO etl_state (scope, table_name, cursor_col, cursor_value, updated_at)
		 VALUES (?, ?, ?, NULL, datetime('now'))
		 ON CONFLICT (scope, table_name, cursor_col)
		 DO UPDATE SET cursor_value = NULL, updated_at = excluded.updated_at`,
		scope, resource, column,
	)
	if err != nil {
		return fmt.Errorf("failed to clear cursor %s/%s/%s: %w", scope, resource, column, err)
	}
	return nil
}

// Entry is one stored cursor row, for the ops status endpoint.
type Entry struct {
	Scope     string `json:"scope"`
	Resource  string `json:"resource"`
	Column    string `json:"column"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// List returns all stored cursors, ordered for stable display.
func (s *CursorStore) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT scope, table_name, cursor_col, COALESCE(cursor_value, ''), updated_at
		 FROM etl_state ORDER BY scope, table_name, cursor_col`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Scope, &e.Resource, &e.Column, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChunkProgress is the composite within-day resume marker for the minute-bar
// engine: the day being processed and the next unwritten chunk index.
type ChunkProgress struct {
	Day       time.Time
	NextChunk int
}

// chunkProgressColumn is the cursor column chunk progress is stored under.
const chunkProgressColumn = "trade_date_next_chunk"

// EncodeChunkProgress renders a chunk-progress marker as "YYYY-MM-DD@n".
func EncodeChunkProgress(p ChunkProgress) string {
	return fmt.Sprintf("%s@%d", p.Day.Format("2006-01-02"), p.NextChunk)
}

// DecodeChunkProgress parses a chunk-progress marker. Returns ok=false for
// empty or malformed values; a corrupt marker degrades to "no progress" rather
// than failing a run.
func DecodeChunkProgress(raw string) (ChunkProgress, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.Contains(raw, "@") {
		return ChunkProgress{}, false
	}
	parts := strings.SplitN(raw, "@", 2)
	day, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return ChunkProgress{}, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 {
		return ChunkProgress{}, false
	}
	return ChunkProgress{Day: day, NextChunk: n}, true
}

// GetChunkProgress reads the minute-bar within-day progress marker for a
// resource, if any.
func (s *CursorStore) GetChunkProgress(scope, resource string) (ChunkProgress, bool, error) {
	raw, err := s.Get(scope, resource, chunkProgressColumn)
	if err != nil {
		return ChunkProgress{}, false, err
	}
	p, ok := DecodeChunkProgress(raw)
	return p, ok, nil
}

// SetChunkProgress persists the minute-bar within-day progress marker.
func (s *CursorStore) SetChunkProgress(scope, resource string, p ChunkProgress) error {
	return s.Set(scope, resource, chunkProgressColumn, EncodeChunkProgress(p))
}

// ClearChunkProgress removes the minute-bar within-day progress marker.
func (s *CursorStore) ClearChunkProgress(scope, resource string) error {
	return s.Clear(scope, resource, chunkProgressColumn)
}
