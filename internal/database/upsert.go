package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/marketsync/internal/frame"
)

// WriteMode selects how primary-key conflicts are resolved when writing.
type WriteMode string

const (
	// WriteUpsert updates non-key columns on conflict.
	WriteUpsert WriteMode = "upsert"
	// WriteIgnore keeps the existing row on conflict.
	WriteIgnore WriteMode = "ignore"
)

// upsertChunkRows bounds the number of rows bound into a single INSERT so one
// statement never holds an oversized transaction.
const upsertChunkRows = 2000

// UpsertFrame writes a frame into a table, reconciling the schema first and
// chunking the statement. Returns the number of rows affected.
func UpsertFrame(db *sql.DB, table string, f *frame.Frame, primaryKeys []string, mode WriteMode) (int64, error) {
	if f.IsEmpty() {
		return 0, nil
	}
	if _, err := ReconcileSchema(db, table, f, primaryKeys); err != nil {
		return 0, err
	}

	isKey := make(map[string]bool, len(primaryKeys))
	for _, pk := range primaryKeys {
		isKey[pk] = true
	}

	cols := make([]string, len(f.Columns))
	placeholders := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = fmt.Sprintf(`"%s"`, c)
		placeholders[i] = "?"
	}
	rowTemplate := "(" + strings.Join(placeholders, ", ") + ")"

	keyCols := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		keyCols[i] = fmt.Sprintf(`"%s"`, pk)
	}

	var conflictClause string
	switch mode {
	case WriteIgnore:
		conflictClause = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keyCols, ", "))
	default:
		var sets []string
		for _, c := range f.Columns {
			if isKey[c] {
				continue
			}
			sets = append(sets, fmt.Sprintf(`"%s" = excluded."%s"`, c, c))
		}
		if len(sets) == 0 {
			// All columns are key columns; nothing to update on conflict.
			conflictClause = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keyCols, ", "))
		} else {
			conflictClause = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
				strings.Join(keyCols, ", "), strings.Join(sets, ", "))
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin write transaction for %s: %w", table, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var total int64
	for start := 0; start < len(f.Rows); start += upsertChunkRows {
		end := start + upsertChunkRows
		if end > len(f.Rows) {
			end = len(f.Rows)
		}
		batch := f.Rows[start:end]

		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(f.Columns))
		for i, row := range batch {
			values[i] = rowTemplate
			args = append(args, row...)
		}

		stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES %s %s`,
			table, strings.Join(cols, ", "), strings.Join(values, ", "), conflictClause)
		res, err := tx.Exec(stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to write %d rows into %s: %w", len(batch), table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit write to %s: %w", table, err)
	}
	return total, nil
}

// DeleteOlderThanChunked deletes rows with column value strictly below cutoff,
// in bounded chunks so a large retention sweep never runs as one oversized
// transaction. Loops until no rows remain or the loop cap is hit.
func DeleteOlderThanChunked(db *sql.DB, table, column, cutoff string) (int64, error) {
	const (
		chunkRows = 20000
		maxLoops  = 5000
	)

	stmt := fmt.Sprintf(
		`DELETE FROM "%s" WHERE rowid IN (SELECT rowid FROM "%s" WHERE "%s" < ? LIMIT %d)`,
		table, table, column, chunkRows)

	var total int64
	for i := 0; i < maxLoops; i++ {
		res, err := db.Exec(stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to delete old rows from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read delete rowcount for %s: %w", table, err)
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// MaxColumnValue returns the maximum value of a column as text, or "" when the
// table is empty or missing.
func MaxColumnValue(db *sql.DB, table, column string) (string, error) {
	exists, err := TableExists(db, table)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	var v sql.NullString
	q := fmt.Sprintf(`SELECT MAX("%s") FROM "%s"`, column, table)
	if err := db.QueryRow(q).Scan(&v); err != nil {
		return "", fmt.Errorf("failed to read max %s.%s: %w", table, column, err)
	}
	if !v.Valid {
		return "", nil
	}
	return v.String, nil
}
