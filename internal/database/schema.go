package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/marketsync/internal/frame"
)

// ReconcileResult reports what ReconcileSchema changed.
type ReconcileResult struct {
	Created      bool
	AddedColumns []string
}

// columnType picks a SQLite column type for an observed column. Dates are
// stored as ISO-8601 TEXT so lexicographic ordering matches chronological
// ordering; that keeps cursor comparisons and retention deletes plain string
// comparisons.
func columnType(name string, sample any) string {
	c := strings.ToLower(name)
	if strings.HasSuffix(c, "_date") || c == "cal_date" || c == "trade_date" {
		return "TEXT"
	}
	if c == "trade_time" || c == "time" {
		return "TEXT"
	}
	switch sample.(type) {
	case int, int32, int64:
		return "INTEGER"
	case float32, float64:
		return "REAL"
	default:
		return "TEXT"
	}
}

// firstNonNull returns the first non-nil value of a column, for type inference.
func firstNonNull(f *frame.Frame, col int) any {
	for _, row := range f.Rows {
		if row[col] != nil {
			return row[col]
		}
	}
	return nil
}

// TableExists reports whether a table is present.
func TableExists(db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

// tableColumns returns the existing column names of a table.
func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ReconcileSchema creates the table from the observed frame columns if it is
// missing, or adds any columns the upstream grew since the table was created.
// Strictly additive: existing columns are never altered or dropped.
func ReconcileSchema(db *sql.DB, table string, f *frame.Frame, primaryKeys []string) (ReconcileResult, error) {
	for _, pk := range primaryKeys {
		if !f.HasColumn(pk) {
			return ReconcileResult{}, fmt.Errorf("primary key column %q missing from frame for %s", pk, table)
		}
	}

	exists, err := TableExists(db, table)
	if err != nil {
		return ReconcileResult{}, err
	}

	if !exists {
		defs := make([]string, 0, len(f.Columns))
		for i, c := range f.Columns {
			defs = append(defs, fmt.Sprintf(`"%s" %s`, c, columnType(c, firstNonNull(f, i))))
		}
		quoted := make([]string, len(primaryKeys))
		for i, pk := range primaryKeys {
			quoted[i] = fmt.Sprintf(`"%s"`, pk)
		}
		stmt := fmt.Sprintf(`CREATE TABLE "%s" (%s, PRIMARY KEY (%s))`,
			table, strings.Join(defs, ", "), strings.Join(quoted, ", "))
		if _, err := db.Exec(stmt); err != nil {
			return ReconcileResult{}, fmt.Errorf("failed to create table %s: %w", table, err)
		}
		return ReconcileResult{Created: true}, nil
	}

	existing, err := tableColumns(db, table)
	if err != nil {
		return ReconcileResult{}, err
	}

	var added []string
	for i, c := range f.Columns {
		if existing[c] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s`,
			table, c, columnType(c, firstNonNull(f, i)))
		if _, err := db.Exec(stmt); err != nil {
			return ReconcileResult{}, fmt.Errorf("failed to add column %s.%s: %w", table, c, err)
		}
		added = append(added, c)
	}
	return ReconcileResult{AddedColumns: added}, nil
}

// EnsureIndex creates a secondary index if it doesn't exist. Returns true when
// the index was created.
func EnsureIndex(db *sql.DB, table, indexName string, columns []string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, indexName,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", indexName, err)
	}
	if n > 0 {
		return false, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf(`"%s"`, c)
	}
	stmt := fmt.Sprintf(`CREATE INDEX "%s" ON "%s" (%s)`, indexName, table, strings.Join(quoted, ", "))
	if _, err := db.Exec(stmt); err != nil {
		return false, fmt.Errorf("failed to create index %s: %w", indexName, err)
	}
	return true, nil
}
