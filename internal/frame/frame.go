// Package frame provides the column-ordered tabular value passed between
// fetchers, transforms and the database writer.
package frame

import "fmt"

// Frame is a lightweight column-ordered table. Rows hold one value per column,
// in column order. A nil value means SQL NULL.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// New creates an empty frame with the given columns.
func New(columns ...string) *Frame {
	return &Frame{Columns: columns}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// IsEmpty reports whether the frame has no rows.
func (f *Frame) IsEmpty() bool {
	return f.Len() == 0
}

// ColumnIndex returns the index of the named column, or -1 if absent.
func (f *Frame) ColumnIndex(name string) int {
	if f == nil {
		return -1
	}
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	return f.ColumnIndex(name) >= 0
}

// AppendRow adds one row. The row length must match the column count.
func (f *Frame) AppendRow(row []any) error {
	if len(row) != len(f.Columns) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(row), len(f.Columns))
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// Append concatenates another frame. The other frame's columns may be in a
// different order but must be a subset-compatible set: columns present in
// other but not in f are added (with NULLs backfilled for existing rows).
func (f *Frame) Append(other *Frame) {
	if other.IsEmpty() {
		return
	}
	if f.Len() == 0 && len(f.Columns) == 0 {
		f.Columns = append([]string(nil), other.Columns...)
	}
	// Add any new columns, backfilling NULL.
	for _, c := range other.Columns {
		if !f.HasColumn(c) {
			f.Columns = append(f.Columns, c)
			for i := range f.Rows {
				f.Rows[i] = append(f.Rows[i], nil)
			}
		}
	}
	idx := make([]int, len(f.Columns))
	for i, c := range f.Columns {
		idx[i] = other.ColumnIndex(c)
	}
	for _, src := range other.Rows {
		row := make([]any, len(f.Columns))
		for i, j := range idx {
			if j >= 0 {
				row[i] = src[j]
			}
		}
		f.Rows = append(f.Rows, row)
	}
}

// Value returns the value at (row, column name), or nil if the column is
// absent.
func (f *Frame) Value(row int, column string) any {
	i := f.ColumnIndex(column)
	if i < 0 {
		return nil
	}
	return f.Rows[row][i]
}

// SetColumn overwrites (or adds) a column with per-row values produced by fn,
// which receives the current value for that column (nil when adding).
func (f *Frame) SetColumn(name string, fn func(v any) any) {
	i := f.ColumnIndex(name)
	if i < 0 {
		f.Columns = append(f.Columns, name)
		for r := range f.Rows {
			f.Rows[r] = append(f.Rows[r], fn(nil))
		}
		return
	}
	for r := range f.Rows {
		f.Rows[r][i] = fn(f.Rows[r][i])
	}
}

// RenameColumn renames a column in place. Missing source columns are ignored.
func (f *Frame) RenameColumn(from, to string) {
	if i := f.ColumnIndex(from); i >= 0 {
		f.Columns[i] = to
	}
}

// DropColumn removes a column and its values. Missing columns are ignored.
func (f *Frame) DropColumn(name string) {
	i := f.ColumnIndex(name)
	if i < 0 {
		return
	}
	f.Columns = append(f.Columns[:i], f.Columns[i+1:]...)
	for r := range f.Rows {
		f.Rows[r] = append(f.Rows[r][:i], f.Rows[r][i+1:]...)
	}
}

// Record returns one row as a column→value map.
func (f *Frame) Record(row int) map[string]any {
	rec := make(map[string]any, len(f.Columns))
	for i, c := range f.Columns {
		rec[c] = f.Rows[row][i]
	}
	return rec
}
