// Package jobs holds the declarative specifications of every synchronized
// resource: how it is fetched, keyed, cursored and retained.
package jobs

import (
	"time"

	"github.com/aristath/marketsync/internal/clients/tusharepro"
	"github.com/aristath/marketsync/internal/fetch"
	"github.com/aristath/marketsync/internal/frame"
)

// Env carries the shared collaborators a fetch strategy needs. Constructed
// once per sync run and passed explicitly; there is no package-level state.
type Env struct {
	Client           *tusharepro.Client
	Fetcher          *fetch.Fetcher
	IndexWeightCodes []string
	PageLimit        int // Provider's per-call row cap for paged APIs
}

// Strategy is the fetch strategy of one resource. Exactly two implementations
// exist: DayGranular (one fetch per open trading day) and RangeGranular (one
// fetch per window, possibly sub-chunked inside the job).
type Strategy interface {
	strategy()
}

// DayGranular fetches one open trading day at a time.
type DayGranular struct {
	FetchDay func(env *Env, day time.Time) (*frame.Frame, error)
}

func (DayGranular) strategy() {}

// RangeGranular fetches a whole [start, end] window in one call. Sub-chunking
// of the range (by sub-ranges, by month, by code) is the job's own business.
type RangeGranular struct {
	FetchRange func(env *Env, start, end time.Time) (*frame.Frame, error)
}

func (RangeGranular) strategy() {}

// Spec describes one synchronized resource. Immutable; defined at startup.
type Spec struct {
	// Resource is the target table name.
	Resource string

	// PrimaryKeys are the upsert conflict columns.
	PrimaryKeys []string

	// CursorColumn is the date-valued column progress is tracked on.
	// Empty means the resource has no cursor (full refresh each run).
	CursorColumn string

	// RetentionOpenDays keeps only the last N open trading days of rows.
	// Zero disables retention.
	RetentionOpenDays int

	// RetentionColumn is the column retention deletes filter on. Defaults to
	// CursorColumn when empty.
	RetentionColumn string

	// Exchange drives the trading calendar for day iteration and retention.
	Exchange string

	// AdvanceToEnd lets a range-granular resource advance its cursor to the
	// window end when rows were written but no cursor column was observed in
	// the response. Off by default so a dry response never fabricates
	// progress.
	AdvanceToEnd bool

	Strategy  Strategy
	Transform func(*frame.Frame)
}

// RetentionDateColumn returns the column retention deletes use.
func (s *Spec) RetentionDateColumn() string {
	if s.RetentionColumn != "" {
		return s.RetentionColumn
	}
	return s.CursorColumn
}
