// Package calendar provides the trading-calendar service. Every retention or
// windowing computation in the synchronizer counts open trading days, never
// calendar days, and refuses to answer when the stored calendar is too short.
package calendar

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrInsufficientHistory is returned when the stored calendar does not contain
// enough open days to answer a "last N open days" question. Callers must treat
// it as fatal rather than approximating a shorter window.
var ErrInsufficientHistory = errors.New("trading calendar has insufficient history")

// DateLayout is the canonical on-disk date format.
const DateLayout = "2006-01-02"

// Service reads the trade_cal table of the master database.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a calendar service.
func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "calendar").Logger(),
	}
}

// OpenDates returns the open trading dates for an exchange in [start, end],
// ascending.
func (s *Service) OpenDates(exchange string, start, end time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT cal_date FROM trade_cal
		 WHERE exchange = ? AND is_open = 1 AND cal_date BETWEEN ? AND ?
		 ORDER BY cal_date`,
		exchange, start.Format(DateLayout), end.Format(DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan open date: %w", err)
		}
		d, err := ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("bad cal_date %q: %w", raw, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CutoffByLastOpenDays returns the earliest date among the last keepOpenDays
// open trading days up to and including end. Returns ErrInsufficientHistory
// when the calendar holds fewer than keepOpenDays open days before end.
func (s *Service) CutoffByLastOpenDays(exchange string, end time.Time, keepOpenDays int) (time.Time, error) {
	if keepOpenDays <= 0 {
		return time.Time{}, fmt.Errorf("keepOpenDays must be positive, got %d", keepOpenDays)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT cal_date FROM trade_cal
		 WHERE exchange = ? AND is_open = 1 AND cal_date <= ?
		 ORDER BY cal_date DESC LIMIT %d`, keepOpenDays),
		exchange, end.Format(DateLayout),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query retention cutoff: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return time.Time{}, fmt.Errorf("failed to scan cutoff date: %w", err)
		}
		dates = append(dates, raw)
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, err
	}

	if len(dates) < keepOpenDays {
		return time.Time{}, fmt.Errorf(
			"%w: need %d open days before %s for %s, have %d",
			ErrInsufficientHistory, keepOpenDays, end.Format(DateLayout), exchange, len(dates))
	}

	// Rows are descending; cutoff is the last (earliest) one.
	return ParseDate(dates[len(dates)-1])
}

// LastCompletedOpenDay pulls end back to the most recent open day whose
// session has already closed. The minute-bar feed returns partial bars for a
// live session; advancing a day cursor past a half-finished day would skip the
// rest of it forever, so when end is today and the session hasn't closed, the
// previous open day is used instead.
func (s *Service) LastCompletedOpenDay(exchange string, end time.Time, now time.Time, sessionClose time.Duration) (time.Time, error) {
	today := now.Truncate(24 * time.Hour)
	endDay := end.Truncate(24 * time.Hour)
	if !endDay.Equal(today) {
		return endDay, nil
	}
	closeOfDay := today.Add(sessionClose)
	if !now.Before(closeOfDay) {
		return endDay, nil
	}

	days, err := s.OpenDates(exchange, endDay.AddDate(0, 0, -10), endDay)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(days) - 1; i >= 0; i-- {
		if days[i].Before(endDay) {
			return days[i], nil
		}
	}
	// Calendar too short to know; exclude today regardless.
	return endDay.AddDate(0, 0, -1), nil
}

// ParseDate parses YYYY-MM-DD or YYYYMMDD.
func ParseDate(s string) (time.Time, error) {
	if len(s) == 8 {
		return time.Parse("20060102", s)
	}
	return time.Parse(DateLayout, s)
}

// FormatDate renders a date in the canonical on-disk format.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

// FormatCompact renders a date as YYYYMMDD, the provider's wire format.
func FormatCompact(d time.Time) string {
	return d.Format("20060102")
}
