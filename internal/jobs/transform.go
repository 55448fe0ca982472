package jobs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketsync/internal/frame"
)

// The provider returns dates as YYYYMMDD strings and the worker returns
// timestamps as YYYYMMDDHHMMSS; on disk both are ISO-8601 TEXT so ordering
// and cursor comparisons stay plain string comparisons.

// NormalizeDateColumn rewrites a YYYYMMDD column to YYYY-MM-DD in place.
// Missing columns and unparseable values are left alone.
func NormalizeDateColumn(f *frame.Frame, col string) {
	if !f.HasColumn(col) {
		return
	}
	f.SetColumn(col, func(v any) any {
		s, ok := normalizeDigits(v, 8)
		if !ok {
			return v
		}
		return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
	})
}

// NormalizeTimestampColumn rewrites a YYYYMMDDHHMMSS column to
// "YYYY-MM-DD HH:MM:SS" in place.
func NormalizeTimestampColumn(f *frame.Frame, col string) {
	if !f.HasColumn(col) {
		return
	}
	f.SetColumn(col, func(v any) any {
		s, ok := normalizeDigits(v, 14)
		if !ok {
			return v
		}
		return fmt.Sprintf("%s-%s-%s %s:%s:%s",
			s[0:4], s[4:6], s[6:8], s[8:10], s[10:12], s[12:14])
	})
}

// normalizeDigits renders a value as an all-digit string of the wanted width,
// tolerating float artifacts like "20240105.0" and zero-padding short values.
func normalizeDigits(v any, width int) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprintf("%v", t)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" || len(s) > width {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	for len(s) < width {
		s = "0" + s
	}
	return s, true
}

// ScaleColumn multiplies a numeric column in place. Values that cannot be
// read as numbers become NULL.
func ScaleColumn(f *frame.Frame, col string, factor float64) {
	if !f.HasColumn(col) {
		return
	}
	f.SetColumn(col, func(v any) any {
		x, ok := toFloat(v)
		if !ok {
			return nil
		}
		return x * factor
	})
}

// NumericColumn coerces a column to numbers in place (the provider returns
// some numeric fields as strings). Unparseable values become NULL.
func NumericColumn(f *frame.Frame, col string) {
	if !f.HasColumn(col) {
		return
	}
	f.SetColumn(col, func(v any) any {
		x, ok := toFloat(v)
		if !ok {
			return nil
		}
		return x
	})
}

// VolumeToShares converts the provider's lot-denominated volume column (vol,
// 手) to a share count (vol_share, 股): 1 lot = 100 shares.
func VolumeToShares(f *frame.Frame, from, to string) {
	if !f.HasColumn(from) {
		return
	}
	i := f.ColumnIndex(from)
	f.Columns[i] = to
	ScaleColumn(f, to, 100)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return x, true
	default:
		return 0, false
	}
}
