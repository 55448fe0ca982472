package jobs

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aristath/marketsync/internal/calendar"
	"github.com/aristath/marketsync/internal/clients/tusharepro"
	"github.com/aristath/marketsync/internal/frame"
)

// DefaultPageLimit is the provider's documented per-call row cap.
const DefaultPageLimit = 6000

// benchmarkIndexes are the index codes index_daily tracks.
var benchmarkIndexes = []string{"000001.SH", "000300.SH", "399001.SZ", "399006.SZ"}

// Registry returns the declarative specs of every synchronized resource,
// keyed by resource name. trade_cal must be synced before anything with
// retention; the scheduler orders it first.
func Registry(exchange string, dailyKeepDays int) map[string]*Spec {
	specs := []*Spec{
		{
			Resource:    "stock_basic",
			PrimaryKeys: []string{"ts_code"},
			Exchange:    exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, _, _ time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("stock_basic", func() (*frame.Frame, error) {
					return env.Client.Query("stock_basic", tusharepro.Params{"exchange": "", "list_status": "L"})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "list_date")
				NormalizeDateColumn(f, "delist_date")
			},
		},
		{
			Resource:     "trade_cal",
			PrimaryKeys:  []string{"exchange", "cal_date"},
			CursorColumn: "cal_date",
			AdvanceToEnd: true,
			Exchange:     exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, start, end time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("trade_cal", func() (*frame.Frame, error) {
					return env.Client.Query("trade_cal", tusharepro.Params{
						"exchange":   exchange,
						"start_date": calendar.FormatCompact(start),
						"end_date":   calendar.FormatCompact(end),
					})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "cal_date")
				NormalizeDateColumn(f, "pretrade_date")
				NumericColumn(f, "is_open")
			},
		},
		{
			Resource:    "index_basic",
			PrimaryKeys: []string{"ts_code"},
			Exchange:    exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, _, _ time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("index_basic", func() (*frame.Frame, error) {
					return env.Client.Query("index_basic", nil)
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "base_date")
				NormalizeDateColumn(f, "list_date")
				NormalizeDateColumn(f, "exp_date")
			},
		},
		{
			Resource:    "index_member_all",
			PrimaryKeys: []string{"ts_code", "l3_code"},
			Exchange:    exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, _, _ time.Time) (*frame.Frame, error) {
				// Row cap 2000 for this API.
				return env.Fetcher.DoPaged("index_member_all", 2000, func(limit, offset int) (*frame.Frame, error) {
					return env.Client.QueryPage("index_member_all", tusharepro.Params{"is_new": "Y"}, limit, offset)
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "in_date")
				NormalizeDateColumn(f, "out_date")
			},
		},
		{
			Resource:          "daily_raw",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				td := calendar.FormatCompact(day)
				daily, err := env.Fetcher.Do("daily", func() (*frame.Frame, error) {
					return env.Client.Query("daily", tusharepro.Params{"trade_date": td})
				})
				if err != nil {
					return nil, err
				}
				basic, err := env.Fetcher.Do("daily_basic", func() (*frame.Frame, error) {
					return env.Client.Query("daily_basic", tusharepro.Params{"trade_date": td})
				})
				if err != nil {
					return nil, err
				}
				return MergeOnKeys(daily, basic, "ts_code", "trade_date"), nil
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
				ScaleColumn(f, "amount", 1000) // provider reports thousands of CNY
				VolumeToShares(f, "vol", "vol_share")
			},
		},
		{
			Resource:          "adj_factor",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("adj_factor", func() (*frame.Frame, error) {
					return env.Client.Query("adj_factor", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "index_daily",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			AdvanceToEnd:      true,
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			// Long single-range calls have been seen to hang upstream; chunk
			// into 90-day sub-ranges per index code.
			Strategy: RangeGranular{FetchRange: fetchIndexDaily},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
				VolumeToShares(f, "vol", "vol_share")
			},
		},
		{
			Resource:          "index_weight",
			PrimaryKeys:       []string{"index_code", "con_code", "trade_date"},
			CursorColumn:      "trade_date",
			AdvanceToEnd:      true,
			RetentionOpenDays: 2000,
			Exchange:          exchange,
			Strategy:          RangeGranular{FetchRange: fetchIndexWeight},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "moneyflow_hsgt",
			PrimaryKeys:       []string{"trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("moneyflow_hsgt", func() (*frame.Frame, error) {
					return env.Client.Query("moneyflow_hsgt", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
				// These flow fields come back as strings in some environments.
				for _, c := range []string{"ggt_ss", "ggt_sz", "hgt", "sgt", "north_money", "south_money"} {
					NumericColumn(f, c)
				}
			},
		},
		{
			Resource:          "suspend_d",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("suspend_d", func() (*frame.Frame, error) {
					return env.Client.Query("suspend_d", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "stk_limit",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				// Roughly one row per listed code; the cap sits just under the
				// full universe so a second page only appears when needed.
				return env.Fetcher.DoPaged("stk_limit", 5800, func(limit, offset int) (*frame.Frame, error) {
					return env.Client.QueryPage("stk_limit", tusharepro.Params{"trade_date": calendar.FormatCompact(day)}, limit, offset)
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource: "limit_list_d",
			// The board flag comes back in a wire field named "limit", not
			// the "limit_type" request parameter.
			PrimaryKeys:       []string{"ts_code", "trade_date", "limit"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				td := calendar.FormatCompact(day)
				out := &frame.Frame{}
				// Up/down/broken limit boards are separate queries; row cap 2500.
				for _, lt := range []string{"U", "D", "Z"} {
					part, err := env.Fetcher.DoPaged("limit_list_d/"+lt, 2500, func(limit, offset int) (*frame.Frame, error) {
						return env.Client.QueryPage("limit_list_d", tusharepro.Params{
							"trade_date": td,
							"limit_type": lt,
						}, limit, offset)
					})
					if err != nil {
						return nil, err
					}
					out.Append(part)
				}
				return out, nil
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "st_list",
			PrimaryKeys:       []string{"ts_code", "start_date"},
			CursorColumn:      "start_date",
			AdvanceToEnd:      true,
			RetentionOpenDays: dailyKeepDays,
			RetentionColumn:   "start_date",
			Exchange:          exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, start, end time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("namechange", func() (*frame.Frame, error) {
					return env.Client.Query("namechange", tusharepro.Params{
						"start_date": calendar.FormatCompact(start),
						"end_date":   calendar.FormatCompact(end),
					})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "start_date")
				NormalizeDateColumn(f, "end_date")
				NormalizeDateColumn(f, "ann_date")
			},
		},
		{
			Resource:          "share_float",
			PrimaryKeys:       []string{"ts_code", "ann_date", "float_date", "holder_name", "share_type"},
			CursorColumn:      "float_date",
			AdvanceToEnd:      true,
			RetentionOpenDays: dailyKeepDays,
			RetentionColumn:   "float_date",
			Exchange:          exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, start, end time.Time) (*frame.Frame, error) {
				return env.Fetcher.DoPaged("share_float", env.PageLimit, func(limit, offset int) (*frame.Frame, error) {
					return env.Client.QueryPage("share_float", tusharepro.Params{
						"start_date": calendar.FormatCompact(start),
						"end_date":   calendar.FormatCompact(end),
					}, limit, offset)
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "ann_date")
				NormalizeDateColumn(f, "float_date")
			},
		},
		{
			Resource:          "dividend",
			PrimaryKeys:       []string{"ts_code", "ann_date", "end_date"},
			CursorColumn:      "ann_date",
			AdvanceToEnd:      true,
			RetentionOpenDays: dailyKeepDays,
			RetentionColumn:   "ann_date",
			Exchange:          exchange,
			// The API only supports point queries by announcement date, so the
			// range is walked one calendar day at a time.
			Strategy: RangeGranular{FetchRange: fetchDividend},
			Transform: func(f *frame.Frame) {
				for _, c := range []string{"end_date", "ann_date", "record_date", "ex_date",
					"pay_date", "div_listdate", "imp_ann_date", "base_date"} {
					NormalizeDateColumn(f, c)
				}
			},
		},
		{
			// SW industry classification tree; a reference table, replaced
			// wholesale on every run.
			Resource:    "index_classify",
			PrimaryKeys: []string{"index_code"},
			Exchange:    exchange,
			Strategy: RangeGranular{FetchRange: func(env *Env, _, _ time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("index_classify", func() (*frame.Frame, error) {
					return env.Client.Query("index_classify", nil)
				})
			}},
		},
		{
			Resource:          "moneyflow_ind",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("moneyflow_dc", func() (*frame.Frame, error) {
					return env.Client.Query("moneyflow_dc", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "moneyflow_sector",
			PrimaryKeys:       []string{"ts_code", "trade_date", "content_type"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("moneyflow_ind_dc", func() (*frame.Frame, error) {
					return env.Client.Query("moneyflow_ind_dc", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "moneyflow_mkt",
			PrimaryKeys:       []string{"trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("moneyflow_mkt_dc", func() (*frame.Frame, error) {
					return env.Client.Query("moneyflow_mkt_dc", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
		{
			Resource:          "limit_list",
			PrimaryKeys:       []string{"ts_code", "trade_date"},
			CursorColumn:      "trade_date",
			RetentionOpenDays: dailyKeepDays,
			Exchange:          exchange,
			Strategy: DayGranular{FetchDay: func(env *Env, day time.Time) (*frame.Frame, error) {
				return env.Fetcher.Do("limit_list", func() (*frame.Frame, error) {
					return env.Client.Query("limit_list", tusharepro.Params{"trade_date": calendar.FormatCompact(day)})
				})
			}},
			Transform: func(f *frame.Frame) {
				NormalizeDateColumn(f, "trade_date")
			},
		},
	}

	out := make(map[string]*Spec, len(specs))
	for _, s := range specs {
		out[s.Resource] = s
	}
	return out
}

// Ordered returns resource names in sync order: trade_cal first (everything
// with retention depends on it), reference tables next, then the rest.
func Ordered(registry map[string]*Spec) []string {
	ordered := []string{"trade_cal", "stock_basic"}
	seen := map[string]bool{"trade_cal": true, "stock_basic": true}

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !seen[name] {
			ordered = append(ordered, name)
		}
	}

	out := ordered[:0]
	for _, name := range ordered {
		if _, ok := registry[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// MaxRetentionOpenDays returns the largest retention window in the registry,
// used to size the calendar backfill.
func MaxRetentionOpenDays(registry map[string]*Spec) int {
	max := 0
	for _, s := range registry {
		if s.RetentionOpenDays > max {
			max = s.RetentionOpenDays
		}
	}
	return max
}

func fetchIndexDaily(env *Env, start, end time.Time) (*frame.Frame, error) {
	out := &frame.Frame{}
	const step = 90 * 24 * time.Hour
	for _, code := range benchmarkIndexes {
		cur := start
		for !cur.After(end) {
			curEnd := cur.Add(step)
			if curEnd.After(end) {
				curEnd = end
			}
			part, err := env.Fetcher.Do("index_daily/"+code, func() (*frame.Frame, error) {
				return env.Client.Query("index_daily", tusharepro.Params{
					"ts_code":    code,
					"start_date": calendar.FormatCompact(cur),
					"end_date":   calendar.FormatCompact(curEnd),
				})
			})
			if err != nil {
				return nil, err
			}
			out.Append(part)
			cur = curEnd.AddDate(0, 0, 1)
		}
	}
	return out, nil
}

func fetchIndexWeight(env *Env, start, end time.Time) (*frame.Frame, error) {
	out := &frame.Frame{}
	if len(env.IndexWeightCodes) == 0 {
		// Pulling weights for every index on the market explodes the table;
		// only configured indexes are tracked.
		return out, nil
	}

	// Monthly cadence data: walk calendar months.
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		next := cur.AddDate(0, 1, 0)
		rangeEnd := next.AddDate(0, 0, -1)
		if rangeEnd.After(end) {
			rangeEnd = end
		}
		for _, code := range env.IndexWeightCodes {
			part, err := env.Fetcher.DoPaged("index_weight/"+code, env.PageLimit, func(limit, offset int) (*frame.Frame, error) {
				return env.Client.QueryPage("index_weight", tusharepro.Params{
					"index_code": code,
					"start_date": calendar.FormatCompact(cur),
					"end_date":   calendar.FormatCompact(rangeEnd),
				}, limit, offset)
			})
			if err != nil {
				return nil, err
			}
			out.Append(part)
		}
		cur = next
	}
	return out, nil
}

func fetchDividend(env *Env, start, end time.Time) (*frame.Frame, error) {
	out := &frame.Frame{}
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		ann := calendar.FormatCompact(cur)
		part, err := env.Fetcher.DoPaged("dividend/"+ann, env.PageLimit, func(limit, offset int) (*frame.Frame, error) {
			return env.Client.QueryPage("dividend", tusharepro.Params{"ann_date": ann}, limit, offset)
		})
		if err != nil {
			return nil, err
		}
		out.Append(part)
	}
	return out, nil
}

// MergeOnKeys outer-joins two frames on the given key columns, preferring
// left's values for overlapping non-key columns. Used to merge the daily
// price and daily indicator feeds into one row per (ts_code, trade_date).
func MergeOnKeys(left, right *frame.Frame, keys ...string) *frame.Frame {
	if left.IsEmpty() && right.IsEmpty() {
		return &frame.Frame{}
	}
	if left.IsEmpty() {
		return right
	}
	if right.IsEmpty() {
		return left
	}

	// Drop overlapping non-key columns from the right side. Rows are copied
	// because DropColumn edits them in place.
	trimmed := &frame.Frame{Columns: append([]string(nil), right.Columns...)}
	trimmed.Rows = make([][]any, len(right.Rows))
	for i, row := range right.Rows {
		trimmed.Rows[i] = append([]any(nil), row...)
	}
	for _, c := range right.Columns {
		isKey := false
		for _, k := range keys {
			if c == k {
				isKey = true
			}
		}
		if !isKey && left.HasColumn(c) {
			trimmed.DropColumn(c)
		}
	}

	keyOf := func(f *frame.Frame, row int) string {
		k := ""
		for _, c := range keys {
			k += "\x00"
			if v := f.Value(row, c); v != nil {
				switch t := v.(type) {
				case string:
					k += t
				default:
					k += frameValueString(t)
				}
			}
		}
		return k
	}

	out := &frame.Frame{}
	out.Append(left)
	rightIdx := make(map[string]int, trimmed.Len())
	for r := 0; r < trimmed.Len(); r++ {
		rightIdx[keyOf(trimmed, r)] = r
	}

	// Extend matched left rows with right's extra columns.
	extras := make([]string, 0, len(trimmed.Columns))
	for _, c := range trimmed.Columns {
		if !out.HasColumn(c) {
			extras = append(extras, c)
		}
	}
	for _, c := range extras {
		out.SetColumn(c, func(any) any { return nil })
	}
	matched := make(map[int]bool, left.Len())
	for r := 0; r < left.Len(); r++ {
		rr, ok := rightIdx[keyOf(left, r)]
		if !ok {
			continue
		}
		matched[rr] = true
		for _, c := range extras {
			out.Rows[r][out.ColumnIndex(c)] = trimmed.Value(rr, c)
		}
	}

	// Append right-only rows.
	for r := 0; r < trimmed.Len(); r++ {
		if matched[r] {
			continue
		}
		row := make([]any, len(out.Columns))
		for i, c := range out.Columns {
			row[i] = trimmed.Value(r, c)
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func frameValueString(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
