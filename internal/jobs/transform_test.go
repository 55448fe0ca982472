package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketsync/internal/frame"
)

func frameOf(cols []string, rows ...[]interface{}) *frame.Frame {
	f := &frame.Frame{Columns: cols}
	for _, r := range rows {
		f.AppendRow(r)
	}
	return f
}

func TestNormalizeDateColumn(t *testing.T) {
	f := frameOf([]string{"trade_date"},
		[]interface{}{"20240105"},
		[]interface{}{20240105.0},   // numeric payloads happen
		[]interface{}{"20240105.0"}, // float artifact
		[]interface{}{"240105"},     // short, zero-padded
		[]interface{}{"garbage"},
		[]interface{}{nil},
	)

	NormalizeDateColumn(f, "trade_date")

	assert.Equal(t, "2024-01-05", f.Value(0, "trade_date"))
	assert.Equal(t, "2024-01-05", f.Value(1, "trade_date"))
	assert.Equal(t, "2024-01-05", f.Value(2, "trade_date"))
	assert.Equal(t, "0024-01-05", f.Value(3, "trade_date"))
	assert.Equal(t, "garbage", f.Value(4, "trade_date"))
	assert.Nil(t, f.Value(5, "trade_date"))
}

func TestNormalizeDateColumn_MissingColumn(t *testing.T) {
	f := frameOf([]string{"ts_code"}, []interface{}{"600000.SH"})
	NormalizeDateColumn(f, "trade_date")
	assert.Equal(t, "600000.SH", f.Value(0, "ts_code"))
}

func TestNormalizeTimestampColumn(t *testing.T) {
	f := frameOf([]string{"trade_time"},
		[]interface{}{"20240105093100"},
		[]interface{}{"not a time"},
	)

	NormalizeTimestampColumn(f, "trade_time")

	assert.Equal(t, "2024-01-05 09:31:00", f.Value(0, "trade_time"))
	assert.Equal(t, "not a time", f.Value(1, "trade_time"))
}

func TestScaleColumn(t *testing.T) {
	f := frameOf([]string{"amount"},
		[]interface{}{12.5},
		[]interface{}{"3"},
		[]interface{}{"n/a"},
		[]interface{}{nil},
	)

	ScaleColumn(f, "amount", 1000)

	assert.Equal(t, 12500.0, f.Value(0, "amount"))
	assert.Equal(t, 3000.0, f.Value(1, "amount"))
	assert.Nil(t, f.Value(2, "amount"))
	assert.Nil(t, f.Value(3, "amount"))
}

func TestNumericColumn(t *testing.T) {
	f := frameOf([]string{"north_money"},
		[]interface{}{"12.34"},
		[]interface{}{56.78},
		[]interface{}{int64(9)},
		[]interface{}{"--"},
	)

	NumericColumn(f, "north_money")

	assert.Equal(t, 12.34, f.Value(0, "north_money"))
	assert.Equal(t, 56.78, f.Value(1, "north_money"))
	assert.Equal(t, 9.0, f.Value(2, "north_money"))
	assert.Nil(t, f.Value(3, "north_money"))
}

func TestVolumeToShares(t *testing.T) {
	f := frameOf([]string{"ts_code", "vol"},
		[]interface{}{"600000.SH", 250.0},
	)

	VolumeToShares(f, "vol", "vol_share")

	assert.False(t, f.HasColumn("vol"))
	require.True(t, f.HasColumn("vol_share"))
	assert.Equal(t, 25000.0, f.Value(0, "vol_share"))
}

func TestMergeOnKeys(t *testing.T) {
	daily := frameOf([]string{"ts_code", "trade_date", "close"},
		[]interface{}{"600000.SH", "2024-01-05", 10.5},
		[]interface{}{"000001.SZ", "2024-01-05", 12.0},
	)
	basic := frameOf([]string{"ts_code", "trade_date", "close", "pe_ttm"},
		[]interface{}{"600000.SH", "2024-01-05", 99.9, 6.1},
		[]interface{}{"300750.SZ", "2024-01-05", 180.0, 22.5},
	)

	merged := MergeOnKeys(daily, basic, "ts_code", "trade_date")

	require.Equal(t, 3, merged.Len())
	require.True(t, merged.HasColumn("pe_ttm"))

	// Matched row: left's close wins, right contributes pe_ttm.
	assert.Equal(t, 10.5, merged.Value(0, "close"))
	assert.Equal(t, 6.1, merged.Value(0, "pe_ttm"))

	// Left-only row: right columns are NULL.
	assert.Equal(t, 12.0, merged.Value(1, "close"))
	assert.Nil(t, merged.Value(1, "pe_ttm"))

	// Right-only row is appended, without right's dropped close.
	assert.Equal(t, "300750.SZ", merged.Value(2, "ts_code"))
	assert.Equal(t, 22.5, merged.Value(2, "pe_ttm"))
	assert.Nil(t, merged.Value(2, "close"))
}

func TestMergeOnKeys_EmptySides(t *testing.T) {
	full := frameOf([]string{"ts_code", "trade_date"},
		[]interface{}{"600000.SH", "2024-01-05"},
	)

	assert.Equal(t, 1, MergeOnKeys(full, &frame.Frame{}, "ts_code").Len())
	assert.Equal(t, 1, MergeOnKeys(&frame.Frame{}, full, "ts_code").Len())
	assert.True(t, MergeOnKeys(&frame.Frame{}, &frame.Frame{}, "ts_code").IsEmpty())
}

func TestMergeOnKeys_DoesNotMutateRight(t *testing.T) {
	left := frameOf([]string{"ts_code", "close"}, []interface{}{"600000.SH", 10.5})
	right := frameOf([]string{"ts_code", "close", "pe_ttm"}, []interface{}{"600000.SH", 99.9, 6.1})

	MergeOnKeys(left, right, "ts_code")

	require.Equal(t, []string{"ts_code", "close", "pe_ttm"}, right.Columns)
	assert.Equal(t, 99.9, right.Value(0, "close"))
}
