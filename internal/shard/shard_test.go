package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketsync/internal/database"
)

func TestRoute_KnownAssignments(t *testing.T) {
	// First 8 hex digits of MD5, big-endian, mod 3.
	cases := map[string]int{
		"000001.SZ": 1,
		"600000.SH": 0,
		"300750.SZ": 1,
		"000002.SZ": 1,
		"600519.SH": 0,
		"002594.SZ": 2,
		"688981.SH": 1,
		"000858.SZ": 0,
		"601318.SH": 1,
		"399001.SZ": 0,
	}
	for key, want := range cases {
		assert.Equal(t, want, Route(key, 3), "key %s", key)
	}
}

func TestRoute_StableAndInRange(t *testing.T) {
	keys := []string{"000001.SZ", "600000.SH", "300750.SZ", "999999.BJ", ""}
	for _, key := range keys {
		first := Route(key, 4)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Route(key, 4))
		}
	}
}

func TestRoute_DifferentCounts(t *testing.T) {
	assert.Equal(t, 0, Route("000001.SZ", 4))
	assert.Equal(t, 3, Route("300750.SZ", 4))
	assert.Equal(t, 0, Route("600000.SH", 1))
}

func TestPartition_GroupsByRoute(t *testing.T) {
	// Partition only consults Route and the shard count, so nil handles are
	// fine here.
	set := NewSet(make([]*database.DB, 3))

	keys := []string{"000001.SZ", "600000.SH", "300750.SZ", "002594.SZ", "000858.SZ"}
	byShard := set.Partition(keys)

	assert.ElementsMatch(t, []string{"600000.SH", "000858.SZ"}, byShard[0])
	assert.ElementsMatch(t, []string{"000001.SZ", "300750.SZ"}, byShard[1])
	assert.ElementsMatch(t, []string{"002594.SZ"}, byShard[2])

	// Groups come back sorted so repeated runs chunk identically.
	require.Len(t, byShard[1], 2)
	assert.Equal(t, "000001.SZ", byShard[1][0])
}

func TestSet_DBIndexRange(t *testing.T) {
	set := NewSet(make([]*database.DB, 2))

	_, err := set.DB(0)
	assert.NoError(t, err)
	_, err = set.DB(2)
	assert.Error(t, err)
	_, err = set.DB(-1)
	assert.Error(t, err)
	assert.Equal(t, 2, set.Count())
}
