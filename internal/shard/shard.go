// Package shard routes security codes to database shards. The assignment is
// a pure function of the code and the shard count, so every process that
// agrees on the count agrees on the placement.
package shard

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/aristath/marketsync/internal/database"
)

// Route returns the shard index for a key: the first four bytes of the MD5
// digest, read big-endian, modulo shardCount. Changing shardCount reshuffles
// placements, so existing shard files must be rebuilt after a change.
func Route(key string, shardCount int) int {
	sum := md5.Sum([]byte(key))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(shardCount))
}

// Set is a fixed group of shard databases plus the routing arity they were
// created with.
type Set struct {
	shards []*database.DB
}

// NewSet wraps the shard databases. Index i must be the shard that Route
// maps to i.
func NewSet(shards []*database.DB) *Set {
	return &Set{shards: shards}
}

// Count returns the number of shards.
func (s *Set) Count() int {
	return len(s.shards)
}

// DB returns the database for a shard index.
func (s *Set) DB(idx int) (*database.DB, error) {
	if idx < 0 || idx >= len(s.shards) {
		return nil, fmt.Errorf("shard index %d out of range [0,%d)", idx, len(s.shards))
	}
	return s.shards[idx], nil
}

// For returns the database a key routes to.
func (s *Set) For(key string) *database.DB {
	return s.shards[Route(key, len(s.shards))]
}

// Partition groups keys by shard index. Keys within each group keep a stable
// sorted order so repeated runs chunk identically.
func (s *Set) Partition(keys []string) map[int][]string {
	out := make(map[int][]string)
	for _, k := range keys {
		idx := Route(k, len(s.shards))
		out[idx] = append(out[idx], k)
	}
	for idx := range out {
		sort.Strings(out[idx])
	}
	return out
}

// Close closes every shard database, returning the first error.
func (s *Set) Close() error {
	var first error
	for i, db := range s.shards {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close shard %d: %w", i, err)
		}
	}
	return first
}
