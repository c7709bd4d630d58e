// Copyright 2023-2024 The Stackwalk Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// MaxUnwindTableSize is the row capacity of one shard.
	// 250k * 14 bytes per packed row = ~3.5MB per published shard.
	MaxUnwindTableSize = 250 * 1000
	// MaxUnwindShards bounds how many shards we are willing to hold.
	MaxUnwindShards = 50
	// MaxUnwindTableChunks bounds the chunks a single executable's
	// table can be split into.
	MaxUnwindTableChunks = 30
	// MaxBinarySearchRounds bounds the row binary search. 2^19 can
	// bisect ~524288 entries, more than a full shard.
	MaxBinarySearchRounds = 19
)

// The search budget must be able to bisect the largest table.
const _ = uint((1 << MaxBinarySearchRounds) - MaxUnwindTableSize)

var (
	// ErrTableNotSorted is returned when a published table's rows are
	// not ordered by program counter.
	ErrTableNotSorted = errors.New("unwind table rows are not sorted")
	// ErrNoEndOfFunctionMarker is returned when a function's rows are
	// larger than a whole shard, so no split point exists.
	ErrNoEndOfFunctionMarker = errors.New("no end-of-function marker found within a shard's capacity")
	// ErrTooManyChunks is returned when an executable needs more chunks
	// than the chunk index can hold.
	ErrTooManyChunks = errors.New("too many unwind table chunks")
	// ErrNoShardsAvailable is returned once all shards are full.
	ErrNoShardsAvailable = errors.New("no unwind table shards available")

	// ErrNotCovered means the program counter is below every row in the
	// searched range. Expected for addresses we have no tables for.
	ErrNotCovered = errors.New("program counter not covered by the unwind table")
	// ErrExhaustedIterations means the search budget was fully consumed
	// without a decisive answer.
	ErrExhaustedIterations = errors.New("binary search exhausted its iterations")
	// ErrShouldNeverHappen means the search reached a logically
	// impossible state, such as probing past the end of a shard.
	ErrShouldNeverHappen = errors.New("binary search reached an impossible state")
)

// ChunkInfo maps a contiguous program-counter range of one executable
// to a row range within one shard. Ranges of one executable do not
// overlap and are ordered by LowPC.
type ChunkInfo struct {
	LowPC      uint64
	HighPC     uint64
	ShardIndex uint64
	LowIndex   uint64
	HighIndex  uint64 // exclusive
}

// ExecutableInfo holds all the chunks for one executable.
type ExecutableInfo struct {
	Chunks []ChunkInfo
}

// RowRange locates the rows covering a program counter: a shard and a
// [low, high) index range within it.
type RowRange struct {
	ShardIndex uint64
	LowIndex   uint64
	HighIndex  uint64
}

type shard struct {
	rows Table
}

// Store holds the published unwind tables: up to MaxUnwindShards
// fixed-capacity row shards plus a per-executable chunk index.
//
// Shards are immutable once published. Writers work on a private live
// shard and publish copies, so a concurrent reader either sees the
// previous snapshot or the new one, never a half-written table.
type Store struct {
	logger  log.Logger
	metrics *storeMetrics

	chunkIndex *xsync.MapOf[uint64, *ExecutableInfo]
	shards     [MaxUnwindShards]atomic.Pointer[shard]

	// Write-side state, guarded by mu.
	mu         sync.Mutex
	liveShard  Table
	shardIndex uint64
	// Sum of rows across published shards, for visibility only.
	totalRows uint64
}

func NewStore(logger log.Logger, reg prometheus.Registerer) *Store {
	return &Store{
		logger:     log.With(logger, "component", "unwind_store"),
		metrics:    newStoreMetrics(reg),
		chunkIndex: xsync.NewMapOf[uint64, *ExecutableInfo](),
		liveShard:  make(Table, 0, MaxUnwindTableSize),
	}
}

// HasExecutable reports whether tables for the executable were
// published.
func (s *Store) HasExecutable(executableID uint64) bool {
	_, ok := s.chunkIndex.Load(executableID)
	return ok
}

// Lookup returns the row range whose chunk covers the given program
// counter, or false if the executable is unknown or no chunk covers it.
//
// Chunks are ordered by LowPC, so we can bisect, but we still must
// check that the candidate actually contains the address: chunk ranges
// are disjoint yet not necessarily contiguous.
func (s *Store) Lookup(executableID, pc uint64) (RowRange, bool) {
	info, ok := s.chunkIndex.Load(executableID)
	if !ok {
		return RowRange{}, false
	}

	chunks := info.Chunks
	i := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].HighPC >= pc
	})
	if i == len(chunks) {
		return RowRange{}, false
	}
	c := chunks[i]
	if pc < c.LowPC || pc > c.HighPC {
		return RowRange{}, false
	}

	return RowRange{ShardIndex: c.ShardIndex, LowIndex: c.LowIndex, HighIndex: c.HighIndex}, true
}

// FindRow returns the row with the greatest program counter less than
// or equal to pc within the given range.
//
// The search is an iterative bisection with a hard round budget rather
// than sort.Search: running out of rounds and converging must be
// distinguishable, as the former signals an internal fault.
func (s *Store) FindRow(rr RowRange, pc uint64) (UnwindRow, error) {
	sh := s.shards[rr.ShardIndex].Load()
	if sh == nil {
		return UnwindRow{}, ErrShouldNeverHappen
	}

	const notFound = ^uint64(0)

	left, right := rr.LowIndex, rr.HighIndex
	found := notFound
	for i := 0; i < MaxBinarySearchRounds; i++ {
		if left >= right {
			if found == notFound {
				return UnwindRow{}, ErrNotCovered
			}
			return sh.rows[found], nil
		}

		mid := (left + right) / 2
		if mid >= uint64(len(sh.rows)) {
			return UnwindRow{}, ErrShouldNeverHappen
		}
		if sh.rows[mid].pc <= pc {
			found = mid
			left = mid + 1
		} else {
			right = mid
		}
	}

	return UnwindRow{}, ErrExhaustedIterations
}

// PublishTable splits the executable's sorted table into chunks and
// appends them to the live shard, spilling to fresh shards as needed,
// then publishes the chunk index entry. A chunk always ends at an
// end-of-function marker so a function's rows never straddle shards.
func (s *Store) PublishTable(executableID uint64, table Table) error {
	if len(table) == 0 {
		return nil
	}
	if !table.IsSorted() {
		return ErrTableNotSorted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remembered so a failed publication can release the rows it
	// already appended instead of leaking shard capacity.
	origShardIndex := s.shardIndex
	origLen := len(s.liveShard)

	chunks := make([]ChunkInfo, 0, MaxUnwindTableChunks)
	rest := table
	for len(rest) > 0 {
		available := MaxUnwindTableSize - len(s.liveShard)
		take := min(available, len(rest))

		// Find the last end-of-function marker that fits; the chunk
		// ends there.
		cut := -1
		for i := take - 1; i >= 0; i-- {
			if rest[i].IsEndOfFDEMarker() {
				cut = i
				break
			}
		}
		if cut < 0 {
			if len(s.liveShard) == 0 {
				// A fresh shard cannot fit a single function. Either
				// the table is malformed or there is a genuinely huge
				// function; bail to avoid an infinite loop.
				s.rollback(origShardIndex, origLen)
				return fmt.Errorf("%w: executable %d", ErrNoEndOfFunctionMarker, executableID)
			}
			level.Debug(s.logger).Log("msg", "live shard can't fit a full function, spilling to a new shard")
			if err := s.allocateNewShard(); err != nil {
				s.rollback(origShardIndex, origLen)
				return err
			}
			continue
		}

		current := rest[:cut+1]
		rest = rest[cut+1:]

		if current[0].IsEndOfFDEMarker() {
			level.Error(s.logger).Log("msg", "first row of a chunk should not be a marker", "executableID", executableID)
		}
		if len(chunks) == MaxUnwindTableChunks {
			s.rollback(origShardIndex, origLen)
			return fmt.Errorf("%w: executable %d", ErrTooManyChunks, executableID)
		}

		lowIndex := uint64(len(s.liveShard))
		s.liveShard = append(s.liveShard, current...)
		s.assertInvariants()

		chunks = append(chunks, ChunkInfo{
			LowPC:      current[0].pc,
			HighPC:     current[len(current)-1].pc,
			ShardIndex: s.shardIndex,
			LowIndex:   lowIndex,
			HighIndex:  uint64(len(s.liveShard)),
		})
	}

	s.totalRows += uint64(len(table))
	s.metrics.publishedRows.Add(float64(len(table)))

	s.publishLiveShard()
	s.chunkIndex.Store(executableID, &ExecutableInfo{Chunks: chunks})
	s.metrics.publishedTables.Inc()

	level.Debug(s.logger).Log("msg", "published unwind table",
		"executableID", executableID, "rows", len(table), "chunks", len(chunks),
		"shard", s.shardIndex, "totalRows", s.totalRows)
	return nil
}

// allocateNewShard publishes the live shard and starts a fresh one.
// Must be called with mu held.
func (s *Store) allocateNewShard() error {
	if s.shardIndex+1 >= MaxUnwindShards {
		return ErrNoShardsAvailable
	}

	s.publishLiveShard()
	s.shardIndex++
	s.liveShard = make(Table, 0, MaxUnwindTableSize)
	s.metrics.shardsUsed.Set(float64(s.shardIndex + 1))
	return nil
}

// rollback discards the rows a failed publication appended, restoring
// the write-side state it found on entry. Rows left in an already
// published snapshot past the restored length are unreferenced by any
// chunk and get overwritten on the next successful publication.
// Must be called with mu held.
func (s *Store) rollback(shardIndex uint64, length int) {
	if s.shardIndex == shardIndex {
		s.liveShard = s.liveShard[:length]
		return
	}

	// The publication spilled into fresh shards; restore the original
	// live shard from its published snapshot.
	s.shardIndex = shardIndex
	s.liveShard = s.liveShard[:0]
	if sh := s.shards[shardIndex].Load(); sh != nil {
		s.liveShard = append(s.liveShard, sh.rows[:length]...)
	}
	s.metrics.shardsUsed.Set(float64(s.shardIndex + 1))
}

// publishLiveShard makes the current live shard visible to readers as
// an immutable snapshot. Must be called with mu held.
func (s *Store) publishLiveShard() {
	rows := make(Table, len(s.liveShard))
	copy(rows, s.liveShard)
	s.shards[s.shardIndex].Store(&shard{rows: rows})
}

// assertInvariants checks conditions that should always hold while
// publishing. Must be called with mu held.
func (s *Store) assertInvariants() {
	if len(s.liveShard) > MaxUnwindTableSize {
		panic(fmt.Sprintf("live shard has %d entries, more than the %d max", len(s.liveShard), MaxUnwindTableSize))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
