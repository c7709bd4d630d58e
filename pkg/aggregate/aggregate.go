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

// Package aggregate deduplicates walked stacks: identical stacks are
// stored once and counted, so a hot function costs one trace plus a
// counter no matter how often it is sampled.
package aggregate

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/polarmonk/stackwalk/pkg/walker"
)

// MaxStackCounts bounds how many distinct aggregation keys we hold
// between drains.
const MaxStackCounts = 10240

// StackKey identifies one aggregated stack. Two samples aggregate
// together only when the whole key matches.
type StackKey struct {
	TaskID          int32
	PID             int32
	TGID            int32
	UserStackHash   uint64
	KernelStackHash uint64
}

// Trace is one deduplicated stack, keyed by its hash.
type Trace struct {
	Len       int
	Addresses [walker.MaxStackDepth]uint64
}

// Sample is one drained aggregation entry.
type Sample struct {
	Key         StackKey
	Count       uint64
	UserStack   []uint64
	KernelStack []uint64
}

// Store accumulates stack counts between drains. All methods are safe
// for concurrent use.
type Store struct {
	logger  log.Logger
	metrics *storeMetrics

	counts *xsync.MapOf[StackKey, *atomic.Uint64]
	traces *xsync.MapOf[uint64, *Trace]
}

type storeMetrics struct {
	collisions prometheus.Counter
	drops      prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		collisions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_aggregate_hash_collisions_total",
			Help: "Number of distinct stacks that hashed to an already stored trace.",
		}),
		drops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_aggregate_dropped_samples_total",
			Help: "Number of samples dropped because the count table was full.",
		}),
	}
}

func NewStore(logger log.Logger, reg prometheus.Registerer) *Store {
	return &Store{
		logger:  log.With(logger, "component", "aggregate"),
		metrics: newStoreMetrics(reg),
		counts:  xsync.NewMapOf[StackKey, *atomic.Uint64](),
		traces:  xsync.NewMapOf[uint64, *Trace](),
	}
}

// RecordTrace stores the stack under its hash and returns the hash for
// use in an aggregation key. The first trace to claim a hash wins; a
// different stack arriving under the same hash is counted as a
// collision and attributed to the stored trace.
func (s *Store) RecordTrace(addresses *[walker.MaxStackDepth]uint64, length int) uint64 {
	h := HashStack(addresses, length)

	t := &Trace{Len: length, Addresses: *addresses}
	existing, loaded := s.traces.LoadOrStore(h, t)
	if loaded && (existing.Len != t.Len || existing.Addresses != t.Addresses) {
		s.metrics.collisions.Inc()
	}
	return h
}

// Increment bumps the count for the key, creating it when the table
// has room. It reports whether the sample was counted.
func (s *Store) Increment(key StackKey) bool {
	if c, ok := s.counts.Load(key); ok {
		c.Inc()
		return true
	}
	if s.counts.Size() >= MaxStackCounts {
		s.metrics.drops.Inc()
		return false
	}

	fresh := atomic.NewUint64(0)
	c, _ := s.counts.LoadOrStore(key, fresh)
	c.Inc()
	return true
}

// Drain removes and returns everything aggregated so far. Traces are
// retained across drains; a stack that keeps appearing is not re-sent.
//
// The counter is detached before it is read, so an increment that
// raced the removal and landed after the read is lost. Like hash
// collisions this is an accepted, bounded inaccuracy.
func (s *Store) Drain() []Sample {
	samples := make([]Sample, 0, s.counts.Size())

	s.counts.Range(func(key StackKey, _ *atomic.Uint64) bool {
		count, ok := s.counts.LoadAndDelete(key)
		if !ok {
			return true
		}
		sample := Sample{Key: key, Count: count.Load()}
		if t, ok := s.traces.Load(key.UserStackHash); ok {
			sample.UserStack = append(sample.UserStack, t.Addresses[:t.Len]...)
		}
		if key.KernelStackHash != 0 {
			if t, ok := s.traces.Load(key.KernelStackHash); ok {
				sample.KernelStack = append(sample.KernelStack, t.Addresses[:t.Len]...)
			}
		}
		samples = append(samples, sample)
		return true
	})

	return samples
}
