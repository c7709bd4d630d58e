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

package walker

import (
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/polarmonk/stackwalk/pkg/frame"
	"github.com/polarmonk/stackwalk/pkg/process"
	"github.com/polarmonk/stackwalk/pkg/stats"
	"github.com/polarmonk/stackwalk/pkg/unwind"
)

type fakeMemory map[uint64]uint64

var errFault = errors.New("bad address")

func (m fakeMemory) ReadUint64(addr uint64) (uint64, error) {
	v, ok := m[addr]
	if !ok {
		return 0, errFault
	}
	return v, nil
}

// constantMemory answers every read with the same word.
type constantMemory uint64

func (m constantMemory) ReadUint64(uint64) (uint64, error) {
	return uint64(m), nil
}

type testEnv struct {
	walker   *Walker
	registry *process.Registry
	store    *unwind.Store
	stats    *stats.Stats
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.NewNopLogger()
	st := stats.New()
	registry := process.NewRegistry(logger)
	store := unwind.NewStore(logger, prometheus.NewRegistry())
	return &testEnv{
		walker:   New(logger, registry, store, st),
		registry: registry,
		store:    store,
		stats:    st,
	}
}

// installText registers pid 100 with one identity-mapped text segment
// and publishes the given rows (plus an end-of-function marker) for it.
func (e *testEnv) installText(t *testing.T, rows unwind.Table) {
	t.Helper()

	require.NoError(t, e.registry.Set(100, process.Info{
		Mappings: []process.Mapping{
			{ExecutableID: 1, Kind: process.MappingKindFileBacked, LoadAddress: 0x1000, Begin: 0x1000, End: 0x100000},
		},
	}))

	table := append(unwind.Table{}, rows...)
	table = append(table, unwind.NewEndOfFunctionRow(rows[len(rows)-1].Pc()+0x10))
	require.NoError(t, e.store.PublishTable(1, table))
}

// chainTable and chainMemory build a call chain of frames frames. Frame
// i executes at 0x1000+i*0x100 with its stack at 0x7000+i*16; the last
// frame is the outermost one.
func chainTable(frames int) unwind.Table {
	table := make(unwind.Table, 0, frames)
	for i := 0; i < frames-1; i++ {
		table = append(table, unwind.NewUnwindRow(uint64(0x1000+i*0x100), unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0))
	}
	table = append(table, unwind.NewUnwindRow(uint64(0x1000+(frames-1)*0x100), unwind.CFATypeUndefined, unwind.RbpRuleUndefinedReturnAddress, 0, 0))
	return table
}

func chainMemory(frames int) fakeMemory {
	mem := fakeMemory{}
	for i := 0; i < frames-1; i++ {
		sp := uint64(0x7000 + i*16)
		// Return address of frame i, stored at its cfa-8.
		mem[sp+8] = uint64(0x1000 + (i+1)*0x100)
	}
	return mem
}

func chainAddresses(frames int) []uint64 {
	addrs := make([]uint64, 0, frames)
	for i := 0; i < frames; i++ {
		addrs = append(addrs, uint64(0x1000+i*0x100))
	}
	return addrs
}

func TestCaptureCompleteStack(t *testing.T) {
	e := newTestEnv(t)
	e.installText(t, unwind.Table{
		unwind.NewUnwindRow(0x1000, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
		unwind.NewUnwindRow(0x1020, unwind.CFATypeUndefined, unwind.RbpRuleUndefinedReturnAddress, 0, 0),
	})

	// The leaf executes at 0x1010; its return address 0x1020 lands in
	// the outermost frame.
	mem := fakeMemory{0x7008: 0x1020}
	w, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1010, SP: 0x7000}, mem)
	require.NoError(t, err)
	require.Equal(t, StateDone, w.State())
	require.Equal(t, []uint64{0x1010, 0x1020}, w.Addresses())

	require.Equal(t, uint64(1), e.stats.Total.Load())
	require.Equal(t, uint64(1), e.stats.Success.Load())
}

func TestCaptureStartsAtOutermostFrame(t *testing.T) {
	e := newTestEnv(t)

	// Tables are keyed relative to a zero load address here, so the
	// sampled 0x1020 resolves to row pc 0x20.
	require.NoError(t, e.registry.Set(100, process.Info{
		Mappings: []process.Mapping{
			{ExecutableID: 1, Kind: process.MappingKindFileBacked, LoadAddress: 0, Begin: 0x1000, End: 0x2000},
		},
	}))
	require.NoError(t, e.store.PublishTable(1, unwind.Table{
		unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
		unwind.NewUnwindRow(0x20, unwind.CFATypeUndefined, unwind.RbpRuleUndefinedReturnAddress, 0, 0),
		unwind.NewEndOfFunctionRow(0x30),
	}))

	// No stack memory is needed: the first frame is already the
	// outermost one.
	w, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1020, SP: 0x7000}, fakeMemory{})
	require.NoError(t, err)
	require.Equal(t, StateDone, w.State())
	require.Equal(t, []uint64{0x1020}, w.Addresses())
}

func TestCaptureMemoryFault(t *testing.T) {
	e := newTestEnv(t)
	e.installText(t, unwind.Table{
		unwind.NewUnwindRow(0x1000, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
	})

	// The word at cfa-8 is unreadable, e.g. the thread ran on and the
	// stack below the sampled pointer is gone.
	w, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1010, SP: 0x7000}, fakeMemory{})
	require.ErrorIs(t, err, frame.ErrUnreadableMemory)
	require.Equal(t, StateFailed, w.State())
	require.NotErrorIs(t, err, ErrTruncated)

	require.Equal(t, uint64(1), e.stats.ErrCatchall.Load())
	require.Zero(t, e.stats.ErrTruncated.Load())
	require.Zero(t, e.stats.Success.Load())
}

func TestCaptureDeepStack(t *testing.T) {
	const frames = 40

	e := newTestEnv(t)
	e.installText(t, chainTable(frames))

	w, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1000, SP: 0x7000}, chainMemory(frames))
	require.NoError(t, err)

	if diff := cmp.Diff(chainAddresses(frames), w.Addresses()); diff != "" {
		t.Fatalf("unexpected stack (-want +got):\n%s", diff)
	}
}

func TestResumeQuanta(t *testing.T) {
	const frames = 40

	e := newTestEnv(t)
	e.installText(t, chainTable(frames))
	mem := chainMemory(frames)

	w := e.walker.Start(1, 100, 100, frame.Registers{IP: 0x1000, SP: 0x7000})
	require.Equal(t, StateSuspended, w.State())

	suspensions := 0
	for e.walker.Resume(w, mem) == StateSuspended {
		suspensions++
		// No quantum may unwind more than its share of frames.
		require.LessOrEqual(t, len(w.Addresses()), suspensions*StepsPerQuantum)
	}

	require.Equal(t, StateDone, w.State())
	require.Equal(t, chainAddresses(frames), w.Addresses())
	// 40 frames at 7 steps each resume finishes during the 6th quantum.
	require.Equal(t, 5, suspensions)

	// Resuming a finished walk is a no-op.
	require.Equal(t, StateDone, e.walker.Resume(w, mem))
}

func TestBoundedWalkMatchesUnbounded(t *testing.T) {
	const frames = 25

	e := newTestEnv(t)
	e.installText(t, chainTable(frames))

	captured, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1000, SP: 0x7000}, chainMemory(frames))
	require.NoError(t, err)

	stepped := e.walker.Start(2, 100, 100, frame.Registers{IP: 0x1000, SP: 0x7000})
	mem := chainMemory(frames)
	for e.walker.Resume(stepped, mem) == StateSuspended {
	}
	require.Equal(t, StateDone, stepped.State())

	if diff := cmp.Diff(captured.Addresses(), stepped.Addresses()); diff != "" {
		t.Fatalf("bounded and unbounded walks disagree (-capture +resume):\n%s", diff)
	}
}

func TestCaptureTruncatesAtMaxDepth(t *testing.T) {
	e := newTestEnv(t)
	e.installText(t, unwind.Table{
		unwind.NewUnwindRow(0x1000, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
	})

	// Every read returns the same pc, so the walk loops until the
	// depth limit stops it.
	w, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1010, SP: 0x7000}, constantMemory(0x1010))
	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, StateFailed, w.State())
	require.Len(t, w.Addresses(), MaxStackDepth)

	require.Equal(t, uint64(1), e.stats.ErrTruncated.Load())
}

func TestCaptureErrorAttribution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, e *testEnv)
		ip      uint64
		wantErr error
		counter func(s *stats.Stats) uint64
	}{
		{
			name: "jit section",
			prepare: func(t *testing.T, e *testEnv) {
				t.Helper()
				require.NoError(t, e.registry.Set(100, process.Info{
					Mappings: []process.Mapping{
						{Kind: process.MappingKindJITted, Begin: 0x1000, End: 0x2000},
					},
				}))
			},
			ip:      0x1010,
			wantErr: process.ErrJITSection,
			counter: func(s *stats.Stats) uint64 { return s.ErrJIT.Load() },
		},
		{
			name: "unmapped address",
			prepare: func(t *testing.T, e *testEnv) {
				t.Helper()
				require.NoError(t, e.registry.Set(100, process.Info{}))
			},
			ip:      0x1010,
			wantErr: process.ErrAddressNotMapped,
			counter: func(s *stats.Stats) uint64 { return s.ErrPCNotCovered.Load() },
		},
		{
			name: "no table published",
			prepare: func(t *testing.T, e *testEnv) {
				t.Helper()
				require.NoError(t, e.registry.Set(100, process.Info{
					Mappings: []process.Mapping{
						{ExecutableID: 1, Kind: process.MappingKindFileBacked, LoadAddress: 0x1000, Begin: 0x1000, End: 0x2000},
					},
				}))
			},
			ip:      0x1010,
			wantErr: unwind.ErrNotCovered,
			counter: func(s *stats.Stats) uint64 { return s.ErrPCNotCovered.Load() },
		},
		{
			name: "unsupported frame base rule",
			prepare: func(t *testing.T, e *testEnv) {
				t.Helper()
				e.installText(t, unwind.Table{
					unwind.NewUnwindRow(0x1000, unwind.CFATypeRsp, unwind.RbpRuleRegister, 16, 0),
				})
			},
			ip:      0x1010,
			wantErr: frame.ErrUnsupportedFramePointerAction,
			counter: func(s *stats.Stats) uint64 { return s.ErrUnsupportedFramePointerAction.Load() },
		},
		{
			name: "unknown expression",
			prepare: func(t *testing.T, e *testEnv) {
				t.Helper()
				e.installText(t, unwind.Table{
					unwind.NewUnwindRow(0x1000, unwind.CFATypeExpression, unwind.RbpRuleOffsetUnchanged, uint16(unwind.ExpressionUnknown), 0),
				})
			},
			ip:      0x1010,
			wantErr: frame.ErrUnsupportedExpression,
			counter: func(s *stats.Stats) uint64 { return s.ErrUnsupportedExpression.Load() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			tt.prepare(t, e)

			_, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: tt.ip, SP: 0x7000}, fakeMemory{0x7008: 0x2020})
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, uint64(1), tt.counter(e.stats))
			require.Equal(t, uint64(1), e.stats.Total.Load())
		})
	}
}

func TestCapturePastEndOfFunction(t *testing.T) {
	e := newTestEnv(t)
	e.installText(t, unwind.Table{
		unwind.NewUnwindRow(0x1000, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
	})

	// installText placed the end-of-function marker at 0x1010; its pc
	// is covered by the chunk but carries no rule.
	_, err := e.walker.Capture(1, 100, 100, frame.Registers{IP: 0x1010, SP: 0x7000}, fakeMemory{})
	require.ErrorIs(t, err, unwind.ErrNotCovered)
	require.Equal(t, uint64(1), e.stats.ErrPCNotCovered.Load())
}
