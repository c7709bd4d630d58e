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

// Package walker drives frame steps into whole stack walks, bounded
// both in depth and in the work done per resumption.
package walker

import (
	"errors"

	"github.com/go-kit/log"

	"github.com/polarmonk/stackwalk/pkg/frame"
	"github.com/polarmonk/stackwalk/pkg/process"
	"github.com/polarmonk/stackwalk/pkg/stats"
	"github.com/polarmonk/stackwalk/pkg/unwind"
)

const (
	// MaxStackDepth is the deepest stack we collect.
	MaxStackDepth = 127
	// StepsPerQuantum is how many frames one resumption may unwind
	// before the walk is suspended.
	StepsPerQuantum = 7
	// MaxResumptions bounds how often a suspended walk may resume.
	MaxResumptions = 19
)

// The resumption budget must be able to cover a full-depth stack.
const _ = uint(StepsPerQuantum*MaxResumptions - MaxStackDepth)

// ErrTruncated is recorded when a walk hits the depth limit or runs out
// of resumptions.
var ErrTruncated = errors.New("stack walk truncated")

// State is the lifecycle of one walk.
type State int

const (
	// StateRunning walks are inside a resumption quantum.
	StateRunning State = iota
	// StateSuspended walks spent their quantum and are waiting to be
	// resumed.
	StateSuspended
	// StateDone walks reached the outermost frame.
	StateDone
	// StateFailed walks stopped on an error, recorded in the walk.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Walk is the resumable state of one stack walk. It is not safe for
// concurrent use; a walk belongs to the goroutine driving it.
type Walk struct {
	TaskID int32
	PID    int32
	TGID   int32

	addresses [MaxStackDepth]uint64
	len       int

	regs        frame.Registers
	resumptions int

	state   State
	failure error
}

// State returns where the walk is in its lifecycle.
func (w *Walk) State() State { return w.state }

// Err returns the failure that stopped the walk, if any.
func (w *Walk) Err() error { return w.failure }

// Addresses returns the collected frames, outermost last. The returned
// slice aliases the walk's buffer and is valid until the next resume.
func (w *Walk) Addresses() []uint64 { return w.addresses[:w.len] }

// RawBuffer returns the full fixed-size frame buffer and the number of
// live entries, in the shape the stack hasher consumes.
func (w *Walk) RawBuffer() (*[MaxStackDepth]uint64, int) { return &w.addresses, w.len }

// Walker walks native stacks using published unwind tables.
type Walker struct {
	logger   log.Logger
	registry *process.Registry
	store    *unwind.Store
	stats    *stats.Stats
}

func New(logger log.Logger, registry *process.Registry, store *unwind.Store, st *stats.Stats) *Walker {
	return &Walker{
		logger:   log.With(logger, "component", "walker"),
		registry: registry,
		store:    store,
		stats:    st,
	}
}

// Start begins a walk at the sampled register state. The walk makes no
// progress until it is resumed.
func (wk *Walker) Start(taskID, pid, tgid int32, regs frame.Registers) *Walk {
	wk.stats.Total.Inc()
	return &Walk{
		TaskID: taskID,
		PID:    pid,
		TGID:   tgid,
		regs:   regs,
		state:  StateSuspended,
	}
}

// Resume runs up to one quantum of frame steps. It returns the walk's
// state afterwards: suspended walks need another resume, done and
// failed walks are finished.
func (wk *Walker) Resume(w *Walk, mem frame.Memory) State {
	if w.state != StateSuspended {
		return w.state
	}
	if w.resumptions >= MaxResumptions {
		wk.fail(w, ErrTruncated)
		return w.state
	}
	w.resumptions++
	w.state = StateRunning

	for step := 0; step < StepsPerQuantum; step++ {
		res, err := wk.resolve(w)
		if err != nil {
			wk.fail(w, err)
			return w.state
		}

		row, err := wk.findRow(res)
		if err != nil {
			wk.fail(w, err)
			return w.state
		}

		if w.len >= MaxStackDepth {
			wk.fail(w, ErrTruncated)
			return w.state
		}
		w.addresses[w.len] = w.regs.IP
		w.len++

		next, terminal, err := frame.Step(row, w.regs, mem)
		if err != nil {
			wk.fail(w, err)
			return w.state
		}
		if terminal {
			w.state = StateDone
			wk.stats.Success.Inc()
			return w.state
		}
		w.regs = next
	}

	w.state = StateSuspended
	return w.state
}

// Capture drives a walk to completion and returns the collected
// frames, or the error that stopped it.
func (wk *Walker) Capture(taskID, pid, tgid int32, regs frame.Registers, mem frame.Memory) (*Walk, error) {
	w := wk.Start(taskID, pid, tgid, regs)
	for {
		switch wk.Resume(w, mem) {
		case StateSuspended:
			continue
		case StateDone:
			return w, nil
		case StateFailed:
			return w, w.failure
		default:
			// Resume never returns with a walk mid-quantum.
			wk.fail(w, unwind.ErrShouldNeverHappen)
			return w, w.failure
		}
	}
}

// resolve maps the current instruction pointer to an executable and a
// table-relative program counter.
func (wk *Walker) resolve(w *Walk) (process.Resolution, error) {
	return wk.registry.Resolve(int(w.PID), w.regs.IP)
}

// findRow locates the unwind row covering the resolved program counter.
func (wk *Walker) findRow(res process.Resolution) (unwind.UnwindRow, error) {
	rr, ok := wk.store.Lookup(res.ExecutableID, res.RelativePC)
	if !ok {
		return unwind.UnwindRow{}, unwind.ErrNotCovered
	}
	row, err := wk.store.FindRow(rr, res.RelativePC)
	if err != nil {
		return unwind.UnwindRow{}, err
	}
	// The sentinel at a function's end address carries no rule; the
	// address is past the last covered instruction.
	if row.IsEndOfFDEMarker() {
		return unwind.UnwindRow{}, unwind.ErrNotCovered
	}
	return row, nil
}

// fail stops the walk and attributes the error to a counter.
func (wk *Walker) fail(w *Walk, err error) {
	w.state = StateFailed
	w.failure = err

	switch {
	case errors.Is(err, ErrTruncated):
		wk.stats.ErrTruncated.Inc()
	case errors.Is(err, process.ErrJITSection):
		wk.stats.ErrJIT.Inc()
	case errors.Is(err, process.ErrAddressNotMapped),
		errors.Is(err, process.ErrSpecialSection),
		errors.Is(err, unwind.ErrNotCovered):
		wk.stats.ErrPCNotCovered.Inc()
	case errors.Is(err, unwind.ErrShouldNeverHappen):
		wk.stats.ErrShouldNeverHappen.Inc()
	case errors.Is(err, unwind.ErrExhaustedIterations):
		wk.stats.ErrExhaustedIterations.Inc()
	case errors.Is(err, frame.ErrUnsupportedExpression):
		wk.stats.ErrUnsupportedExpression.Inc()
	case errors.Is(err, frame.ErrUnsupportedFramePointerAction):
		wk.stats.ErrUnsupportedFramePointerAction.Inc()
	case errors.Is(err, frame.ErrUnsupportedCFARegister):
		wk.stats.ErrUnsupportedCFARegister.Inc()
	default:
		// Memory read faults and everything unforeseen.
		wk.stats.ErrCatchall.Inc()
	}
}
