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

// Package profiler wires the unwind store, process registry, walker
// and aggregation into one sampling pipeline.
package profiler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polarmonk/stackwalk/pkg/aggregate"
	"github.com/polarmonk/stackwalk/pkg/frame"
	"github.com/polarmonk/stackwalk/pkg/process"
	"github.com/polarmonk/stackwalk/pkg/stats"
	"github.com/polarmonk/stackwalk/pkg/unwind"
	"github.com/polarmonk/stackwalk/pkg/walker"
)

// MemoryFactory opens a reader over a process's address space. Tests
// inject fakes here; production uses process_vm_readv.
type MemoryFactory func(pid int) frame.Memory

// Config carries the profiler's behavioral knobs.
type Config struct {
	// FilterProcesses restricts profiling to AllowedPIDs.
	FilterProcesses bool
	AllowedPIDs     []int
	// StatsInterval is how often walk statistics are logged; zero
	// disables the periodic log.
	StatsInterval time.Duration
}

// Profiler owns the sampling pipeline for all profiled processes.
type Profiler struct {
	logger    log.Logger
	cfg       Config
	allowed   map[int]struct{}
	registry  *process.Registry
	store     *unwind.Store
	walker    *walker.Walker
	aggregate *aggregate.Store
	stats     *stats.Stats
	memory    MemoryFactory
}

func New(logger log.Logger, reg prometheus.Registerer, cfg Config, memory MemoryFactory) *Profiler {
	if memory == nil {
		memory = func(pid int) frame.Memory { return frame.NewProcessMemory(pid) }
	}

	st := stats.New()
	reg.MustRegister(stats.NewCollector(st))

	registry := process.NewRegistry(logger)
	store := unwind.NewStore(logger, reg)

	allowed := make(map[int]struct{}, len(cfg.AllowedPIDs))
	for _, pid := range cfg.AllowedPIDs {
		allowed[pid] = struct{}{}
	}

	return &Profiler{
		logger:    log.With(logger, "component", "profiler"),
		cfg:       cfg,
		allowed:   allowed,
		registry:  registry,
		store:     store,
		walker:    walker.New(logger, registry, store, st),
		aggregate: aggregate.NewStore(logger, reg),
		stats:     st,
		memory:    memory,
	}
}

// ShouldProfile reports whether samples from the process are accepted.
func (p *Profiler) ShouldProfile(pid int) bool {
	if !p.cfg.FilterProcesses {
		return true
	}
	_, ok := p.allowed[pid]
	return ok
}

// PublishTable makes an executable's unwind table available to walks.
func (p *Profiler) PublishTable(executableID uint64, table unwind.Table) error {
	return p.store.PublishTable(executableID, table)
}

// AddProcess scans the process's memory map and registers it. It
// returns the executables seen in the map that have no published
// unwind table yet, keyed by identity.
func (p *Profiler) AddProcess(pid int) (map[uint64]string, error) {
	if !p.ShouldProfile(pid) {
		return nil, nil
	}

	d, err := process.Discover(p.logger, pid)
	if err != nil {
		return nil, fmt.Errorf("discover pid %d: %w", pid, err)
	}
	if err := p.registry.Set(pid, d.Info); err != nil {
		return nil, fmt.Errorf("register pid %d: %w", pid, err)
	}

	missing := map[uint64]string{}
	for id, path := range d.Executables {
		if !p.store.HasExecutable(id) {
			missing[id] = path
		}
	}
	if len(missing) > 0 {
		level.Debug(p.logger).Log("msg", "process has executables without unwind tables", "pid", pid, "missing", len(missing))
	}
	return missing, nil
}

// RemoveProcess forgets a process, typically once it exits.
func (p *Profiler) RemoveProcess(pid int) {
	p.registry.Remove(pid)
}

// SetProcess registers a process with an externally built mapping
// list, bypassing procfs discovery.
func (p *Profiler) SetProcess(pid int, info process.Info) error {
	return p.registry.Set(pid, info)
}

// CaptureSample walks one sampled thread and folds the result into the
// aggregation. kernelStack may be nil when the sample has no kernel
// part. The returned error is the walk failure, already counted.
func (p *Profiler) CaptureSample(taskID, pid, tgid int32, regs frame.Registers, kernelStack []uint64) error {
	if !p.ShouldProfile(int(tgid)) {
		return nil
	}

	w, err := p.walker.Capture(taskID, pid, tgid, regs, p.memory(int(pid)))
	if err != nil {
		return err
	}

	buf, n := w.RawBuffer()
	key := aggregate.StackKey{
		TaskID:        taskID,
		PID:           pid,
		TGID:          tgid,
		UserStackHash: p.aggregate.RecordTrace(buf, n),
	}
	if len(kernelStack) > 0 {
		var kbuf [walker.MaxStackDepth]uint64
		klen := copy(kbuf[:], kernelStack)
		key.KernelStackHash = p.aggregate.RecordTrace(&kbuf, klen)
	}

	p.aggregate.Increment(key)
	return nil
}

// Drain returns everything aggregated since the previous drain.
func (p *Profiler) Drain() []aggregate.Sample {
	return p.aggregate.Drain()
}

// Stats exposes the walk counters, mainly for the stats log and tests.
func (p *Profiler) Stats() *stats.Stats {
	return p.stats
}

// Run logs walk statistics periodically until the context is done.
func (p *Profiler) Run(ctx context.Context) error {
	if p.cfg.StatsInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.stats.Log(p.logger)
		}
	}
}
