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

// Package process tracks the executable memory mappings of the
// processes we unwind.
package process

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// MaxMappingsPerProcess bounds the mapping list of one process.
	MaxMappingsPerProcess = 300
	// MaxProcesses bounds how many processes we are willing to track.
	MaxProcesses = 5000
)

// MappingKind classifies an executable mapping.
type MappingKind uint32

const (
	// MappingKindFileBacked mappings have unwind tables keyed by their
	// executable identity.
	MappingKindFileBacked MappingKind = iota
	// MappingKindJITted mappings hold dynamically generated code with
	// no static unwind table.
	MappingKindJITted
	// MappingKindSpecial covers vdso, vsyscall and friends.
	MappingKindSpecial
)

// Mapping is one executable region in a process's address space.
type Mapping struct {
	ExecutableID uint64
	Kind         MappingKind
	LoadAddress  uint64
	Begin        uint64
	End          uint64
}

// Info holds everything we track for one process. It is replaced
// wholesale on refresh, never mutated in place.
type Info struct {
	IsJITCompiler bool
	Mappings      []Mapping
}

// Resolution is the result of translating a virtual address.
type Resolution struct {
	ExecutableID uint64
	RelativePC   uint64
}

var (
	ErrProcessUnknown   = errors.New("process is not tracked")
	ErrAddressNotMapped = errors.New("address is not covered by any executable mapping")
	ErrJITSection       = errors.New("address belongs to a dynamically generated section")
	ErrSpecialSection   = errors.New("address belongs to a special section")
	ErrTooManyMappings  = errors.New("too many executable mappings")
	ErrTooManyProcesses = errors.New("too many tracked processes")
	ErrInvalidMapping   = errors.New("mapping begin must be below its end")
)

// Registry owns the per-process mapping lists. Entries are replaced
// wholesale on refresh or process exit, so concurrent readers observe
// either the previous snapshot or the new one.
type Registry struct {
	logger log.Logger
	procs  *xsync.MapOf[int, *Info]
}

func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		logger: log.With(logger, "component", "process_registry"),
		procs:  xsync.NewMapOf[int, *Info](),
	}
}

// Set replaces the process's mapping list.
func (r *Registry) Set(pid int, info Info) error {
	if len(info.Mappings) > MaxMappingsPerProcess {
		return fmt.Errorf("%w: %d, max is %d", ErrTooManyMappings, len(info.Mappings), MaxMappingsPerProcess)
	}
	for _, m := range info.Mappings {
		if m.Begin >= m.End {
			return fmt.Errorf("%w: [0x%x, 0x%x)", ErrInvalidMapping, m.Begin, m.End)
		}
	}
	if _, tracked := r.procs.Load(pid); !tracked && r.procs.Size() >= MaxProcesses {
		return ErrTooManyProcesses
	}

	r.procs.Store(pid, &info)
	level.Debug(r.logger).Log("msg", "process mappings replaced", "pid", pid, "mappings", len(info.Mappings))
	return nil
}

// Remove drops a process, typically once it has exited.
func (r *Registry) Remove(pid int) {
	r.procs.Delete(pid)
}

// Tracked reports whether we hold mappings for the process.
func (r *Registry) Tracked(pid int) bool {
	_, ok := r.procs.Load(pid)
	return ok
}

// Resolve translates a runtime virtual address into an executable
// identity and a program counter relative to that executable's tables.
//
// The mapping list is small and unsorted; a linear scan is fine.
func (r *Registry) Resolve(pid int, addr uint64) (Resolution, error) {
	info, ok := r.procs.Load(pid)
	if !ok {
		return Resolution{}, ErrProcessUnknown
	}

	for _, m := range info.Mappings {
		if addr < m.Begin || addr >= m.End {
			continue
		}
		switch m.Kind {
		case MappingKindJITted:
			return Resolution{}, ErrJITSection
		case MappingKindSpecial:
			return Resolution{}, ErrSpecialSection
		default:
			return Resolution{
				ExecutableID: m.ExecutableID,
				RelativePC:   addr - m.Begin + m.LoadAddress,
			}, nil
		}
	}

	// A JIT compiler's code cache may come and go between refreshes;
	// report those separately from plain coverage gaps.
	if info.IsJITCompiler {
		return Resolution{}, ErrJITSection
	}
	return Resolution{}, ErrAddressNotMapped
}
