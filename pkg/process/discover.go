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

package process

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/polarmonk/stackwalk/hash"
)

// Discovery is the outcome of scanning a process's memory map: the
// registry record plus the file-backed executables that were seen, so
// the caller can fetch or build unwind tables for them.
type Discovery struct {
	Info Info
	// Executables maps executable identity to the path the tables
	// should be generated from, as seen through /proc/<pid>/root.
	Executables map[uint64]string
}

// Discover builds a process's mapping list from procfs. Only
// executable regions are considered. Anonymous executable regions are
// assumed to hold JIT-generated code.
func Discover(logger log.Logger, pid int) (Discovery, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return Discovery{}, fmt.Errorf("open procfs entry for pid %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return Discovery{}, fmt.Errorf("read memory map for pid %d: %w", pid, err)
	}

	d := Discovery{Executables: map[uint64]string{}}
	// First executable segment per file, used as the load address for
	// subsequent segments of the same file.
	firstSegment := map[string]uint64{}

	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		if len(d.Info.Mappings) >= MaxMappingsPerProcess {
			return Discovery{}, fmt.Errorf("pid %d: %w", pid, ErrTooManyMappings)
		}

		begin := uint64(m.StartAddr)
		end := uint64(m.EndAddr)

		switch {
		case m.Pathname == "":
			d.Info.IsJITCompiler = true
			d.Info.Mappings = append(d.Info.Mappings, Mapping{
				Kind:  MappingKindJITted,
				Begin: begin,
				End:   end,
			})
		case strings.HasPrefix(m.Pathname, "["):
			d.Info.Mappings = append(d.Info.Mappings, Mapping{
				Kind:  MappingKindSpecial,
				Begin: begin,
				End:   end,
			})
		default:
			rootedPath := path.Join("/proc", strconv.Itoa(pid), "root", m.Pathname)
			executableID := executableIdentity(logger, rootedPath, m.Pathname)

			loadAddress, seen := firstSegment[m.Pathname]
			if !seen {
				loadAddress = begin
				firstSegment[m.Pathname] = begin
			}

			d.Info.Mappings = append(d.Info.Mappings, Mapping{
				ExecutableID: executableID,
				Kind:         MappingKindFileBacked,
				LoadAddress:  loadAddress,
				Begin:        begin,
				End:          end,
			})
			d.Executables[executableID] = rootedPath
		}
	}

	return d, nil
}

// executableIdentity derives a stable identity for a mapped file,
// preferring its contents so the same build shares tables across
// processes and container roots.
func executableIdentity(logger log.Logger, rootedPath, pathname string) uint64 {
	id, err := hash.File(rootedPath)
	if err == nil {
		return id
	}
	// The file may be deleted or unreadable; fall back to its name.
	level.Debug(logger).Log("msg", "hashing executable contents failed, using pathname", "path", rootedPath, "err", err)
	return xxhash.Sum64String(pathname)
}
