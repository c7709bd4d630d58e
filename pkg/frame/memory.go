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

package frame

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/polarmonk/stackwalk/byteorder"
)

// Memory reads words from a target process's address space.
type Memory interface {
	ReadUint64(addr uint64) (uint64, error)
}

// ProcessMemory reads another process's memory through
// process_vm_readv, which avoids going through ptrace or /proc/pid/mem
// file descriptors.
type ProcessMemory struct {
	pid int
}

func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid}
}

func (p *ProcessMemory) ReadUint64(addr uint64) (uint64, error) {
	var word [8]byte
	local := []unix.Iovec{{Base: &word[0], Len: uint64(len(word))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(word)}}

	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv pid %d addr 0x%x: %w", p.pid, addr, err)
	}
	if n != len(word) {
		return 0, fmt.Errorf("process_vm_readv pid %d addr 0x%x: short read of %d bytes", p.pid, addr, n)
	}

	return byteorder.Host().Uint64(word[:]), nil
}
