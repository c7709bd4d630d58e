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

package byteorder

import (
	"encoding/binary"
	"unsafe"
)

var hostByteOrder binary.ByteOrder

// In lack of binary.HostEndian ...
func init() {
	hostByteOrder = determineHostByteOrder()
}

// Host returns the byte order of the machine we are running on.
//
// Unwind tables are interchanged in the producer's native byte order,
// the same convention BPF maps use, so readers and writers must agree
// on it.
func Host() binary.ByteOrder {
	return hostByteOrder
}

func determineHostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	u := unsafe.Pointer(&i)
	pb := (*byte)(u)
	b := *pb
	if b == 0x04 {
		return binary.LittleEndian
	}

	return binary.BigEndian
}
