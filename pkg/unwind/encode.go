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
	"io"

	"github.com/polarmonk/stackwalk/byteorder"
)

// RowSizeBytes is the size of one packed row in the published-table
// interchange format: {pc u64, cfa_type u8, rbp_type u8,
// cfa_offset u16, rbp_offset s16}, no padding.
const RowSizeBytes = 14

var ErrShortRow = errors.New("truncated unwind row")

// AppendRow packs the row into buf in the host byte order.
//
// Note: we write field by field with the lower level APIs instead of
// binary.Write to stay off the reflection paths and intermediate
// buffers.
func AppendRow(buf []byte, row UnwindRow) []byte {
	bo := byteorder.Host()
	var scratch [RowSizeBytes]byte

	// .pc
	bo.PutUint64(scratch[0:8], row.pc)
	// .cfa_type
	scratch[8] = uint8(row.cfaType)
	// .rbp_type
	scratch[9] = uint8(row.rbpType)
	// .cfa_offset
	bo.PutUint16(scratch[10:12], row.cfaOffset)
	// .rbp_offset
	bo.PutUint16(scratch[12:14], uint16(row.rbpOffset))

	return append(buf, scratch[:]...)
}

// DecodeRow unpacks one row from b.
func DecodeRow(b []byte) (UnwindRow, error) {
	if len(b) < RowSizeBytes {
		return UnwindRow{}, ErrShortRow
	}

	bo := byteorder.Host()
	return UnwindRow{
		pc:        bo.Uint64(b[0:8]),
		cfaType:   CFAType(b[8]),
		rbpType:   RbpType(b[9]),
		cfaOffset: bo.Uint16(b[10:12]),
		rbpOffset: int16(bo.Uint16(b[12:14])),
	}, nil
}

// WriteTable writes a published table: the executable identity, the
// row count, then the packed rows. This is an internal interchange
// format, not a public wire protocol.
func WriteTable(w io.Writer, executableID uint64, table Table) error {
	bo := byteorder.Host()

	var header [16]byte
	bo.PutUint64(header[0:8], executableID)
	bo.PutUint64(header[8:16], uint64(len(table)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}

	buf := make([]byte, 0, RowSizeBytes*len(table))
	for _, row := range table {
		buf = AppendRow(buf, row)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write table rows: %w", err)
	}
	return nil
}

// ReadTable reads a table in the format produced by WriteTable.
func ReadTable(r io.Reader) (uint64, Table, error) {
	bo := byteorder.Host()

	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read table header: %w", err)
	}
	executableID := bo.Uint64(header[0:8])
	count := bo.Uint64(header[8:16])
	if count > MaxUnwindShards*MaxUnwindTableSize {
		return 0, nil, fmt.Errorf("table with %d rows is larger than every shard combined", count)
	}

	table := make(Table, 0, count)
	rowBuf := make([]byte, RowSizeBytes)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, rowBuf); err != nil {
			return 0, nil, fmt.Errorf("read row %d: %w", i, err)
		}
		row, err := DecodeRow(rowBuf)
		if err != nil {
			return 0, nil, err
		}
		table = append(table, row)
	}
	return executableID, table, nil
}
