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
	"bytes"
	"fmt"
	"sort"
)

// CFAType denotes the rule used to compute the canonical frame address,
// i.e. whether we should compute based on rbp or rsp.
type CFAType uint8

const (
	CFATypeUndefined CFAType = iota
	CFATypeRbp
	CFATypeRsp
	CFATypeExpression
	// CFATypeEndFdeMarker is a synthetic sentinel marking the end of a
	// function's frame descriptor; no rule applies at or past it.
	CFATypeEndFdeMarker
)

// RbpType denotes the rule used to recover the caller's frame-base
// register.
type RbpType uint8

const (
	RbpRuleOffsetUnchanged RbpType = iota
	RbpRuleOffset
	RbpRuleRegister
	RbpRuleExpression
	// RbpRuleUndefinedReturnAddress marks rows where the return address
	// is undefined, which happens in the outermost frame.
	RbpRuleUndefinedReturnAddress
)

// ExpressionID identifies the DWARF expressions we recognize. The
// vocabulary is closed: anything else is reported as unsupported.
type ExpressionID int16

const (
	ExpressionUnknown ExpressionID = iota
	ExpressionPlt1
	ExpressionPlt2
)

// UnwindRow is one program-counter-indexed unwinding rule. It is valid
// from its pc up to the next row's pc.
type UnwindRow struct {
	pc        uint64
	cfaType   CFAType
	rbpType   RbpType
	cfaOffset uint16
	rbpOffset int16
}

func NewUnwindRow(pc uint64, cfaType CFAType, rbpType RbpType, cfaOffset uint16, rbpOffset int16) UnwindRow {
	return UnwindRow{
		pc,
		cfaType,
		rbpType,
		cfaOffset,
		rbpOffset,
	}
}

// NewEndOfFunctionRow returns the sentinel row placed at the end
// address of a function.
func NewEndOfFunctionRow(pc uint64) UnwindRow {
	return UnwindRow{pc: pc, cfaType: CFATypeEndFdeMarker}
}

func (r *UnwindRow) Pc() uint64 {
	return r.pc
}

func (r *UnwindRow) CfaType() CFAType {
	return r.cfaType
}

func (r *UnwindRow) RbpType() RbpType {
	return r.rbpType
}

func (r *UnwindRow) CfaOffset() uint16 {
	return r.cfaOffset
}

func (r *UnwindRow) RbpOffset() int16 {
	return r.rbpOffset
}

func (r *UnwindRow) IsEndOfFDEMarker() bool {
	return r.cfaType == CFATypeEndFdeMarker
}

func (r *UnwindRow) String() string {
	b := bytes.NewBufferString("")

	fmt.Fprintf(b, "pc: %x ", r.Pc())
	fmt.Fprintf(b, "cfa_type: %-2d ", r.CfaType())
	fmt.Fprintf(b, "rbp_type: %-2d ", r.RbpType())
	fmt.Fprintf(b, "cfa_offset: %-4d ", r.CfaOffset())
	fmt.Fprintf(b, "rbp_offset: %-4d", r.RbpOffset())

	return b.String()
}

// IsRedundant reports whether the other row encodes the same rules and
// could be folded into this one.
func (r *UnwindRow) IsRedundant(other *UnwindRow) bool {
	if r == nil {
		return false
	}
	return r.cfaType == other.cfaType &&
		r.rbpType == other.rbpType &&
		r.cfaOffset == other.cfaOffset &&
		r.rbpOffset == other.rbpOffset
}

// Table is a sequence of unwind rows sorted ascending by program
// counter.
type Table []UnwindRow

func (t Table) Len() int           { return len(t) }
func (t Table) Less(i, j int) bool { return t[i].pc < t[j].pc }
func (t Table) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// IsSorted reports whether the rows are ordered by program counter.
func (t Table) IsSorted() bool {
	return sort.SliceIsSorted(t, func(i, j int) bool { return t[i].pc < t[j].pc })
}

// RemoveRedundant removes redundant unwind rows in place.
func (t Table) RemoveRedundant() Table {
	res := t[:0]
	var lastRow UnwindRow
	for _, row := range t {
		row := row
		if lastRow.IsRedundant(&row) {
			continue
		}
		res = append(res, row)
		lastRow = row
	}
	return res
}
