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

// Package frame evaluates a single unwind row against the current
// register state, producing the caller's registers.
package frame

import (
	"errors"

	"github.com/polarmonk/stackwalk/pkg/unwind"
)

// retAddrOffset is where the return address sits relative to the
// canonical frame address on x86-64.
const retAddrOffset = 8

var (
	// ErrUnsupportedExpression is returned for frame-address expressions
	// outside the recognized vocabulary.
	ErrUnsupportedExpression = errors.New("unsupported frame address expression")
	// ErrUnsupportedFramePointerAction is returned for frame-pointer
	// recovery rules we do not evaluate.
	ErrUnsupportedFramePointerAction = errors.New("unsupported frame pointer recovery rule")
	// ErrUnsupportedCFARegister is returned when the frame address rule
	// names no register we can compute from.
	ErrUnsupportedCFARegister = errors.New("unsupported canonical frame address register")
	// ErrUnreadableMemory is returned when the target process's stack
	// cannot be read, typically because it changed under us.
	ErrUnreadableMemory = errors.New("cannot read target process memory")
)

// Registers is the register state a step needs: instruction pointer,
// stack pointer and frame base.
type Registers struct {
	IP uint64
	SP uint64
	BP uint64
}

// Step applies one unwind row to regs and returns the caller's
// registers. The second return value is true when the row marks the
// outermost frame, in which case the returned registers are unchanged
// and the walk is complete.
func Step(row unwind.UnwindRow, regs Registers, mem Memory) (Registers, bool, error) {
	// The outermost frame has no return address to recover; this must
	// be checked before computing the frame address, which may be
	// undefined in that row too.
	if row.RbpType() == unwind.RbpRuleUndefinedReturnAddress {
		return regs, true, nil
	}

	cfa, err := frameAddress(row, regs)
	if err != nil {
		return Registers{}, false, err
	}

	returnAddress, err := mem.ReadUint64(cfa - retAddrOffset)
	if err != nil {
		return Registers{}, false, errors.Join(ErrUnreadableMemory, err)
	}

	bp := regs.BP
	switch row.RbpType() {
	case unwind.RbpRuleOffsetUnchanged:
		// The caller's frame base is still live in the register.
	case unwind.RbpRuleOffset:
		bp, err = mem.ReadUint64(cfa + uint64(int64(row.RbpOffset())))
		if err != nil {
			return Registers{}, false, errors.Join(ErrUnreadableMemory, err)
		}
	default:
		// Register and expression based recovery is rare enough that
		// evaluating it is not worth it.
		return Registers{}, false, ErrUnsupportedFramePointerAction
	}

	return Registers{
		IP: returnAddress,
		// The frame address is the caller's stack pointer at the call
		// site.
		SP: cfa,
		BP: bp,
	}, false, nil
}

// frameAddress computes the canonical frame address per the row's rule.
func frameAddress(row unwind.UnwindRow, regs Registers) (uint64, error) {
	switch row.CfaType() {
	case unwind.CFATypeRbp:
		return regs.BP + uint64(row.CfaOffset()), nil
	case unwind.CFATypeRsp:
		return regs.SP + uint64(row.CfaOffset()), nil
	case unwind.CFATypeExpression:
		return evaluateExpression(unwind.ExpressionID(row.CfaOffset()), regs)
	default:
		return 0, ErrUnsupportedCFARegister
	}
}

// evaluateExpression computes the frame address for the recognized
// expressions. Both are procedure linkage table entries:
//
//	Plt1: sp + 8 + (((ip & 15) >= 11) << 3)
//	Plt2: sp + 8 + (((ip & 15) >= 10) << 3)
func evaluateExpression(id unwind.ExpressionID, regs Registers) (uint64, error) {
	var threshold uint64
	switch id {
	case unwind.ExpressionPlt1:
		threshold = 11
	case unwind.ExpressionPlt2:
		threshold = 10
	default:
		return 0, ErrUnsupportedExpression
	}

	var adjustment uint64
	if regs.IP&15 >= threshold {
		adjustment = 1
	}
	return regs.SP + 8 + (adjustment << 3), nil
}
