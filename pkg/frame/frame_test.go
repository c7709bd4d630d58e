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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarmonk/stackwalk/pkg/unwind"
)

// fakeMemory is a sparse word-addressed stack image.
type fakeMemory map[uint64]uint64

var errFault = errors.New("bad address")

func (m fakeMemory) ReadUint64(addr uint64) (uint64, error) {
	v, ok := m[addr]
	if !ok {
		return 0, errFault
	}
	return v, nil
}

func TestStep(t *testing.T) {
	tests := []struct {
		name string
		row  unwind.UnwindRow
		regs Registers
		mem  fakeMemory
		want Registers
	}{
		{
			name: "cfa from stack pointer",
			row:  unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
			regs: Registers{IP: 0x1010, SP: 0x7000, BP: 0xaaaa},
			mem:  fakeMemory{0x7008: 0x2020}, // return address at cfa-8
			want: Registers{IP: 0x2020, SP: 0x7010, BP: 0xaaaa},
		},
		{
			name: "cfa from frame base",
			row:  unwind.NewUnwindRow(0x10, unwind.CFATypeRbp, unwind.RbpRuleOffsetUnchanged, 16, 0),
			regs: Registers{IP: 0x1010, SP: 0x6000, BP: 0x7000},
			mem:  fakeMemory{0x7008: 0x2020},
			want: Registers{IP: 0x2020, SP: 0x7010, BP: 0x7000},
		},
		{
			name: "frame base restored from the stack",
			row:  unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffset, 16, -16),
			regs: Registers{IP: 0x1010, SP: 0x7000, BP: 0xaaaa},
			mem: fakeMemory{
				0x7008: 0x2020, // return address at cfa-8
				0x7000: 0xbbbb, // saved frame base at cfa-16
			},
			want: Registers{IP: 0x2020, SP: 0x7010, BP: 0xbbbb},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, terminal, err := Step(tt.row, tt.regs, tt.mem)
			require.NoError(t, err)
			require.False(t, terminal)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStepOutermostFrame(t *testing.T) {
	row := unwind.NewUnwindRow(0x10, unwind.CFATypeUndefined, unwind.RbpRuleUndefinedReturnAddress, 0, 0)
	regs := Registers{IP: 0x1010, SP: 0x7000, BP: 0xaaaa}

	// No memory access may happen: the frame address rule is undefined
	// here and the stack image is empty.
	got, terminal, err := Step(row, regs, fakeMemory{})
	require.NoError(t, err)
	require.True(t, terminal)
	require.Equal(t, regs, got)
}

func TestStepPltExpressions(t *testing.T) {
	tests := []struct {
		name   string
		id     unwind.ExpressionID
		ip     uint64
		wantSP uint64
	}{
		// Plt1 switches on (ip & 15) >= 11.
		{name: "plt1 below threshold", id: unwind.ExpressionPlt1, ip: 0x100a, wantSP: 0x7008},
		{name: "plt1 at threshold", id: unwind.ExpressionPlt1, ip: 0x100b, wantSP: 0x7010},
		// Plt2 switches on (ip & 15) >= 10.
		{name: "plt2 below threshold", id: unwind.ExpressionPlt2, ip: 0x1009, wantSP: 0x7008},
		{name: "plt2 at threshold", id: unwind.ExpressionPlt2, ip: 0x100a, wantSP: 0x7010},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := unwind.NewUnwindRow(0x10, unwind.CFATypeExpression, unwind.RbpRuleOffsetUnchanged, uint16(tt.id), 0)
			regs := Registers{IP: tt.ip, SP: 0x7000}
			mem := fakeMemory{tt.wantSP - 8: 0x2020}

			got, terminal, err := Step(row, regs, mem)
			require.NoError(t, err)
			require.False(t, terminal)
			require.Equal(t, tt.wantSP, got.SP)
			require.Equal(t, uint64(0x2020), got.IP)
		})
	}
}

func TestStepErrors(t *testing.T) {
	regs := Registers{IP: 0x1010, SP: 0x7000, BP: 0x8000}
	stack := fakeMemory{0x7008: 0x2020}

	tests := []struct {
		name    string
		row     unwind.UnwindRow
		mem     fakeMemory
		wantErr error
	}{
		{
			name:    "unknown expression",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeExpression, unwind.RbpRuleOffsetUnchanged, uint16(unwind.ExpressionUnknown), 0),
			mem:     stack,
			wantErr: ErrUnsupportedExpression,
		},
		{
			name:    "undefined frame address rule",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeUndefined, unwind.RbpRuleOffsetUnchanged, 0, 0),
			mem:     stack,
			wantErr: ErrUnsupportedCFARegister,
		},
		{
			name:    "frame base from register",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleRegister, 16, 0),
			mem:     stack,
			wantErr: ErrUnsupportedFramePointerAction,
		},
		{
			name:    "frame base from expression",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleExpression, 16, 0),
			mem:     stack,
			wantErr: ErrUnsupportedFramePointerAction,
		},
		{
			name:    "unreadable return address",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0),
			mem:     fakeMemory{},
			wantErr: ErrUnreadableMemory,
		},
		{
			name:    "unreadable saved frame base",
			row:     unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffset, 16, -16),
			mem:     stack,
			wantErr: ErrUnreadableMemory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Step(tt.row, regs, tt.mem)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStepMemoryFaultKeepsCause(t *testing.T) {
	row := unwind.NewUnwindRow(0x10, unwind.CFATypeRsp, unwind.RbpRuleOffsetUnchanged, 16, 0)
	_, _, err := Step(row, Registers{IP: 0x1010, SP: 0x7000}, fakeMemory{})
	require.ErrorIs(t, err, ErrUnreadableMemory)
	require.ErrorIs(t, err, errFault)
}
