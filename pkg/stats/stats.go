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

// Package stats counts walk outcomes by failure mode.
package stats

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Stats is a set of monotonic counters bumped by the walker on each
// attempted stack walk. All fields are safe for concurrent use.
type Stats struct {
	Total   atomic.Uint64
	Success atomic.Uint64

	ErrTruncated                     atomic.Uint64
	ErrUnsupportedExpression         atomic.Uint64
	ErrUnsupportedFramePointerAction atomic.Uint64
	ErrUnsupportedCFARegister        atomic.Uint64
	ErrCatchall                      atomic.Uint64
	ErrShouldNeverHappen             atomic.Uint64
	ErrExhaustedIterations           atomic.Uint64
	ErrPCNotCovered                  atomic.Uint64
	ErrJIT                           atomic.Uint64
}

func New() *Stats {
	return &Stats{}
}

// SuccessRate returns the fraction of walks that produced a complete
// stack, or zero when nothing was walked yet.
func (s *Stats) SuccessRate() float64 {
	total := s.Total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.Success.Load()) / float64(total)
}

// Log writes a snapshot of every counter at info level.
func (s *Stats) Log(logger log.Logger) {
	level.Info(logger).Log(
		"msg", "stack walk statistics",
		"total", s.Total.Load(),
		"success", s.Success.Load(),
		"success_rate", s.SuccessRate(),
		"truncated", s.ErrTruncated.Load(),
		"unsupported_expression", s.ErrUnsupportedExpression.Load(),
		"unsupported_frame_pointer_action", s.ErrUnsupportedFramePointerAction.Load(),
		"unsupported_cfa_register", s.ErrUnsupportedCFARegister.Load(),
		"catchall", s.ErrCatchall.Load(),
		"should_never_happen", s.ErrShouldNeverHappen.Load(),
		"exhausted_iterations", s.ErrExhaustedIterations.Load(),
		"pc_not_covered", s.ErrPCNotCovered.Load(),
		"jit", s.ErrJIT.Load(),
	)
}
