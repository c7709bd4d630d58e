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

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	walksTotalDesc = prometheus.NewDesc(
		"stackwalk_walks_total",
		"Number of attempted stack walks.",
		nil, nil,
	)
	walksSuccessDesc = prometheus.NewDesc(
		"stackwalk_walks_success_total",
		"Number of stack walks that produced a complete stack.",
		nil, nil,
	)
	walkErrorsDesc = prometheus.NewDesc(
		"stackwalk_walk_errors_total",
		"Number of failed stack walks by failure mode.",
		[]string{"reason"}, nil,
	)
)

// Collector exposes the walk counters to prometheus without the walker
// having to pay label-lookup costs on the hot path.
type Collector struct {
	stats *Stats
}

func NewCollector(stats *Stats) *Collector {
	return &Collector{stats: stats}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(walksTotalDesc, prometheus.CounterValue, float64(c.stats.Total.Load()))
	ch <- prometheus.MustNewConstMetric(walksSuccessDesc, prometheus.CounterValue, float64(c.stats.Success.Load()))

	for _, e := range []struct {
		reason  string
		counter float64
	}{
		{"truncated", float64(c.stats.ErrTruncated.Load())},
		{"unsupported_expression", float64(c.stats.ErrUnsupportedExpression.Load())},
		{"unsupported_frame_pointer_action", float64(c.stats.ErrUnsupportedFramePointerAction.Load())},
		{"unsupported_cfa_register", float64(c.stats.ErrUnsupportedCFARegister.Load())},
		{"catchall", float64(c.stats.ErrCatchall.Load())},
		{"should_never_happen", float64(c.stats.ErrShouldNeverHappen.Load())},
		{"exhausted_iterations", float64(c.stats.ErrExhaustedIterations.Load())},
		{"pc_not_covered", float64(c.stats.ErrPCNotCovered.Load())},
		{"jit", float64(c.stats.ErrJIT.Load())},
	} {
		ch <- prometheus.MustNewConstMetric(walkErrorsDesc, prometheus.CounterValue, e.counter, e.reason)
	}
}
